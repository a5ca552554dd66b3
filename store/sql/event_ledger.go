package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-fulfillment/core"
)

type EventLedger struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewEventLedger(db *bun.DB) (*EventLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &EventLedger{db: db, repo: repo}, nil
}

func (l *EventLedger) Lookup(ctx context.Context, provider string, eventID string) (core.WebhookEventRecord, bool, error) {
	if l == nil || l.repo == nil {
		return core.WebhookEventRecord{}, false, fmt.Errorf("sqlstore: event ledger is not configured")
	}
	records, _, err := l.repo.List(ctx,
		repository.SelectBy("provider", "=", normalizeProvider(provider)),
		repository.SelectBy("event_id", "=", strings.TrimSpace(eventID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.WebhookEventRecord{}, false, err
	}
	if len(records) == 0 || records[0] == nil {
		return core.WebhookEventRecord{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

// Record relies on the (provider, event_id) unique index so concurrent
// deliveries of one event insert exactly one row.
func (l *EventLedger) Record(ctx context.Context, input core.WebhookEventRecord) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("sqlstore: event ledger is not configured")
	}
	provider := normalizeProvider(input.Provider)
	eventID := strings.TrimSpace(input.EventID)
	if provider == "" || eventID == "" {
		return false, core.NewBadInputError("sqlstore: event provider and id are required")
	}
	firstSeen := input.FirstSeenAt.UTC()
	if input.FirstSeenAt.IsZero() {
		firstSeen = time.Now().UTC()
	}
	record := &webhookEventRecord{
		ID:          uuid.NewString(),
		Provider:    provider,
		EventID:     eventID,
		Outcome:     string(input.Outcome),
		OrderID:     strings.TrimSpace(input.OrderID),
		FirstSeenAt: firstSeen,
	}
	if _, err := l.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

var _ core.EventLedger = (*EventLedger)(nil)
