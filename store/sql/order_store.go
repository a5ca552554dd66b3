package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-fulfillment/core"
)

type OrderStore struct {
	db   *bun.DB
	repo repository.Repository[*printOrderRecord]
	now  func() time.Time
}

func NewOrderStore(db *bun.DB) (*OrderStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*printOrderRecord](db, printOrderHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid print order repository wiring: %w", err)
		}
	}
	return &OrderStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *OrderStore) Create(ctx context.Context, in core.CreateOrderInput) (core.PrintOrder, error) {
	if s == nil || s.db == nil {
		return core.PrintOrder{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.PrintOrder{}, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	record := newPrintOrderRecord(id, in, s.now())
	// Inserted directly so caller supplied ids that are not UUIDs survive.
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return core.PrintOrder{}, core.NewBadInputError("sqlstore: order id already exists")
		}
		return core.PrintOrder{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (core.PrintOrder, error) {
	if s == nil || s.repo == nil {
		return core.PrintOrder{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record, err := s.findBy(ctx, "id", id)
	if err != nil {
		return core.PrintOrder{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) GetByProviderJobID(ctx context.Context, jobID string) (core.PrintOrder, error) {
	if s == nil || s.repo == nil {
		return core.PrintOrder{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record, err := s.findBy(ctx, "provider_job_id", jobID)
	if err != nil {
		return core.PrintOrder{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) findBy(ctx context.Context, column string, value string) (*printOrderRecord, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, core.ErrOrderNotFound
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy(column, "=", value),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[0] == nil {
		return nil, core.ErrOrderNotFound
	}
	return records[0], nil
}

// UpdateStatus only writes when the stored status still equals in.Expected.
func (s *OrderStore) UpdateStatus(ctx context.Context, in core.StatusUpdate) (core.PrintOrder, error) {
	if s == nil || s.db == nil {
		return core.PrintOrder{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return core.PrintOrder{}, core.NewBadInputError("sqlstore: order id is required")
	}
	query := s.db.NewUpdate().
		Model((*printOrderRecord)(nil)).
		Set("status = ?", string(in.Next)).
		Set("provider_status = ?", strings.TrimSpace(in.ProviderStatus)).
		Set("status_message = ?", strings.TrimSpace(in.StatusMessage)).
		Set("updated_at = ?", s.now())
	if in.Tracking != nil {
		urls, err := encodeJSON(append([]string{}, in.Tracking.URLs...))
		if err != nil {
			return core.PrintOrder{}, err
		}
		query = query.
			Set("tracking_id = ?", strings.TrimSpace(in.Tracking.TrackingID)).
			Set("carrier = ?", strings.TrimSpace(in.Tracking.Carrier)).
			Set("tracking_urls = ?", urls)
	}
	result, err := query.
		Where("id = ?", orderID).
		Where("status = ?", string(in.Expected)).
		Exec(ctx)
	if err != nil {
		return core.PrintOrder{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.Get(ctx, orderID); getErr != nil {
			return core.PrintOrder{}, getErr
		}
		return core.PrintOrder{}, core.ErrOrderStatusConflict
	}
	return s.Get(ctx, orderID)
}

// ClaimSubmission is a conditional update, so of two concurrent callers only
// one sees a row affected.
func (s *OrderStore) ClaimSubmission(ctx context.Context, orderID string, at time.Time, staleBefore time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: order store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	result, err := s.db.NewUpdate().
		Model((*printOrderRecord)(nil)).
		Set("submission_claimed_at = ?", at.UTC()).
		Where("id = ?", orderID).
		Where("status = ?", string(core.OrderStatusPaid)).
		Where("(provider_job_id IS NULL OR provider_job_id = '')").
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Where("submission_claimed_at IS NULL").
				WhereOr("submission_claimed_at <= ?", staleBefore.UTC())
		}).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.Get(ctx, orderID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (s *OrderStore) ReleaseSubmission(ctx context.Context, orderID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: order store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*printOrderRecord)(nil)).
		Set("submission_claimed_at = NULL").
		Where("id = ?", strings.TrimSpace(orderID)).
		Exec(ctx)
	return err
}

func (s *OrderStore) SetProviderJob(ctx context.Context, orderID string, jobID string) (core.PrintOrder, error) {
	if s == nil || s.db == nil {
		return core.PrintOrder{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return core.PrintOrder{}, core.NewBadInputError("sqlstore: provider job id is required")
	}
	result, err := s.db.NewUpdate().
		Model((*printOrderRecord)(nil)).
		Set("provider_job_id = ?", jobID).
		Set("submission_claimed_at = NULL").
		Set("last_error = ?", "").
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(orderID)).
		Exec(ctx)
	if err != nil {
		return core.PrintOrder{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.PrintOrder{}, core.ErrOrderNotFound
	}
	return s.Get(ctx, orderID)
}

func (s *OrderStore) RecordFailure(ctx context.Context, orderID string, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: order store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*printOrderRecord)(nil)).
		Set("last_error = ?", strings.TrimSpace(message)).
		Set("retry_count = retry_count + 1").
		Where("id = ?", strings.TrimSpace(orderID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.ErrOrderNotFound
	}
	return nil
}

// MarkRefunded is a no-op for orders that are already flagged.
func (s *OrderStore) MarkRefunded(ctx context.Context, orderID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: order store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	refundedAt := at.UTC()
	result, err := s.db.NewUpdate().
		Model((*printOrderRecord)(nil)).
		Set("refunded = ?", true).
		Set("refunded_at = ?", refundedAt).
		Set("updated_at = ?", s.now()).
		Where("id = ?", orderID).
		Where("refunded = ?", false).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.Get(ctx, orderID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *OrderStore) ListPendingRefunds(ctx context.Context, limit int) ([]core.PrintOrder, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	return s.list(ctx, limit, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.status IN (?)", bun.In([]string{
				string(core.OrderStatusRejected),
				string(core.OrderStatusCancelled),
			})).
			Where("?TableAlias.refunded = ?", false).
			Where("?TableAlias.credit_cost > 0")
	})
}

func (s *OrderStore) ListAwaitingSubmission(ctx context.Context, updatedBefore time.Time, limit int) ([]core.PrintOrder, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	return s.list(ctx, limit, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.status = ?", string(core.OrderStatusPaid)).
			Where("(?TableAlias.provider_job_id IS NULL OR ?TableAlias.provider_job_id = '')").
			Where("?TableAlias.updated_at <= ?", updatedBefore.UTC())
	})
}

func (s *OrderStore) list(
	ctx context.Context,
	limit int,
	filter func(q *bun.SelectQuery) *bun.SelectQuery,
) ([]core.PrintOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(filter),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.PrintOrder, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		out = append(out, record.toDomain())
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// encodeJSON renders a value for raw SET clauses on jsonb columns.
func encodeJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("sqlstore: encode json column: %w", err)
	}
	return string(encoded), nil
}

var _ core.OrderStore = (*OrderStore)(nil)
