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

// CreditLedger stores append-only credit movements and keeps the
// credit_balance projection on fulfillment_users in the same transaction.
type CreditLedger struct {
	db   *bun.DB
	repo repository.Repository[*creditTransactionRecord]
}

func NewCreditLedger(db *bun.DB) (*CreditLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*creditTransactionRecord](db, creditTransactionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credit transaction repository wiring: %w", err)
		}
	}
	return &CreditLedger{db: db, repo: repo}, nil
}

func (l *CreditLedger) Append(ctx context.Context, in core.AppendCreditInput) (core.CreditTransaction, bool, error) {
	if l == nil || l.db == nil || l.repo == nil {
		return core.CreditTransaction{}, false, fmt.Errorf("sqlstore: credit ledger is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.CreditTransaction{}, false, err
	}
	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID != "" {
		existing, found, err := l.findByCorrelation(ctx, correlationID)
		if err != nil {
			return core.CreditTransaction{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}

	now := time.Now().UTC()
	record := &creditTransactionRecord{
		ID:            uuid.NewString(),
		UserID:        strings.TrimSpace(in.UserID),
		OrderID:       optionalString(in.OrderID),
		Delta:         in.Delta,
		Reason:        string(in.Reason),
		CorrelationID: optionalString(correlationID),
		Note:          strings.TrimSpace(in.Note),
		CreatedAt:     now,
	}
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*userRecord)(nil)).
			Set("credit_balance = credit_balance + ?", in.Delta).
			Set("updated_at = ?", now).
			Where("id = ?", record.UserID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return core.ErrUserNotFound
		}
		_, err = l.repo.CreateTx(ctx, tx, record)
		return err
	})
	if err != nil {
		if correlationID != "" && isUniqueViolation(err) {
			existing, found, findErr := l.findByCorrelation(ctx, correlationID)
			if findErr != nil {
				return core.CreditTransaction{}, false, findErr
			}
			if found {
				return existing, false, nil
			}
		}
		return core.CreditTransaction{}, false, err
	}
	return record.toDomain(), true, nil
}

func (l *CreditLedger) ListForOrder(ctx context.Context, orderID string) ([]core.CreditTransaction, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("sqlstore: credit ledger is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return []core.CreditTransaction{}, nil
	}
	records, _, err := l.repo.List(ctx,
		repository.SelectBy("order_id", "=", orderID),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.CreditTransaction, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (l *CreditLedger) Balance(ctx context.Context, userID string) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("sqlstore: credit ledger is not configured")
	}
	user := &userRecord{}
	err := l.db.NewSelect().
		Model(user).
		Where("?TableAlias.id = ?", strings.TrimSpace(userID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return 0, core.ErrUserNotFound
		}
		return 0, err
	}
	return user.CreditBalance, nil
}

func (l *CreditLedger) findByCorrelation(ctx context.Context, correlationID string) (core.CreditTransaction, bool, error) {
	records, _, err := l.repo.List(ctx,
		repository.SelectBy("correlation_id", "=", correlationID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.CreditTransaction{}, false, err
	}
	if len(records) == 0 || records[0] == nil {
		return core.CreditTransaction{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

var _ core.CreditLedger = (*CreditLedger)(nil)
