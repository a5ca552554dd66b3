package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-fulfillment/core"
)

// UserStore holds the contact profile used for notifications and the
// credit balance projection maintained by CreditLedger.
type UserStore struct {
	db   *bun.DB
	repo repository.Repository[*userRecord]
}

func NewUserStore(db *bun.DB) (*UserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*userRecord](db, userHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid user repository wiring: %w", err)
		}
	}
	return &UserStore{db: db, repo: repo}, nil
}

// Upsert creates the user with a zero balance or refreshes its profile. The
// balance column is never touched here.
func (s *UserStore) Upsert(ctx context.Context, user core.User) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: user store is not configured")
	}
	id := strings.TrimSpace(user.ID)
	if id == "" {
		return core.NewBadInputError("sqlstore: user id is required")
	}
	now := time.Now().UTC()
	record := &userRecord{
		ID:          id,
		Email:       strings.TrimSpace(user.Email),
		DisplayName: strings.TrimSpace(user.DisplayName),
		Language:    strings.ToLower(strings.TrimSpace(user.Language)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("display_name = EXCLUDED.display_name").
		Set("language = EXCLUDED.language").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *UserStore) GetUser(ctx context.Context, id string) (core.User, error) {
	if s == nil || s.repo == nil {
		return core.User{}, fmt.Errorf("sqlstore: user store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.User{}, core.ErrUserNotFound
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.User{}, err
	}
	if len(records) == 0 || records[0] == nil {
		return core.User{}, core.ErrUserNotFound
	}
	return records[0].toDomain(), nil
}

var _ core.UserDirectory = (*UserStore)(nil)
