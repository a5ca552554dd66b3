package sqlstore

import (
	"context"
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-fulfillment/core"
)

type RepositoryFactory struct {
	db           *bun.DB
	cacheService repositorycache.CacheService

	orderStore                *OrderStore
	creditLedger              *CreditLedger
	eventLedger               *EventLedger
	userStore                 *UserStore
	cachedUsers               *CachedUserDirectory
	notificationDispatchStore *NotificationDispatchStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

// WithUserCache makes UserDirectory reads go through cacheService.
func (f *RepositoryFactory) WithUserCache(cacheService repositorycache.CacheService) *RepositoryFactory {
	if f != nil {
		f.cacheService = cacheService
	}
	return f
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.orderStore != nil && f.creditLedger != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) OrderStore() core.OrderStore {
	if f == nil || f.orderStore == nil {
		return nil
	}
	return f.orderStore
}

func (f *RepositoryFactory) CreditLedger() core.CreditLedger {
	if f == nil || f.creditLedger == nil {
		return nil
	}
	return f.creditLedger
}

func (f *RepositoryFactory) EventLedger() core.EventLedger {
	if f == nil || f.eventLedger == nil {
		return nil
	}
	return f.eventLedger
}

func (f *RepositoryFactory) UserDirectory() core.UserDirectory {
	if f == nil {
		return nil
	}
	if f.cachedUsers != nil {
		return f.cachedUsers
	}
	if f.userStore == nil {
		return nil
	}
	return f.userStore
}

func (f *RepositoryFactory) NotificationLedger() core.NotificationLedger {
	if f == nil || f.notificationDispatchStore == nil {
		return nil
	}
	return f.notificationDispatchStore
}

func (f *RepositoryFactory) UserStore() *UserStore {
	if f == nil {
		return nil
	}
	return f.userStore
}

// UpsertUser writes through the cache when one is configured.
func (f *RepositoryFactory) UpsertUser(ctx context.Context, user core.User) error {
	if f == nil || f.userStore == nil {
		return fmt.Errorf("sqlstore: user store is not configured")
	}
	if f.cachedUsers != nil {
		return f.cachedUsers.Upsert(ctx, user)
	}
	return f.userStore.Upsert(ctx, user)
}

func (f *RepositoryFactory) initStores() error {
	orderStore, err := NewOrderStore(f.db)
	if err != nil {
		return err
	}
	creditLedger, err := NewCreditLedger(f.db)
	if err != nil {
		return err
	}
	eventLedger, err := NewEventLedger(f.db)
	if err != nil {
		return err
	}
	userStore, err := NewUserStore(f.db)
	if err != nil {
		return err
	}
	notificationDispatchStore, err := NewNotificationDispatchStore(f.db)
	if err != nil {
		return err
	}
	f.orderStore = orderStore
	f.creditLedger = creditLedger
	f.eventLedger = eventLedger
	f.userStore = userStore
	f.notificationDispatchStore = notificationDispatchStore

	if f.cacheService != nil {
		cached, err := NewCachedUserDirectory(userStore, f.cacheService)
		if err != nil {
			return err
		}
		f.cachedUsers = cached
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var (
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
