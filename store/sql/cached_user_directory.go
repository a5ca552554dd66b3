package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-fulfillment/core"
)

const userCacheKeyPrefix = "go-fulfillment::user::v1"

// CachedUserDirectory fronts UserStore reads with a go-repository-cache
// service. Notification fan-out looks the same user up once per event.
type CachedUserDirectory struct {
	base  *UserStore
	cache repositorycache.CacheService
}

func NewCachedUserDirectory(base *UserStore, cacheService repositorycache.CacheService) (*CachedUserDirectory, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base user store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: user cache service is required")
	}
	return &CachedUserDirectory{base: base, cache: cacheService}, nil
}

// UserCacheKey returns go-fulfillment::user::v1::<escaped id>.
func UserCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: user id is required")
	}
	return userCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (d *CachedUserDirectory) GetUser(ctx context.Context, id string) (core.User, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return core.User{}, fmt.Errorf("sqlstore: cached user directory is not configured")
	}
	key, err := UserCacheKey(id)
	if err != nil {
		return core.User{}, core.ErrUserNotFound
	}
	return repositorycache.GetOrFetch(ctx, d.cache, key, func(ctx context.Context) (core.User, error) {
		return d.base.GetUser(ctx, id)
	})
}

func (d *CachedUserDirectory) Upsert(ctx context.Context, user core.User) error {
	if d == nil || d.base == nil || d.cache == nil {
		return fmt.Errorf("sqlstore: cached user directory is not configured")
	}
	if err := d.base.Upsert(ctx, user); err != nil {
		return err
	}
	key, err := UserCacheKey(user.ID)
	if err != nil {
		return err
	}
	return d.cache.Delete(ctx, key)
}

var _ core.UserDirectory = (*CachedUserDirectory)(nil)
