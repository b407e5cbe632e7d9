package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const grantKeyPrefix = "labkeeper:grants:"

// CachedStore caches role grants in Redis in front of another IdentityStore.
// Redis failures fall back to the inner store.
type CachedStore struct {
	inner  IdentityStore
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner. A nil client disables caching.
func NewCachedStore(inner IdentityStore, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{inner: inner, client: client, ttl: ttl, logger: logger}
}

// GetIdentity is never cached; status changes must apply immediately.
func (c *CachedStore) GetIdentity(ctx context.Context, subjectID string) (Identity, error) {
	return c.inner.GetIdentity(ctx, subjectID)
}

// GetDirectGrants is never cached.
func (c *CachedStore) GetDirectGrants(ctx context.Context, userID string) ([]string, error) {
	return c.inner.GetDirectGrants(ctx, userID)
}

// GetRoleGrants serves role grants from Redis, populating on miss.
func (c *CachedStore) GetRoleGrants(ctx context.Context, role string) ([]string, error) {
	if c.client == nil {
		return c.inner.GetRoleGrants(ctx, role)
	}
	key := grantKeyPrefix + role
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var grants []string
		if jsonErr := json.Unmarshal(payload, &grants); jsonErr == nil {
			return grants, nil
		}
		c.logger.Warn("grant cache decode", slog.String("role", role))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("grant cache get", slog.String("role", role), slog.Any("error", err))
		return c.inner.GetRoleGrants(ctx, role)
	}
	grants, err := c.inner.GetRoleGrants(ctx, role)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []string{}
	}
	raw, err := json.Marshal(grants)
	if err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("grant cache set", slog.String("role", role), slog.Any("error", err))
		}
	}
	return grants, nil
}

// InvalidateRole drops the cached grants of role. Its signature matches
// rbac.RoleChangeFunc.
func (c *CachedStore) InvalidateRole(ctx context.Context, role string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, grantKeyPrefix+role).Err(); err != nil {
		c.logger.Warn("grant cache invalidate", slog.String("role", role), slog.Any("error", err))
	}
}

var _ IdentityStore = (*CachedStore)(nil)
