// Package cache keeps working-hours rules in Redis in front of the store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"vpcal-service/internal/workinghours"
)

const DefaultTTL = 10 * time.Minute

type RuleStore interface {
	Rule(ctx context.Context, userID string) (workinghours.Rule, error)
	SaveRule(ctx context.Context, rule workinghours.Rule) (workinghours.Rule, error)
}

// Rules is a read-through cache. Redis errors are logged and the store is
// used directly, so a cache outage never fails a request.
type Rules struct {
	store  RuleStore
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRules(store RuleStore, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Rules {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rules{store: store, rdb: rdb, ttl: ttl, prefix: "vpcal:rule:", logger: logger}
}

func (c *Rules) key(userID string) string { return c.prefix + userID }

func (c *Rules) Rule(ctx context.Context, userID string) (workinghours.Rule, error) {
	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	switch {
	case err == nil:
		var r workinghours.Rule
		if err := json.Unmarshal(raw, &r); err == nil {
			return r, nil
		}
		c.logger.Warn("discarding undecodable cached rule", "user_id", userID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rule cache read failed", "user_id", userID, "err", err)
	}

	r, err := c.store.Rule(ctx, userID)
	if err != nil {
		return workinghours.Rule{}, err
	}
	c.put(ctx, r)
	return r, nil
}

// SaveRule writes through to the store, then refreshes the cached entry.
func (c *Rules) SaveRule(ctx context.Context, rule workinghours.Rule) (workinghours.Rule, error) {
	saved, err := c.store.SaveRule(ctx, rule)
	if err != nil {
		return workinghours.Rule{}, err
	}
	if err := c.rdb.Del(ctx, c.key(rule.OwnerID)).Err(); err != nil {
		c.logger.Warn("rule cache invalidation failed", "user_id", rule.OwnerID, "err", err)
		return saved, nil
	}
	c.put(ctx, saved)
	return saved, nil
}

// Invalidate drops the cached rule, e.g. after a profile zone change.
func (c *Rules) Invalidate(ctx context.Context, userID string) {
	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		c.logger.Warn("rule cache invalidation failed", "user_id", userID, "err", err)
	}
}

// put caches saved rules only. An unsaved default follows the profile zone,
// so it is read from the store each time.
func (c *Rules) put(ctx context.Context, r workinghours.Rule) {
	if r.UpdatedAt == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(r.OwnerID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("rule cache write failed", "user_id", r.OwnerID, "err", err)
	}
}

func ReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
