package policy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iworkr/aiva.io-sub003/internal/logging"
)

// redisClient is the subset of *redis.Client the cache uses, allowing
// injection of fakes in tests.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore fronts another Store with a Redis read-through cache. Redis
// failures are logged and fall through to the underlying store.
type CachedStore struct {
	next   Store
	client redisClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps next with a Redis cache whose entries expire after ttl.
func NewCachedStore(next Store, client redisClient, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logging.OrNop(logger)}
}

func cacheKey(workspaceID string) string {
	return "rd:policy:" + workspaceID
}

// Get returns the cached policy or loads and caches it. Missing policies are
// not cached so a newly created workspace is picked up immediately.
func (s *CachedStore) Get(ctx context.Context, workspaceID string) (*WorkspacePolicy, error) {
	key := cacheKey(workspaceID)

	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p WorkspacePolicy
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
		s.logger.Warn("discarding undecodable cached policy", zap.String("workspace_id", workspaceID))
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("policy cache read failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}

	p, err := s.next.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err == nil {
		err = s.client.Set(ctx, key, data, s.ttl).Err()
	}
	if err != nil {
		s.logger.Warn("policy cache write failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	return p, nil
}

// Invalidate drops the cached policy for workspaceID.
func (s *CachedStore) Invalidate(ctx context.Context, workspaceID string) error {
	return s.client.Del(ctx, cacheKey(workspaceID)).Err()
}
