package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is an in-memory stand-in for the redis commands the cache uses.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	readErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return redis.NewStringResult("", f.readErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.([]byte)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	next := &countingStore{policy: &WorkspacePolicy{AutoSendEnabled: true, ConfidenceThreshold: 0.8}}
	rdb := newFakeRedis()
	store := NewCachedStore(next, rdb, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := store.Get(ctx, "ws1")
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		if p.ConfidenceThreshold != 0.8 || p.WorkspaceID != "ws1" {
			t.Errorf("Get #%d = %+v", i, p)
		}
	}
	if next.calls != 1 {
		t.Errorf("underlying store calls = %d, want 1", next.calls)
	}
	if rdb.ttls["rd:policy:ws1"] != time.Minute {
		t.Errorf("ttl = %v, want 1m", rdb.ttls["rd:policy:ws1"])
	}

	if err := store.Invalidate(ctx, "ws1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := store.Get(ctx, "ws1"); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if next.calls != 2 {
		t.Errorf("underlying store calls after invalidate = %d, want 2", next.calls)
	}
}

func TestCachedStore_RedisDownFallsThrough(t *testing.T) {
	next := &countingStore{policy: &WorkspacePolicy{AutoSendEnabled: true}}
	rdb := newFakeRedis()
	rdb.readErr = errors.New("connection refused")
	store := NewCachedStore(next, rdb, time.Minute, nil)

	p, err := store.Get(context.Background(), "ws1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.AutoSendEnabled {
		t.Error("expected policy from underlying store")
	}
}

func TestCachedStore_MissingPolicyNotCached(t *testing.T) {
	next := &countingStore{err: &Error{WorkspaceID: "ws1"}}
	rdb := newFakeRedis()
	store := NewCachedStore(next, rdb, time.Minute, nil)

	if _, err := store.Get(context.Background(), "ws1"); !IsError(err) {
		t.Fatalf("err = %v, want *policy.Error", err)
	}
	if len(rdb.data) != 0 {
		t.Errorf("cache has %d entries, want 0", len(rdb.data))
	}
}

func TestCachedStore_CorruptEntryReloaded(t *testing.T) {
	next := &countingStore{policy: &WorkspacePolicy{ConfidenceThreshold: 0.7}}
	rdb := newFakeRedis()
	rdb.data["rd:policy:ws1"] = []byte("{broken")
	store := NewCachedStore(next, rdb, time.Minute, nil)

	p, err := store.Get(context.Background(), "ws1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.ConfidenceThreshold != 0.7 || next.calls != 1 {
		t.Errorf("policy = %+v calls = %d, want reload from store", p, next.calls)
	}
}
