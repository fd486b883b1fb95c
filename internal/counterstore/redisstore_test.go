package counterstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, zap.NewNop())
}

func TestRedisStorePeekStartsAtZero(t *testing.T) {
	s := newTestRedisStore(t)
	count, err := s.Peek(context.Background(), testKey())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestRedisStoreCheckAndIncrementAtomicity(t *testing.T) {
	s := newTestRedisStore(t)
	key := testKey()

	for i := int64(1); i <= 3; i++ {
		count, applied, err := s.CheckAndIncrement(context.Background(), key, 3)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !applied || count != i {
			t.Fatalf("increment %d: expected applied=true count=%d, got applied=%v count=%d", i, i, applied, count)
		}
	}

	count, applied, err := s.CheckAndIncrement(context.Background(), key, 3)
	if err != nil {
		t.Fatalf("increment over limit: %v", err)
	}
	if applied {
		t.Fatalf("expected rejection once limit reached")
	}
	if count != 3 {
		t.Fatalf("expected count to stay at 3, got %d", count)
	}
}

func TestRedisStorePeekReflectsIncrement(t *testing.T) {
	s := newTestRedisStore(t)
	key := testKey()

	_, _, _ = s.CheckAndIncrement(context.Background(), key, 10)
	count, err := s.Peek(context.Background(), key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
}

func TestRedisStoreDecrementUndoesIncrement(t *testing.T) {
	s := newTestRedisStore(t)
	key := testKey()

	_, _, _ = s.CheckAndIncrement(context.Background(), key, 0)
	_, _, _ = s.CheckAndIncrement(context.Background(), key, 0)
	if err := s.Decrement(context.Background(), key); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	count, err := s.Peek(context.Background(), key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after decrement, got %d", count)
	}
}

func TestRedisStoreDecrementFlooredAtZero(t *testing.T) {
	s := newTestRedisStore(t)
	key := testKey()

	if err := s.Decrement(context.Background(), key); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	count, err := s.Peek(context.Background(), key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected count to stay at 0, got %d", count)
	}
}

func TestRedisStoreSeparateWindowsIsolated(t *testing.T) {
	s := newTestRedisStore(t)
	now := time.Now()
	hourKey := Key{OrgID: "org1", UAPKID: "uapk1", ActionType: "wire_transfer", Kind: WindowHour, WindowStart: WindowStartFor(now, WindowHour)}
	dayKey := Key{OrgID: "org1", UAPKID: "uapk1", ActionType: "wire_transfer", Kind: WindowDay, WindowStart: WindowStartFor(now, WindowDay)}

	_, _, _ = s.CheckAndIncrement(context.Background(), hourKey, 0)

	dayCount, err := s.Peek(context.Background(), dayKey)
	if err != nil {
		t.Fatalf("peek day: %v", err)
	}
	if dayCount != 0 {
		t.Fatalf("expected day window unaffected by hour increment, got %d", dayCount)
	}
}
