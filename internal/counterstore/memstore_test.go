package counterstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testKey() Key {
	return Key{OrgID: "org1", UAPKID: "uapk1", ActionType: "wire_transfer", Kind: WindowHour, WindowStart: WindowStartFor(time.Now(), WindowHour)}
}

func TestMemStorePeekStartsAtZero(t *testing.T) {
	s := NewMemStore()
	count, err := s.Peek(context.Background(), testKey())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestMemStoreCheckAndIncrementUnderLimit(t *testing.T) {
	s := NewMemStore()
	key := testKey()

	count, applied, err := s.CheckAndIncrement(context.Background(), key, 2)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if !applied || count != 1 {
		t.Fatalf("expected applied=true count=1, got applied=%v count=%d", applied, count)
	}
}

func TestMemStoreCheckAndIncrementAtLimitRejects(t *testing.T) {
	s := NewMemStore()
	key := testKey()

	_, _, _ = s.CheckAndIncrement(context.Background(), key, 1)
	count, applied, err := s.CheckAndIncrement(context.Background(), key, 1)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if applied {
		t.Fatalf("expected second increment to be rejected at limit 1")
	}
	if count != 1 {
		t.Fatalf("expected count to remain 1, got %d", count)
	}
}

func TestMemStoreUnlimitedWhenLimitZero(t *testing.T) {
	s := NewMemStore()
	key := testKey()
	for i := 0; i < 5; i++ {
		_, applied, err := s.CheckAndIncrement(context.Background(), key, 0)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if !applied {
			t.Fatalf("expected unlimited budget to always apply")
		}
	}
}

func TestMemStoreDecrementUndoesIncrement(t *testing.T) {
	s := NewMemStore()
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

func TestMemStoreDecrementFlooredAtZero(t *testing.T) {
	s := NewMemStore()
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

func TestMemStoreConcurrentIncrementRespectsLimit(t *testing.T) {
	s := NewMemStore()
	key := testKey()

	const limit = 10
	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	applyCount := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, _ := s.CheckAndIncrement(context.Background(), key, limit)
			if applied {
				mu.Lock()
				applyCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applyCount != limit {
		t.Fatalf("expected exactly %d applied increments under concurrency, got %d", limit, applyCount)
	}
}
