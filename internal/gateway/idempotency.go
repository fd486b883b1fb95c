package gateway

import (
	"container/list"
	"sync"
	"time"
)

// idempotencyCache remembers recent Execute outcomes by (org_id, uapk_id,
// request_id) for spec §4.5's replay window, modeled on
// customrules.preparedCache's bounded LRU+TTL shape. It is process-local
// and only saves a redundant connector call and record within one process:
// appendRecord retries only on chain-tail conflicts and does not look up
// request_id, so a request_id repeated on another worker or after a
// restart is executed again and appended as a new record.
type idempotencyCache struct {
	capacity int
	ttl      time.Duration

	mu sync.Mutex
	ll *list.List
	m  map[string]*list.Element
}

type idempotencyEntry struct {
	key       string
	expiresAt time.Time
	outcome   *ExecutionOutcome
}

func newIdempotencyCache(capacity int, ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		m:        make(map[string]*list.Element),
	}
}

func idemKey(orgID, uapkID, requestID string) string {
	return orgID + "\x00" + uapkID + "\x00" + requestID
}

func (c *idempotencyCache) get(orgID, uapkID, requestID string) (*ExecutionOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := idemKey(orgID, uapkID, requestID)
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*idempotencyEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.outcome, true
}

func (c *idempotencyCache) set(orgID, uapkID, requestID string, outcome *ExecutionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := idemKey(orgID, uapkID, requestID)
	if el, ok := c.m[key]; ok {
		el.Value.(*idempotencyEntry).outcome = outcome
		el.Value.(*idempotencyEntry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	entry := &idempotencyEntry{key: key, expiresAt: time.Now().Add(c.ttl), outcome: outcome}
	el := c.ll.PushFront(entry)
	c.m[key] = el

	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.m, oldest.Value.(*idempotencyEntry).key)
		}
	}
}
