package bridge

import (
	"container/list"
	"time"

	"crosslend/internal/observability"
)

// Deduper implements two-tier deduplication of relay deliveries: an
// in-memory LRU for the hot path backed by an optional durable checker
// (Postgres in production). A message is applied at most once per
// idempotency key no matter how many times the bridge delivers it.
type Deduper struct {
	lru     *dedupLRU
	store   StoreChecker
	metrics *observability.Metrics
}

// StoreChecker is the durable tier of the dedup lookup.
type StoreChecker interface {
	IsDelivered(key string) (bool, error)
}

func NewDeduper(capacity int, store StoreChecker, metrics *observability.Metrics) *Deduper {
	return &Deduper{
		lru:     newDedupLRU(capacity),
		store:   store,
		metrics: metrics,
	}
}

// Seen reports whether the message was already applied. The LRU is
// consulted first; a durable hit is promoted into the LRU so repeated
// redeliveries stay on the hot path.
func (d *Deduper) Seen(m Message) bool {
	key := m.IdempotencyKey()

	if d.lru.contains(key) {
		if d.metrics != nil {
			d.metrics.RelayDuplicates.WithLabelValues(string(m.Kind), "lru").Inc()
		}
		return true
	}

	if d.store != nil {
		start := time.Now()
		delivered, err := d.store.IsDelivered(key)
		if d.metrics != nil {
			d.metrics.DedupStoreDur.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// Conservative: a store outage must not block delivery. The
			// credit ledger's own state checks catch the rare replay that
			// slips through here.
			return false
		}
		if delivered {
			if d.metrics != nil {
				d.metrics.RelayDuplicates.WithLabelValues(string(m.Kind), "postgres").Inc()
			}
			d.lru.add(key)
			return true
		}
	}

	return false
}

// Mark records the message as applied.
func (d *Deduper) Mark(m Message) {
	before := d.lru.evictions
	d.lru.add(m.IdempotencyKey())
	d.recordLRU(before)
}

// Warm preloads recent idempotency keys, typically from Postgres on
// restart, so redeliveries of recent messages never hit the cold path.
func (d *Deduper) Warm(keys []string) {
	before := d.lru.evictions
	for _, k := range keys {
		d.lru.add(k)
	}
	d.recordLRU(before)
}

func (d *Deduper) recordLRU(evictionsBefore int64) {
	if d.metrics == nil {
		return
	}
	if n := d.lru.evictions - evictionsBefore; n > 0 {
		d.metrics.DedupLRUEvictions.Add(float64(n))
	}
	d.metrics.DedupLRUSize.Set(float64(d.lru.size()))
}

// dedupLRU is not thread-safe; the relay consumer is a single goroutine.
type dedupLRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *dedupLRU) contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *dedupLRU) add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		l.evictOldest()
	}
}

func (l *dedupLRU) evictOldest() {
	elem := l.order.Back()
	if elem == nil {
		return
	}
	l.order.Remove(elem)
	delete(l.cache, elem.Value.(string))
	l.evictions++
}

func (l *dedupLRU) size() int { return l.order.Len() }
