package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache is a bounded, TTL-expiring set of recently-seen keys, used
// to drop duplicate adapter.message.created events caused by gateway
// retries or double-delivery before they reach the Request Router.
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	order *list.List
	index map[string]*list.Element
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:   ttl,
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Seen reports whether key has already been recorded within ttl, and
// records it if not. The first call for any key returns false.
func (d *DedupeCache) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.evictExpired(now)

	if el, ok := d.index[key]; ok {
		el.Value.(*dedupeEntry).seen = now
		d.order.MoveToFront(el)
		return true
	}

	el := d.order.PushFront(&dedupeEntry{key: key, seen: now})
	d.index[key] = el

	for d.order.Len() > d.max {
		back := d.order.Back()
		if back == nil {
			break
		}
		d.order.Remove(back)
		delete(d.index, back.Value.(*dedupeEntry).key)
	}

	return false
}

func (d *DedupeCache) evictExpired(now time.Time) {
	for {
		back := d.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*dedupeEntry)
		if now.Sub(entry.seen) <= d.ttl {
			return
		}
		d.order.Remove(back)
		delete(d.index, entry.key)
	}
}

// InboundDebouncer merges a burst of inbound messages for the same key
// (session) arriving within window into a single flush call, matching the
// Request Router's active-channel batching in "active" mode.
type InboundDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(key string, batch []interface{})
	pending map[string][]interface{}
	timers  map[string]*time.Timer
}

func NewInboundDebouncer(window time.Duration, flush func(key string, batch []interface{})) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string][]interface{}),
		timers:  make(map[string]*time.Timer),
	}
}

// Add appends msg to key's pending batch, (re)starting the debounce timer.
func (d *InboundDebouncer) Add(key string, msg interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[key] = append(d.pending[key], msg)

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() { d.fire(key) })
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	batch := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	d.mu.Unlock()

	if len(batch) > 0 {
		d.flush(key, batch)
	}
}

// Stop cancels all pending timers without flushing, used on shutdown.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.pending = make(map[string][]interface{})
}
