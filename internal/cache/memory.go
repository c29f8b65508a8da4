package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMemorySize = 1024
	defaultMemoryTTL  = time.Hour
	sweepInterval     = time.Minute
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

type memoryCounter struct {
	count   int64
	expires time.Time
}

// Memory is a per-process cache backed by an expirable LRU. It suits single
// instance deployments and tests; counters are kept outside the LRU so rate
// limit state is never evicted by payload churn.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time

	mu        sync.Mutex
	counters  map[string]*memoryCounter
	lastSweep time.Time
}

// NewMemory returns a memory cache holding at most size entries, each living
// no longer than ttl.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = defaultMemorySize
	}
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	return &Memory{
		lru:      expirable.NewLRU[string, memoryEntry](size, nil, ttl),
		now:      time.Now,
		counters: make(map[string]*memoryCounter),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		m.lru.Remove(key)
		return nil, ErrMiss
	}
	return append([]byte(nil), entry.value...), nil
}

// Keys lists the live payload keys, oldest first.
func (m *Memory) Keys() []string {
	now := m.now()
	keys := make([]string, 0, m.lru.Len())
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if !ok || (!entry.expires.IsZero() && !now.Before(entry.expires)) {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.lru.Add(key, entry)
	return nil
}

func (m *Memory) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var removed int64
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) && m.lru.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) >= sweepInterval {
		m.sweepLocked(now)
		m.lastSweep = now
	}
	counter, ok := m.counters[key]
	if ok && !counter.expires.IsZero() && !now.Before(counter.expires) {
		ok = false
	}
	if !ok {
		counter = &memoryCounter{}
		m.counters[key] = counter
	}
	counter.count++
	if counter.count == 1 && window > 0 {
		counter.expires = now.Add(window)
	}
	return counter.count, nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if counter, ok := m.counters[key]; ok {
		if counter.expires.IsZero() {
			return -1, nil
		}
		if remaining := counter.expires.Sub(now); remaining > 0 {
			return remaining, nil
		}
		delete(m.counters, key)
		return -1, nil
	}
	if entry, ok := m.lru.Peek(key); ok && !entry.expires.IsZero() {
		if remaining := entry.expires.Sub(now); remaining > 0 {
			return remaining, nil
		}
	}
	return -1, nil
}

// sweepLocked drops expired counters; callers hold m.mu.
func (m *Memory) sweepLocked(now time.Time) {
	for key, counter := range m.counters {
		if !counter.expires.IsZero() && !now.Before(counter.expires) {
			delete(m.counters, key)
		}
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.lru.Purge()
	m.mu.Lock()
	m.counters = make(map[string]*memoryCounter)
	m.mu.Unlock()
	return nil
}

var _ Cache = (*Memory)(nil)
