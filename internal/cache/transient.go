package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cacheit/cacheit/internal/queue"
)

// TransientEntry is an in-memory cache entry.
type TransientEntry struct {
	key        Key
	data       []byte
	metadata   Metadata
	expiration time.Time

	manager *TransientManager
	task    *queue.Task // guarded by manager.mu
	expired atomic.Bool
}

// Key returns the entry's cache key.
func (e *TransientEntry) Key() Key { return e.key }

// Tier returns Transient.
func (e *TransientEntry) Tier() Tier { return Transient }

// Data returns the payload. Callers must not modify it.
func (e *TransientEntry) Data() []byte { return e.data }

// Metadata returns a copy of the entry's metadata.
func (e *TransientEntry) Metadata() Metadata { return copyMetadata(e.metadata) }

// Expiration returns the fixed expiration instant.
func (e *TransientEntry) Expiration() time.Time { return e.expiration }

// Expired reports whether the entry was expired or its deadline has passed.
func (e *TransientEntry) Expired() bool {
	return e.expired.Load() || time.Now().After(e.expiration)
}

// Expire removes the entry from its manager. Calling it more than once is a no-op.
func (e *TransientEntry) Expire() {
	e.manager.expireEntry(e, "manual")
}

func (e *TransientEntry) String() string {
	return fmt.Sprintf("CacheKey: %s CacheType: %s Expired: %t", e.key, Transient, e.Expired())
}

// TransientManager owns the in-memory tier.
type TransientManager struct {
	entries  map[Key]*TransientEntry
	defaults Defaults
	closed   bool

	// Synchronization
	mu sync.RWMutex

	queue   *queue.DeadlineQueue
	logger  *Logger
	metrics *metrics

	statsMu sync.Mutex
	stats   Stats
}

// NewTransientManager creates a transient manager with factory defaults.
// Only WithLogger and WithMeterProvider apply to the transient tier.
func NewTransientManager(opts ...Option) *TransientManager {
	return newTransientManager(buildOptions(opts))
}

func newTransientManager(o *options) *TransientManager {
	return &TransientManager{
		entries:  make(map[Key]*TransientEntry),
		defaults: DefaultTransientDefaults(),
		queue:    queue.NewDeadlineQueue(),
		logger:   o.logger,
		metrics:  o.metrics,
		stats:    Stats{Tier: Transient},
	}
}

// Create installs a new entry for key, expiring any live entry first.
// A zero ttl uses the tier default.
func (m *TransientManager) Create(key Key, ttl time.Duration, data []byte, metadata Metadata) (*TransientEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl %s", ErrMalformedRequest, ttl)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if ttl == 0 {
		ttl = m.defaults.TTL
	}

	entry := &TransientEntry{
		key:        key,
		data:       payload,
		metadata:   copyMetadata(metadata),
		expiration: time.Now().Add(ttl),
		manager:    m,
	}

	if existing, ok := m.entries[key]; ok {
		m.expireLocked(existing, "overwritten")
	}

	task, err := m.queue.Schedule(entry.expiration, func() {
		m.expireEntry(entry, "ttl")
	})
	if err != nil {
		return nil, err
	}
	entry.task = task
	m.entries[key] = entry

	m.statsMu.Lock()
	m.stats.Created++
	m.statsMu.Unlock()
	m.metrics.recordCreate(Transient)
	m.logger.Log("Cached entry", CategorySave, LogInfo,
		"tier", Transient, "key", key, "bytes", len(payload), "expires", entry.expiration)

	return entry, nil
}

// Fetch returns the live entry for key, or nil.
func (m *TransientManager) Fetch(key Key) *TransientEntry {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	hit := ok && !entry.Expired()

	m.statsMu.Lock()
	if hit {
		m.stats.Hits++
	} else {
		m.stats.Misses++
	}
	m.stats.LastAccess = time.Now()
	m.statsMu.Unlock()
	m.metrics.recordFetch(Transient, hit)
	m.logger.Log("Fetched entry", CategoryFetch, LogDebug, "tier", Transient, "key", key, "hit", hit)

	if !hit {
		return nil
	}
	return entry
}

// Remove expires the entry for key. It is a no-op if key is absent.
func (m *TransientManager) Remove(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		m.expireLocked(entry, "removed")
	}
}

// Purge expires every entry present when the lock is taken.
func (m *TransientManager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		m.expireLocked(entry, "purged")
	}
}

// SetDefaults replaces the defaults used for future entries.
func (m *TransientManager) SetDefaults(d Defaults) error {
	if d.Tier != Transient {
		return fmt.Errorf("%w: %s defaults passed to transient manager", ErrMalformedRequest, d.Tier)
	}
	if d.TTL < 0 {
		return fmt.Errorf("%w: negative ttl %s", ErrMalformedRequest, d.TTL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.defaults = d
	return nil
}

// Defaults returns the current defaults.
func (m *TransientManager) Defaults() Defaults {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.defaults
}

// Len returns the number of entries in the map.
func (m *TransientManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Keys returns all keys currently in the map.
func (m *TransientManager) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]Key, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns tier statistics.
func (m *TransientManager) Stats() Stats {
	n := int64(m.Len())

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stats := m.stats
	stats.ItemCount = n
	stats.calculateHitRate()
	return stats
}

// Close expires all entries and stops the expiry worker.
func (m *TransientManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	for _, entry := range m.entries {
		m.expireLocked(entry, "closed")
	}
	m.closed = true
	m.mu.Unlock()

	return m.queue.Close()
}

// expireEntry is the single entry point for every expiry trigger.
func (m *TransientManager) expireEntry(entry *TransientEntry, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(entry, reason)
}

// expireLocked removes entry if it still owns its map slot (must be called with lock held).
func (m *TransientManager) expireLocked(entry *TransientEntry, reason string) {
	m.queue.Cancel(entry.task)
	entry.task = nil

	if entry.expired.Swap(true) {
		return
	}
	if current, ok := m.entries[entry.key]; ok && current == entry {
		delete(m.entries, entry.key)
	}

	m.statsMu.Lock()
	m.stats.Expired++
	m.stats.LastExpire = time.Now()
	m.statsMu.Unlock()
	m.metrics.recordExpire(Transient)
	m.logger.Log("Expired entry", CategoryExpire, LogInfo, "tier", Transient, "key", entry.key, "reason", reason)
}
