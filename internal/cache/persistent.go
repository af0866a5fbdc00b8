package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cacheit/cacheit/internal/queue"
)

const (
	// minExpiryDelay keeps already-due entries from scheduling a zero timer.
	minExpiryDelay = time.Second

	// Payloads at or below this size are never compressed.
	compressThreshold = 1024

	tempSuffix = ".tmp"
)

// PersistentEntry is a disk-backed cache entry. Its payload is not kept in
// memory; every Data call re-reads the container file.
type PersistentEntry struct {
	key        Key
	fileID     string
	expiration time.Time
	metadata   Metadata
	encoding   string
	size       int64 // container size on disk

	manager *PersistentManager
	task    *queue.Task // guarded by manager.mu
	expired atomic.Bool
}

// Key returns the entry's cache key.
func (e *PersistentEntry) Key() Key { return e.key }

// Tier returns Persistent.
func (e *PersistentEntry) Tier() Tier { return Persistent }

// FileID returns the name of the entry's container file.
func (e *PersistentEntry) FileID() string { return e.fileID }

// Data reads the payload from disk. It is empty if the file is gone.
func (e *PersistentEntry) Data() []byte { return e.manager.ReadPayload(e) }

// Metadata returns a copy of the entry's metadata.
func (e *PersistentEntry) Metadata() Metadata { return copyMetadata(e.metadata) }

// Expiration returns the fixed expiration instant.
func (e *PersistentEntry) Expiration() time.Time { return e.expiration }

// Size returns the container size on disk.
func (e *PersistentEntry) Size() int64 { return e.size }

// Expired reports whether the entry was expired or its deadline has passed.
func (e *PersistentEntry) Expired() bool {
	return e.expired.Load() || time.Now().After(e.expiration)
}

// Expire removes the entry and deletes its container. Calling it more than
// once is a no-op.
func (e *PersistentEntry) Expire() {
	e.manager.expireEntry(e, "manual")
}

func (e *PersistentEntry) String() string {
	return fmt.Sprintf("CacheKey: %s CacheType: %s CacheId: %s Expired: %t", e.key, Persistent, e.fileID, e.Expired())
}

// PersistentManager owns the disk-backed tier.
type PersistentManager struct {
	dir      string
	entries  map[Key]*PersistentEntry
	files    map[string]Key // file id -> key
	defaults Defaults
	closed   bool

	// Synchronization
	mu sync.RWMutex

	queue   *queue.DeadlineQueue
	watcher *dirWatcher
	encoder *zstd.Encoder // nil when compression is off
	logger  *Logger
	metrics *metrics
	skipLog rate.Sometimes

	statsMu sync.Mutex
	stats   Stats
}

// NewPersistentManager creates the cache directory if needed and rehydrates
// every decodable container found in it.
func NewPersistentManager(opts ...Option) (*PersistentManager, error) {
	return newPersistentManager(buildOptions(opts))
}

func newPersistentManager(o *options) (*PersistentManager, error) {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	m := &PersistentManager{
		dir:      o.dir,
		entries:  make(map[Key]*PersistentEntry),
		files:    make(map[string]Key),
		defaults: DefaultPersistentDefaults(),
		queue:    queue.NewDeadlineQueue(),
		logger:   o.logger,
		metrics:  o.metrics,
		skipLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		stats:    Stats{Tier: Persistent},
	}

	if o.compressionLevel > 0 {
		enc, err := newPayloadEncoder(o.compressionLevel)
		if err != nil {
			_ = m.queue.Close()
			return nil, err
		}
		m.encoder = enc
	}

	m.rehydrate()

	if o.watch {
		w, err := startDirWatcher(m.dir, m.forgetFile, m.logger)
		if err != nil {
			// Non-fatal: external deletions just go unnoticed
			m.logger.Warn("Failed to watch cache directory", "dir", m.dir, "error", err)
		} else {
			m.watcher = w
		}
	}

	return m, nil
}

// Dir returns the cache directory.
func (m *PersistentManager) Dir() string {
	return m.dir
}

// Create writes a container for key and installs the entry, expiring any
// live entry first. A zero ttl uses the tier default. StoredFile sources
// adopt an existing container and keep its recorded expiration.
func (m *PersistentManager) Create(key Key, ttl time.Duration, src DataSource, metadata Metadata) (*PersistentEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl %s", ErrMalformedRequest, ttl)
	}

	m.mu.RLock()
	closed, defaults := m.closed, m.defaults
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	var payload []byte
	switch s := src.(type) {
	case storedFileSource:
		return m.adoptStored(key, string(s))
	case bytesSource:
		payload = []byte(s)
	case fileSource:
		data, err := os.ReadFile(string(s))
		if err != nil {
			return nil, fmt.Errorf("failed to read source file: %w", err)
		}
		payload = data
	default:
		return nil, fmt.Errorf("%w: persistent request has no data source", ErrMalformedRequest)
	}

	if ttl == 0 {
		ttl = defaults.TTL
	}
	expiration := time.Now().Add(ttl)
	fileID := uuid.NewString()
	header := NewHeader(fileID, key, expiration)

	// Only use compression if it actually reduces size
	if m.encoder != nil && len(payload) > compressThreshold {
		if compressed := m.encoder.EncodeAll(payload, nil); len(compressed) < len(payload) {
			payload = compressed
			header.Encoding = EncodingZstd
		}
	}

	container, err := EncodeContainer(header, metadata, payload)
	if err != nil {
		return nil, err
	}

	// Written before taking the write lock; the file id is unique so no
	// other writer can touch it.
	if err := m.writeFile(fileID, container); err != nil {
		return nil, fmt.Errorf("failed to write cache file: %w", err)
	}

	entry := &PersistentEntry{
		key:        key,
		fileID:     fileID,
		expiration: expiration,
		metadata:   copyMetadata(metadata),
		encoding:   header.Encoding,
		size:       int64(len(container)),
		manager:    m,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = os.Remove(m.path(fileID))
		return nil, ErrClosed
	}
	m.installLocked(entry)
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Created++
	m.statsMu.Unlock()
	m.metrics.recordCreate(Persistent)
	m.logger.Log("Cached entry", CategorySave, LogInfo,
		"tier", Persistent, "key", key, "file", fileID, "bytes", len(container), "expires", expiration)

	return entry, nil
}

// Fetch returns the live entry for key, or nil. It does not touch disk.
func (m *PersistentManager) Fetch(key Key) *PersistentEntry {
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
	m.metrics.recordFetch(Persistent, hit)
	m.logger.Log("Fetched entry", CategoryFetch, LogDebug, "tier", Persistent, "key", key, "hit", hit)

	if !hit {
		return nil
	}
	return entry
}

// ReadPayload re-reads the payload sector of entry's container. Missing
// or undecodable files yield an empty payload.
func (m *PersistentManager) ReadPayload(entry *PersistentEntry) []byte {
	if entry == nil {
		return []byte{}
	}

	m.mu.RLock()
	container, err := os.ReadFile(m.path(entry.fileID))
	m.mu.RUnlock()
	if err != nil {
		m.logger.Log("Payload unavailable", CategoryFetch, LogDebug, "key", entry.key, "file", entry.fileID, "error", err)
		return []byte{}
	}

	payload, err := ReadSector(container, SectorPayload)
	if err != nil {
		m.logger.Warn("Failed to decode cache file", "file", entry.fileID, "error", err)
		return []byte{}
	}

	data, err := decodePayload(entry.encoding, payload)
	if err != nil {
		m.logger.Warn("Failed to decode payload", "file", entry.fileID, "error", err)
		return []byte{}
	}
	return data
}

// Remove expires the entry for key and deletes its file. It is a no-op if
// key is absent.
func (m *PersistentManager) Remove(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		m.expireLocked(entry, "removed", true)
	}
}

// Purge expires every entry present when the lock is taken.
func (m *PersistentManager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		m.expireLocked(entry, "purged", true)
	}
}

// SetDefaults replaces the defaults used for future entries.
func (m *PersistentManager) SetDefaults(d Defaults) error {
	if d.Tier != Persistent {
		return fmt.Errorf("%w: %s defaults passed to persistent manager", ErrMalformedRequest, d.Tier)
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
func (m *PersistentManager) Defaults() Defaults {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.defaults
}

// Len returns the number of entries in the map.
func (m *PersistentManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Keys returns all keys currently in the map.
func (m *PersistentManager) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]Key, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

// DiskUsage returns the total size of tracked containers. The configured
// MaxDiskBytes is not enforced against it.
func (m *PersistentManager) DiskUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, entry := range m.entries {
		total += entry.size
	}
	return total
}

// Stats returns tier statistics.
func (m *PersistentManager) Stats() Stats {
	n := int64(m.Len())

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stats := m.stats
	stats.ItemCount = n
	stats.calculateHitRate()
	return stats
}

// Close stops the expiry worker and the directory watcher. Containers of
// entries already past their expiration are deleted; the rest stay on disk
// so a later manager can rehydrate them.
func (m *PersistentManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, entry := range m.entries {
		// Past-due timers are cancelled below, so delete their containers here.
		if entry.Expired() {
			m.expireLocked(entry, "ttl", true)
			continue
		}
		m.queue.Cancel(entry.task)
		entry.task = nil
	}
	m.mu.Unlock()

	var errs []error
	if m.watcher != nil {
		if err := m.watcher.close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher close: %w", err))
		}
	}
	if err := m.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue close: %w", err))
	}
	if m.encoder != nil {
		_ = m.encoder.Close()
	}
	return errors.Join(errs...)
}

// Private helper methods

func (m *PersistentManager) path(fileID string) string {
	return filepath.Join(m.dir, fileID)
}

func (m *PersistentManager) writeFile(fileID string, data []byte) error {
	// Write to temp file first, then rename (atomic on most systems)
	path := m.path(fileID)
	tempPath := path + tempSuffix

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}

// readHead decodes the header and metadata sectors of a container without
// reading its payload.
func (m *PersistentManager) readHead(fileID string) (Header, Metadata, int64, error) {
	f, err := os.Open(m.path(fileID))
	if err != nil {
		return Header{}, nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Header{}, nil, 0, err
	}

	prefix := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(f, prefix); err != nil {
		return Header{}, nil, 0, ErrShortContainer
	}

	headerLen, metaLen, err := ParseLengthPrefix(prefix, uint64(info.Size()))
	if err != nil {
		return Header{}, nil, 0, err
	}

	sectors := make([]byte, headerLen+metaLen)
	if _, err := io.ReadFull(f, sectors); err != nil {
		return Header{}, nil, 0, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}

	header, err := DecodeHeader(sectors[:headerLen])
	if err != nil {
		return Header{}, nil, 0, err
	}
	metadata, err := DecodeMetadata(sectors[headerLen:])
	if err != nil {
		return Header{}, nil, 0, err
	}

	return header, metadata, info.Size(), nil
}

func (m *PersistentManager) entryFromHead(key Key, fileID string, header Header, metadata Metadata, size int64) *PersistentEntry {
	expiration, _ := header.ExpirationTime()
	return &PersistentEntry{
		key:        key,
		fileID:     fileID,
		expiration: expiration,
		metadata:   metadata,
		encoding:   header.Encoding,
		size:       size,
		manager:    m,
	}
}

// adoptStored installs an entry for a container already in the cache directory.
func (m *PersistentManager) adoptStored(key Key, fileID string) (*PersistentEntry, error) {
	if fileID == "" || filepath.Base(fileID) != fileID {
		return nil, fmt.Errorf("%w: invalid stored file id %q", ErrMalformedRequest, fileID)
	}

	header, metadata, size, err := m.readHead(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored file: %w", err)
	}
	if header.CacheKey != key {
		return nil, fmt.Errorf("%w: stored file belongs to key %q", ErrMalformedRequest, header.CacheKey)
	}

	entry := m.entryFromHead(key, fileID, header, metadata, size)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.installLocked(entry)
	m.mu.Unlock()

	m.logger.Log("Adopted stored entry", CategorySave, LogInfo, "tier", Persistent, "key", key, "file", fileID)
	return entry, nil
}

type headResult struct {
	fileID   string
	header   Header
	metadata Metadata
	size     int64
	ok       bool
}

// rehydrate loads every decodable container in the cache directory. Headers
// are decoded in parallel but installed in directory order, and the first
// live container seen for a key wins; later ones stay on disk untracked.
// Containers already past their expiration are deleted instead.
func (m *PersistentManager) rehydrate() {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("Failed to list cache directory", "dir", m.dir, "error", err)
		return
	}

	results := make([]headResult, len(dirEntries))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, de := range dirEntries {
		i := i
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, tempSuffix) {
			continue
		}
		g.Go(func() error {
			header, metadata, size, err := m.readHead(name)
			if err != nil {
				m.skipLog.Do(func() {
					m.logger.Warn("Skipping unreadable cache file", "file", name, "error", err)
				})
				return nil
			}
			results[i] = headResult{fileID: name, header: header, metadata: metadata, size: size, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	loaded, dropped := 0, 0
	now := time.Now()
	m.mu.Lock()
	for _, r := range results {
		if !r.ok {
			continue
		}
		if exp, _ := r.header.ExpirationTime(); !exp.After(now) {
			if err := os.Remove(m.path(r.fileID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.logger.Error("Failed to delete cache file", "file", r.fileID, "error", err)
			}
			dropped++
			continue
		}
		if _, exists := m.entries[r.header.CacheKey]; exists {
			m.logger.Log("Ignoring duplicate stored entry", CategoryFetch, LogDebug,
				"key", r.header.CacheKey, "file", r.fileID)
			continue
		}
		m.installLocked(m.entryFromHead(r.header.CacheKey, r.fileID, r.header, r.metadata, r.size))
		loaded++
	}
	m.mu.Unlock()

	m.logger.Log(fmt.Sprintf("Loading %d item(s) from disk cache", loaded), CategoryFetch, LogInfo, "dir", m.dir)
	if dropped > 0 {
		m.logger.Log(fmt.Sprintf("Deleted %d expired item(s) from disk cache", dropped), CategoryExpire, LogInfo, "dir", m.dir)
	}
}

// installLocked puts entry in the map and arms its expiry (must be called with lock held).
func (m *PersistentManager) installLocked(entry *PersistentEntry) {
	if existing, ok := m.entries[entry.key]; ok {
		// Re-adopting the same container must not delete it.
		m.expireLocked(existing, "overwritten", existing.fileID != entry.fileID)
	}

	deadline := entry.expiration
	if floor := time.Now().Add(minExpiryDelay); deadline.Before(floor) {
		deadline = floor
	}

	task, err := m.queue.Schedule(deadline, func() {
		m.expireEntry(entry, "ttl")
	})
	if err != nil {
		m.logger.Error("Failed to schedule expiry", "key", entry.key, "error", err)
	}
	entry.task = task

	m.entries[entry.key] = entry
	m.files[entry.fileID] = entry.key
}

// expireEntry is the single entry point for timer and manual expiry.
func (m *PersistentManager) expireEntry(entry *PersistentEntry, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(entry, reason, true)
}

// forgetFile drops the entry whose container was deleted externally.
func (m *PersistentManager) forgetFile(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.files[fileID]
	if !ok {
		return
	}
	if entry, ok := m.entries[key]; ok && entry.fileID == fileID {
		m.expireLocked(entry, "file removed", false)
	}
}

// expireLocked removes entry if it still owns its map slot and deletes its
// container (must be called with lock held).
func (m *PersistentManager) expireLocked(entry *PersistentEntry, reason string, deleteFile bool) {
	m.queue.Cancel(entry.task)
	entry.task = nil

	if entry.expired.Swap(true) {
		return
	}
	if current, ok := m.entries[entry.key]; ok && current == entry {
		delete(m.entries, entry.key)
	}
	if key, ok := m.files[entry.fileID]; ok && key == entry.key {
		delete(m.files, entry.fileID)
	}

	if deleteFile {
		if err := os.Remove(m.path(entry.fileID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Error("Failed to delete cache file", "file", entry.fileID, "error", err)
		}
	}

	m.statsMu.Lock()
	m.stats.Expired++
	m.stats.LastExpire = time.Now()
	m.statsMu.Unlock()
	m.metrics.recordExpire(Persistent)
	m.logger.Log("Expired entry", CategoryExpire, LogInfo,
		"tier", Persistent, "key", entry.key, "file", entry.fileID, "reason", reason)
}
