package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for cache operations
var (
	// ErrMalformedRequest is returned when a request does not fit the tier it was sent to
	ErrMalformedRequest = errors.New("malformed cache request")

	// ErrInvalidKey is returned for empty cache keys
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrShortContainer is returned when a container is too small to hold its length prefix
	ErrShortContainer = errors.New("container too short")

	// ErrCorruptContainer is returned when a container's sector lengths do not fit its size
	ErrCorruptContainer = errors.New("container data corrupted")

	// ErrClosed is returned when a closed manager is used
	ErrClosed = errors.New("cache manager is closed")
)

// Key identifies an entry within one tier.
type Key = string

// Metadata is a JSON-compatible map attached to an entry.
type Metadata = map[string]any

// Tier represents a cache domain
type Tier int

const (
	// Transient keeps payloads in memory
	Transient Tier = iota

	// Persistent keeps payloads on disk
	Persistent
)

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// ParseTier parses "transient" or "persistent" (case-insensitive).
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transient", "memory", "t":
		return Transient, nil
	case "persistent", "disk", "p":
		return Persistent, nil
	default:
		return 0, fmt.Errorf("unknown cache tier %q", s)
	}
}

// Unit is a live or expired cache entry of either tier.
type Unit interface {
	Key() Key
	Tier() Tier
	// Data returns the payload. Persistent units read it from disk.
	Data() []byte
	Metadata() Metadata
	Expiration() time.Time
	Expired() bool
}

// Defaults holds the per-tier configuration applied to new entries.
type Defaults struct {
	Tier Tier

	// TTL applied when a request carries none
	TTL time.Duration

	// MaxDiskBytes is the advisory disk budget (persistent only).
	// It is recorded but never enforced.
	MaxDiskBytes uint64
}

// DefaultTransientDefaults returns the factory defaults for the transient tier.
func DefaultTransientDefaults() Defaults {
	return Defaults{
		Tier: Transient,
		TTL:  30 * time.Second,
	}
}

// DefaultPersistentDefaults returns the factory defaults for the persistent tier.
func DefaultPersistentDefaults() Defaults {
	return Defaults{
		Tier:         Persistent,
		TTL:          time.Hour,
		MaxDiskBytes: 200,
	}
}

// DefaultsFor returns the factory defaults for tier.
func DefaultsFor(tier Tier) Defaults {
	if tier == Persistent {
		return DefaultPersistentDefaults()
	}
	return DefaultTransientDefaults()
}

// Stats holds per-tier counters
type Stats struct {
	Tier Tier

	// Current state
	ItemCount int64

	// Activity
	Created int64
	Expired int64
	Hits    int64
	Misses  int64
	HitRate float64 // hits / (hits + misses)

	// Timing
	LastAccess time.Time
	LastExpire time.Time
}

func (s *Stats) calculateHitRate() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
}

func validateKey(key Key) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

func copyMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
