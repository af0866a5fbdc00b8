package cache

import (
	"fmt"
	"time"
)

// DataSource describes where a persistent payload comes from.
type DataSource interface {
	sourceKind() string
}

type bytesSource []byte

type fileSource string

type storedFileSource string

func (bytesSource) sourceKind() string      { return "bytes" }
func (fileSource) sourceKind() string       { return "file" }
func (storedFileSource) sourceKind() string { return "stored-file" }

// Bytes stores raw bytes as the payload.
func Bytes(data []byte) DataSource { return bytesSource(data) }

// File copies the contents of an existing file into the cache.
func File(path string) DataSource { return fileSource(path) }

// StoredFile adopts a container that already lives in the cache directory.
// It is used by rehydration.
func StoredFile(fileID string) DataSource { return storedFileSource(fileID) }

// UnitConfig is a request to create a cache entry.
type UnitConfig struct {
	Tier Tier
	Key  Key

	// TTL of the new entry. Zero uses the tier default.
	TTL time.Duration

	// Data is the transient payload.
	Data []byte

	// Source is the persistent payload.
	Source DataSource

	Metadata Metadata
}

// UnitOption customizes a UnitConfig.
type UnitOption func(*UnitConfig)

// WithTTL sets an explicit TTL.
func WithTTL(ttl time.Duration) UnitOption {
	return func(c *UnitConfig) { c.TTL = ttl }
}

// WithMetadata attaches metadata to the entry.
func WithMetadata(m Metadata) UnitOption {
	return func(c *UnitConfig) { c.Metadata = m }
}

// TransientUnit builds a request for the transient tier.
func TransientUnit(key Key, data []byte, opts ...UnitOption) UnitConfig {
	c := UnitConfig{Tier: Transient, Key: key, Data: data}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// PersistentUnit builds a request for the persistent tier.
func PersistentUnit(key Key, src DataSource, opts ...UnitOption) UnitConfig {
	c := UnitConfig{Tier: Persistent, Key: key, Source: src}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate checks that the request only carries fields valid for its tier.
func (c UnitConfig) Validate() error {
	if err := validateKey(c.Key); err != nil {
		return err
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: negative ttl %s", ErrMalformedRequest, c.TTL)
	}

	switch c.Tier {
	case Transient:
		if c.Source != nil {
			return fmt.Errorf("%w: transient request carries a %s source", ErrMalformedRequest, c.Source.sourceKind())
		}
	case Persistent:
		if c.Source == nil {
			return fmt.Errorf("%w: persistent request has no data source", ErrMalformedRequest)
		}
		if c.Data != nil {
			return fmt.Errorf("%w: persistent request carries inline data", ErrMalformedRequest)
		}
	default:
		return fmt.Errorf("%w: unknown tier %d", ErrMalformedRequest, int(c.Tier))
	}
	return nil
}
