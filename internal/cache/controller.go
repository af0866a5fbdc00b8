package cache

import (
	"errors"
	"fmt"
)

// Controller routes requests to the manager for each tier and holds the
// per-tier defaults. It is constructed explicitly and passed to callers;
// there is no process-wide instance.
type Controller struct {
	transient  *TransientManager
	persistent *PersistentManager
	logger     *Logger
}

// NewController creates both managers. The persistent manager rehydrates
// from its directory before NewController returns.
func NewController(opts ...Option) (*Controller, error) {
	o := buildOptions(opts)

	persistent, err := newPersistentManager(o)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistent cache: %w", err)
	}

	return &Controller{
		transient:  newTransientManager(o),
		persistent: persistent,
		logger:     o.logger,
	}, nil
}

// Create builds an entry in the requested tier. Malformed requests and
// storage failures are logged and dropped.
func (c *Controller) Create(cfg UnitConfig) {
	if err := cfg.Validate(); err != nil {
		c.logger.Error("Dropping malformed cache request", "tier", cfg.Tier, "key", cfg.Key, "error", err)
		return
	}

	var err error
	switch cfg.Tier {
	case Transient:
		_, err = c.transient.Create(cfg.Key, cfg.TTL, cfg.Data, cfg.Metadata)
	case Persistent:
		_, err = c.persistent.Create(cfg.Key, cfg.TTL, cfg.Source, cfg.Metadata)
	}
	if err != nil {
		c.logger.Error("Failed to create cache entry", "tier", cfg.Tier, "key", cfg.Key, "error", err)
	}
}

// Fetch returns the live entry for key in tier, or nil.
func (c *Controller) Fetch(tier Tier, key Key) Unit {
	switch tier {
	case Transient:
		if e := c.transient.Fetch(key); e != nil {
			return e
		}
	case Persistent:
		if e := c.persistent.Fetch(key); e != nil {
			return e
		}
	}
	return nil
}

// FetchData returns the payload of the live entry for key in tier.
func (c *Controller) FetchData(tier Tier, key Key) ([]byte, bool) {
	unit := c.Fetch(tier, key)
	if unit == nil {
		return nil, false
	}
	return unit.Data(), true
}

// Remove expires the entry for key in tier.
func (c *Controller) Remove(tier Tier, key Key) {
	switch tier {
	case Transient:
		c.transient.Remove(key)
	case Persistent:
		c.persistent.Remove(key)
	}
}

// Purge expires every entry in tier.
func (c *Controller) Purge(tier Tier) {
	switch tier {
	case Transient:
		c.transient.Purge()
	case Persistent:
		c.persistent.Purge()
	}
}

// SetDefaults replaces tier's defaults for entries created afterwards.
// Defaults for another tier are logged and ignored.
func (c *Controller) SetDefaults(tier Tier, d Defaults) {
	var err error
	switch tier {
	case Transient:
		err = c.transient.SetDefaults(d)
	case Persistent:
		err = c.persistent.SetDefaults(d)
	default:
		err = fmt.Errorf("%w: unknown tier %d", ErrMalformedRequest, int(tier))
	}
	if err != nil {
		c.logger.Error("Ignoring cache defaults", "tier", tier, "error", err)
	}
}

// Defaults returns tier's current defaults.
func (c *Controller) Defaults(tier Tier) Defaults {
	if tier == Persistent {
		return c.persistent.Defaults()
	}
	return c.transient.Defaults()
}

// ResetAll purges both tiers and restores factory defaults.
func (c *Controller) ResetAll() {
	c.transient.Purge()
	c.persistent.Purge()

	c.SetDefaults(Transient, DefaultTransientDefaults())
	c.SetDefaults(Persistent, DefaultPersistentDefaults())
}

// SetLoggingLevel changes the level of lifecycle log messages.
func (c *Controller) SetLoggingLevel(level LogLevel) {
	c.logger.SetLevel(level)
}

// LoggingLevel returns the level of lifecycle log messages.
func (c *Controller) LoggingLevel() LogLevel {
	return c.logger.Level()
}

// Stats returns tier statistics.
func (c *Controller) Stats(tier Tier) Stats {
	if tier == Persistent {
		return c.persistent.Stats()
	}
	return c.transient.Stats()
}

// Transient returns the transient manager.
func (c *Controller) Transient() *TransientManager {
	return c.transient
}

// Persistent returns the persistent manager.
func (c *Controller) Persistent() *PersistentManager {
	return c.persistent
}

// Close expires transient entries and stops both managers. Persistent
// containers stay on disk.
func (c *Controller) Close() error {
	var errs []error

	if err := c.transient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transient close: %w", err))
	}
	if err := c.persistent.Close(); err != nil {
		errs = append(errs, fmt.Errorf("persistent close: %w", err))
	}

	return errors.Join(errs...)
}
