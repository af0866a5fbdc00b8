// Package cache provides a two-tier key/value cache with per-entry TTLs.
// The transient tier keeps payloads in memory; the persistent tier stores
// each entry as a length-prefixed container file and re-reads the payload
// from disk on every access. Expiry is driven by a deadline queue owned by
// each tier's manager.
package cache
