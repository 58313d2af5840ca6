// Package cache provides the expiring key/value and counter store used by the
// cluster aggregation service and the spam heuristics.
//
// The store is optional at runtime: every caller treats a cache error as a
// miss and falls through to the authoritative database, so a missing or
// broken cache degrades latency but never correctness.
package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// ErrUnavailable is returned by the disabled store for every operation.
var ErrUnavailable = errors.New("cache: store unavailable")

// Store is the capability surface the engine needs from a cache. Implemented
// by BadgerStore in production and by Disabled when no cache is configured.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key with the given TTL. A zero TTL stores the
	// value without expiry.
	Set(key string, value []byte, ttl time.Duration) error

	// Increment adds one to the integer counter at key and returns the new
	// value. A counter created by this call expires after ttl; existing
	// counters keep their original deadline so a burst cannot extend its own
	// window.
	Increment(key string, ttl time.Duration) (int64, error)

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns all live keys beginning with prefix.
	Keys(prefix string) ([]string, error)

	// DeleteByPrefix removes every key beginning with prefix.
	DeleteByPrefix(prefix string) error

	// Close releases the store's resources.
	Close() error
}

// Disabled is a Store that reports ErrUnavailable for every operation. It is
// used when no cache directory is configured so callers can hold a non-nil
// Store unconditionally.
type Disabled struct{}

func (Disabled) Get(string) ([]byte, error)                     { return nil, ErrUnavailable }
func (Disabled) Set(string, []byte, time.Duration) error        { return ErrUnavailable }
func (Disabled) Increment(string, time.Duration) (int64, error) { return 0, ErrUnavailable }
func (Disabled) Delete(string) error                            { return ErrUnavailable }
func (Disabled) Keys(string) ([]string, error)                  { return nil, ErrUnavailable }
func (Disabled) DeleteByPrefix(string) error                    { return ErrUnavailable }
func (Disabled) Close() error                                   { return nil }
