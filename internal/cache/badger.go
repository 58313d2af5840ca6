package cache

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store on an embedded BadgerDB. Badger gives us
// per-entry TTLs and prefix scans without an external cache process, which
// suits a single-node deployment. Counter increments run inside a Badger
// transaction, so concurrent bumps of the same key serialize via conflict
// retry.
type BadgerStore struct {
	db *badger.DB
}

// Config holds the knobs for opening a BadgerStore.
type Config struct {
	// Path is the directory for the cache files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests and by deployments
	// that prefer a cold cache after restart.
	InMemory bool
}

// NewBadgerStore opens (or creates) a cache at the configured location.
func NewBadgerStore(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %q: %w", cfg.Path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key with the given TTL.
func (s *BadgerStore) Set(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Increment adds one to the counter at key, creating it with the given TTL if
// absent. Badger expiry is per entry, so rewriting the entry would renew the
// deadline; we carry the original deadline forward instead.
func (s *BadgerStore) Increment(key string, ttl time.Duration) (int64, error) {
	var count int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var expiresAt uint64

		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			count = 0
			if ttl > 0 {
				expiresAt = uint64(time.Now().Add(ttl).Unix())
			}
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			count, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %q holds non-numeric value: %w", key, err)
			}
			expiresAt = item.ExpiresAt()
		}

		count++
		entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(count, 10)))
		if expiresAt > 0 {
			remaining := time.Until(time.Unix(int64(expiresAt), 0))
			if remaining <= 0 {
				// expired between read and write; restart the window
				remaining = ttl
			}
			entry = entry.WithTTL(remaining)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Delete removes a single key.
func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys returns all live keys beginning with prefix.
func (s *BadgerStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteByPrefix removes every key beginning with prefix.
func (s *BadgerStore) DeleteByPrefix(prefix string) error {
	return s.db.DropPrefix([]byte(prefix))
}

// Close releases the store's resources.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
