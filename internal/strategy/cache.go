package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// CachedPlan is a remembered remediation: the step sequence that resolved a
// fingerprint before, with a confidence counter adjusted on every replay.
type CachedPlan struct {
	Steps      []string  `json:"steps"`
	Confidence int       `json:"confidence"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Cache is the learned-strategy store, keyed by issue fingerprint.
type Cache struct {
	db *badger.DB
}

// OpenCache opens the store at path. Badger's own logging is disabled; cache
// problems surface as errors on the operations.
func OpenCache(path string) (*Cache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open strategy cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// OpenCacheInMemory backs the cache with memory only, for tests.
func OpenCacheInMemory() (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached plan for the fingerprint, or nil when none exists.
func (c *Cache) Get(fingerprint string) (*CachedPlan, error) {
	var plan *CachedPlan
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var p CachedPlan
			if err := json.Unmarshal(val, &p); err != nil {
				return fmt.Errorf("corrupt cache entry for %s: %w", fingerprint, err)
			}
			plan = &p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Put stores or replaces the plan for a fingerprint.
func (c *Cache) Put(fingerprint string, plan CachedPlan) error {
	plan.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fingerprint), raw)
	})
}

// Adjust moves the confidence by delta. An entry that falls to zero or below
// is removed; a plan that keeps failing is worse than no plan.
func (c *Cache) Adjust(fingerprint string, delta int) error {
	plan, err := c.Get(fingerprint)
	if err != nil || plan == nil {
		return err
	}
	plan.Confidence += delta
	if plan.Confidence <= 0 {
		return c.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(fingerprint))
		})
	}
	return c.Put(fingerprint, *plan)
}
