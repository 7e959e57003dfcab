// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the two cache tiers in front of the analysis
// engine: an exact fingerprint-keyed cache over an embedded BadgerDB
// store, and an approximate similarity tier that maps sufficiently
// similar requests onto existing exact entries.
//
// Every cache operation is best-effort. A backing-store failure degrades
// to a miss or a no-op and is logged; it never propagates to the caller.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Store is the persistence contract the exact cache tier requires.
//
// Implementations must be safe for concurrent use. Errors returned here
// are swallowed (and logged) by the cache layer above.
type Store interface {
	// Get returns the value for key, or ok=false if absent or expired.
	Get(key string) (value []byte, ok bool, err error)

	// Set stores value under key with the given time-to-live.
	// A non-positive ttl stores the value without expiry.
	Set(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Clear removes every key with the given prefix. An empty prefix
	// clears the whole store.
	Clear(prefix string) error

	// Size returns the approximate on-disk size in bytes.
	Size() (int64, error)

	// Count returns the number of live entries.
	Count() (int64, error)

	// Close releases the store's resources.
	Close() error
}

// =============================================================================
// BadgerDB Store
// =============================================================================

// StoreConfig holds configuration for the embedded BadgerDB store.
type StoreConfig struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection,
	// which provides the store's size-based eviction.
	// Default: 5 minutes. Set to a negative value to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5
	GCDiscardRatio float64

	// Logger for store operations. If nil, Badger's internal logging is
	// disabled and store events go to slog.Default().
	Logger *slog.Logger
}

// DefaultStoreConfig returns sensible defaults for production use.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryStoreConfig returns configuration optimized for testing.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: -1,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store on an embedded BadgerDB instance.
//
// Expiry uses Badger's native per-entry TTL; expired keys read as absent
// before the value log reclaims them. Periodic value-log GC keeps the
// store's footprint bounded.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenStore creates and opens a BadgerDB-backed store.
//
// Inputs:
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must Close() when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
func OpenStore(cfg StoreConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		logger = slog.Default()
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval == 0 {
		interval = DefaultStoreConfig().GCInterval
	}
	ratio := cfg.GCDiscardRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultStoreConfig().GCDiscardRatio
	}
	if interval > 0 && !cfg.InMemory {
		go s.runGC(interval, ratio)
	} else {
		close(s.gcDone)
	}

	return s, nil
}

// Get implements Store.
func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
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
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *BadgerStore) Set(key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(prefix string) error {
	err := s.db.DropPrefix([]byte(prefix))
	if err != nil {
		return fmt.Errorf("badger clear prefix %q: %w", prefix, err)
	}
	return nil
}

// Size implements Store.
func (s *BadgerStore) Size() (int64, error) {
	lsm, vlog := s.db.Size()
	return lsm + vlog, nil
}

// Count implements Store.
func (s *BadgerStore) Count() (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count: %w", err)
	}
	return count, nil
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	select {
	case <-s.gcStop:
	default:
		close(s.gcStop)
	}
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns nil when a log file was collected;
			// loop until nothing more can be reclaimed.
			for {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("badger gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}
