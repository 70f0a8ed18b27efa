// Package badger provides a disk-backed revocation status store for
// single-node deployments that need the list to survive restarts without
// running Redis.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/kacy/key-attestation/revocation"
)

const (
	keyPrefixEntry       = "revocation:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

var errClosed = errors.New("revocation store is closed")

// Config holds configuration for the Badger revocation store.
type Config struct {
	// Path is the database directory (required).
	Path string

	// InMemory keeps the database in memory only. Path is ignored.
	InMemory bool

	// GCInterval is how often the value log is garbage collected
	// (default: 5 minutes).
	GCInterval time.Duration

	// Logger receives store activity and badger's own logs (default: no-op).
	Logger *zap.Logger
}

// RevocationStore is a Badger-backed revocation.Store. Entries are stored
// as status list JSON under "revocation:<serial>".
type RevocationStore struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var _ revocation.Store = (*RevocationStore)(nil)

// Open opens (or creates) the store and starts background value log GC.
func Open(cfg Config) (*RevocationStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gcInterval := cfg.GCInterval
	if gcInterval == 0 {
		gcInterval = 5 * time.Minute
	}

	var opts badgerdb.Options
	var path string
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
		path = ":memory:"
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required")
		}
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		path = abs
		opts = badgerdb.DefaultOptions(abs)
		opts.SyncWrites = true
		opts.CompactL0OnClose = true
	}
	opts.Logger = &zapLogger{logger: logger}
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", path, err)
	}

	s := &RevocationStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel
	s.gcWg.Add(1)
	go s.runGC(ctx, gcInterval)

	logger.Sugar().Infow("Badger revocation store opened", "path", path)
	return s, nil
}

func (s *RevocationStore) initSchema() error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		existing, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}
		if string(existing) != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVersion)
		}
		return nil
	})
}

func (s *RevocationStore) runGC(ctx context.Context, interval time.Duration) {
	defer s.gcWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				s.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func entryKey(serial string) []byte {
	return []byte(keyPrefixEntry + serial)
}

// Lookup returns the entry for serial, or revocation.ErrNotFound.
func (s *RevocationStore) Lookup(ctx context.Context, serial string) (*revocation.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}

	var data []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(serial))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, revocation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}

	var entry revocation.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry for %s: %w", serial, err)
	}
	return &entry, nil
}

// Put records entry for serial.
func (s *RevocationStore) Put(ctx context.Context, serial string, entry revocation.Entry) error {
	return s.Import(ctx, map[string]revocation.Entry{serial: entry})
}

// Delete removes the entry for serial.
func (s *RevocationStore) Delete(ctx context.Context, serial string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(entryKey(serial)); err != nil {
			return err
		}
		return txn.Delete(entryKey(serial))
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return revocation.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	s.logger.Sugar().Infow("Revocation entry deleted", "serial", serial)
	return nil
}

// Import records every entry in one write batch.
func (s *RevocationStore) Import(ctx context.Context, entries map[string]revocation.Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for serial, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry for %s: %w", serial, err)
		}
		if err := wb.Set(entryKey(serial), data); err != nil {
			return fmt.Errorf("failed to store entry for %s: %w", serial, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to store entries: %w", err)
	}

	s.logger.Sugar().Infow("Revocation entries stored", "count", len(entries))
	return nil
}

// Entries returns every listed entry. Undecodable values are logged and skipped.
func (s *RevocationStore) Entries(ctx context.Context) (map[string]revocation.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}

	entries := make(map[string]revocation.Entry)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixEntry)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}

			var entry revocation.Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				s.logger.Sugar().Warnw("Failed to unmarshal revocation entry, skipping",
					"key", string(item.Key()), "error", err)
				continue
			}
			entries[strings.TrimPrefix(string(item.Key()), keyPrefixEntry)] = entry
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// Close stops GC and closes the database. It is idempotent.
func (s *RevocationStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.gcCancel()
	s.gcWg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	s.logger.Sugar().Info("Badger revocation store closed")
	return nil
}
