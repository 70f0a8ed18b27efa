package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kacy/key-attestation/revocation"
)

// RevocationStoreConfig holds configuration for the Redis revocation store.
type RevocationStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// Key is the hash holding one field per listed serial
	// (default: "attest:revocation").
	Key string

	// Logger receives store activity (default: no-op).
	Logger *zap.Logger
}

// RevocationStore is a Redis-backed revocation.Store. Entries live in a
// single hash keyed by serial, encoded as status list JSON, so every server
// instance sees the same list.
type RevocationStore struct {
	client Cmdable
	key    string
	logger *zap.Logger
}

var _ revocation.Store = (*RevocationStore)(nil)

// NewRevocationStore creates a new Redis-backed revocation store.
func NewRevocationStore(cfg RevocationStoreConfig) (*RevocationStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	key := cfg.Key
	if key == "" {
		key = "attest:revocation"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RevocationStore{client: cfg.Client, key: key, logger: logger}, nil
}

// Lookup returns the entry for serial, or revocation.ErrNotFound.
func (s *RevocationStore) Lookup(ctx context.Context, serial string) (*revocation.Entry, error) {
	data, err := s.client.HGet(ctx, s.key, serial).Result()
	if err != nil {
		if isNil(err) {
			return nil, revocation.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}

	var entry revocation.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry for %s: %w", serial, err)
	}
	return &entry, nil
}

// Put records entry for serial.
func (s *RevocationStore) Put(ctx context.Context, serial string, entry revocation.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if _, err := s.client.HSet(ctx, s.key, serial, string(data)).Result(); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}

	s.logger.Sugar().Infow("Revocation entry stored", "serial", serial, "status", entry.Status)
	return nil
}

// Delete removes the entry for serial.
func (s *RevocationStore) Delete(ctx context.Context, serial string) error {
	n, err := s.client.HDel(ctx, s.key, serial).Result()
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n == 0 {
		return revocation.ErrNotFound
	}

	s.logger.Sugar().Infow("Revocation entry deleted", "serial", serial)
	return nil
}

// Import records every entry with a single HSET.
func (s *RevocationStore) Import(ctx context.Context, entries map[string]revocation.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(entries))
	for serial, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry for %s: %w", serial, err)
		}
		values = append(values, serial, string(data))
	}
	if _, err := s.client.HSet(ctx, s.key, values...).Result(); err != nil {
		return fmt.Errorf("failed to import entries: %w", err)
	}

	s.logger.Sugar().Infow("Revocation entries imported", "count", len(entries))
	return nil
}

// Entries returns every listed entry.
func (s *RevocationStore) Entries(ctx context.Context) (map[string]revocation.Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	entries := make(map[string]revocation.Entry, len(raw))
	for serial, data := range raw {
		var entry revocation.Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry for %s: %w", serial, err)
		}
		entries[serial] = entry
	}
	return entries, nil
}

// Len returns the number of listed serials.
func (s *RevocationStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return int(n), nil
}
