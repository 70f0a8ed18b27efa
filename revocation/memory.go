package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sync"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Lookup returns a copy of the entry for serial.
func (s *MemoryStore) Lookup(ctx context.Context, serial string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Put records entry for serial.
func (s *MemoryStore) Put(ctx context.Context, serial string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[serial] = entry
	return nil
}

// Delete removes the entry for serial.
func (s *MemoryStore) Delete(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[serial]; !ok {
		return ErrNotFound
	}
	delete(s.entries, serial)
	return nil
}

// Import records every entry.
func (s *MemoryStore) Import(ctx context.Context, entries map[string]Entry) error {
	for serial, entry := range entries {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("entry for %s: %w", serial, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	maps.Copy(s.entries, entries)
	return nil
}

// Entries returns a copy of all entries.
func (s *MemoryStore) Entries() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}

// Len returns the number of listed serials.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

type statusList struct {
	Entries map[string]Entry `json:"entries"`
}

// DecodeStatusList reads a status list in Google's JSON format:
//
//	{"entries": {"<hex serial>": {"status": "REVOKED", "reason": "KEY_COMPROMISE"}}}
//
// Keys are normalized with NormalizeSerial.
func DecodeStatusList(r io.Reader) (map[string]Entry, error) {
	var list statusList
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("invalid status list: %w", err)
	}
	if list.Entries == nil {
		return nil, fmt.Errorf("invalid status list: missing entries")
	}

	entries := make(map[string]Entry, len(list.Entries))
	for key, entry := range list.Entries {
		serial, err := NormalizeSerial(key)
		if err != nil {
			return nil, fmt.Errorf("invalid status list: %w", err)
		}
		entries[serial] = entry
	}
	return entries, nil
}

// ParseStatusList reads a status list into a new MemoryStore.
func ParseStatusList(r io.Reader) (*MemoryStore, error) {
	entries, err := DecodeStatusList(r)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: entries}, nil
}

// EncodeStatusList writes entries in Google's JSON format.
func EncodeStatusList(w io.Writer, entries map[string]Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusList{Entries: entries})
}
