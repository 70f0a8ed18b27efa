// Package challenge issues attestation challenges and redeems them once.
//
// A challenge is a random byte string the server hands to the app before it
// generates an attested key. The device embeds it in the key description's
// attestationChallenge field, binding the attestation to this request and
// preventing replay of an old chain.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no unexpired challenge exists for an identifier.
var ErrNotFound = errors.New("challenge not found or expired")

// Store manages attestation challenges with automatic expiration.
type Store interface {
	// Generate creates a new challenge for the given identifier, replacing
	// any outstanding one. The identifier is typically a user or session ID.
	Generate(ctx context.Context, identifier string) ([]byte, error)

	// Take removes and returns the outstanding challenge for identifier.
	// A challenge can be taken at most once; ErrNotFound means there is
	// none or it has expired.
	Take(ctx context.Context, identifier string) ([]byte, error)

	// Close stops background cleanup routines.
	Close()
}

// Config holds configuration for the challenge store.
type Config struct {
	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// CleanupInterval is how often expired challenges are removed (default: 1 minute).
	CleanupInterval time.Duration

	// ChallengeBytes is the number of random bytes in a challenge (default: 32).
	// Keymaster caps attestation challenges at 128 bytes.
	ChallengeBytes int
}

// MaxChallengeBytes is the largest challenge Keymaster accepts.
const MaxChallengeBytes = 128

// Defaults returns cfg with zero fields replaced by defaults.
func (cfg Config) Defaults() Config {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.ChallengeBytes <= 0 {
		cfg.ChallengeBytes = 32
	}
	if cfg.ChallengeBytes > MaxChallengeBytes {
		cfg.ChallengeBytes = MaxChallengeBytes
	}
	return cfg
}

// New returns n cryptographically random bytes.
func New(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Encode renders a challenge for transport to the client.
func Encode(challenge []byte) string {
	return base64.RawURLEncoding.EncodeToString(challenge)
}

// Decode parses a challenge produced by Encode.
func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

type challengeEntry struct {
	challenge []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for single-instance deployments. For distributed systems,
// use the Redis-backed implementation.
type MemoryStore struct {
	mu             sync.RWMutex
	store          map[string]challengeEntry
	timeout        time.Duration
	challengeBytes int
	now            func() time.Time
	closeCh        chan struct{}
	closed         bool
}

// NewMemoryStore creates a new in-memory challenge store.
func NewMemoryStore(cfg Config) *MemoryStore {
	cfg = cfg.Defaults()

	cs := &MemoryStore{
		store:          make(map[string]challengeEntry),
		timeout:        cfg.Timeout,
		challengeBytes: cfg.ChallengeBytes,
		now:            time.Now,
		closeCh:        make(chan struct{}),
	}

	go cs.cleanupLoop(cfg.CleanupInterval)

	return cs
}

// Generate creates a cryptographically secure random challenge.
func (s *MemoryStore) Generate(ctx context.Context, identifier string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := New(s.challengeBytes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.store[identifier] = challengeEntry{
		challenge: b,
		expiresAt: s.now().Add(s.timeout),
	}
	s.mu.Unlock()

	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Take removes and returns the challenge for identifier.
func (s *MemoryStore) Take(ctx context.Context, identifier string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.store[identifier]
	if !exists {
		return nil, ErrNotFound
	}
	delete(s.store, identifier)

	if s.now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	return entry.challenge, nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for identifier, entry := range s.store {
		if now.After(entry.expiresAt) {
			delete(s.store, identifier)
		}
	}
}

// Len returns the number of active challenges (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}
