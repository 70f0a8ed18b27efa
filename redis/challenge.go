package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/key-attestation/challenge"
)

// ChallengeStoreConfig holds configuration for the Redis challenge store.
type ChallengeStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "attest:challenge:").
	KeyPrefix string

	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// ChallengeBytes is the number of random bytes in a challenge (default: 32).
	ChallengeBytes int
}

// ChallengeStore is a Redis-backed implementation of challenge.Store.
// Suitable for distributed deployments where multiple server instances
// need to share challenge state.
type ChallengeStore struct {
	client         Cmdable
	keyPrefix      string
	timeout        time.Duration
	challengeBytes int
}

var _ challenge.Store = (*ChallengeStore)(nil)

// NewChallengeStore creates a new Redis-backed challenge store.
func NewChallengeStore(cfg ChallengeStoreConfig) (*ChallengeStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:challenge:"
	}

	defaults := challenge.Config{Timeout: cfg.Timeout, ChallengeBytes: cfg.ChallengeBytes}.Defaults()

	return &ChallengeStore{
		client:         cfg.Client,
		keyPrefix:      keyPrefix,
		timeout:        defaults.Timeout,
		challengeBytes: defaults.ChallengeBytes,
	}, nil
}

// Generate creates a new challenge for the given identifier. Redis expires
// it after the configured timeout.
func (s *ChallengeStore) Generate(ctx context.Context, identifier string) ([]byte, error) {
	b, err := challenge.New(s.challengeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Overwrites any existing challenge
	if err := s.client.Set(ctx, s.keyPrefix+identifier, challenge.Encode(b), s.timeout).Err(); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	return b, nil
}

// Take atomically removes and returns the challenge for identifier.
func (s *ChallengeStore) Take(ctx context.Context, identifier string) ([]byte, error) {
	stored, err := s.client.GetDel(ctx, s.keyPrefix+identifier).Result()
	if err != nil {
		if isNil(err) {
			return nil, challenge.ErrNotFound
		}
		return nil, fmt.Errorf("failed to take challenge: %w", err)
	}

	b, err := challenge.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("stored challenge is corrupt: %w", err)
	}
	return b, nil
}

// Close is a no-op for Redis store (connection is managed externally).
func (s *ChallengeStore) Close() {}
