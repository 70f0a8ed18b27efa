package attestation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kacy/key-attestation/challenge"
	"github.com/kacy/key-attestation/policy"
)

// Server errors.
var (
	ErrInvalidChallenge = errors.New("invalid challenge")
	ErrServerClosed     = errors.New("server is closed")
)

// Server provides a batteries-included attestation server that issues
// challenges and binds each verification to the challenge it issued.
//
// This is the recommended way to use the library for most use cases.
// For advanced customization, use NewVerifier directly and check the
// challenge with policy.Challenge yourself.
type Server struct {
	verifier   *Verifier
	challenges challenge.Store
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

// ServerConfig holds configuration for the attestation server.
type ServerConfig struct {
	// Verifier configures chain, revocation and policy checks (required).
	Verifier Config

	// Challenges stores outstanding challenges (default: an in-memory store).
	// Use the redis package's ChallengeStore when several instances serve
	// the same clients.
	Challenges challenge.Store

	// ChallengeTimeout is how long challenges remain valid when the server
	// creates its own store (default: 5 minutes).
	ChallengeTimeout time.Duration
}

// NewServer creates a new attestation server.
//
// Example:
//
//	server, err := attestation.NewServer(attestation.ServerConfig{
//	    Verifier: attestation.Config{
//	        TrustAnchors: anchors,
//	        Revocation:   statusList,
//	        Policy:       pol,
//	    },
//	})
func NewServer(cfg ServerConfig) (*Server, error) {
	verifier, err := NewVerifier(cfg.Verifier)
	if err != nil {
		return nil, err
	}

	challenges := cfg.Challenges
	if challenges == nil {
		challenges = challenge.NewMemoryStore(challenge.Config{
			Timeout: cfg.ChallengeTimeout,
		})
	}

	return &Server{
		verifier:   verifier,
		challenges: challenges,
		now:        time.Now,
	}, nil
}

func (s *Server) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServerClosed
	}
	return nil
}

// GenerateChallenge creates a new challenge for the given identifier.
// The identifier should be unique per attestation flow (e.g., user ID, session ID).
//
// Returns the base64url challenge to send to the client. The app passes the
// decoded bytes to KeyGenParameterSpec.Builder.setAttestationChallenge.
func (s *Server) GenerateChallenge(ctx context.Context, identifier string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	c, err := s.challenges.Generate(ctx, identifier)
	if err != nil {
		return "", err
	}
	return challenge.Encode(c), nil
}

// VerifyAttestation verifies a key attestation chain for identifier.
//
// The outstanding challenge for identifier is consumed whatever the outcome,
// so a chain can be presented at most once. The chain's attestation
// challenge must equal it; a mismatch is reported as a PolicyViolation on
// attestationChallenge. A zero req.Time means now.
//
// Example:
//
//	result, err := server.VerifyAttestation(ctx, "user-123", &attestation.Request{
//	    Certificates: certs,
//	})
func (s *Server) VerifyAttestation(ctx context.Context, identifier string, req *Request) (*Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrMissingRequest
	}

	want, err := s.challenges.Take(ctx, identifier)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return nil, ErrInvalidChallenge
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	base := req.Policy
	if base == nil {
		base = s.verifier.policy
	}
	bound := *req
	bound.Policy = base.With(policy.Challenge(want))
	if bound.Time.IsZero() {
		bound.Time = s.now()
	}

	return s.verifier.Verify(ctx, &bound)
}

// Close releases resources used by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.challenges.Close()
	return nil
}

// Challenges returns the underlying challenge store for advanced use cases.
func (s *Server) Challenges() challenge.Store {
	return s.challenges
}

// Verifier returns the underlying verifier for advanced use cases.
func (s *Server) Verifier() *Verifier {
	return s.verifier
}
