package attestation

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/chain"
	"github.com/kacy/key-attestation/challenge"
	"github.com/kacy/key-attestation/internal/testutil"
	"github.com/kacy/key-attestation/policy"
	"github.com/kacy/key-attestation/revocation"
)

func newTestServer(t *testing.T, root *testutil.Cert, pol policy.Set) *Server {
	t.Helper()
	server, err := NewServer(ServerConfig{
		Verifier: Config{
			TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(root.Cert)},
			Revocation:   revocation.NewMemoryStore(),
			Policy:       pol,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	server.now = func() time.Time { return testutil.Now }
	return server
}

func TestNewServer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config ServerConfig
		errMsg string
	}{
		{
			name:   "no trust anchors",
			config: ServerConfig{Verifier: Config{Revocation: revocation.NewMemoryStore()}},
			errMsg: "trustAnchors",
		},
		{
			name: "no revocation source",
			config: ServerConfig{Verifier: Config{
				TrustAnchors: []chain.TrustAnchor{{Name: "root", PublicKeyInfo: []byte{1}}},
			}},
			errMsg: "revocation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestServer_GenerateAndVerify(t *testing.T) {
	ctx := context.Background()
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, policy.Set{policy.DeviceLocked(), policy.PackageName("com.example.app")})

	encoded, err := server.GenerateChallenge(ctx, "user-123")
	require.NoError(t, err)
	c, err := challenge.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, c, 32)

	certs := issueUnder(t, root, c)
	res, err := server.VerifyAttestation(ctx, "user-123", &Request{Certificates: certs})
	require.NoError(t, err)
	assert.True(t, res.Verified(), "failures: %v", res.Err())
	assert.Equal(t, testutil.Now, res.Time, "zero request time means now")
	assert.Equal(t, c, res.KeyDescription.AttestationChallenge())
}

func TestServer_ChallengeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	encoded, err := server.GenerateChallenge(ctx, "user-123")
	require.NoError(t, err)
	c, err := challenge.Decode(encoded)
	require.NoError(t, err)
	certs := issueUnder(t, root, c)

	res, err := server.VerifyAttestation(ctx, "user-123", &Request{Certificates: certs})
	require.NoError(t, err)
	assert.True(t, res.Verified())

	_, err = server.VerifyAttestation(ctx, "user-123", &Request{Certificates: certs})
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestServer_NoOutstandingChallenge(t *testing.T) {
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	_, err := server.VerifyAttestation(context.Background(), "unknown", &Request{})
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestServer_ChallengeMismatch(t *testing.T) {
	ctx := context.Background()
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	_, err := server.GenerateChallenge(ctx, "user-123")
	require.NoError(t, err)

	certs := issueUnder(t, root, []byte("stale challenge"))
	res, err := server.VerifyAttestation(ctx, "user-123", &Request{Certificates: certs})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, PolicyViolation, res.Failures[0].Kind)
	assert.Equal(t, "attestationChallenge", res.Failures[0].Field)

	_, err = server.VerifyAttestation(ctx, "user-123", &Request{Certificates: certs})
	assert.ErrorIs(t, err, ErrInvalidChallenge, "a failed attempt still consumes the challenge")
}

func TestServer_RequestPolicyKeepsChallengeBinding(t *testing.T) {
	ctx := context.Background()
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	_, err := server.GenerateChallenge(ctx, "user-123")
	require.NoError(t, err)

	certs := issueUnder(t, root, []byte("stale challenge"))
	res, err := server.VerifyAttestation(ctx, "user-123", &Request{
		Certificates: certs,
		Policy:       policy.Set{policy.MinSecurityLevel(android.SecurityLevelStrongBox)},
	})
	require.NoError(t, err)
	fields := make([]string, len(res.Failures))
	for i, f := range res.Failures {
		fields[i] = f.Field
	}
	assert.Equal(t, []string{"attestationSecurityLevel", "attestationChallenge"}, fields)
}

func TestServer_ExplicitTime(t *testing.T) {
	ctx := context.Background()
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	encoded, err := server.GenerateChallenge(ctx, "user-123")
	require.NoError(t, err)
	c, err := challenge.Decode(encoded)
	require.NoError(t, err)

	res, err := server.VerifyAttestation(ctx, "user-123", &Request{
		Certificates: issueUnder(t, root, c),
		Time:         testutil.NotAfter.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, res.HasFailure(ExpiredCertificate))
}

type failingChallenges struct{ challenge.Store }

func (failingChallenges) Take(ctx context.Context, identifier string) ([]byte, error) {
	return nil, errors.New("backend unavailable")
}

func TestServer_ChallengeStoreError(t *testing.T) {
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	memory := challenge.NewMemoryStore(challenge.Config{})
	server, err := NewServer(ServerConfig{
		Verifier: Config{
			TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(root.Cert)},
			Revocation:   revocation.NewMemoryStore(),
		},
		Challenges: failingChallenges{memory},
	})
	require.NoError(t, err)
	defer server.Close()

	_, err = server.VerifyAttestation(context.Background(), "user-123", &Request{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidChallenge)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestServer_Closed(t *testing.T) {
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, err := server.GenerateChallenge(context.Background(), "user-123")
	assert.ErrorIs(t, err, ErrServerClosed)

	_, err = server.VerifyAttestation(context.Background(), "user-123", &Request{})
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServer_MissingRequest(t *testing.T) {
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	server := newTestServer(t, root, nil)

	_, err := server.VerifyAttestation(context.Background(), "user-123", nil)
	assert.ErrorIs(t, err, ErrMissingRequest)
}

func TestServer_Accessors(t *testing.T) {
	root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	store := challenge.NewMemoryStore(challenge.Config{})
	server, err := NewServer(ServerConfig{
		Verifier: Config{
			TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(root.Cert)},
			Revocation:   revocation.NewMemoryStore(),
			Policy:       policy.Set{policy.DeviceLocked()},
		},
		Challenges: store,
	})
	require.NoError(t, err)
	defer server.Close()

	assert.Same(t, store, server.Challenges())
	require.NotNil(t, server.Verifier())
	assert.Equal(t, []string{"rootOfTrust.deviceLocked"}, server.Verifier().Policy().Fields())
}

func issueUnder(t *testing.T, root *testutil.Cert, c []byte) []*x509.Certificate {
	t.Helper()
	intermediate := root.Issue(t, testutil.CertOptions{Serial: 2, Subject: "Test Attestation Intermediate", IsCA: true})
	leaf := intermediate.Issue(t, testutil.CertOptions{
		Serial:         1,
		Subject:        "Android Keystore Key",
		KeyDescription: testutil.DefaultKeyDescription(c).Marshal(),
	})
	return []*x509.Certificate{leaf.Cert, intermediate.Cert, root.Cert}
}
