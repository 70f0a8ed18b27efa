package attestation

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/chain"
	"github.com/kacy/key-attestation/internal/testutil"
	"github.com/kacy/key-attestation/policy"
	"github.com/kacy/key-attestation/revocation"
)

var testChallenge = []byte("server-issued-challenge")

type fixture struct {
	chain    *testutil.Chain
	store    *revocation.MemoryStore
	verifier *Verifier
}

func newFixture(t *testing.T, kd testutil.KeyDescription, pol policy.Set) *fixture {
	t.Helper()
	c := testutil.NewChain(t, kd.Marshal())
	store := revocation.NewMemoryStore()
	v, err := NewVerifier(Config{
		TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(c.Root.Cert)},
		Revocation:   store,
		Policy:       pol,
	})
	require.NoError(t, err)
	return &fixture{chain: c, store: store, verifier: v}
}

func (f *fixture) verify(t *testing.T) *Result {
	t.Helper()
	res, err := f.verifier.Verify(context.Background(), &Request{
		Certificates: f.chain.Certificates(),
		Time:         testutil.Now,
	})
	require.NoError(t, err)
	return res
}

func kinds(res *Result) []FailureKind {
	out := make([]FailureKind, len(res.Failures))
	for i, f := range res.Failures {
		out[i] = f.Kind
	}
	return out
}

func TestVerify_ValidChain(t *testing.T) {
	pol, err := policy.Parse("security-level>=tee, boot-state=verified, device-locked, os-patch-level>=2023-01, os-version>=13")
	require.NoError(t, err)
	f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), pol)

	res := f.verify(t)
	assert.True(t, res.Verified())
	assert.Empty(t, res.Failures)
	assert.NoError(t, res.Err())
	assert.Equal(t, testutil.Now, res.Time)

	require.NotNil(t, res.Trust)
	assert.Equal(t, "Test Attestation Root", res.Trust.Anchor.Name)
	assert.Equal(t, chain.FingerprintOf(f.chain.Root.Cert.Raw), res.Trust.Anchor.Fingerprint())

	require.NotNil(t, res.KeyDescription)
	assert.Equal(t, testChallenge, res.KeyDescription.AttestationChallenge())
	patch, ok := res.KeyDescription.HardwareEnforced().OSPatchLevel()
	assert.True(t, ok)
	assert.Equal(t, android.PatchLevel(202401), patch)
}

func TestVerify_RevokedIntermediate(t *testing.T) {
	f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), nil)
	require.NoError(t, f.store.Put(context.Background(), "2", revocation.Entry{
		Status: revocation.StatusRevoked,
		Reason: revocation.ReasonKeyCompromise,
	}))

	res := f.verify(t)
	assert.False(t, res.Verified())
	require.Len(t, res.Failures, 1)

	failure := res.Failures[0]
	assert.Equal(t, CertificateRevoked, failure.Kind)
	assert.Equal(t, 1, failure.CertificateIndex)
	assert.Equal(t, "REVOKED (KEY_COMPROMISE)", failure.Reason)
	assert.Nil(t, res.KeyDescription, "decoding stops after a revoked certificate")
	assert.ErrorIs(t, res.Err(), ErrCertificateRevoked)
}

func TestVerify_EveryRevokedCertificateReported(t *testing.T) {
	f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), nil)
	require.NoError(t, f.store.Import(context.Background(), map[string]revocation.Entry{
		"1": {Status: revocation.StatusSuspended, Reason: revocation.ReasonSoftwareFlaw},
		"3": {Status: revocation.StatusRevoked},
	}))

	res := f.verify(t)
	assert.Equal(t, []FailureKind{CertificateRevoked, CertificateRevoked}, kinds(res))
	assert.Equal(t, 0, res.Failures[0].CertificateIndex)
	assert.Equal(t, "SUSPENDED (SOFTWARE_FLAW)", res.Failures[0].Reason)
	assert.Equal(t, 2, res.Failures[1].CertificateIndex)
	assert.Equal(t, "REVOKED", res.Failures[1].Reason)
}

func TestVerify_MissingOSPatchLevel(t *testing.T) {
	kd := testutil.DefaultKeyDescription(testChallenge)
	kd.HardwareEnforced = testutil.Without(kd.HardwareEnforced, 706)
	f := newFixture(t, kd, policy.Set{policy.MinOSPatchLevel(20230101)})

	res := f.verify(t)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, Failure{
		Kind:             PolicyViolation,
		CertificateIndex: NoIndex,
		Field:            "osPatchLevel",
		Expected:         ">=20230101",
		Unknown:          true,
		Err:              res.Failures[0].Err,
	}, res.Failures[0])
	assert.Equal(t, "PolicyViolation: osPatchLevel: expected >=20230101, got unknown", res.Failures[0].Error())
	assert.NotNil(t, res.KeyDescription, "policy failures keep the decoded record")
}

func TestVerify_PolicyIsExhaustive(t *testing.T) {
	kd := testutil.DefaultKeyDescription(testChallenge)
	kd.HardwareEnforced = testutil.Replace(kd.HardwareEnforced,
		testutil.RootOfTrust(testutil.Digest32(0x11), false, 2, testutil.Digest32(0x22)))
	f := newFixture(t, kd, policy.Set{
		policy.VerifiedBootState(android.VerifiedBootStateVerified),
		policy.MinSecurityLevel(android.SecurityLevelTrustedEnvironment),
		policy.DeviceLocked(),
	})

	res := f.verify(t)
	assert.Equal(t, []FailureKind{PolicyViolation, PolicyViolation}, kinds(res))
	assert.Equal(t, "rootOfTrust.verifiedBootState", res.Failures[0].Field)
	assert.Equal(t, "Unverified", res.Failures[0].Actual)
	assert.Equal(t, "rootOfTrust.deviceLocked", res.Failures[1].Field)

	errs := multierr.Errors(res.Err())
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrPolicyViolation)
		var violation *policy.Violation
		assert.ErrorAs(t, err, &violation)
	}
}

func TestVerify_UntrustedRoot(t *testing.T) {
	kd := testutil.DefaultKeyDescription(testChallenge)
	kd.AttestationVersion = 99 // unsupported, never reached
	c := testutil.NewChain(t, kd.Marshal())
	other := testutil.NewRoot(t, testutil.CertOptions{Serial: 9, Subject: "Other Root"})

	v, err := NewVerifier(Config{
		TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(other.Cert)},
		Revocation:   revocation.NewMemoryStore(),
	})
	require.NoError(t, err)

	for name, at := range map[string]time.Time{
		"in validity window": testutil.Now,
		"after expiry":       testutil.NotAfter.Add(time.Hour),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := v.Verify(context.Background(), &Request{Certificates: c.Certificates(), Time: at})
			require.NoError(t, err)
			assert.Equal(t, []FailureKind{UntrustedRoot}, kinds(res))
			assert.Equal(t, 2, res.Failures[0].CertificateIndex)
			assert.Nil(t, res.Trust)
			assert.ErrorIs(t, res.Err(), ErrUntrustedRoot)
		})
	}
}

func TestVerify_PublicKeyAnchor(t *testing.T) {
	c := testutil.NewChain(t, testutil.DefaultKeyDescription(testChallenge).Marshal())
	anchor, err := chain.NewPublicKeyAnchor("Google Hardware Attestation Root", c.Root.Cert.RawSubjectPublicKeyInfo)
	require.NoError(t, err)

	v, err := NewVerifier(Config{TrustAnchors: []chain.TrustAnchor{anchor}, Revocation: revocation.NewMemoryStore()})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), &Request{Certificates: c.Certificates(), Time: testutil.Now})
	require.NoError(t, err)
	assert.True(t, res.Verified())
	assert.Equal(t, "Google Hardware Attestation Root", res.Trust.Anchor.Name)
}

func TestVerify_ChainFailures(t *testing.T) {
	kd := testutil.DefaultKeyDescription(testChallenge).Marshal()

	t.Run("empty chain", func(t *testing.T) {
		f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), nil)
		res, err := f.verifier.Verify(context.Background(), &Request{Time: testutil.Now})
		require.NoError(t, err)
		assert.Equal(t, []FailureKind{MalformedChain}, kinds(res))
		assert.Equal(t, NoIndex, res.Failures[0].CertificateIndex)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), nil)
		res, err := f.verifier.Verify(context.Background(), &Request{
			Certificates: f.chain.Certificates(),
			Time:         testutil.NotAfter.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, []FailureKind{ExpiredCertificate}, kinds(res))
		assert.ErrorIs(t, res.Err(), ErrExpiredCertificate)
	})

	t.Run("invalid signature", func(t *testing.T) {
		root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
		intermediate := root.Issue(t, testutil.CertOptions{Serial: 2, Subject: "Test Attestation Intermediate", IsCA: true})
		impostor := root.Issue(t, testutil.CertOptions{Serial: 4, Subject: "Test Attestation Intermediate", IsCA: true})
		leaf := impostor.Issue(t, testutil.CertOptions{Serial: 1, Subject: "Android Keystore Key", KeyDescription: kd})

		v, err := NewVerifier(Config{
			TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(root.Cert)},
			Revocation:   revocation.NewMemoryStore(),
		})
		require.NoError(t, err)

		res, err := v.Verify(context.Background(), &Request{
			Certificates: []*x509.Certificate{leaf.Cert, intermediate.Cert, root.Cert},
			Time:         testutil.Now,
		})
		require.NoError(t, err)
		assert.Equal(t, []FailureKind{InvalidSignature}, kinds(res))
		assert.Equal(t, 0, res.Failures[0].CertificateIndex)
	})

	t.Run("wrong order", func(t *testing.T) {
		f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), nil)
		c := f.chain
		res, err := f.verifier.Verify(context.Background(), &Request{
			Certificates: []*x509.Certificate{c.Intermediate.Cert, c.Leaf.Cert, c.Root.Cert},
			Time:         testutil.Now,
		})
		require.NoError(t, err)
		assert.Equal(t, []FailureKind{MalformedChain}, kinds(res))
	})
}

func TestVerify_ExtensionFailures(t *testing.T) {
	t.Run("missing extension", func(t *testing.T) {
		root := testutil.NewRoot(t, testutil.CertOptions{Serial: 3, Subject: "Test Attestation Root"})
		leaf := root.Issue(t, testutil.CertOptions{Serial: 1, Subject: "Android Keystore Key"})

		v, err := NewVerifier(Config{
			TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(root.Cert)},
			Revocation:   revocation.NewMemoryStore(),
		})
		require.NoError(t, err)

		res, err := v.Verify(context.Background(), &Request{Certificates: []*x509.Certificate{leaf.Cert, root.Cert}, Time: testutil.Now})
		require.NoError(t, err)
		assert.Equal(t, []FailureKind{MalformedExtension}, kinds(res))
		assert.Equal(t, 0, res.Failures[0].CertificateIndex)
		assert.ErrorIs(t, res.Err(), ErrMalformedExtension)
		assert.ErrorIs(t, res.Err(), android.ErrExtensionNotFound)
	})

	t.Run("unsupported version", func(t *testing.T) {
		kd := testutil.DefaultKeyDescription(testChallenge)
		kd.AttestationVersion = 5
		res := newFixture(t, kd, nil).verify(t)
		assert.Equal(t, []FailureKind{MalformedExtension}, kinds(res))
		assert.Equal(t, "attestationVersion", res.Failures[0].Field)
	})

	t.Run("unsupported security level", func(t *testing.T) {
		kd := testutil.DefaultKeyDescription(testChallenge)
		kd.AttestationSecurityLevel = 7
		res := newFixture(t, kd, policy.Set{policy.DeviceLocked()}).verify(t)
		assert.Equal(t, []FailureKind{UnsupportedSecurityLevel}, kinds(res))
		assert.Equal(t, "attestationSecurityLevel", res.Failures[0].Field)
		assert.ErrorIs(t, res.Err(), ErrUnsupportedSecurityLevel)
	})
}

func TestVerify_RevocationUnavailable(t *testing.T) {
	c := testutil.NewChain(t, testutil.DefaultKeyDescription(testChallenge).Marshal())
	down := revocation.LookupFunc(func(ctx context.Context, serial string) (*revocation.Entry, error) {
		return nil, errors.New("connection refused")
	})

	t.Run("hard fail", func(t *testing.T) {
		v, err := NewVerifier(Config{
			TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(c.Root.Cert)},
			Revocation:   down,
		})
		require.NoError(t, err)

		res, err := v.Verify(context.Background(), &Request{Certificates: c.Certificates(), Time: testutil.Now})
		require.NoError(t, err)
		assert.Equal(t, []FailureKind{RevocationUnavailable, RevocationUnavailable, RevocationUnavailable}, kinds(res))
		assert.Equal(t, "connection refused", res.Failures[0].Reason)
		assert.ErrorIs(t, res.Err(), ErrRevocationUnavailable)
		assert.NotErrorIs(t, res.Err(), ErrCertificateRevoked)
	})

	t.Run("soft fail", func(t *testing.T) {
		v, err := NewVerifier(Config{
			TrustAnchors:   []chain.TrustAnchor{chain.NewCertificateAnchor(c.Root.Cert)},
			Revocation:     down,
			RevocationMode: revocation.SoftFail,
		})
		require.NoError(t, err)

		res, err := v.Verify(context.Background(), &Request{Certificates: c.Certificates(), Time: testutil.Now})
		require.NoError(t, err)
		assert.True(t, res.Verified())
	})
}

func TestVerify_LooksUpEverySerialOnce(t *testing.T) {
	c := testutil.NewChain(t, testutil.DefaultKeyDescription(testChallenge).Marshal())
	var mu sync.Mutex
	calls := map[string]int{}
	v, err := NewVerifier(Config{
		TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(c.Root.Cert)},
		Revocation: revocation.LookupFunc(func(ctx context.Context, serial string) (*revocation.Entry, error) {
			mu.Lock()
			defer mu.Unlock()
			calls[serial]++
			return nil, revocation.ErrNotFound
		}),
	})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), &Request{Certificates: c.Certificates(), Time: testutil.Now})
	require.NoError(t, err)
	assert.True(t, res.Verified())
	assert.Equal(t, map[string]int{"1": 1, "2": 1, "3": 1}, calls)
}

func TestVerify_RequestPolicyOverrides(t *testing.T) {
	f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), policy.Set{
		policy.MinSecurityLevel(android.SecurityLevelStrongBox),
	})
	assert.False(t, f.verify(t).Verified())

	res, err := f.verifier.Verify(context.Background(), &Request{
		Certificates: f.chain.Certificates(),
		Time:         testutil.Now,
		Policy:       policy.Set{policy.Challenge(testChallenge)},
	})
	require.NoError(t, err)
	assert.True(t, res.Verified())
}

func TestVerify_Deterministic(t *testing.T) {
	kd := testutil.DefaultKeyDescription(testChallenge)
	kd.HardwareEnforced = testutil.Without(kd.HardwareEnforced, 706)
	f := newFixture(t, kd, policy.Set{policy.MinOSPatchLevel(20230101), policy.DeviceLocked()})

	first := f.verify(t)
	second := f.verify(t)
	assert.Equal(t, first.Failures, second.Failures)
	assert.Equal(t, first.KeyDescription, second.KeyDescription)
}

func TestVerify_Concurrent(t *testing.T) {
	f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), policy.Set{policy.DeviceLocked()})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.verifier.Verify(context.Background(), &Request{
				Certificates: f.chain.Certificates(),
				Time:         testutil.Now,
			})
			assert.NoError(t, err)
			assert.True(t, res.Verified())
		}()
	}
	wg.Wait()
}

func TestVerify_Misuse(t *testing.T) {
	f := newFixture(t, testutil.DefaultKeyDescription(testChallenge), nil)

	_, err := f.verifier.Verify(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingRequest)

	_, err = f.verifier.Verify(context.Background(), &Request{Certificates: f.chain.Certificates()})
	assert.ErrorIs(t, err, ErrMissingTime)
}

func TestVerify_Logs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := testutil.NewChain(t, testutil.DefaultKeyDescription(testChallenge).Marshal())
	v, err := NewVerifier(Config{
		TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(c.Root.Cert)},
		Revocation:   revocation.NewMemoryStore(),
		Policy:       policy.Set{policy.MinSecurityLevel(android.SecurityLevelStrongBox)},
		Logger:       zap.New(core),
	})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), &Request{Certificates: c.Certificates(), Time: testutil.Now})
	require.NoError(t, err)
	entries := logs.FilterMessage("attestation failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, []interface{}{"PolicyViolation"}, entries[0].ContextMap()["failures"])
}

func TestNewVerifier_Validation(t *testing.T) {
	_, err := NewVerifier(Config{RevocationMode: revocation.Mode(7), Policy: policy.Set{{Field: "broken"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trustAnchors")
	assert.Contains(t, err.Error(), "revocation")
	assert.Contains(t, err.Error(), "revocationMode")
	assert.Contains(t, err.Error(), "policy[0]")

	_, err = NewVerifier(Config{
		TrustAnchors: []chain.TrustAnchor{{Name: "empty"}},
		Revocation:   revocation.NewMemoryStore(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trustAnchors[0]")
}

func TestFailure_Error(t *testing.T) {
	f := &Failure{Kind: CertificateRevoked, CertificateIndex: 1, Reason: "REVOKED (KEY_COMPROMISE)"}
	assert.Equal(t, "CertificateRevoked (certificate 1): REVOKED (KEY_COMPROMISE)", f.Error())
	assert.ErrorIs(t, f, ErrCertificateRevoked)

	f = &Failure{Kind: MalformedExtension, CertificateIndex: 0, Field: "teeEnforced.osPatchLevel", Reason: "not an INTEGER"}
	assert.Equal(t, "MalformedExtension (certificate 0): teeEnforced.osPatchLevel: not an INTEGER", f.Error())
}

func TestResult_HasFailure(t *testing.T) {
	res := &Result{Failures: []Failure{{Kind: PolicyViolation}}}
	assert.True(t, res.HasFailure(PolicyViolation))
	assert.False(t, res.HasFailure(UntrustedRoot))
}
