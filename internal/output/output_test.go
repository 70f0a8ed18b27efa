package output

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	attestation "github.com/kacy/key-attestation"
	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/chain"
	"github.com/kacy/key-attestation/internal/testutil"
	"github.com/kacy/key-attestation/policy"
	"github.com/kacy/key-attestation/revocation"
)

func verify(t *testing.T, kd testutil.KeyDescription, pol policy.Set) *Report {
	t.Helper()
	c := testutil.NewChain(t, kd.Marshal())
	v, err := attestation.NewVerifier(attestation.Config{
		TrustAnchors: []chain.TrustAnchor{chain.NewCertificateAnchor(c.Root.Cert)},
		Revocation:   revocation.NewMemoryStore(),
		Policy:       pol,
	})
	require.NoError(t, err)
	res, err := v.Verify(context.Background(), &attestation.Request{Certificates: c.Certificates(), Time: testutil.Now})
	require.NoError(t, err)
	return &Report{Source: "chain.pem", ToolVersion: "dev", Certificates: c.Certificates(), Result: res}
}

func TestTableWriter(t *testing.T) {
	tw := NewTableWriter()
	assert.Equal(t, "", tw.String())

	tw = NewTableWriter()
	tw.Header("A", "BBBBB")
	tw.Row("XXXXX", "Y\tZ")
	lines := strings.Split(tw.String(), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "BBBBB"), strings.Index(lines[1], "Y Z"))
}

func TestVerificationOutput_Verified(t *testing.T) {
	report := verify(t, testutil.DefaultKeyDescription([]byte("nonce")), nil)
	vo := NewVerificationOutput(report)

	text := vo.FormatText()
	assert.Contains(t, text, "STATUS: VERIFIED")
	assert.Contains(t, text, "ANCHOR: Test Attestation Root")
	assert.Contains(t, text, "ATTESTATION: version 300, TrustedEnvironment")
	assert.Contains(t, text, "Android Keystore Key")
	assert.NotContains(t, text, "KIND")

	data, err := vo.FormatJSON()
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, true, parsed["verified"])
	assert.Equal(t, "2024-06-01T12:00:00Z", parsed["timestamp"])
	assert.Equal(t, []any{}, parsed["failures"])
	assert.Len(t, parsed["chain"], 3)
	anchor := parsed["anchor"].(map[string]any)
	assert.Equal(t, "Test Attestation Root", anchor["name"])
	kd := parsed["key_description"].(map[string]any)
	assert.Equal(t, "6e6f6e6365", kd["attestation_challenge"])
}

func TestVerificationOutput_Failures(t *testing.T) {
	kd := testutil.DefaultKeyDescription([]byte("nonce"))
	kd.HardwareEnforced = testutil.Without(kd.HardwareEnforced, 706)
	report := verify(t, kd, policy.Set{
		policy.MinOSPatchLevel(20230101),
		policy.MinSecurityLevel(android.SecurityLevelStrongBox),
	})

	out, err := FormatOutput(NewVerificationOutput(report), FormatText)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS: FAILED (2 failures)")
	assert.Contains(t, out, "osPatchLevel")
	assert.Contains(t, out, "expected >=20230101, got unknown")
	assert.Contains(t, out, "expected >=StrongBox, got TrustedEnvironment")

	out, err = FormatOutput(NewVerificationOutput(report), FormatJSON)
	require.NoError(t, err)
	var parsed struct {
		Verified bool `json:"verified"`
		Failures []struct {
			Kind             string `json:"kind"`
			CertificateIndex int    `json:"certificate_index"`
			Field            string `json:"field"`
			Unknown          bool   `json:"unknown"`
		} `json:"failures"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.False(t, parsed.Verified)
	require.Len(t, parsed.Failures, 2)
	assert.Equal(t, "PolicyViolation", parsed.Failures[0].Kind)
	assert.Equal(t, -1, parsed.Failures[0].CertificateIndex)
	assert.True(t, parsed.Failures[0].Unknown)
}

func TestVerificationOutput_ChainFailure(t *testing.T) {
	c := testutil.NewChain(t, testutil.DefaultKeyDescription(nil).Marshal())
	report := &Report{
		Certificates: c.Certificates(),
		Result: &attestation.Result{
			Time: testutil.Now,
			Failures: []attestation.Failure{{
				Kind:             attestation.UntrustedRoot,
				CertificateIndex: 2,
				Reason:           "root matches no trust anchor",
			}},
		},
	}

	text := NewVerificationOutput(report).FormatText()
	assert.Contains(t, text, "STATUS: FAILED (1 failure)")
	assert.NotContains(t, text, "ANCHOR:")
	assert.Contains(t, text, "root matches no trust anchor")
}

func TestKeyDescriptionOutput(t *testing.T) {
	der := testutil.DefaultKeyDescription([]byte("nonce")).Marshal()
	kd, err := android.ParseKeyDescription(der)
	require.NoError(t, err)

	ko := NewKeyDescriptionOutput(kd)
	text := ko.FormatText()
	assert.Contains(t, text, "attestation_version")
	assert.Contains(t, text, "hardware_enforced.osPatchLevel")
	assert.Contains(t, text, "2024-01")
	assert.Contains(t, text, "hardware_enforced.rootOfTrust.verified_boot_state")
	assert.Contains(t, text, "software_enforced.attestationApplicationId.packages")
	assert.Contains(t, text, "com.example.app")

	data, err := ko.FormatJSON()
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestStatusListOutput(t *testing.T) {
	so := NewStatusListOutput(map[string]revocation.Entry{
		"c8966fcb2fbb0d7a": {Status: revocation.StatusSuspended, Reason: revocation.ReasonSoftwareFlaw, Expires: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)},
		"2c8cdddfd5e03bfc": {Status: revocation.StatusRevoked},
	})

	lines := strings.Split(so.FormatText(), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "2c8cdddfd5e03bfc"))
	assert.Contains(t, lines[2], "SOFTWARE_FLAW")
	assert.Contains(t, lines[2], "2030-01-01")

	data, err := so.FormatJSON()
	require.NoError(t, err)
	decoded, err := revocation.DecodeStatusList(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, so.Entries, decoded)
}
