package policy

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/internal/testutil"
)

var testChallenge = []byte("challenge-0123456789")

func decode(t *testing.T, kd testutil.KeyDescription) *android.KeyDescription {
	t.Helper()
	out, err := android.ParseKeyDescription(kd.Marshal())
	require.NoError(t, err)
	return out
}

func defaultRecord(t *testing.T) *android.KeyDescription {
	return decode(t, testutil.DefaultKeyDescription(testChallenge))
}

func TestPredicates_Satisfied(t *testing.T) {
	kd := defaultRecord(t)

	set := Set{
		MinSecurityLevel(android.SecurityLevelTrustedEnvironment),
		MinKeymasterSecurityLevel(android.SecurityLevelTrustedEnvironment),
		MinAttestationVersion(3),
		VerifiedBootState(android.VerifiedBootStateVerified),
		DeviceLocked(),
		MinOSVersion(semver.MustParse("13")),
		MinOSPatchLevel(202312),
		MinVendorPatchLevel(20240101),
		MinBootPatchLevel(20240105),
		Challenge(testChallenge),
		PackageName("com.other.app", "com.example.app"),
		SignatureDigest(testutil.Digest32(0xAB)),
		Origin(android.OriginGenerated),
		Purpose(android.PurposeSign),
	}
	assert.Empty(t, set.Evaluate(kd))
}

func TestPredicates_Violated(t *testing.T) {
	kd := defaultRecord(t)

	tests := []struct {
		name      string
		predicate Predicate
		want      Violation
	}{
		{"security level", MinSecurityLevel(android.SecurityLevelStrongBox),
			Violation{Field: "attestationSecurityLevel", Expected: ">=StrongBox", Actual: "TrustedEnvironment"}},
		{"keymaster security level", MinKeymasterSecurityLevel(android.SecurityLevelStrongBox),
			Violation{Field: "keymasterSecurityLevel", Expected: ">=StrongBox", Actual: "TrustedEnvironment"}},
		{"attestation version", MinAttestationVersion(400),
			Violation{Field: "attestationVersion", Expected: ">=400", Actual: "300"}},
		{"boot state", VerifiedBootState(android.VerifiedBootStateSelfSigned, android.VerifiedBootStateFailed),
			Violation{Field: "rootOfTrust.verifiedBootState", Expected: "SelfSigned|Failed", Actual: "Verified"}},
		{"os version", MinOSVersion(semver.MustParse("14.1")),
			Violation{Field: "osVersion", Expected: ">=14.1.0", Actual: "14.0.0"}},
		{"os patch level", MinOSPatchLevel(202402),
			Violation{Field: "osPatchLevel", Expected: ">=202402", Actual: "202401"}},
		{"vendor patch level", MinVendorPatchLevel(20240201),
			Violation{Field: "vendorPatchLevel", Expected: ">=20240201", Actual: "20240105"}},
		{"boot patch level mixed precision", MinBootPatchLevel(202402),
			Violation{Field: "bootPatchLevel", Expected: ">=202402", Actual: "20240105"}},
		{"challenge", Challenge([]byte{0x01}),
			Violation{Field: "attestationChallenge", Expected: "01", Actual: "6368616c6c656e67652d30313233343536373839"}},
		{"package", PackageName("com.evil.app"),
			Violation{Field: "attestationApplicationId.packageName", Expected: "com.evil.app", Actual: "com.example.app"}},
		{"origin", Origin(android.OriginImported),
			Violation{Field: "origin", Expected: "IMPORTED", Actual: "GENERATED"}},
		{"purpose", Purpose(android.PurposeDecrypt),
			Violation{Field: "purpose", Expected: "DECRYPT", Actual: "SIGN,VERIFY"}},
		{"rollback resistance", RollbackResistance(),
			Violation{Field: "rollbackResistance", Expected: "true", Actual: "false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.predicate.Check(kd)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
			assert.Equal(t, tt.want.Field, tt.predicate.Field)
		})
	}
}

func TestPredicates_UnassertedIsUnknown(t *testing.T) {
	kd := decode(t, testutil.KeyDescription{
		AttestationVersion:       3,
		AttestationSecurityLevel: 1,
		KeymasterVersion:         4,
		KeymasterSecurityLevel:   1,
		Challenge:                testChallenge,
	})

	for _, p := range []Predicate{
		VerifiedBootState(android.VerifiedBootStateVerified),
		DeviceLocked(),
		MinOSVersion(semver.MustParse("10")),
		MinOSPatchLevel(202301),
		MinVendorPatchLevel(20230101),
		MinBootPatchLevel(20230101),
		PackageName("com.example.app"),
		SignatureDigest(testutil.Digest32(0xAB)),
		Origin(android.OriginGenerated),
		Purpose(android.PurposeSign),
	} {
		t.Run(p.Field, func(t *testing.T) {
			v := p.Check(kd)
			require.NotNil(t, v, "an unasserted field never satisfies a predicate")
			assert.True(t, v.Unknown)
			assert.Empty(t, v.Actual)

			assert.Nil(t, AllowUnknown(p).Check(kd))
		})
	}
}

func TestPredicates_ZeroOSVersionIsUnknown(t *testing.T) {
	rec := testutil.DefaultKeyDescription(testChallenge)
	rec.HardwareEnforced = testutil.Replace(rec.HardwareEnforced, testutil.Int(705, 0))

	v := MinOSVersion(semver.MustParse("10")).Check(decode(t, rec))
	require.NotNil(t, v)
	assert.True(t, v.Unknown)
}

func TestPredicates_NilMinOSVersionFails(t *testing.T) {
	var p Predicate
	require.NotPanics(t, func() { p = MinOSVersion(nil) })
	assert.Equal(t, "osVersion", p.Field)

	v := p.Check(decode(t, testutil.DefaultKeyDescription(testChallenge)))
	require.NotNil(t, v)
	assert.False(t, v.Unknown)
	assert.Equal(t, "no minimum configured", v.Actual)
}

func TestPredicates_IgnoreSoftwareEnforcedSecurityFields(t *testing.T) {
	rec := testutil.DefaultKeyDescription(testChallenge)
	rec.HardwareEnforced = testutil.Without(rec.HardwareEnforced, 706)
	rec.SoftwareEnforced = append(rec.SoftwareEnforced, testutil.Int(706, 202405))

	v := MinOSPatchLevel(202401).Check(decode(t, rec))
	require.NotNil(t, v)
	assert.True(t, v.Unknown)
}

func TestPredicates_RollbackResistantKeymaster3(t *testing.T) {
	rec := testutil.DefaultKeyDescription(testChallenge)
	rec.HardwareEnforced = append(rec.HardwareEnforced, testutil.Null(703))
	assert.Nil(t, RollbackResistance().Check(decode(t, rec)))

	rec = testutil.DefaultKeyDescription(testChallenge)
	rec.HardwareEnforced = append(rec.HardwareEnforced, testutil.Null(303))
	assert.Nil(t, RollbackResistance().Check(decode(t, rec)))
}

func TestSet_EvaluatesEveryPredicate(t *testing.T) {
	kd := defaultRecord(t)

	set := Set{
		MinSecurityLevel(android.SecurityLevelStrongBox),
		DeviceLocked(),
		MinOSPatchLevel(202406),
	}
	violations := set.Evaluate(kd)
	require.Len(t, violations, 2)
	assert.Equal(t, "attestationSecurityLevel", violations[0].Field)
	assert.Equal(t, "osPatchLevel", violations[1].Field)
	assert.Equal(t, []string{"attestationSecurityLevel", "rootOfTrust.deviceLocked", "osPatchLevel"}, set.Fields())
}

func TestSet_With(t *testing.T) {
	base := Set{DeviceLocked()}
	extended := base.With(Challenge(testChallenge))
	assert.Len(t, base, 1)
	assert.Len(t, extended, 2)
}

func TestViolation_Error(t *testing.T) {
	v := &Violation{Field: "osPatchLevel", Expected: ">=20230101", Unknown: true}
	assert.Equal(t, "policy violation: osPatchLevel: expected >=20230101, got unknown", v.Error())

	v = &Violation{Field: "origin", Expected: "GENERATED", Actual: "IMPORTED"}
	assert.Equal(t, "policy violation: origin: expected GENERATED, got IMPORTED", v.Error())
}
