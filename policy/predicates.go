package policy

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/kacy/key-attestation/android"
)

// MinSecurityLevel requires the attestation to come from at least level.
func MinSecurityLevel(level android.SecurityLevel) Predicate {
	const field = "attestationSecurityLevel"
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		if got := kd.AttestationSecurityLevel(); got < level {
			return violation(field, ">="+level.String(), got.String())
		}
		return nil
	}}
}

// MinKeymasterSecurityLevel requires the key to live in at least level.
func MinKeymasterSecurityLevel(level android.SecurityLevel) Predicate {
	const field = "keymasterSecurityLevel"
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		if got := kd.KeymasterSecurityLevel(); got < level {
			return violation(field, ">="+level.String(), got.String())
		}
		return nil
	}}
}

// MinAttestationVersion requires at least the given attestation schema version.
func MinAttestationVersion(version int) Predicate {
	const field = "attestationVersion"
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		if got := kd.AttestationVersion(); got < version {
			return violation(field, ">="+strconv.Itoa(version), strconv.Itoa(got))
		}
		return nil
	}}
}

// VerifiedBootState requires the hardware root of trust to report one of states.
func VerifiedBootState(states ...android.VerifiedBootState) Predicate {
	const field = "rootOfTrust.verifiedBootState"
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	expected := strings.Join(names, "|")

	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		rot, ok := kd.HardwareEnforced().RootOfTrust()
		if !ok {
			return unknown(field, expected)
		}
		if !slices.Contains(states, rot.VerifiedBootState) {
			return violation(field, expected, rot.VerifiedBootState.String())
		}
		return nil
	}}
}

// DeviceLocked requires the hardware root of trust to report a locked bootloader.
func DeviceLocked() Predicate {
	const field = "rootOfTrust.deviceLocked"
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		rot, ok := kd.HardwareEnforced().RootOfTrust()
		if !ok {
			return unknown(field, "true")
		}
		if !rot.DeviceLocked {
			return violation(field, "true", "false")
		}
		return nil
	}}
}

// MinOSVersion requires the hardware-enforced OS version to be at least min.
// A version of zero is treated as not asserted. A nil min yields a predicate
// that always reports a violation.
func MinOSVersion(min *semver.Version) Predicate {
	const field = "osVersion"
	if min == nil {
		return Predicate{Field: field, Check: func(*android.KeyDescription) *Violation {
			return violation(field, "a minimum version", "no minimum configured")
		}}
	}
	expected := ">=" + min.String()
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		actual, ok := kd.HardwareEnforced().OSVersion()
		switch android.CompareOSVersion(actual, ok, min) {
		case android.Unknown:
			return unknown(field, expected)
		case android.Less:
			return violation(field, expected, actual.String())
		}
		return nil
	}}
}

// MinOSPatchLevel requires the hardware-enforced OS patch level to be at least floor.
func MinOSPatchLevel(floor android.PatchLevel) Predicate {
	return minPatchLevel("osPatchLevel", floor, (*android.AuthorizationList).OSPatchLevel)
}

// MinVendorPatchLevel requires the hardware-enforced vendor patch level to be at least floor.
func MinVendorPatchLevel(floor android.PatchLevel) Predicate {
	return minPatchLevel("vendorPatchLevel", floor, (*android.AuthorizationList).VendorPatchLevel)
}

// MinBootPatchLevel requires the hardware-enforced boot patch level to be at least floor.
func MinBootPatchLevel(floor android.PatchLevel) Predicate {
	return minPatchLevel("bootPatchLevel", floor, (*android.AuthorizationList).BootPatchLevel)
}

func minPatchLevel(field string, floor android.PatchLevel, get func(*android.AuthorizationList) (android.PatchLevel, bool)) Predicate {
	expected := fmt.Sprintf(">=%d", floor)
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		actual, ok := get(kd.HardwareEnforced())
		switch android.ComparePatchLevel(actual, ok, floor) {
		case android.Unknown:
			return unknown(field, expected)
		case android.Less:
			return violation(field, expected, strconv.FormatUint(uint64(actual), 10))
		}
		return nil
	}}
}

// Challenge requires the attestation challenge to equal want.
func Challenge(want []byte) Predicate {
	const field = "attestationChallenge"
	expected := hex.EncodeToString(want)
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		got := kd.AttestationChallenge()
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			return violation(field, expected, hex.EncodeToString(got))
		}
		return nil
	}}
}

// PackageName requires the attesting application to include one of names.
func PackageName(names ...string) Predicate {
	const field = "attestationApplicationId.packageName"
	expected := strings.Join(names, "|")
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		id, ok := kd.SoftwareEnforced().AttestationApplicationID()
		if !ok {
			return unknown(field, expected)
		}
		if slices.ContainsFunc(names, id.HasPackage) {
			return nil
		}
		got := make([]string, len(id.Packages))
		for i, p := range id.Packages {
			got[i] = p.Name
		}
		return violation(field, expected, strings.Join(got, ","))
	}}
}

// SignatureDigest requires the attesting application to be signed by a
// certificate with one of the given SHA-256 digests.
func SignatureDigest(digests ...[]byte) Predicate {
	const field = "attestationApplicationId.signatureDigest"
	hexes := make([]string, len(digests))
	for i, d := range digests {
		hexes[i] = hex.EncodeToString(d)
	}
	expected := strings.Join(hexes, "|")

	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		id, ok := kd.SoftwareEnforced().AttestationApplicationID()
		if !ok {
			return unknown(field, expected)
		}
		if slices.ContainsFunc(digests, id.HasSignatureDigest) {
			return nil
		}
		got := make([]string, len(id.SignatureDigests))
		for i, d := range id.SignatureDigests {
			got[i] = hex.EncodeToString(d)
		}
		return violation(field, expected, strings.Join(got, ","))
	}}
}

// Origin requires the hardware-enforced key origin to be one of origins.
func Origin(origins ...android.Origin) Predicate {
	const field = "origin"
	names := make([]string, len(origins))
	for i, o := range origins {
		names[i] = o.String()
	}
	expected := strings.Join(names, "|")

	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		got, ok := kd.HardwareEnforced().Origin()
		if !ok {
			return unknown(field, expected)
		}
		if !slices.Contains(origins, got) {
			return violation(field, expected, got.String())
		}
		return nil
	}}
}

// Purpose requires the hardware-enforced purposes to include p.
func Purpose(p android.Purpose) Predicate {
	const field = "purpose"
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		hw := kd.HardwareEnforced()
		purposes, ok := hw.Purposes()
		if !ok {
			return unknown(field, p.String())
		}
		if !hw.HasPurpose(p) {
			names := make([]string, len(purposes))
			for i, got := range purposes {
				names[i] = got.String()
			}
			return violation(field, p.String(), strings.Join(names, ","))
		}
		return nil
	}}
}

// RollbackResistance requires the key to be rollback resistant in hardware,
// under either the Keymaster 3 or the later tag.
func RollbackResistance() Predicate {
	const field = "rollbackResistance"
	return Predicate{Field: field, Check: func(kd *android.KeyDescription) *Violation {
		hw := kd.HardwareEnforced()
		if !hw.RollbackResistance() && !hw.RollbackResistant() {
			return violation(field, "true", "false")
		}
		return nil
	}}
}
