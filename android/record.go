// Package android decodes the Android Key Attestation extension carried by
// the leaf certificate of a hardware-backed key's attestation chain.
//
// The extension (OID 1.3.6.1.4.1.11129.2.1.17) holds a KeyDescription: the
// attestation and Keymaster/KeyMint versions and security levels, the
// challenge supplied by the relying party, and two authorization lists, one
// enforced by Android and one enforced by the secure hardware.
//
// Every attestation version decodes into the same KeyDescription. Fields a
// version does not carry are simply absent.
//
// See: https://source.android.com/docs/security/features/keystore/attestation
package android

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"slices"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// OIDKeyDescription identifies the key attestation extension.
var OIDKeyDescription = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// SupportedVersions lists the attestation versions the decoder accepts:
// Keymaster 1 through 4 and KeyMint 100 through 400.
var SupportedVersions = []int{1, 2, 3, 4, 100, 200, 300, 400}

// KeyDescription is a decoded key attestation record. It is immutable; byte
// slices and lists are copied on every read.
type KeyDescription struct {
	attestationVersion       int
	attestationSecurityLevel SecurityLevel
	keymasterVersion         int
	keymasterSecurityLevel   SecurityLevel
	attestationChallenge     []byte
	uniqueID                 []byte
	softwareEnforced         AuthorizationList
	hardwareEnforced         AuthorizationList
}

func (k *KeyDescription) AttestationVersion() int { return k.attestationVersion }
func (k *KeyDescription) AttestationSecurityLevel() SecurityLevel { return k.attestationSecurityLevel }
func (k *KeyDescription) KeymasterVersion() int { return k.keymasterVersion }
func (k *KeyDescription) KeymasterSecurityLevel() SecurityLevel { return k.keymasterSecurityLevel }

// AttestationChallenge returns the challenge the relying party supplied.
func (k *KeyDescription) AttestationChallenge() []byte {
	return bytes.Clone(k.attestationChallenge)
}

// UniqueID returns the device-unique id; an empty encoding is not asserted.
func (k *KeyDescription) UniqueID() ([]byte, bool) {
	if len(k.uniqueID) == 0 {
		return nil, false
	}
	return bytes.Clone(k.uniqueID), true
}

// SoftwareEnforced returns the list enforced by the Android OS.
func (k *KeyDescription) SoftwareEnforced() *AuthorizationList {
	l := k.softwareEnforced
	return &l
}

// HardwareEnforced returns the list enforced by the TEE or StrongBox
// (teeEnforced in the ASN.1 schema).
func (k *KeyDescription) HardwareEnforced() *AuthorizationList {
	l := k.hardwareEnforced
	return &l
}

// FromCertificate locates and decodes the key attestation extension of cert.
func FromCertificate(cert *x509.Certificate) (*KeyDescription, error) {
	var found []byte
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OIDKeyDescription) {
			continue
		}
		if found != nil {
			return nil, malformed("keyDescription", "extension appears more than once")
		}
		found = ext.Value
	}
	if found == nil {
		return nil, ErrExtensionNotFound
	}
	return ParseKeyDescription(found)
}

// ParseKeyDescription decodes the DER contents of the key attestation
// extension. Errors are *FieldError values naming the offending field.
func ParseKeyDescription(der []byte) (*KeyDescription, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) {
		return nil, malformed("keyDescription", "not a SEQUENCE")
	}
	if !input.Empty() {
		return nil, malformed("keyDescription", "%d trailing bytes", len(input))
	}

	k := &KeyDescription{}

	var version int64
	if !seq.ReadASN1Integer(&version) {
		return nil, malformed("attestationVersion", "expected INTEGER")
	}
	if !slices.Contains(SupportedVersions, int(version)) {
		return nil, malformed("attestationVersion", "unsupported version %d", version)
	}
	k.attestationVersion = int(version)

	var err error
	if k.attestationSecurityLevel, err = readSecurityLevel(&seq, "attestationSecurityLevel"); err != nil {
		return nil, err
	}

	var kmVersion int64
	if !seq.ReadASN1Integer(&kmVersion) {
		return nil, malformed("keymasterVersion", "expected INTEGER")
	}
	k.keymasterVersion = int(kmVersion)

	if k.keymasterSecurityLevel, err = readSecurityLevel(&seq, "keymasterSecurityLevel"); err != nil {
		return nil, err
	}

	var challenge, uniqueID cryptobyte.String
	if !seq.ReadASN1(&challenge, cryptobyte_asn1.OCTET_STRING) {
		return nil, malformed("attestationChallenge", "expected OCTET STRING")
	}
	k.attestationChallenge = bytes.Clone(challenge)
	if !seq.ReadASN1(&uniqueID, cryptobyte_asn1.OCTET_STRING) {
		return nil, malformed("uniqueId", "expected OCTET STRING")
	}
	if len(uniqueID) > 0 {
		k.uniqueID = bytes.Clone(uniqueID)
	}

	var sw, hw cryptobyte.String
	if !seq.ReadASN1(&sw, cryptobyte_asn1.SEQUENCE) {
		return nil, malformed("softwareEnforced", "expected SEQUENCE")
	}
	if !seq.ReadASN1(&hw, cryptobyte_asn1.SEQUENCE) {
		return nil, malformed("teeEnforced", "expected SEQUENCE")
	}
	if !seq.Empty() {
		return nil, malformed("keyDescription", "unexpected fields after teeEnforced")
	}

	if err := parseAuthorizationList(sw, "softwareEnforced", &k.softwareEnforced); err != nil {
		return nil, err
	}
	if err := parseAuthorizationList(hw, "teeEnforced", &k.hardwareEnforced); err != nil {
		return nil, err
	}
	return k, nil
}

func readSecurityLevel(s *cryptobyte.String, field string) (SecurityLevel, error) {
	var v int
	if !s.ReadASN1Enum(&v) {
		return 0, malformed(field, "expected ENUMERATED")
	}
	level := SecurityLevel(v)
	if !level.valid() {
		return 0, &FieldError{Field: field, Detail: level.String(), Err: ErrUnsupportedSecurityLevel}
	}
	return level, nil
}
