package android

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var tagNames = map[int]string{
	tagPurpose:                     "purpose",
	tagAlgorithm:                   "algorithm",
	tagKeySize:                     "keySize",
	tagBlockMode:                   "blockMode",
	tagDigest:                      "digest",
	tagPadding:                     "padding",
	tagCallerNonce:                 "callerNonce",
	tagMinMacLength:                "minMacLength",
	tagECCurve:                     "ecCurve",
	tagRSAPublicExponent:           "rsaPublicExponent",
	tagMGFDigest:                   "mgfDigest",
	tagRollbackResistance:          "rollbackResistance",
	tagEarlyBootOnly:               "earlyBootOnly",
	tagActiveDateTime:              "activeDateTime",
	tagOriginationExpireDateTime:   "originationExpireDateTime",
	tagUsageExpireDateTime:         "usageExpireDateTime",
	tagUsageCountLimit:             "usageCountLimit",
	tagNoAuthRequired:              "noAuthRequired",
	tagUserAuthType:                "userAuthType",
	tagAuthTimeout:                 "authTimeout",
	tagAllowWhileOnBody:            "allowWhileOnBody",
	tagTrustedUserPresenceRequired: "trustedUserPresenceRequired",
	tagTrustedConfirmationRequired: "trustedConfirmationRequired",
	tagUnlockedDeviceRequired:      "unlockedDeviceRequired",
	tagAllApplications:             "allApplications",
	tagCreationDateTime:            "creationDateTime",
	tagOrigin:                      "origin",
	tagRollbackResistant:           "rollbackResistant",
	tagRootOfTrust:                 "rootOfTrust",
	tagOSVersion:                   "osVersion",
	tagOSPatchLevel:                "osPatchLevel",
	tagAttestationApplicationID:    "attestationApplicationId",
	tagAttestationIDBrand:          "attestationIdBrand",
	tagAttestationIDDevice:         "attestationIdDevice",
	tagAttestationIDProduct:        "attestationIdProduct",
	tagAttestationIDSerial:         "attestationIdSerial",
	tagAttestationIDIMEI:           "attestationIdImei",
	tagAttestationIDMEID:           "attestationIdMeid",
	tagAttestationIDManufacturer:   "attestationIdManufacturer",
	tagAttestationIDModel:          "attestationIdModel",
	tagVendorPatchLevel:            "vendorPatchLevel",
	tagBootPatchLevel:              "bootPatchLevel",
	tagDeviceUniqueAttestation:     "deviceUniqueAttestation",
	tagAttestationIDSecondIMEI:     "attestationIdSecondImei",
}

// TagName returns the schema name of a known authorization tag, or "" when
// the decoder does not model the tag.
func TagName(tag int) string { return tagNames[tag] }

// parseAuthorizationList walks the [n] EXPLICIT entries of one list. The
// context-specific tags run past 30, which cryptobyte cannot express, so the
// outer elements are split with encoding/asn1 and each value is read with
// cryptobyte.
func parseAuthorizationList(der cryptobyte.String, list string, out *AuthorizationList) error {
	rest := []byte(der)
	seen := make(map[int]bool)
	for len(rest) > 0 {
		var rv asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &rv); err != nil {
			return malformed(list, "%v", err)
		}
		if rv.Class != asn1.ClassContextSpecific || !rv.IsCompound {
			return malformed(list, "entry is not an explicitly tagged value (class %d, tag %d)", rv.Class, rv.Tag)
		}
		name, known := tagNames[rv.Tag]
		if !known {
			continue
		}
		field := list + "." + name
		if seen[rv.Tag] {
			return malformed(field, "duplicate tag [%d]", rv.Tag)
		}
		seen[rv.Tag] = true

		val := cryptobyte.String(rv.Bytes)
		if err := decodeTag(out, rv.Tag, &val); err != nil {
			return malformed(field, "%v", err)
		}
		if !val.Empty() {
			return malformed(field, "%d trailing bytes", len(val))
		}
		out.tags = append(out.tags, rv.Tag)
	}
	return nil
}

func decodeTag(a *AuthorizationList, tag int, s *cryptobyte.String) error {
	var err error
	switch tag {
	case tagPurpose:
		a.purposes, err = intSet[Purpose](s)
	case tagAlgorithm:
		a.algorithm, err = intAs[Algorithm](s)
	case tagKeySize:
		a.keySize, err = intAs[int](s)
	case tagBlockMode:
		a.blockModes, err = intSet[BlockMode](s)
	case tagDigest:
		a.digests, err = intSet[Digest](s)
	case tagPadding:
		a.paddings, err = intSet[Padding](s)
	case tagMinMacLength:
		a.minMACLength, err = intAs[int](s)
	case tagECCurve:
		a.ecCurve, err = intAs[ECCurve](s)
	case tagRSAPublicExponent:
		a.rsaPublicExponent, err = intAs[uint64](s)
	case tagMGFDigest:
		a.mgfDigests, err = intSet[Digest](s)
	case tagActiveDateTime:
		a.activeDateTime, err = dateTime(s)
	case tagOriginationExpireDateTime:
		a.originationExpireDateTime, err = dateTime(s)
	case tagUsageExpireDateTime:
		a.usageExpireDateTime, err = dateTime(s)
	case tagCreationDateTime:
		a.creationDateTime, err = dateTime(s)
	case tagUsageCountLimit:
		a.usageCountLimit, err = intAs[int](s)
	case tagUserAuthType:
		a.userAuthType, err = intAs[uint32](s)
	case tagAuthTimeout:
		var secs optional[int]
		if secs, err = intAs[int](s); err == nil {
			a.authTimeout = some(time.Duration(secs.v) * time.Second)
		}
	case tagOrigin:
		a.origin, err = intAs[Origin](s)
	case tagOSVersion:
		a.osVersion, err = intAs[OSVersion](s)
	case tagOSPatchLevel:
		a.osPatchLevel, err = intAs[PatchLevel](s)
	case tagVendorPatchLevel:
		a.vendorPatchLevel, err = intAs[PatchLevel](s)
	case tagBootPatchLevel:
		a.bootPatchLevel, err = intAs[PatchLevel](s)
	case tagRootOfTrust:
		var rot RootOfTrust
		if rot, err = readRootOfTrust(s); err == nil {
			a.rootOfTrust = some(rot)
		}
	case tagAttestationApplicationID:
		var id AttestationApplicationID
		if id, err = readApplicationID(s); err == nil {
			a.applicationID = some(id)
		}
	case tagAttestationIDBrand:
		a.idBrand, err = octetString(s)
	case tagAttestationIDDevice:
		a.idDevice, err = octetString(s)
	case tagAttestationIDProduct:
		a.idProduct, err = octetString(s)
	case tagAttestationIDSerial:
		a.idSerial, err = octetString(s)
	case tagAttestationIDIMEI:
		a.idIMEI, err = octetString(s)
	case tagAttestationIDMEID:
		a.idMEID, err = octetString(s)
	case tagAttestationIDManufacturer:
		a.idManufacturer, err = octetString(s)
	case tagAttestationIDModel:
		a.idModel, err = octetString(s)
	case tagAttestationIDSecondIMEI:
		a.idSecondIMEI, err = octetString(s)
	default:
		flag := flagField(a, tag)
		if flag == nil {
			return fmt.Errorf("tag [%d] has no decoder", tag)
		}
		if err = readNull(s); err == nil {
			*flag = true
		}
	}
	return err
}

func flagField(a *AuthorizationList, tag int) *bool {
	switch tag {
	case tagCallerNonce:
		return &a.callerNonce
	case tagRollbackResistance:
		return &a.rollbackResistance
	case tagEarlyBootOnly:
		return &a.earlyBootOnly
	case tagNoAuthRequired:
		return &a.noAuthRequired
	case tagAllowWhileOnBody:
		return &a.allowWhileOnBody
	case tagTrustedUserPresenceRequired:
		return &a.trustedUserPresenceRequired
	case tagTrustedConfirmationRequired:
		return &a.trustedConfirmationRequired
	case tagUnlockedDeviceRequired:
		return &a.unlockedDeviceRequired
	case tagAllApplications:
		return &a.allApplications
	case tagRollbackResistant:
		return &a.rollbackResistant
	case tagDeviceUniqueAttestation:
		return &a.deviceUniqueAttestation
	}
	return nil
}

var (
	errNotInteger  = errors.New("expected INTEGER")
	errNegative    = errors.New("negative value for unsigned field")
	errOutOfRange  = errors.New("value out of range")
	errNotSet      = errors.New("expected SET OF INTEGER")
	errNotNull     = errors.New("expected NULL")
	errNotBoolean  = errors.New("expected BOOLEAN")
	errNotOctets   = errors.New("expected OCTET STRING")
	errNotSequence = errors.New("expected SEQUENCE")
)

func readInt(s *cryptobyte.String) (int64, error) {
	var v int64
	if !s.ReadASN1Integer(&v) {
		return 0, errNotInteger
	}
	return v, nil
}

func intAs[T ~int | ~uint32 | ~uint64](s *cryptobyte.String) (optional[T], error) {
	v, err := readInt(s)
	if err != nil {
		return optional[T]{}, err
	}
	var zero T
	if v < 0 && zero-1 > zero {
		return optional[T]{}, errNegative
	}
	if int64(T(v)) != v {
		return optional[T]{}, fmt.Errorf("%w: %d", errOutOfRange, v)
	}
	return some(T(v)), nil
}

func intSet[T ~int](s *cryptobyte.String) (optional[[]T], error) {
	var set cryptobyte.String
	if !s.ReadASN1(&set, cryptobyte_asn1.SET) {
		return optional[[]T]{}, errNotSet
	}
	out := []T{}
	for !set.Empty() {
		var v int64
		if !set.ReadASN1Integer(&v) {
			return optional[[]T]{}, errNotSet
		}
		if int64(T(v)) != v {
			return optional[[]T]{}, fmt.Errorf("%w: %d", errOutOfRange, v)
		}
		out = append(out, T(v))
	}
	return some(out), nil
}

func dateTime(s *cryptobyte.String) (optional[time.Time], error) {
	ms, err := readInt(s)
	if err != nil {
		return optional[time.Time]{}, err
	}
	return some(time.UnixMilli(ms).UTC()), nil
}

func readNull(s *cryptobyte.String) error {
	var n cryptobyte.String
	if !s.ReadASN1(&n, cryptobyte_asn1.NULL) || len(n) != 0 {
		return errNotNull
	}
	return nil
}

// readBoolean accepts any non-zero octet as TRUE. Some Keymaster
// implementations encode TRUE as 0x01 rather than the DER 0xFF.
func readBoolean(s *cryptobyte.String) (bool, error) {
	var b cryptobyte.String
	if !s.ReadASN1(&b, cryptobyte_asn1.BOOLEAN) || len(b) != 1 {
		return false, errNotBoolean
	}
	return b[0] != 0, nil
}

func readOctets(s *cryptobyte.String) ([]byte, error) {
	var b cryptobyte.String
	if !s.ReadASN1(&b, cryptobyte_asn1.OCTET_STRING) {
		return nil, errNotOctets
	}
	return bytes.Clone(b), nil
}

func octetString(s *cryptobyte.String) (optional[string], error) {
	b, err := readOctets(s)
	if err != nil {
		return optional[string]{}, err
	}
	return some(string(b)), nil
}

func readRootOfTrust(s *cryptobyte.String) (RootOfTrust, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) {
		return RootOfTrust{}, errNotSequence
	}
	var rot RootOfTrust
	var err error
	if rot.VerifiedBootKey, err = readOctets(&seq); err != nil {
		return RootOfTrust{}, fmt.Errorf("verifiedBootKey: %w", err)
	}
	if rot.DeviceLocked, err = readBoolean(&seq); err != nil {
		return RootOfTrust{}, fmt.Errorf("deviceLocked: %w", err)
	}
	var state int
	if !seq.ReadASN1Enum(&state) {
		return RootOfTrust{}, errors.New("verifiedBootState: expected ENUMERATED")
	}
	rot.VerifiedBootState = VerifiedBootState(state)
	// verifiedBootHash was added in attestation version 3.
	if !seq.Empty() {
		if rot.VerifiedBootHash, err = readOctets(&seq); err != nil {
			return RootOfTrust{}, fmt.Errorf("verifiedBootHash: %w", err)
		}
	}
	if !seq.Empty() {
		return RootOfTrust{}, errors.New("unexpected fields after verifiedBootHash")
	}
	return rot, nil
}

// readApplicationID decodes the OCTET STRING wrapping
// SEQUENCE { SET OF AttestationPackageInfo, SET OF OCTET STRING }.
func readApplicationID(s *cryptobyte.String) (AttestationApplicationID, error) {
	var wrapped, seq, packages, digests cryptobyte.String
	if !s.ReadASN1(&wrapped, cryptobyte_asn1.OCTET_STRING) {
		return AttestationApplicationID{}, errNotOctets
	}
	if !wrapped.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !wrapped.Empty() {
		return AttestationApplicationID{}, errNotSequence
	}
	if !seq.ReadASN1(&packages, cryptobyte_asn1.SET) {
		return AttestationApplicationID{}, errors.New("packageInfos: expected SET")
	}
	if !seq.ReadASN1(&digests, cryptobyte_asn1.SET) || !seq.Empty() {
		return AttestationApplicationID{}, errors.New("signatureDigests: expected SET")
	}

	id := AttestationApplicationID{Packages: []PackageInfo{}, SignatureDigests: [][]byte{}}
	for !packages.Empty() {
		var info, name cryptobyte.String
		var version int64
		if !packages.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) ||
			!info.ReadASN1(&name, cryptobyte_asn1.OCTET_STRING) ||
			!info.ReadASN1Integer(&version) || !info.Empty() {
			return AttestationApplicationID{}, errors.New("packageInfos: malformed AttestationPackageInfo")
		}
		id.Packages = append(id.Packages, PackageInfo{Name: string(name), Version: version})
	}
	for !digests.Empty() {
		d, err := readOctets(&digests)
		if err != nil {
			return AttestationApplicationID{}, fmt.Errorf("signatureDigests: %w", err)
		}
		id.SignatureDigests = append(id.SignatureDigests, d)
	}
	return id, nil
}
