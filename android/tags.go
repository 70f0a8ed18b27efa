package android

import (
	"fmt"
	"strings"
)

// Keymaster / KeyMint authorization tag numbers. The attestation extension
// encodes each asserted tag as a context-specific [n] EXPLICIT element.
const (
	tagPurpose                     = 1
	tagAlgorithm                   = 2
	tagKeySize                     = 3
	tagBlockMode                   = 4
	tagDigest                      = 5
	tagPadding                     = 6
	tagCallerNonce                 = 7
	tagMinMacLength                = 8
	tagECCurve                     = 10
	tagRSAPublicExponent           = 200
	tagMGFDigest                   = 203
	tagRollbackResistance          = 303
	tagEarlyBootOnly               = 305
	tagActiveDateTime              = 400
	tagOriginationExpireDateTime   = 401
	tagUsageExpireDateTime         = 402
	tagUsageCountLimit             = 405
	tagNoAuthRequired              = 503
	tagUserAuthType                = 504
	tagAuthTimeout                 = 505
	tagAllowWhileOnBody            = 506
	tagTrustedUserPresenceRequired = 507
	tagTrustedConfirmationRequired = 508
	tagUnlockedDeviceRequired      = 509
	tagAllApplications             = 600
	tagCreationDateTime            = 701
	tagOrigin                      = 702
	tagRollbackResistant           = 703
	tagRootOfTrust                 = 704
	tagOSVersion                   = 705
	tagOSPatchLevel                = 706
	tagAttestationApplicationID    = 709
	tagAttestationIDBrand          = 710
	tagAttestationIDDevice         = 711
	tagAttestationIDProduct        = 712
	tagAttestationIDSerial         = 713
	tagAttestationIDIMEI           = 714
	tagAttestationIDMEID           = 715
	tagAttestationIDManufacturer   = 716
	tagAttestationIDModel          = 717
	tagVendorPatchLevel            = 718
	tagBootPatchLevel              = 719
	tagDeviceUniqueAttestation     = 720
	tagAttestationIDSecondIMEI     = 723
)

// SecurityLevel is the environment a key or attestation lives in.
type SecurityLevel int

const (
	SecurityLevelSoftware           SecurityLevel = 0
	SecurityLevelTrustedEnvironment SecurityLevel = 1
	SecurityLevelStrongBox          SecurityLevel = 2
)

func (s SecurityLevel) String() string {
	switch s {
	case SecurityLevelSoftware:
		return "Software"
	case SecurityLevelTrustedEnvironment:
		return "TrustedEnvironment"
	case SecurityLevelStrongBox:
		return "StrongBox"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(s))
	}
}

func (s SecurityLevel) valid() bool {
	return s >= SecurityLevelSoftware && s <= SecurityLevelStrongBox
}

// ParseSecurityLevel accepts "software", "tee" (or "trusted-environment") and
// "strongbox", case-insensitively.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "software":
		return SecurityLevelSoftware, nil
	case "tee", "trusted-environment", "trustedenvironment":
		return SecurityLevelTrustedEnvironment, nil
	case "strongbox":
		return SecurityLevelStrongBox, nil
	default:
		return 0, fmt.Errorf("unknown security level %q", s)
	}
}

// VerifiedBootState is the boot verification outcome reported in the root of trust.
type VerifiedBootState int

const (
	VerifiedBootStateVerified   VerifiedBootState = 0
	VerifiedBootStateSelfSigned VerifiedBootState = 1
	VerifiedBootStateUnverified VerifiedBootState = 2
	VerifiedBootStateFailed     VerifiedBootState = 3
)

func (s VerifiedBootState) String() string {
	switch s {
	case VerifiedBootStateVerified:
		return "Verified"
	case VerifiedBootStateSelfSigned:
		return "SelfSigned"
	case VerifiedBootStateUnverified:
		return "Unverified"
	case VerifiedBootStateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("VerifiedBootState(%d)", int(s))
	}
}

// ParseVerifiedBootState accepts the state names with or without dashes.
func ParseVerifiedBootState(s string) (VerifiedBootState, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "") {
	case "verified":
		return VerifiedBootStateVerified, nil
	case "selfsigned":
		return VerifiedBootStateSelfSigned, nil
	case "unverified":
		return VerifiedBootStateUnverified, nil
	case "failed":
		return VerifiedBootStateFailed, nil
	default:
		return 0, fmt.Errorf("unknown verified boot state %q", s)
	}
}

// Purpose is a KM_PURPOSE value.
type Purpose int

const (
	PurposeEncrypt   Purpose = 0
	PurposeDecrypt   Purpose = 1
	PurposeSign      Purpose = 2
	PurposeVerify    Purpose = 3
	PurposeWrapKey   Purpose = 5
	PurposeAgreeKey  Purpose = 6
	PurposeAttestKey Purpose = 7
)

var purposeNames = map[Purpose]string{
	PurposeEncrypt:   "ENCRYPT",
	PurposeDecrypt:   "DECRYPT",
	PurposeSign:      "SIGN",
	PurposeVerify:    "VERIFY",
	PurposeWrapKey:   "WRAP_KEY",
	PurposeAgreeKey:  "AGREE_KEY",
	PurposeAttestKey: "ATTEST_KEY",
}

func (p Purpose) String() string { return enumName(purposeNames, p, "Purpose") }

// ParsePurpose maps a KM_PURPOSE name such as "SIGN" to its value.
func ParsePurpose(s string) (Purpose, error) { return parseEnum(purposeNames, s, "purpose") }

// Algorithm is a KM_ALGORITHM value.
type Algorithm int

const (
	AlgorithmRSA       Algorithm = 1
	AlgorithmEC        Algorithm = 3
	AlgorithmAES       Algorithm = 32
	AlgorithmTripleDES Algorithm = 33
	AlgorithmHMAC      Algorithm = 128
)

var algorithmNames = map[Algorithm]string{
	AlgorithmRSA:       "RSA",
	AlgorithmEC:        "EC",
	AlgorithmAES:       "AES",
	AlgorithmTripleDES: "3DES",
	AlgorithmHMAC:      "HMAC",
}

func (a Algorithm) String() string { return enumName(algorithmNames, a, "Algorithm") }

// BlockMode is a KM_MODE value.
type BlockMode int

var blockModeNames = map[BlockMode]string{
	1:  "ECB",
	2:  "CBC",
	3:  "CTR",
	32: "GCM",
}

func (b BlockMode) String() string { return enumName(blockModeNames, b, "BlockMode") }

// Digest is a KM_DIGEST value.
type Digest int

var digestNames = map[Digest]string{
	0: "NONE",
	1: "MD5",
	2: "SHA1",
	3: "SHA-2-224",
	4: "SHA-2-256",
	5: "SHA-2-384",
	6: "SHA-2-512",
}

func (d Digest) String() string { return enumName(digestNames, d, "Digest") }

// Padding is a KM_PAD value.
type Padding int

var paddingNames = map[Padding]string{
	1:  "NONE",
	2:  "RSA_OAEP",
	3:  "RSA_PSS",
	4:  "RSA_PKCS1_1_5_ENCRYPT",
	5:  "RSA_PKCS1_1_5_SIGN",
	64: "PKCS7",
}

func (p Padding) String() string { return enumName(paddingNames, p, "Padding") }

// ECCurve is a KM_EC_CURVE value.
type ECCurve int

var ecCurveNames = map[ECCurve]string{
	0: "P-224",
	1: "P-256",
	2: "P-384",
	3: "P-521",
	4: "CURVE_25519",
}

func (c ECCurve) String() string { return enumName(ecCurveNames, c, "ECCurve") }

// Origin is a KM_ORIGIN value.
type Origin int

const (
	OriginGenerated        Origin = 0
	OriginDerived          Origin = 1
	OriginImported         Origin = 2
	OriginUnknown          Origin = 3
	OriginSecurelyImported Origin = 4
)

var originNames = map[Origin]string{
	OriginGenerated:        "GENERATED",
	OriginDerived:          "DERIVED",
	OriginImported:         "IMPORTED",
	OriginUnknown:          "UNKNOWN",
	OriginSecurelyImported: "SECURELY_IMPORTED",
}

func (o Origin) String() string { return enumName(originNames, o, "Origin") }

// ParseOrigin maps a KM_ORIGIN name such as "GENERATED" to its value.
func ParseOrigin(s string) (Origin, error) { return parseEnum(originNames, s, "origin") }

func enumName[T ~int](names map[T]string, v T, typeName string) string {
	if name, ok := names[v]; ok {
		return name
	}
	return fmt.Sprintf("%s(%d)", typeName, int(v))
}

func parseEnum[T ~int](names map[T]string, s, what string) (T, error) {
	want := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_")
	for v, name := range names {
		if name == want {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, s)
}
