package android

import (
	"bytes"
	"slices"
	"time"
)

type optional[T any] struct {
	v  T
	ok bool
}

func some[T any](v T) optional[T] { return optional[T]{v: v, ok: true} }

func (o optional[T]) get() (T, bool) { return o.v, o.ok }

func cloneSet[T any](o optional[[]T]) ([]T, bool) {
	if !o.ok {
		return nil, false
	}
	return slices.Clone(o.v), true
}

// AuthorizationList is one of the two authorization lists of a key
// description. Each accessor reports whether the tag was asserted; a missing
// tag means "not asserted", which is not the same as a negative value.
// Flag tags (encoded as NULL) are asserted by presence alone.
type AuthorizationList struct {
	purposes                  optional[[]Purpose]
	algorithm                 optional[Algorithm]
	keySize                   optional[int]
	blockModes                optional[[]BlockMode]
	digests                   optional[[]Digest]
	paddings                  optional[[]Padding]
	minMACLength              optional[int]
	ecCurve                   optional[ECCurve]
	rsaPublicExponent         optional[uint64]
	mgfDigests                optional[[]Digest]
	activeDateTime            optional[time.Time]
	originationExpireDateTime optional[time.Time]
	usageExpireDateTime       optional[time.Time]
	usageCountLimit           optional[int]
	userAuthType              optional[uint32]
	authTimeout               optional[time.Duration]
	creationDateTime          optional[time.Time]
	origin                    optional[Origin]
	rootOfTrust               optional[RootOfTrust]
	osVersion                 optional[OSVersion]
	osPatchLevel              optional[PatchLevel]
	applicationID             optional[AttestationApplicationID]
	idBrand                   optional[string]
	idDevice                  optional[string]
	idProduct                 optional[string]
	idSerial                  optional[string]
	idIMEI                    optional[string]
	idMEID                    optional[string]
	idManufacturer            optional[string]
	idModel                   optional[string]
	idSecondIMEI              optional[string]
	vendorPatchLevel          optional[PatchLevel]
	bootPatchLevel            optional[PatchLevel]

	callerNonce                 bool
	rollbackResistance          bool
	earlyBootOnly               bool
	noAuthRequired              bool
	allowWhileOnBody            bool
	trustedUserPresenceRequired bool
	trustedConfirmationRequired bool
	unlockedDeviceRequired      bool
	allApplications             bool
	rollbackResistant           bool
	deviceUniqueAttestation     bool

	// tags seen while decoding, for duplicate detection and Tags.
	tags []int
}

// Tags returns the known tag numbers present in the list, in encoding order.
func (a *AuthorizationList) Tags() []int { return slices.Clone(a.tags) }

func (a *AuthorizationList) Purposes() ([]Purpose, bool) { return cloneSet(a.purposes) }
func (a *AuthorizationList) Algorithm() (Algorithm, bool) { return a.algorithm.get() }
func (a *AuthorizationList) KeySize() (int, bool) { return a.keySize.get() }
func (a *AuthorizationList) BlockModes() ([]BlockMode, bool) { return cloneSet(a.blockModes) }
func (a *AuthorizationList) Digests() ([]Digest, bool) { return cloneSet(a.digests) }
func (a *AuthorizationList) Paddings() ([]Padding, bool) { return cloneSet(a.paddings) }
func (a *AuthorizationList) MinMACLength() (int, bool) { return a.minMACLength.get() }
func (a *AuthorizationList) ECCurve() (ECCurve, bool) { return a.ecCurve.get() }
func (a *AuthorizationList) RSAPublicExponent() (uint64, bool) {
	return a.rsaPublicExponent.get()
}
func (a *AuthorizationList) MGFDigests() ([]Digest, bool) { return cloneSet(a.mgfDigests) }

func (a *AuthorizationList) ActiveDateTime() (time.Time, bool) { return a.activeDateTime.get() }
func (a *AuthorizationList) OriginationExpireDateTime() (time.Time, bool) {
	return a.originationExpireDateTime.get()
}
func (a *AuthorizationList) UsageExpireDateTime() (time.Time, bool) {
	return a.usageExpireDateTime.get()
}
func (a *AuthorizationList) UsageCountLimit() (int, bool) { return a.usageCountLimit.get() }
func (a *AuthorizationList) UserAuthType() (uint32, bool) { return a.userAuthType.get() }
func (a *AuthorizationList) AuthTimeout() (time.Duration, bool) { return a.authTimeout.get() }
func (a *AuthorizationList) CreationDateTime() (time.Time, bool) { return a.creationDateTime.get() }
func (a *AuthorizationList) Origin() (Origin, bool) { return a.origin.get() }
func (a *AuthorizationList) OSVersion() (OSVersion, bool) { return a.osVersion.get() }
func (a *AuthorizationList) OSPatchLevel() (PatchLevel, bool) { return a.osPatchLevel.get() }
func (a *AuthorizationList) VendorPatchLevel() (PatchLevel, bool) { return a.vendorPatchLevel.get() }
func (a *AuthorizationList) BootPatchLevel() (PatchLevel, bool) { return a.bootPatchLevel.get() }
func (a *AuthorizationList) AttestationIDBrand() (string, bool) { return a.idBrand.get() }
func (a *AuthorizationList) AttestationIDDevice() (string, bool) { return a.idDevice.get() }
func (a *AuthorizationList) AttestationIDProduct() (string, bool) { return a.idProduct.get() }
func (a *AuthorizationList) AttestationIDSerial() (string, bool) { return a.idSerial.get() }
func (a *AuthorizationList) AttestationIDIMEI() (string, bool) { return a.idIMEI.get() }
func (a *AuthorizationList) AttestationIDMEID() (string, bool) { return a.idMEID.get() }
func (a *AuthorizationList) AttestationIDModel() (string, bool) { return a.idModel.get() }
func (a *AuthorizationList) AttestationIDSecondIMEI() (string, bool) {
	return a.idSecondIMEI.get()
}
func (a *AuthorizationList) AttestationIDManufacturer() (string, bool) {
	return a.idManufacturer.get()
}

func (a *AuthorizationList) CallerNonce() bool { return a.callerNonce }
func (a *AuthorizationList) RollbackResistance() bool { return a.rollbackResistance }
func (a *AuthorizationList) EarlyBootOnly() bool { return a.earlyBootOnly }
func (a *AuthorizationList) NoAuthRequired() bool { return a.noAuthRequired }
func (a *AuthorizationList) AllowWhileOnBody() bool { return a.allowWhileOnBody }
func (a *AuthorizationList) TrustedUserPresenceRequired() bool { return a.trustedUserPresenceRequired }
func (a *AuthorizationList) TrustedConfirmationRequired() bool { return a.trustedConfirmationRequired }
func (a *AuthorizationList) UnlockedDeviceRequired() bool { return a.unlockedDeviceRequired }
func (a *AuthorizationList) AllApplications() bool { return a.allApplications }

// RollbackResistant is the Keymaster 3 spelling of rollback resistance.
func (a *AuthorizationList) RollbackResistant() bool { return a.rollbackResistant }
func (a *AuthorizationList) DeviceUniqueAttestation() bool { return a.deviceUniqueAttestation }

// HasPurpose reports whether p is among the asserted purposes.
func (a *AuthorizationList) HasPurpose(p Purpose) bool {
	return a.purposes.ok && slices.Contains(a.purposes.v, p)
}

// RootOfTrust returns a copy of the asserted root of trust.
func (a *AuthorizationList) RootOfTrust() (RootOfTrust, bool) {
	rot, ok := a.rootOfTrust.get()
	if !ok {
		return RootOfTrust{}, false
	}
	return rot.clone(), true
}

// AttestationApplicationID returns a copy of the asserted application identity.
func (a *AuthorizationList) AttestationApplicationID() (AttestationApplicationID, bool) {
	id, ok := a.applicationID.get()
	if !ok {
		return AttestationApplicationID{}, false
	}
	return id.clone(), true
}

// RootOfTrust describes the device boot state at key generation.
type RootOfTrust struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState VerifiedBootState

	// VerifiedBootHash is present from attestation version 3 onwards.
	VerifiedBootHash []byte
}

func (r RootOfTrust) clone() RootOfTrust {
	r.VerifiedBootKey = bytes.Clone(r.VerifiedBootKey)
	r.VerifiedBootHash = bytes.Clone(r.VerifiedBootHash)
	return r
}

// PackageInfo is one package sharing the attested key's UID.
type PackageInfo struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// AttestationApplicationID identifies the app(s) that requested attestation.
type AttestationApplicationID struct {
	Packages []PackageInfo

	// SignatureDigests are SHA-256 digests of the signing certificates.
	SignatureDigests [][]byte
}

// HasPackage reports whether a package with the given name is listed.
func (id AttestationApplicationID) HasPackage(name string) bool {
	return slices.ContainsFunc(id.Packages, func(p PackageInfo) bool { return p.Name == name })
}

// HasSignatureDigest reports whether digest is among the signing certificate digests.
func (id AttestationApplicationID) HasSignatureDigest(digest []byte) bool {
	return slices.ContainsFunc(id.SignatureDigests, func(d []byte) bool { return bytes.Equal(d, digest) })
}

func (id AttestationApplicationID) clone() AttestationApplicationID {
	out := AttestationApplicationID{Packages: slices.Clone(id.Packages)}
	if id.SignatureDigests != nil {
		out.SignatureDigests = make([][]byte, len(id.SignatureDigests))
		for i, d := range id.SignatureDigests {
			out.SignatureDigests[i] = bytes.Clone(d)
		}
	}
	return out
}
