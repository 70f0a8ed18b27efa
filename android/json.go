package android

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

type keyDescriptionJSON struct {
	AttestationVersion       int                `json:"attestation_version"`
	AttestationSecurityLevel string             `json:"attestation_security_level"`
	KeymasterVersion         int                `json:"keymaster_version"`
	KeymasterSecurityLevel   string             `json:"keymaster_security_level"`
	AttestationChallenge     string             `json:"attestation_challenge"`
	UniqueID                 string             `json:"unique_id,omitempty"`
	SoftwareEnforced         *AuthorizationList `json:"software_enforced"`
	HardwareEnforced         *AuthorizationList `json:"hardware_enforced"`
}

type rootOfTrustJSON struct {
	VerifiedBootKey   string `json:"verified_boot_key"`
	DeviceLocked      bool   `json:"device_locked"`
	VerifiedBootState string `json:"verified_boot_state"`
	VerifiedBootHash  string `json:"verified_boot_hash,omitempty"`
}

type applicationIDJSON struct {
	Packages         []PackageInfo `json:"packages"`
	SignatureDigests []string      `json:"signature_digests"`
}

// MarshalJSON renders the record with hex-encoded byte fields and enum names.
func (k *KeyDescription) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyDescriptionJSON{
		AttestationVersion:       k.attestationVersion,
		AttestationSecurityLevel: k.attestationSecurityLevel.String(),
		KeymasterVersion:         k.keymasterVersion,
		KeymasterSecurityLevel:   k.keymasterSecurityLevel.String(),
		AttestationChallenge:     hex.EncodeToString(k.attestationChallenge),
		UniqueID:                 hex.EncodeToString(k.uniqueID),
		SoftwareEnforced:         k.SoftwareEnforced(),
		HardwareEnforced:         k.HardwareEnforced(),
	})
}

// MarshalJSON renders the asserted tags keyed by schema name. Tags that are
// not asserted are omitted.
func (a *AuthorizationList) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.tags))
	putSet(m, "purpose", a.purposes)
	put(m, "algorithm", a.algorithm, Algorithm.String)
	put(m, "keySize", a.keySize, nil)
	putSet(m, "blockMode", a.blockModes)
	putSet(m, "digest", a.digests)
	putSet(m, "padding", a.paddings)
	put(m, "minMacLength", a.minMACLength, nil)
	put(m, "ecCurve", a.ecCurve, ECCurve.String)
	put(m, "rsaPublicExponent", a.rsaPublicExponent, nil)
	putSet(m, "mgfDigest", a.mgfDigests)
	put(m, "activeDateTime", a.activeDateTime, formatTime)
	put(m, "originationExpireDateTime", a.originationExpireDateTime, formatTime)
	put(m, "usageExpireDateTime", a.usageExpireDateTime, formatTime)
	put(m, "usageCountLimit", a.usageCountLimit, nil)
	put(m, "userAuthType", a.userAuthType, nil)
	put(m, "authTimeout", a.authTimeout, time.Duration.String)
	put(m, "creationDateTime", a.creationDateTime, formatTime)
	put(m, "origin", a.origin, Origin.String)
	put(m, "osVersion", a.osVersion, OSVersion.String)
	put(m, "osPatchLevel", a.osPatchLevel, PatchLevel.String)
	put(m, "vendorPatchLevel", a.vendorPatchLevel, PatchLevel.String)
	put(m, "bootPatchLevel", a.bootPatchLevel, PatchLevel.String)
	put(m, "attestationIdBrand", a.idBrand, nil)
	put(m, "attestationIdDevice", a.idDevice, nil)
	put(m, "attestationIdProduct", a.idProduct, nil)
	put(m, "attestationIdSerial", a.idSerial, nil)
	put(m, "attestationIdImei", a.idIMEI, nil)
	put(m, "attestationIdMeid", a.idMEID, nil)
	put(m, "attestationIdManufacturer", a.idManufacturer, nil)
	put(m, "attestationIdModel", a.idModel, nil)
	put(m, "attestationIdSecondImei", a.idSecondIMEI, nil)

	if rot, ok := a.rootOfTrust.get(); ok {
		m["rootOfTrust"] = rootOfTrustJSON{
			VerifiedBootKey:   hex.EncodeToString(rot.VerifiedBootKey),
			DeviceLocked:      rot.DeviceLocked,
			VerifiedBootState: rot.VerifiedBootState.String(),
			VerifiedBootHash:  hex.EncodeToString(rot.VerifiedBootHash),
		}
	}
	if id, ok := a.applicationID.get(); ok {
		view := applicationIDJSON{Packages: id.Packages, SignatureDigests: []string{}}
		for _, d := range id.SignatureDigests {
			view.SignatureDigests = append(view.SignatureDigests, hex.EncodeToString(d))
		}
		m["attestationApplicationId"] = view
	}

	for tag, set := range map[int]bool{
		tagCallerNonce:                 a.callerNonce,
		tagRollbackResistance:          a.rollbackResistance,
		tagEarlyBootOnly:               a.earlyBootOnly,
		tagNoAuthRequired:              a.noAuthRequired,
		tagAllowWhileOnBody:            a.allowWhileOnBody,
		tagTrustedUserPresenceRequired: a.trustedUserPresenceRequired,
		tagTrustedConfirmationRequired: a.trustedConfirmationRequired,
		tagUnlockedDeviceRequired:      a.unlockedDeviceRequired,
		tagAllApplications:             a.allApplications,
		tagRollbackResistant:           a.rollbackResistant,
		tagDeviceUniqueAttestation:     a.deviceUniqueAttestation,
	} {
		if set {
			m[tagNames[tag]] = true
		}
	}
	return json.Marshal(m)
}

func put[T any](m map[string]any, name string, o optional[T], format func(T) string) {
	if !o.ok {
		return
	}
	if format != nil {
		m[name] = format(o.v)
		return
	}
	m[name] = o.v
}

func putSet[T interface{ String() string }](m map[string]any, name string, o optional[[]T]) {
	if !o.ok {
		return
	}
	names := make([]string, len(o.v))
	for i, v := range o.v {
		names[i] = v.String()
	}
	m[name] = names
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339) }
