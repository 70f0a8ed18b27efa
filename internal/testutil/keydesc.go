package testutil

import (
	"encoding/asn1"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// AuthEntry is one [tag] EXPLICIT element of an authorization list. Value is
// the DER of the inner value.
type AuthEntry struct {
	Tag   int
	Value []byte
}

// KeyDescription describes a key attestation record to encode.
type KeyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel int
	KeymasterVersion         int
	KeymasterSecurityLevel   int
	Challenge                []byte
	UniqueID                 []byte
	SoftwareEnforced         []AuthEntry
	HardwareEnforced         []AuthEntry
}

// DefaultKeyDescription is a KeyMint 300 TEE attestation of a signing key on a
// locked, verified device running Android 14 with the 2024-01 patch level.
func DefaultKeyDescription(challenge []byte) KeyDescription {
	return KeyDescription{
		AttestationVersion:       300,
		AttestationSecurityLevel: 1,
		KeymasterVersion:         300,
		KeymasterSecurityLevel:   1,
		Challenge:                challenge,
		SoftwareEnforced: []AuthEntry{
			Int(701, 1700000000000),
			AppID([]Package{{Name: "com.example.app", Version: 42}}, [][]byte{Digest32(0xAB)}),
		},
		HardwareEnforced: []AuthEntry{
			IntSet(1, 2, 3),
			Int(2, 3),
			Int(3, 256),
			IntSet(5, 4),
			Int(10, 1),
			Null(503),
			Int(702, 0),
			RootOfTrust(Digest32(0x11), true, 0, Digest32(0x22)),
			Int(705, 140000),
			Int(706, 202401),
			Int(718, 20240105),
			Int(719, 20240105),
		},
	}
}

// Without returns a copy of entries with every entry for tag removed.
func Without(entries []AuthEntry, tag int) []AuthEntry {
	out := make([]AuthEntry, 0, len(entries))
	for _, e := range entries {
		if e.Tag != tag {
			out = append(out, e)
		}
	}
	return out
}

// Replace returns a copy of entries with the entry for e.Tag swapped for e,
// appending e when the tag is absent.
func Replace(entries []AuthEntry, e AuthEntry) []AuthEntry {
	out := Without(entries, e.Tag)
	return append(out, e)
}

// Marshal encodes the record as the DER contents of the extension.
func (k KeyDescription) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(k.AttestationVersion))
		b.AddASN1Enum(int64(k.AttestationSecurityLevel))
		b.AddASN1Int64(int64(k.KeymasterVersion))
		b.AddASN1Enum(int64(k.KeymasterSecurityLevel))
		b.AddASN1OctetString(k.Challenge)
		b.AddASN1OctetString(k.UniqueID)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddBytes(MarshalEntries(k.SoftwareEnforced))
		})
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddBytes(MarshalEntries(k.HardwareEnforced))
		})
	})
	return b.BytesOrPanic()
}

// MarshalEntries encodes entries as consecutive [tag] EXPLICIT elements.
// encoding/asn1 is used for the outer tag because cryptobyte cannot encode
// tag numbers above 30.
func MarshalEntries(entries []AuthEntry) []byte {
	var out []byte
	for _, e := range entries {
		der, err := asn1.Marshal(asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        e.Tag,
			IsCompound: true,
			Bytes:      e.Value,
		})
		if err != nil {
			panic(err)
		}
		out = append(out, der...)
	}
	return out
}

func build(f func(b *cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	f(&b)
	return b.BytesOrPanic()
}

// Int is an INTEGER-valued entry.
func Int(tag int, v int64) AuthEntry {
	return AuthEntry{Tag: tag, Value: build(func(b *cryptobyte.Builder) { b.AddASN1Int64(v) })}
}

// DateTime is an INTEGER entry holding milliseconds since the epoch.
func DateTime(tag int, t time.Time) AuthEntry { return Int(tag, t.UnixMilli()) }

// IntSet is a SET OF INTEGER entry.
func IntSet(tag int, vs ...int64) AuthEntry {
	return AuthEntry{Tag: tag, Value: build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
			for _, v := range vs {
				b.AddASN1Int64(v)
			}
		})
	})}
}

// Null is a flag entry.
func Null(tag int) AuthEntry {
	return AuthEntry{Tag: tag, Value: []byte{0x05, 0x00}}
}

// Octets is an OCTET STRING entry.
func Octets(tag int, v []byte) AuthEntry {
	return AuthEntry{Tag: tag, Value: build(func(b *cryptobyte.Builder) { b.AddASN1OctetString(v) })}
}

// Raw is an entry with arbitrary inner bytes.
func Raw(tag int, der []byte) AuthEntry { return AuthEntry{Tag: tag, Value: der} }

// RootOfTrust is the [704] entry. A nil hash omits verifiedBootHash, as
// attestation versions before 3 do.
func RootOfTrust(key []byte, locked bool, state int, hash []byte) AuthEntry {
	return AuthEntry{Tag: 704, Value: build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(key)
			b.AddASN1Boolean(locked)
			b.AddASN1Enum(int64(state))
			if hash != nil {
				b.AddASN1OctetString(hash)
			}
		})
	})}
}

// Package is one AttestationPackageInfo.
type Package struct {
	Name    string
	Version int64
}

// AppID is the [709] attestation application id entry.
func AppID(packages []Package, digests [][]byte) AuthEntry {
	inner := build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
				for _, p := range packages {
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1OctetString([]byte(p.Name))
						b.AddASN1Int64(p.Version)
					})
				}
			})
			b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
				for _, d := range digests {
					b.AddASN1OctetString(d)
				}
			})
		})
	})
	return Octets(709, inner)
}

// Digest32 returns a 32-byte value filled with b.
func Digest32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}
