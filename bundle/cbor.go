package bundle

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// AndroidKeyFormat is the WebAuthn attestation statement format carrying a
// key attestation chain.
const AndroidKeyFormat = "android-key"

// attestationObject is a WebAuthn attestation object. Only the chain is
// read; authData and the statement signature are the relying party's
// concern.
type attestationObject struct {
	Format       string       `cbor:"fmt"`
	AttStatement attStatement `cbor:"attStmt"`
	AuthData     []byte       `cbor:"authData"`
}

type attStatement struct {
	Alg int64    `cbor:"alg"`
	Sig []byte   `cbor:"sig"`
	X5c [][]byte `cbor:"x5c"`
}

// CBOR major types 4 (array) and 5 (map).
func isCBORContainer(b byte) bool {
	major := b >> 5
	return major == 4 || major == 5
}

// decodeCBOR reads either an attestation object or a bare array of DER
// certificates.
func decodeCBOR(data []byte) ([]*x509.Certificate, error) {
	var ders [][]byte
	if data[0]>>5 == 4 {
		if err := cbor.Unmarshal(data, &ders); err != nil {
			return nil, fmt.Errorf("failed to decode CBOR certificate array: %w", err)
		}
	} else {
		var obj attestationObject
		if err := cbor.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode CBOR attestation object: %w", err)
		}
		if obj.Format != AndroidKeyFormat {
			return nil, fmt.Errorf("%w: attestation format %q", ErrUnrecognizedFormat, obj.Format)
		}
		ders = obj.AttStatement.X5c
	}

	if len(ders) == 0 {
		return nil, ErrNoCertificates
	}
	certs := make([]*x509.Certificate, len(ders))
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		certs[i] = cert
	}
	return certs, nil
}

// EncodeAttestationObject wraps certs, leaf first, in an android-key
// attestation object with empty authData and signature.
func EncodeAttestationObject(certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("at least one certificate is required")
	}
	obj := attestationObject{Format: AndroidKeyFormat, AuthData: []byte{}}
	obj.AttStatement.Sig = []byte{}
	for _, c := range certs {
		obj.AttStatement.X5c = append(obj.AttStatement.X5c, c.Raw)
	}
	return cbor.Marshal(obj)
}
