// Package bundle decodes attestation evidence into an ordered certificate
// chain.
//
// Apps and test harnesses hand key attestation chains around in several
// shapes: the PEM or DER certificates returned by KeyStore.getCertificateChain,
// a PKCS#7 certificate bag, a WebAuthn "android-key" attestation object, or
// any of these base64 encoded inside a JSON payload. Decode accepts all of
// them and returns the chain leaf first.
package bundle

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"go.mozilla.org/pkcs7"
)

// Common errors.
var (
	ErrNoCertificates     = errors.New("no certificates found")
	ErrUnrecognizedFormat = errors.New("unrecognized evidence format")
)

// Format identifies how evidence was encoded.
type Format string

// Evidence formats.
const (
	FormatPEM    Format = "pem"
	FormatDER    Format = "der"
	FormatPKCS7  Format = "pkcs7"
	FormatCBOR   Format = "cbor"
	FormatBase64 Format = "base64"
)

// Bundle is decoded evidence.
type Bundle struct {
	// Format is the outermost encoding. Base64 wrapping is reported as
	// FormatBase64 whatever it contained.
	Format Format

	// Certificates is the chain, leaf first.
	Certificates []*x509.Certificate
}

// Decode returns the certificate chain in data, leaf first.
func Decode(data []byte) ([]*x509.Certificate, error) {
	b, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return b.Certificates, nil
}

// Parse detects the format of data and decodes it. Certificates from a
// PKCS#7 bag are put in chain order with Order; every other format must
// already list the leaf first.
func Parse(data []byte) (*Bundle, error) {
	b, err := parse(bytes.TrimSpace(data), true)
	if err != nil {
		return nil, err
	}
	if len(b.Certificates) == 0 {
		return nil, ErrNoCertificates
	}
	return b, nil
}

func parse(data []byte, allowBase64 bool) (*Bundle, error) {
	if len(data) == 0 {
		return nil, ErrNoCertificates
	}

	switch {
	case bytes.Contains(data, []byte("-----BEGIN")):
		certs, err := decodePEM(data)
		if err != nil {
			return nil, err
		}
		return &Bundle{Format: FormatPEM, Certificates: certs}, nil

	case data[0] == 0x30:
		return decodeASN1(data)

	case isCBORContainer(data[0]):
		certs, err := decodeCBOR(data)
		if err != nil {
			return nil, err
		}
		return &Bundle{Format: FormatCBOR, Certificates: certs}, nil
	}

	if allowBase64 {
		if raw, ok := decodeBase64(data); ok {
			inner, err := parse(raw, false)
			if err != nil {
				return nil, fmt.Errorf("base64 payload: %w", err)
			}
			inner.Format = FormatBase64
			return inner, nil
		}
	}
	return nil, ErrUnrecognizedFormat
}

func decodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for n := 0; ; n++ {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("PEM block %d: %w", n, err)
			}
			certs = append(certs, cert)
		case "PKCS7":
			bag, err := decodePKCS7(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("PEM block %d: %w", n, err)
			}
			certs = append(certs, bag...)
		}
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}

// decodeASN1 reads concatenated DER certificates, falling back to a PKCS#7
// SignedData bag.
func decodeASN1(data []byte) (*Bundle, error) {
	certs, derErr := x509.ParseCertificates(data)
	if derErr == nil {
		return &Bundle{Format: FormatDER, Certificates: certs}, nil
	}
	certs, err := decodePKCS7(data)
	if err != nil {
		return nil, fmt.Errorf("%w: not DER certificates (%v) or PKCS#7 (%v)", ErrUnrecognizedFormat, derErr, err)
	}
	return &Bundle{Format: FormatPKCS7, Certificates: certs}, nil
}

func decodePKCS7(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs7: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, ErrNoCertificates
	}
	return Order(p7.Certificates)
}

func decodeBase64(data []byte) ([]byte, bool) {
	s := strings.Join(strings.Fields(string(data)), "")
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) > 0 {
			return raw, true
		}
	}
	return nil, false
}
