package chain

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// TrustAnchor is a trusted root, identified either by a full certificate or by
// a public key alone.
type TrustAnchor struct {
	// Name is a display name: the certificate's common name, or the PEM
	// "Name" header of a public key block.
	Name string

	// Certificate is set for certificate anchors. A chain root matches only
	// if its DER is byte-identical.
	Certificate *x509.Certificate

	// PublicKeyInfo is the DER SubjectPublicKeyInfo. Key anchors match any
	// root carrying this key.
	PublicKeyInfo []byte

	fingerprint Fingerprint
}

// NewCertificateAnchor trusts cert.
func NewCertificateAnchor(cert *x509.Certificate) TrustAnchor {
	return TrustAnchor{
		Name:          displayName(cert),
		Certificate:   cert,
		PublicKeyInfo: cert.RawSubjectPublicKeyInfo,
		fingerprint:   FingerprintOf(cert.Raw),
	}
}

// NewPublicKeyAnchor trusts any root whose SubjectPublicKeyInfo is spki.
func NewPublicKeyAnchor(name string, spki []byte) (TrustAnchor, error) {
	if _, err := x509.ParsePKIXPublicKey(spki); err != nil {
		return TrustAnchor{}, fmt.Errorf("invalid public key anchor: %w", err)
	}
	fp := FingerprintOf(spki)
	if name == "" {
		name = "public key " + fp.Truncate(4)
	}
	return TrustAnchor{
		Name:          name,
		PublicKeyInfo: bytes.Clone(spki),
		fingerprint:   fp,
	}, nil
}

// Fingerprint returns the anchor's SHA-256 fingerprint.
func (a TrustAnchor) Fingerprint() Fingerprint { return a.fingerprint }

// Matches reports whether root is this anchor.
func (a TrustAnchor) Matches(root *x509.Certificate) bool {
	if a.Certificate != nil {
		return bytes.Equal(a.Certificate.Raw, root.Raw)
	}
	return bytes.Equal(a.PublicKeyInfo, root.RawSubjectPublicKeyInfo)
}

// ParseAnchorsPEM reads CERTIFICATE and PUBLIC KEY blocks.
func ParseAnchorsPEM(data []byte) ([]TrustAnchor, error) {
	var anchors []TrustAnchor
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("trust anchor %d: %w", len(anchors), err)
			}
			anchors = append(anchors, NewCertificateAnchor(cert))
		case "PUBLIC KEY":
			anchor, err := NewPublicKeyAnchor(block.Headers["Name"], block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("trust anchor %d: %w", len(anchors), err)
			}
			anchors = append(anchors, anchor)
		default:
			return nil, fmt.Errorf("trust anchor %d: unsupported PEM block %q", len(anchors), block.Type)
		}
	}
	if len(anchors) == 0 {
		return nil, errors.New("no trust anchors found in PEM data")
	}
	return anchors, nil
}

func displayName(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	if len(cert.Subject.Organization) > 0 {
		return cert.Subject.Organization[0]
	}
	return FingerprintOf(cert.Raw).Truncate(4)
}
