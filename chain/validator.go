// Package chain validates key attestation certificate chains against a set
// of trust anchors.
//
// Chains are ordered leaf first, root last. Validation checks, in order: the
// root against the trust anchors, chain length and issuer linkage, every
// non-root signature under its issuer's key, and every certificate's validity
// window at the verification instant. The input is never reordered or
// completed; an attestation chain is expected to arrive whole.
package chain

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Common errors.
var (
	ErrMalformedChain     = errors.New("malformed certificate chain")
	ErrInvalidSignature   = errors.New("invalid certificate signature")
	ErrExpiredCertificate = errors.New("certificate expired or not yet valid")
	ErrUntrustedRoot      = errors.New("untrusted root")
	ErrNoTrustAnchors     = errors.New("at least one trust anchor is required")
)

// NoIndex marks a CertificateError that concerns the chain as a whole.
const NoIndex = -1

// CertificateError is a validation failure at a position in the chain.
type CertificateError struct {
	// Index is the offending certificate's position, 0 for the leaf, or
	// NoIndex.
	Index  int
	Err    error
	Detail string
}

func (e *CertificateError) Error() string {
	msg := e.Err.Error()
	if e.Index != NoIndex {
		msg = fmt.Sprintf("certificate %d: %s", e.Index, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CertificateError) Unwrap() error { return e.Err }

// Trust describes a successfully validated chain.
type Trust struct {
	// Anchor is the trust anchor the root matched.
	Anchor TrustAnchor

	// Chain is the validated chain, leaf first, exactly as supplied.
	Chain []*x509.Certificate
}

// Validator validates chains against a fixed set of trust anchors. It is
// safe for concurrent use.
type Validator struct {
	anchors []TrustAnchor
}

// NewValidator creates a validator trusting anchors.
func NewValidator(anchors ...TrustAnchor) (*Validator, error) {
	if len(anchors) == 0 {
		return nil, ErrNoTrustAnchors
	}
	return &Validator{anchors: slices.Clone(anchors)}, nil
}

// Anchors returns the configured trust anchors.
func (v *Validator) Anchors() []TrustAnchor { return slices.Clone(v.anchors) }

// Validate checks certs at the instant at. On failure the error is a
// *CertificateError wrapping one of ErrMalformedChain, ErrUntrustedRoot,
// ErrInvalidSignature or ErrExpiredCertificate.
func (v *Validator) Validate(certs []*x509.Certificate, at time.Time) (*Trust, error) {
	if len(certs) == 0 {
		return nil, &CertificateError{Index: NoIndex, Err: ErrMalformedChain, Detail: "empty chain"}
	}
	for i, c := range certs {
		if c == nil {
			return nil, &CertificateError{Index: i, Err: ErrMalformedChain, Detail: "missing certificate"}
		}
	}

	// The anchor check comes first so that a chain ending anywhere but a
	// trusted root always reports the root, whatever else is wrong with it.
	last := len(certs) - 1
	anchor, ok := v.match(certs[last])
	if !ok {
		return nil, &CertificateError{
			Index:  last,
			Err:    ErrUntrustedRoot,
			Detail: fmt.Sprintf("root %q (fingerprint %s) matches no trust anchor", displayName(certs[last]), FingerprintOf(certs[last].Raw).Truncate(8)),
		}
	}

	if len(certs) < 2 {
		return nil, &CertificateError{Index: NoIndex, Err: ErrMalformedChain, Detail: "chain must contain at least 2 certificates"}
	}

	for i := 0; i < last; i++ {
		child, issuer := certs[i], certs[i+1]
		if !bytes.Equal(child.RawIssuer, issuer.RawSubject) {
			return nil, &CertificateError{
				Index:  i,
				Err:    ErrMalformedChain,
				Detail: fmt.Sprintf("issuer %q does not match subject %q of certificate %d", child.Issuer, issuer.Subject, i+1),
			}
		}
		if reason := checkIssuer(issuer); reason != "" {
			return nil, &CertificateError{Index: i + 1, Err: ErrMalformedChain, Detail: reason}
		}
	}

	for i := 0; i < last; i++ {
		child, issuer := certs[i], certs[i+1]
		if err := issuer.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
			return nil, &CertificateError{Index: i, Err: ErrInvalidSignature, Detail: err.Error()}
		}
	}

	for i, c := range certs {
		if at.Before(c.NotBefore) {
			return nil, &CertificateError{
				Index:  i,
				Err:    ErrExpiredCertificate,
				Detail: fmt.Sprintf("not valid before %s", c.NotBefore.UTC().Format(time.RFC3339)),
			}
		}
		if at.After(c.NotAfter) {
			return nil, &CertificateError{
				Index:  i,
				Err:    ErrExpiredCertificate,
				Detail: fmt.Sprintf("expired at %s", c.NotAfter.UTC().Format(time.RFC3339)),
			}
		}
	}

	return &Trust{Anchor: anchor, Chain: slices.Clone(certs)}, nil
}

func (v *Validator) match(root *x509.Certificate) (TrustAnchor, bool) {
	for _, a := range v.anchors {
		if a.Matches(root) {
			return a, true
		}
	}
	return TrustAnchor{}, false
}

// checkIssuer rejects issuers that declare they may not sign certificates.
// Constraints are only enforced when the certificate carries them.
func checkIssuer(issuer *x509.Certificate) string {
	if issuer.BasicConstraintsValid && !issuer.IsCA {
		return "issuer is not a CA"
	}
	if issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCertSign == 0 {
		return "issuer key usage does not permit certificate signing"
	}
	return ""
}
