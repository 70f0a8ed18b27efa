// Package testutil builds key attestation test fixtures: ECDSA certificate
// chains and key description extensions.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Fixed instants used across tests. Certificates are valid from NotBefore
// to NotAfter; Now falls inside that window.
var (
	NotBefore = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	NotAfter  = time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)
	Now       = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

var oidKeyDescription = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// Cert is a certificate together with its private key.
type Cert struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// CertOptions controls certificate generation. Zero values select defaults.
type CertOptions struct {
	Serial    int64
	Subject   string
	NotBefore time.Time
	NotAfter  time.Time
	IsCA      bool
	KeyUsage  x509.KeyUsage

	// KeyDescription, when set, is embedded as the key attestation extension.
	KeyDescription []byte
}

func (o CertOptions) template() *x509.Certificate {
	if o.NotBefore.IsZero() {
		o.NotBefore = NotBefore
	}
	if o.NotAfter.IsZero() {
		o.NotAfter = NotAfter
	}
	if o.KeyUsage == 0 {
		o.KeyUsage = x509.KeyUsageDigitalSignature
		if o.IsCA {
			o.KeyUsage = x509.KeyUsageCertSign
		}
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(o.Serial),
		Subject:               pkix.Name{CommonName: o.Subject},
		NotBefore:             o.NotBefore,
		NotAfter:              o.NotAfter,
		KeyUsage:              o.KeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  o.IsCA,
	}
	if o.KeyDescription != nil {
		tmpl.ExtraExtensions = []pkix.Extension{{Id: oidKeyDescription, Value: o.KeyDescription}}
	}
	return tmpl
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// NewRoot creates a self-signed CA certificate.
func NewRoot(t testing.TB, opts CertOptions) *Cert {
	t.Helper()
	opts.IsCA = true
	key := newKey(t)
	tmpl := opts.template()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Cert{Cert: cert, Key: key}
}

// Issue creates a certificate signed by c.
func (c *Cert) Issue(t testing.TB, opts CertOptions) *Cert {
	t.Helper()
	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, opts.template(), c.Cert, &key.PublicKey, c.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Cert{Cert: cert, Key: key}
}

// Chain is a three-certificate attestation chain: leaf (serial 1),
// intermediate (serial 2), root (serial 3).
type Chain struct {
	Leaf         *Cert
	Intermediate *Cert
	Root         *Cert
}

// NewChain builds a chain whose leaf carries keyDescription.
func NewChain(t testing.TB, keyDescription []byte) *Chain {
	t.Helper()
	root := NewRoot(t, CertOptions{Serial: 3, Subject: "Test Attestation Root"})
	intermediate := root.Issue(t, CertOptions{Serial: 2, Subject: "Test Attestation Intermediate", IsCA: true})
	leaf := intermediate.Issue(t, CertOptions{Serial: 1, Subject: "Android Keystore Key", KeyDescription: keyDescription})
	return &Chain{Leaf: leaf, Intermediate: intermediate, Root: root}
}

// Certificates returns the chain leaf first.
func (c *Chain) Certificates() []*x509.Certificate {
	return []*x509.Certificate{c.Leaf.Cert, c.Intermediate.Cert, c.Root.Cert}
}

// PEM encodes certs as concatenated CERTIFICATE blocks.
func PEM(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}
