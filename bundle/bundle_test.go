package bundle

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/kacy/key-attestation/internal/testutil"
)

func testChain(t *testing.T) []*x509.Certificate {
	t.Helper()
	return testutil.NewChain(t, testutil.DefaultKeyDescription([]byte("challenge")).Marshal()).Certificates()
}

func concatDER(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		buf.Write(c.Raw)
	}
	return buf.Bytes()
}

func assertSameChain(t *testing.T, want, got []*x509.Certificate) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Raw, got[i].Raw, "certificate %d", i)
	}
}

func TestParse_Formats(t *testing.T) {
	certs := testChain(t)
	der := concatDER(certs...)

	bag, err := pkcs7.DegenerateCertificate(concatDER(certs[2], certs[0], certs[1]))
	require.NoError(t, err)

	attObj, err := EncodeAttestationObject(certs)
	require.NoError(t, err)

	array, err := cbor.Marshal([][]byte{certs[0].Raw, certs[1].Raw, certs[2].Raw})
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		format Format
	}{
		{"pem", testutil.PEM(certs...), FormatPEM},
		{"pem with surrounding text", append(append([]byte("chain:\n"), testutil.PEM(certs...)...), "\ntrailer\n"...), FormatPEM},
		{"pem pkcs7 block", pem.EncodeToMemory(&pem.Block{Type: "PKCS7", Bytes: bag}), FormatPEM},
		{"concatenated der", der, FormatDER},
		{"pkcs7 bag out of order", bag, FormatPKCS7},
		{"cbor attestation object", attObj, FormatCBOR},
		{"cbor certificate array", array, FormatCBOR},
		{"base64 der", []byte(base64.StdEncoding.EncodeToString(der)), FormatBase64},
		{"base64url unpadded", []byte(base64.RawURLEncoding.EncodeToString(attObj)), FormatBase64},
		{"wrapped base64", wrap(base64.StdEncoding.EncodeToString(der), 64), FormatBase64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.format, b.Format)
			assertSameChain(t, certs, b.Certificates)
		})
	}
}

func wrap(s string, width int) []byte {
	var buf bytes.Buffer
	for len(s) > width {
		buf.WriteString(s[:width] + "\n")
		s = s[width:]
	}
	buf.WriteString(s)
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	certs := testChain(t)
	got, err := Decode(testutil.PEM(certs...))
	require.NoError(t, err)
	assertSameChain(t, certs, got)
}

func TestParse_Errors(t *testing.T) {
	certs := testChain(t)

	packed, err := cbor.Marshal(map[string]any{"fmt": "packed", "attStmt": map[string]any{}})
	require.NoError(t, err)
	emptyX5c, err := cbor.Marshal(map[string]any{"fmt": AndroidKeyFormat, "attStmt": map[string]any{"x5c": [][]byte{}}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrNoCertificates},
		{"whitespace", []byte(" \n\t"), ErrNoCertificates},
		{"pem without certificates", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte{1}}), ErrNoCertificates},
		{"plain text", []byte("not a certificate chain!"), ErrUnrecognizedFormat},
		{"truncated der", certs[0].Raw[:40], ErrUnrecognizedFormat},
		{"other attestation format", packed, ErrUnrecognizedFormat},
		{"empty x5c", emptyX5c, ErrNoCertificates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_CorruptCertificate(t *testing.T) {
	array, err := cbor.Marshal([][]byte{{0x30, 0x03, 0x02, 0x01, 0x01}})
	require.NoError(t, err)

	_, err = Parse(array)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate 0")
}

func TestParse_NestedBase64Rejected(t *testing.T) {
	der := concatDER(testChain(t)...)
	twice := base64.StdEncoding.EncodeToString([]byte(base64.StdEncoding.EncodeToString(der)))

	_, err := Parse([]byte(twice))
	assert.ErrorIs(t, err, ErrUnrecognizedFormat)
}

func TestOrder(t *testing.T) {
	certs := testChain(t)
	leaf, intermediate, root := certs[0], certs[1], certs[2]

	for name, input := range map[string][]*x509.Certificate{
		"already ordered": {leaf, intermediate, root},
		"reversed":        {root, intermediate, leaf},
		"shuffled":        {intermediate, root, leaf},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Order(input)
			require.NoError(t, err)
			assertSameChain(t, certs, got)
		})
	}

	single, err := Order([]*x509.Certificate{leaf})
	require.NoError(t, err)
	assert.Len(t, single, 1)
}

func TestOrder_NotAChain(t *testing.T) {
	a := testChain(t)
	b := testChain(t)

	_, err := Order([]*x509.Certificate{a[0], b[0]})
	assert.ErrorContains(t, err, "more than one leaf")

	// Two intermediates with the same subject leave one of them dangling.
	_, err = Order([]*x509.Certificate{a[0], a[1], b[1]})
	assert.ErrorContains(t, err, "no issuer")
}
