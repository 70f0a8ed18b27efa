package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Fingerprint is a SHA-256 digest identifying a trust anchor: of the full
// certificate for certificate anchors, of the SubjectPublicKeyInfo for key
// anchors.
type Fingerprint [sha256.Size]byte

// FingerprintOf hashes der.
func FingerprintOf(der []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(der))
}

var rawHexRe = regexp.MustCompile(`^[0-9A-Fa-f]{64}$`)

// separatedGrammar matches 32 hex pairs joined by a single separator.
//
//	fingerprint := PAIR ( SEP PAIR )*
type separatedGrammar struct {
	Pairs []string `parser:"@Pair ( Sep @Pair )*"`
}

var separatedParser = participle.MustBuild[separatedGrammar](
	participle.Lexer(lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Pair", Pattern: `[0-9A-Fa-f]{2}`},
		{Name: "Sep", Pattern: `[:-]`},
	})),
)

// ParseFingerprint accepts 64 hex characters or 32 colon- or dash-separated
// hex pairs.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Fingerprint{}, fmt.Errorf("empty fingerprint")
	}

	hexStr := s
	if !rawHexRe.MatchString(s) {
		fp, err := separatedParser.ParseString("", s)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("invalid fingerprint format: %w", err)
		}
		if len(fp.Pairs) != sha256.Size {
			return Fingerprint{}, fmt.Errorf("invalid fingerprint length: got %d pairs, want %d", len(fp.Pairs), sha256.Size)
		}
		hexStr = strings.Join(fp.Pairs, "")
	}

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid hex: %w", err)
	}
	var f Fingerprint
	copy(f[:], b)
	return f, nil
}

// String returns the "AA:BB:CC:..." form.
func (f Fingerprint) String() string {
	parts := make([]string, len(f))
	for i, b := range f {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Truncate returns the first n octets followed by "...".
func (f Fingerprint) Truncate(n int) string {
	if n >= len(f) {
		return f.String()
	}
	if n <= 0 {
		return ""
	}
	return f.String()[:n*3-1] + "..."
}

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }
