package policy

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/kacy/key-attestation/android"
)

// policyExpr is the root of the grammar: comma-separated requirements.
type policyExpr struct {
	Requirements []*requirementExpr `parser:"@@ ( ',' @@ )*"`
}

// requirementExpr is one requirement: field [op value ('|' value)*].
type requirementExpr struct {
	Pos      lexer.Position
	Field    string   `parser:"@Ident"`
	Operator string   `parser:"( @Operator"`
	Values   []string `parser:"  @Ident ( '|' @Ident )* )?"`
}

var policyLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Punct", Pattern: `[,|]`},
	{Name: "Operator", Pattern: `>=|=`},
	{Name: "Ident", Pattern: `[A-Za-z0-9][A-Za-z0-9_.:\-]*`},
})

var policyParser = participle.MustBuild[policyExpr](
	participle.Lexer(policyLexer),
	participle.Elide("Whitespace"),
)

// Parse builds a Set from a policy expression such as
//
//	security-level>=tee, boot-state=verified, device-locked, os-patch-level>=2023-01
//
// Field names are case-insensitive. '|' separates alternatives where a
// field accepts more than one value.
func Parse(expr string) (Set, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty policy expression")
	}

	ast, err := policyParser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("invalid policy %q: %w", expr, err)
	}

	set := make(Set, 0, len(ast.Requirements))
	for _, r := range ast.Requirements {
		p, err := convertRequirement(r)
		if err != nil {
			return nil, fmt.Errorf("invalid policy %q at column %d: %w", expr, r.Pos.Column, err)
		}
		set = append(set, p)
	}
	return set, nil
}

type requirementBuilder struct {
	operator string // "" for bare flags
	build    func(values []string) (Predicate, error)
}

var requirements = map[string]requirementBuilder{
	"security-level": {">=", func(v []string) (Predicate, error) {
		l, err := android.ParseSecurityLevel(v[0])
		return MinSecurityLevel(l), err
	}},
	"keymaster-security-level": {">=", func(v []string) (Predicate, error) {
		l, err := android.ParseSecurityLevel(v[0])
		return MinKeymasterSecurityLevel(l), err
	}},
	"attestation-version": {">=", func(v []string) (Predicate, error) {
		n, err := strconv.Atoi(v[0])
		if err != nil {
			return Predicate{}, fmt.Errorf("invalid attestation version %q", v[0])
		}
		return MinAttestationVersion(n), nil
	}},
	"boot-state": {"=", func(v []string) (Predicate, error) {
		states, err := parseAll(v, android.ParseVerifiedBootState)
		return VerifiedBootState(states...), err
	}},
	"device-locked": {"", func([]string) (Predicate, error) {
		return DeviceLocked(), nil
	}},
	"rollback-resistance": {"", func([]string) (Predicate, error) {
		return RollbackResistance(), nil
	}},
	"os-version": {">=", func(v []string) (Predicate, error) {
		ver, err := semver.NewVersion(v[0])
		if err != nil {
			return Predicate{}, fmt.Errorf("invalid os version %q: %w", v[0], err)
		}
		return MinOSVersion(ver), nil
	}},
	"os-patch-level":     {">=", patchLevelBuilder(MinOSPatchLevel)},
	"vendor-patch-level": {">=", patchLevelBuilder(MinVendorPatchLevel)},
	"boot-patch-level":   {">=", patchLevelBuilder(MinBootPatchLevel)},
	"origin": {"=", func(v []string) (Predicate, error) {
		origins, err := parseAll(v, android.ParseOrigin)
		return Origin(origins...), err
	}},
	"purpose": {"=", func(v []string) (Predicate, error) {
		if len(v) > 1 {
			return Predicate{}, fmt.Errorf("purpose takes one value; repeat the requirement to require several")
		}
		p, err := android.ParsePurpose(v[0])
		return Purpose(p), err
	}},
	"package": {"=", func(v []string) (Predicate, error) {
		return PackageName(v...), nil
	}},
	"signature-digest": {"=", func(v []string) (Predicate, error) {
		digests, err := parseAll(v, decodeHex)
		return SignatureDigest(digests...), err
	}},
	"challenge": {"=", func(v []string) (Predicate, error) {
		if len(v) > 1 {
			return Predicate{}, fmt.Errorf("challenge takes one value")
		}
		c, err := decodeHex(v[0])
		return Challenge(c), err
	}},
}

func convertRequirement(r *requirementExpr) (Predicate, error) {
	name := strings.ToLower(r.Field)
	b, ok := requirements[name]
	if !ok {
		return Predicate{}, fmt.Errorf("unknown field %q", r.Field)
	}

	switch {
	case b.operator == "" && r.Operator != "":
		return Predicate{}, fmt.Errorf("%s takes no value", name)
	case b.operator != "" && r.Operator == "":
		return Predicate{}, fmt.Errorf("missing %s value for %s", b.operator, name)
	case r.Operator != b.operator:
		return Predicate{}, fmt.Errorf("%s supports %s, not %s", name, b.operator, r.Operator)
	case b.operator == ">=" && len(r.Values) > 1:
		return Predicate{}, fmt.Errorf("%s takes one value", name)
	}

	p, err := b.build(r.Values)
	if err != nil {
		return Predicate{}, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}

func patchLevelBuilder(min func(android.PatchLevel) Predicate) func([]string) (Predicate, error) {
	return func(v []string) (Predicate, error) {
		p, err := android.ParsePatchLevel(v[0])
		if err != nil {
			return Predicate{}, err
		}
		return min(p), nil
	}
}

func parseAll[T any](values []string, parse func(string) (T, error)) ([]T, error) {
	out := make([]T, 0, len(values))
	for _, v := range values {
		t, err := parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q", s)
	}
	return b, nil
}
