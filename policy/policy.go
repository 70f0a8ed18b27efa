// Package policy evaluates caller-supplied predicates against a decoded key
// description.
//
// Every predicate in a Set runs, so a caller sees all unmet requirements in
// one pass. A predicate whose field is not asserted reports a Violation with
// Unknown set rather than passing silently; wrap it with AllowUnknown to
// accept unasserted values explicitly.
//
// Predicates about the device and key security posture read the
// hardware-enforced list only: values in the software-enforced list are
// reported by Android itself and can be forged on a compromised device.
// Application identity lives in the software-enforced list, because the
// secure environment has no notion of packages.
package policy

import (
	"fmt"

	"github.com/kacy/key-attestation/android"
)

// Violation describes one unmet predicate.
type Violation struct {
	// Field is the key description field the predicate reads, e.g. "osPatchLevel".
	Field string

	// Expected renders the requirement, e.g. ">=20230101".
	Expected string

	// Actual renders the asserted value. It is empty when Unknown is set.
	Actual string

	// Unknown means the field is not asserted, so the requirement could be
	// neither confirmed nor refuted.
	Unknown bool
}

func (v *Violation) Error() string {
	actual := v.Actual
	if v.Unknown {
		actual = "unknown"
	}
	return fmt.Sprintf("policy violation: %s: expected %s, got %s", v.Field, v.Expected, actual)
}

// Predicate is one requirement on a key description. Check returns nil when
// the requirement holds.
type Predicate struct {
	Field string
	Check func(kd *android.KeyDescription) *Violation
}

// Set is an ordered list of predicates.
type Set []Predicate

// Evaluate runs every predicate and returns the violations in predicate order.
func (s Set) Evaluate(kd *android.KeyDescription) []*Violation {
	var out []*Violation
	for _, p := range s {
		if v := p.Check(kd); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// With returns a new set holding s followed by more.
func (s Set) With(more ...Predicate) Set {
	out := make(Set, 0, len(s)+len(more))
	out = append(out, s...)
	return append(out, more...)
}

// Fields lists the fields the set reads, in predicate order.
func (s Set) Fields() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Field
	}
	return out
}

// AllowUnknown accepts an unasserted field instead of reporting it.
func AllowUnknown(p Predicate) Predicate {
	check := p.Check
	return Predicate{
		Field: p.Field,
		Check: func(kd *android.KeyDescription) *Violation {
			v := check(kd)
			if v != nil && v.Unknown {
				return nil
			}
			return v
		},
	}
}

func unknown(field, expected string) *Violation {
	return &Violation{Field: field, Expected: expected, Unknown: true}
}

func violation(field, expected, actual string) *Violation {
	return &Violation{Field: field, Expected: expected, Actual: actual}
}
