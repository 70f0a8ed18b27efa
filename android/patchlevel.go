package android

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Ordering is the outcome of comparing an asserted value against a reference.
// Unknown means the asserted side is absent or unusable, so neither "at least"
// nor "below" can be claimed.
type Ordering int

const (
	Unknown Ordering = iota
	Less
	Equal
	Greater
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "Less"
	case Equal:
		return "Equal"
	case Greater:
		return "Greater"
	default:
		return "Unknown"
	}
}

// AtLeast reports whether the ordering proves the value meets a floor.
// Unknown never does.
func (o Ordering) AtLeast() bool { return o == Equal || o == Greater }

// PatchLevel is a date-encoded patch level: YYYYMM (OS) or YYYYMMDD
// (vendor, boot). Values of the same precision order numerically, which for
// these fixed-width encodings is the same as lexicographic digit order.
type PatchLevel uint32

// Valid reports whether p is a plausible YYYYMM or YYYYMMDD date.
func (p PatchLevel) Valid() bool {
	_, _, _, ok := p.parts()
	return ok
}

// HasDay reports whether p carries day precision (YYYYMMDD).
func (p PatchLevel) HasDay() bool { return p >= 10000000 }

// Month returns p truncated to YYYYMM.
func (p PatchLevel) Month() PatchLevel {
	if p.HasDay() {
		return p / 100
	}
	return p
}

func (p PatchLevel) parts() (year, month, day int, ok bool) {
	v := int(p)
	switch {
	case v >= 10000000 && v <= 99999999:
		year, month, day = v/10000, (v/100)%100, v%100
		// Day 00 shows up on real devices for vendor/boot levels.
		ok = day <= 31
	case v >= 100000 && v <= 999999:
		year, month = v/100, v%100
		ok = true
	default:
		return 0, 0, 0, false
	}
	return year, month, day, ok && month >= 1 && month <= 12
}

func (p PatchLevel) String() string {
	year, month, day, ok := p.parts()
	if !ok {
		return strconv.FormatUint(uint64(p), 10)
	}
	if p.HasDay() {
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	}
	return fmt.Sprintf("%04d-%02d", year, month)
}

// ParsePatchLevel accepts "2023-01", "2023-01-05", "202301" or "20230105".
func ParsePatchLevel(s string) (PatchLevel, error) {
	digits := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(digits) != 6 && len(digits) != 8 {
		return 0, fmt.Errorf("invalid patch level %q: want YYYY-MM or YYYY-MM-DD", s)
	}
	v, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid patch level %q: %w", s, err)
	}
	p := PatchLevel(v)
	if !p.Valid() {
		return 0, fmt.Errorf("invalid patch level %q: not a date", s)
	}
	return p, nil
}

// ComparePatchLevel compares an asserted patch level against a reference.
// It returns Unknown when the level is not asserted (ok is false) or either
// side is not a valid date. When only one side has day precision the
// comparison happens at month granularity.
func ComparePatchLevel(actual PatchLevel, ok bool, ref PatchLevel) Ordering {
	if !ok || !actual.Valid() || !ref.Valid() {
		return Unknown
	}
	a, b := actual, ref
	if a.HasDay() != b.HasDay() {
		a, b = a.Month(), b.Month()
	}
	return compareUint(uint64(a), uint64(b))
}

// OSVersion is the integer-encoded OS version, MMmmss: 130000 is 13.0.0.
// Zero means the version is not known to the device.
type OSVersion uint32

func (v OSVersion) Major() int { return int(v) / 10000 }
func (v OSVersion) Minor() int { return int(v) / 100 % 100 }
func (v OSVersion) Patch() int { return int(v) % 100 }

func (v OSVersion) String() string {
	if v == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// Semver returns v as a semantic version, or nil when v is zero.
func (v OSVersion) Semver() *semver.Version {
	if v == 0 {
		return nil
	}
	return semver.New(uint64(v.Major()), uint64(v.Minor()), uint64(v.Patch()), "", "")
}

// CompareOSVersion compares an asserted OS version against a reference.
// Absent and zero versions compare as Unknown.
func CompareOSVersion(actual OSVersion, ok bool, ref *semver.Version) Ordering {
	if !ok || ref == nil {
		return Unknown
	}
	sv := actual.Semver()
	if sv == nil {
		return Unknown
	}
	switch sv.Compare(ref) {
	case -1:
		return Less
	case 1:
		return Greater
	default:
		return Equal
	}
}

func compareUint(a, b uint64) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}
