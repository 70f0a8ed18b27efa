// Package revocation checks attestation certificates against a revocation
// status source keyed by certificate serial number.
//
// The status source is injected as a Lookup. A serial that is not listed is
// valid. A listed serial is revoked when its status is REVOKED, or SUSPENDED
// and not yet expired. Every certificate in a chain is checked, because a
// compromised intermediate invalidates everything it issued.
//
// Serial numbers are keyed the way Google's attestation status list keys
// them: lowercase hexadecimal without leading zeros.
//
// See: https://developer.android.com/privacy-and-security/security-key-attestation#certificate_status
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound           = errors.New("serial not listed")
	ErrCertificateRevoked = errors.New("certificate revoked")
	ErrLookupFailed       = errors.New("revocation lookup failed")
)

// Status is a status list entry status.
type Status string

const (
	StatusRevoked   Status = "REVOKED"
	StatusSuspended Status = "SUSPENDED"

	// StatusValid marks a serial a source lists as in good standing.
	StatusValid Status = "VALID"
)

func (s Status) valid() bool {
	return s == StatusRevoked || s == StatusSuspended || s == StatusValid
}

// Reason is a status list entry reason.
type Reason string

const (
	ReasonUnspecified   Reason = "UNSPECIFIED"
	ReasonKeyCompromise Reason = "KEY_COMPROMISE"
	ReasonCACompromise  Reason = "CA_COMPROMISE"
	ReasonSuperseded    Reason = "SUPERSEDED"
	ReasonSoftwareFlaw  Reason = "SOFTWARE_FLAW"
)

// Entry is the status of one listed serial.
type Entry struct {
	Status Status
	Reason Reason

	// Expires ends a suspension. Zero means the suspension does not expire.
	Expires time.Time

	Comment string
}

// Validate reports an entry whose status is not one of the known statuses.
func (e Entry) Validate() error {
	if !e.Status.valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	return nil
}

// Active reports whether the entry invalidates its certificate at the instant at.
// Only REVOKED and unexpired SUSPENDED entries do.
func (e Entry) Active(at time.Time) bool {
	switch e.Status {
	case StatusRevoked:
		return true
	case StatusSuspended:
		return e.Expires.IsZero() || at.Before(e.Expires)
	default:
		return false
	}
}

const expiresLayout = "2006-01-02"

type entryJSON struct {
	Status  Status `json:"status"`
	Reason  Reason `json:"reason,omitempty"`
	Expires string `json:"expires,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// MarshalJSON uses the status list encoding, with expiry as a YYYY-MM-DD date.
func (e Entry) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	v := entryJSON{Status: e.Status, Reason: e.Reason, Comment: e.Comment}
	if !e.Expires.IsZero() {
		v.Expires = e.Expires.UTC().Format(expiresLayout)
	}
	return json.Marshal(v)
}

// UnmarshalJSON accepts the status list encoding. Expiry may be a date or
// an RFC 3339 timestamp.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var v entryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	out := Entry{Status: v.Status, Reason: v.Reason, Comment: v.Comment}
	if err := out.Validate(); err != nil {
		return err
	}
	if v.Expires != "" {
		t, err := time.Parse(expiresLayout, v.Expires)
		if err != nil {
			if t, err = time.Parse(time.RFC3339, v.Expires); err != nil {
				return fmt.Errorf("invalid expires %q", v.Expires)
			}
		}
		out.Expires = t.UTC()
	}
	*e = out
	return nil
}

// SerialKey formats a certificate serial number as a status list key.
func SerialKey(serial *big.Int) string {
	return serial.Text(16)
}

// NormalizeSerial rewrites a hex serial as a status list key.
func NormalizeSerial(s string) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16)
	if !ok {
		return "", fmt.Errorf("invalid serial %q: not hexadecimal", s)
	}
	return SerialKey(n), nil
}

// Lookup resolves a serial key to its status entry. It returns ErrNotFound
// when the serial is not listed; any other error is a lookup failure.
type Lookup interface {
	Lookup(ctx context.Context, serial string) (*Entry, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, serial string) (*Entry, error)

func (f LookupFunc) Lookup(ctx context.Context, serial string) (*Entry, error) {
	return f(ctx, serial)
}

// Store is a writable status source.
type Store interface {
	Lookup

	// Put records the entry for serial, replacing any previous entry.
	Put(ctx context.Context, serial string, entry Entry) error

	// Delete removes the entry for serial. It returns ErrNotFound when the
	// serial is not listed.
	Delete(ctx context.Context, serial string) error

	// Import records every entry.
	Import(ctx context.Context, entries map[string]Entry) error
}
