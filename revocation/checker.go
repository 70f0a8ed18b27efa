package revocation

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Mode decides what a lookup failure means.
type Mode int

const (
	// HardFail reports lookup failures as ErrLookupFailed.
	HardFail Mode = iota

	// SoftFail logs lookup failures and treats the certificate as valid.
	SoftFail
)

func (m Mode) String() string {
	switch m {
	case HardFail:
		return "hard-fail"
	case SoftFail:
		return "soft-fail"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "hard-fail" or "soft-fail".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "hard-fail", "hard":
		return HardFail, nil
	case "soft-fail", "soft":
		return SoftFail, nil
	default:
		return 0, fmt.Errorf("unknown revocation mode %q", s)
	}
}

// RevokedError reports a certificate with an active status entry.
type RevokedError struct {
	Index  int
	Serial string
	Entry  Entry
}

func (e *RevokedError) Error() string {
	msg := fmt.Sprintf("certificate %d (serial %s): %v: %s", e.Index, e.Serial, ErrCertificateRevoked, e.Entry.Status)
	if e.Entry.Reason != "" {
		msg += " (" + string(e.Entry.Reason) + ")"
	}
	return msg
}

func (e *RevokedError) Unwrap() error { return ErrCertificateRevoked }

// LookupError reports a failed lookup in HardFail mode.
type LookupError struct {
	Index  int
	Serial string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("certificate %d (serial %s): %v: %v", e.Index, e.Serial, ErrLookupFailed, e.Err)
}

func (e *LookupError) Unwrap() []error { return []error{ErrLookupFailed, e.Err} }

// Config configures a Checker.
type Config struct {
	// Lookup is the status source (required).
	Lookup Lookup

	// Mode decides how lookup failures are reported (default: HardFail).
	Mode Mode

	// Logger receives soft-fail warnings and per-certificate debug logs.
	Logger *zap.Logger
}

// Checker checks chains against a status source. It holds no mutable state
// and is safe for concurrent use when its Lookup is.
type Checker struct {
	lookup Lookup
	mode   Mode
	logger *zap.Logger
}

// NewChecker creates a checker.
func NewChecker(cfg Config) (*Checker, error) {
	if cfg.Lookup == nil {
		return nil, errors.New("revocation lookup is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{lookup: cfg.Lookup, mode: cfg.Mode, logger: logger}, nil
}

// Mode returns the configured lookup failure mode.
func (c *Checker) Mode() Mode { return c.mode }

// Check looks up every certificate exactly once, in chain order. The result
// combines (see multierr.Errors) one *RevokedError per revoked certificate
// and, in HardFail mode, one *LookupError per failed lookup. A nil result
// means no certificate is revoked. An entry with an unknown status counts as
// a failed lookup.
func (c *Checker) Check(ctx context.Context, certs []*x509.Certificate, at time.Time) error {
	var errs error
	for i, cert := range certs {
		serial := SerialKey(cert.SerialNumber)
		if cert.SerialNumber == nil || cert.SerialNumber.Sign() <= 0 {
			c.logger.Debug("serial is not positive, status lists cannot list it",
				zap.Int("index", i), zap.String("serial", serial))
		}
		entry, err := c.lookup.Lookup(ctx, serial)
		if err == nil && entry != nil {
			if verr := entry.Validate(); verr != nil {
				err = fmt.Errorf("invalid entry: %w", verr)
			}
		}
		switch {
		case errors.Is(err, ErrNotFound):
			c.logger.Debug("certificate not listed", zap.Int("index", i), zap.String("serial", serial))
		case err != nil:
			if c.mode == SoftFail {
				c.logger.Warn("revocation lookup failed, treating certificate as valid",
					zap.Int("index", i), zap.String("serial", serial), zap.Error(err))
				continue
			}
			errs = multierr.Append(errs, &LookupError{Index: i, Serial: serial, Err: err})
		case entry == nil:
			c.logger.Debug("certificate not listed", zap.Int("index", i), zap.String("serial", serial))
		case entry.Active(at):
			c.logger.Info("certificate revoked",
				zap.Int("index", i),
				zap.String("serial", serial),
				zap.String("status", string(entry.Status)),
				zap.String("reason", string(entry.Reason)))
			errs = multierr.Append(errs, &RevokedError{Index: i, Serial: serial, Entry: *entry})
		default:
			c.logger.Debug("entry not active",
				zap.Int("index", i), zap.String("serial", serial), zap.String("status", string(entry.Status)))
		}
	}
	return errs
}
