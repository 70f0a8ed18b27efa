package attestation

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/chain"
	"github.com/kacy/key-attestation/policy"
	"github.com/kacy/key-attestation/revocation"
)

// Misuse errors returned by Verify. Attestation outcomes are never errors;
// they are reported in the Result.
var (
	ErrMissingRequest = errors.New("missing verification request")
	ErrMissingTime    = errors.New("verification time is required")
)

// Failure sentinels. Result.Err wraps the sentinel for each failure kind, so
// callers can test with errors.Is.
var (
	ErrMalformedChain           = chain.ErrMalformedChain
	ErrInvalidSignature         = chain.ErrInvalidSignature
	ErrExpiredCertificate       = chain.ErrExpiredCertificate
	ErrUntrustedRoot            = chain.ErrUntrustedRoot
	ErrCertificateRevoked       = revocation.ErrCertificateRevoked
	ErrRevocationUnavailable    = revocation.ErrLookupFailed
	ErrMalformedExtension       = android.ErrMalformedExtension
	ErrUnsupportedSecurityLevel = android.ErrUnsupportedSecurityLevel
	ErrPolicyViolation          = errors.New("policy violation")
)

// NoIndex is the CertificateIndex of failures not tied to one certificate.
const NoIndex = chain.NoIndex

// FailureKind classifies a verification failure.
type FailureKind string

// Failure kinds.
const (
	MalformedChain           FailureKind = "MalformedChain"
	InvalidSignature         FailureKind = "InvalidSignature"
	ExpiredCertificate       FailureKind = "ExpiredCertificate"
	UntrustedRoot            FailureKind = "UntrustedRoot"
	CertificateRevoked       FailureKind = "CertificateRevoked"
	RevocationUnavailable    FailureKind = "RevocationUnavailable"
	MalformedExtension       FailureKind = "MalformedExtension"
	UnsupportedSecurityLevel FailureKind = "UnsupportedSecurityLevel"
	PolicyViolation          FailureKind = "PolicyViolation"
)

var kindErrors = map[FailureKind]error{
	MalformedChain:           ErrMalformedChain,
	InvalidSignature:         ErrInvalidSignature,
	ExpiredCertificate:       ErrExpiredCertificate,
	UntrustedRoot:            ErrUntrustedRoot,
	CertificateRevoked:       ErrCertificateRevoked,
	RevocationUnavailable:    ErrRevocationUnavailable,
	MalformedExtension:       ErrMalformedExtension,
	UnsupportedSecurityLevel: ErrUnsupportedSecurityLevel,
	PolicyViolation:          ErrPolicyViolation,
}

// Failure is one reason a chain did not verify.
type Failure struct {
	Kind FailureKind `json:"kind"`

	// CertificateIndex is the offending certificate, 0 for the leaf, or
	// NoIndex.
	CertificateIndex int `json:"certificate_index"`

	// Field names the key description field for extension and policy failures.
	Field string `json:"field,omitempty"`

	// Expected and Actual describe a policy violation. Unknown is set when
	// the field is not asserted.
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Unknown  bool   `json:"unknown,omitempty"`

	// Reason is a human-readable detail: the revocation status and reason,
	// or what was wrong with the chain or extension.
	Reason string `json:"reason,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.CertificateIndex != NoIndex {
		fmt.Fprintf(&b, " (certificate %d)", f.CertificateIndex)
	}
	if f.Field != "" {
		b.WriteString(": " + f.Field)
	}
	if f.Kind == PolicyViolation {
		actual := f.Actual
		if f.Unknown {
			actual = "unknown"
		}
		fmt.Fprintf(&b, ": expected %s, got %s", f.Expected, actual)
	}
	if f.Reason != "" {
		b.WriteString(": " + f.Reason)
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	errs := []error{kindErrors[f.Kind]}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// Result is the outcome of one verification. It is not modified after
// Verify returns.
type Result struct {
	// Time is the verification instant.
	Time time.Time

	// Trust is the matched anchor and the validated chain. It is nil when
	// chain validation failed.
	Trust *chain.Trust

	// KeyDescription is the decoded leaf extension. It is nil when
	// verification stopped before decoding.
	KeyDescription *android.KeyDescription

	// Failures lists every failure in the order found. Empty means verified.
	Failures []Failure
}

// Verified reports whether the chain verified with no failures.
func (r *Result) Verified() bool { return len(r.Failures) == 0 }

// Err combines the failures into one error, or returns nil when verified.
// multierr.Errors splits it back into *Failure values.
func (r *Result) Err() error {
	var err error
	for i := range r.Failures {
		err = multierr.Append(err, &r.Failures[i])
	}
	return err
}

// HasFailure reports whether a failure of kind was recorded.
func (r *Result) HasFailure(kind FailureKind) bool {
	for _, f := range r.Failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Request is one chain to verify.
type Request struct {
	// Certificates is the chain, leaf first and root last.
	Certificates []*x509.Certificate

	// Time is the instant validity and revocation are judged at (required).
	Time time.Time

	// Policy replaces the verifier's configured policy when non-nil.
	Policy policy.Set
}

// Config holds configuration for the verifier.
type Config struct {
	// TrustAnchors are the accepted roots (required).
	TrustAnchors []chain.TrustAnchor

	// Revocation is the status source consulted for every certificate
	// (required). Use an empty revocation.MemoryStore to accept every serial.
	Revocation revocation.Lookup

	// RevocationMode decides what a failed lookup means (default: HardFail).
	RevocationMode revocation.Mode

	// Policy is evaluated against every decoded key description.
	Policy policy.Set

	// Logger receives verification outcomes (default: no-op).
	Logger *zap.Logger
}

// Validate reports every configuration problem at once.
func (cfg *Config) Validate() error {
	var allErrors field.ErrorList
	if len(cfg.TrustAnchors) == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("trustAnchors"), "at least one trust anchor is required"))
	}
	for i, a := range cfg.TrustAnchors {
		if a.Certificate == nil && len(a.PublicKeyInfo) == 0 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("trustAnchors").Index(i), a.Name, "anchor has neither a certificate nor a public key"))
		}
	}
	if cfg.Revocation == nil {
		allErrors = append(allErrors, field.Required(field.NewPath("revocation"), "revocation lookup is required"))
	}
	if cfg.RevocationMode != revocation.HardFail && cfg.RevocationMode != revocation.SoftFail {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("revocationMode"), cfg.RevocationMode.String(),
			[]string{revocation.HardFail.String(), revocation.SoftFail.String()}))
	}
	for i, p := range cfg.Policy {
		if p.Check == nil {
			allErrors = append(allErrors, field.Invalid(field.NewPath("policy").Index(i), p.Field, "predicate has no check"))
		}
	}
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// Verifier verifies key attestation chains. It holds no mutable state and
// is safe for concurrent use when its revocation lookup is.
type Verifier struct {
	validator *chain.Validator
	checker   *revocation.Checker
	policy    policy.Set
	logger    *zap.Logger
}

// NewVerifier creates a new attestation verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid verifier config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	validator, err := chain.NewValidator(cfg.TrustAnchors...)
	if err != nil {
		return nil, err
	}
	checker, err := revocation.NewChecker(revocation.Config{
		Lookup: cfg.Revocation,
		Mode:   cfg.RevocationMode,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &Verifier{
		validator: validator,
		checker:   checker,
		policy:    append(policy.Set(nil), cfg.Policy...),
		logger:    logger,
	}, nil
}

// Policy returns the configured policy.
func (v *Verifier) Policy() policy.Set { return append(policy.Set(nil), v.policy...) }

// Verify checks req and reports the outcome in the Result. The context only
// reaches the revocation lookup.
func (v *Verifier) Verify(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, ErrMissingRequest
	}
	if req.Time.IsZero() {
		return nil, ErrMissingTime
	}

	res := &Result{Time: req.Time}
	certs := req.Certificates

	trust, err := v.validator.Validate(certs, req.Time)
	if err != nil {
		return v.finish(res, chainFailure(err)), nil
	}
	res.Trust = trust

	if err := v.checker.Check(ctx, certs, req.Time); err != nil {
		var failures []Failure
		for _, e := range multierr.Errors(err) {
			failures = append(failures, revocationFailure(e))
		}
		return v.finish(res, failures...), nil
	}

	kd, err := android.FromCertificate(certs[0])
	if err != nil {
		return v.finish(res, extensionFailure(err)), nil
	}
	res.KeyDescription = kd

	set := v.policy
	if req.Policy != nil {
		set = req.Policy
	}
	var failures []Failure
	for _, viol := range set.Evaluate(kd) {
		failures = append(failures, Failure{
			Kind:             PolicyViolation,
			CertificateIndex: NoIndex,
			Field:            viol.Field,
			Expected:         viol.Expected,
			Actual:           viol.Actual,
			Unknown:          viol.Unknown,
			Err:              viol,
		})
	}
	return v.finish(res, failures...), nil
}

func (v *Verifier) finish(res *Result, failures ...Failure) *Result {
	res.Failures = failures
	if res.Verified() {
		v.logger.Info("attestation verified",
			zap.String("anchor", res.Trust.Anchor.Name),
			zap.Int("attestation_version", res.KeyDescription.AttestationVersion()),
			zap.Stringer("security_level", res.KeyDescription.AttestationSecurityLevel()))
		return res
	}

	kinds := make([]string, len(failures))
	for i, f := range failures {
		kinds[i] = string(f.Kind)
	}
	v.logger.Info("attestation failed", zap.Strings("failures", kinds), zap.Error(res.Err()))
	return res
}

func chainFailure(err error) Failure {
	f := Failure{Kind: MalformedChain, CertificateIndex: NoIndex, Reason: err.Error(), Err: err}
	var certErr *chain.CertificateError
	if errors.As(err, &certErr) {
		f.CertificateIndex = certErr.Index
		f.Reason = certErr.Detail
	}
	switch {
	case errors.Is(err, chain.ErrUntrustedRoot):
		f.Kind = UntrustedRoot
	case errors.Is(err, chain.ErrInvalidSignature):
		f.Kind = InvalidSignature
	case errors.Is(err, chain.ErrExpiredCertificate):
		f.Kind = ExpiredCertificate
	}
	return f
}

func revocationFailure(err error) Failure {
	var revoked *revocation.RevokedError
	if errors.As(err, &revoked) {
		reason := string(revoked.Entry.Status)
		if revoked.Entry.Reason != "" {
			reason += " (" + string(revoked.Entry.Reason) + ")"
		}
		return Failure{Kind: CertificateRevoked, CertificateIndex: revoked.Index, Reason: reason, Err: err}
	}

	f := Failure{Kind: RevocationUnavailable, CertificateIndex: NoIndex, Reason: err.Error(), Err: err}
	var lookupErr *revocation.LookupError
	if errors.As(err, &lookupErr) {
		f.CertificateIndex = lookupErr.Index
		f.Reason = lookupErr.Err.Error()
	}
	return f
}

func extensionFailure(err error) Failure {
	f := Failure{Kind: MalformedExtension, CertificateIndex: 0, Reason: err.Error(), Err: err}
	var fieldErr *android.FieldError
	if errors.As(err, &fieldErr) {
		f.Field = fieldErr.Field
		f.Reason = fieldErr.Detail
	}
	if errors.Is(err, android.ErrUnsupportedSecurityLevel) {
		f.Kind = UnsupportedSecurityLevel
	}
	return f
}
