package output

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	attestation "github.com/kacy/key-attestation"
	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/chain"
	"github.com/kacy/key-attestation/revocation"
)

// jsonTimeFormat is ISO 8601 in UTC.
const jsonTimeFormat = "2006-01-02T15:04:05Z"

// Report is one verification run.
type Report struct {
	Source       string
	ToolVersion  string
	Certificates []*x509.Certificate
	Result       *attestation.Result
}

// VerificationOutput implements Formatter for verification reports.
type VerificationOutput struct {
	Report *Report
}

// NewVerificationOutput creates a VerificationOutput.
func NewVerificationOutput(report *Report) *VerificationOutput {
	return &VerificationOutput{Report: report}
}

// FormatText renders a status line, the chain, and one row per failure.
func (v *VerificationOutput) FormatText() string {
	res := v.Report.Result

	status := "VERIFIED"
	if !res.Verified() {
		status = fmt.Sprintf("FAILED (%d %s)", len(res.Failures), plural(len(res.Failures), "failure", "failures"))
	}
	sections := []string{"STATUS: " + status}
	if res.Trust != nil {
		sections[0] += fmt.Sprintf("\nANCHOR: %s (%s)", res.Trust.Anchor.Name, res.Trust.Anchor.Fingerprint().Truncate(8))
	}
	if kd := res.KeyDescription; kd != nil {
		sections[0] += fmt.Sprintf("\nATTESTATION: version %d, %s", kd.AttestationVersion(), kd.AttestationSecurityLevel())
	}

	if len(v.Report.Certificates) > 0 {
		tw := NewTableWriter()
		tw.Header("INDEX", "SUBJECT", "SERIAL", "NOT AFTER")
		for i, c := range v.Report.Certificates {
			tw.Row(strconv.Itoa(i), subjectName(c), revocation.SerialKey(c.SerialNumber), c.NotAfter.UTC().Format(time.DateOnly))
		}
		sections = append(sections, tw.String())
	}

	if len(res.Failures) > 0 {
		tw := NewTableWriter()
		tw.Header("KIND", "CERTIFICATE", "FIELD", "DETAIL")
		for _, f := range res.Failures {
			tw.Row(string(f.Kind), certificateIndex(f.CertificateIndex), dash(f.Field), failureDetail(f))
		}
		sections = append(sections, tw.String())
	}

	return strings.Join(sections, "\n\n")
}

// FormatJSON renders the report as JSON.
func (v *VerificationOutput) FormatJSON() ([]byte, error) {
	report := v.Report
	res := report.Result

	jr := jsonReport{
		Source:         report.Source,
		Timestamp:      res.Time.UTC().Format(jsonTimeFormat),
		ToolVersion:    report.ToolVersion,
		Verified:       res.Verified(),
		KeyDescription: res.KeyDescription,
		Chain:          make([]jsonCert, len(report.Certificates)),
		Failures:       res.Failures,
	}
	if jr.Failures == nil {
		jr.Failures = []attestation.Failure{}
	}
	if res.Trust != nil {
		jr.Anchor = &jsonAnchor{
			Name:              res.Trust.Anchor.Name,
			FingerprintSHA256: res.Trust.Anchor.Fingerprint().String(),
		}
	}
	for i, c := range report.Certificates {
		jr.Chain[i] = jsonCert{
			Subject:           subjectName(c),
			Issuer:            c.Issuer.String(),
			Serial:            revocation.SerialKey(c.SerialNumber),
			NotAfter:          c.NotAfter.UTC().Format(jsonTimeFormat),
			FingerprintSHA256: chain.FingerprintOf(c.Raw).String(),
		}
	}

	return json.MarshalIndent(jr, "", "  ")
}

type jsonReport struct {
	Source         string                  `json:"source,omitempty"`
	Timestamp      string                  `json:"timestamp"`
	ToolVersion    string                  `json:"tool_version"`
	Verified       bool                    `json:"verified"`
	Anchor         *jsonAnchor             `json:"anchor,omitempty"`
	Chain          []jsonCert              `json:"chain"`
	KeyDescription *android.KeyDescription `json:"key_description,omitempty"`
	Failures       []attestation.Failure   `json:"failures"`
}

type jsonAnchor struct {
	Name              string `json:"name"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
}

type jsonCert struct {
	Subject           string `json:"subject"`
	Issuer            string `json:"issuer"`
	Serial            string `json:"serial"`
	NotAfter          string `json:"not_after"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
}

func failureDetail(f attestation.Failure) string {
	if f.Kind != attestation.PolicyViolation {
		return f.Reason
	}
	actual := f.Actual
	if f.Unknown {
		actual = "unknown"
	}
	return fmt.Sprintf("expected %s, got %s", f.Expected, actual)
}

func certificateIndex(i int) string {
	if i == attestation.NoIndex {
		return "-"
	}
	return strconv.Itoa(i)
}

func subjectName(c *x509.Certificate) string {
	if c.Subject.CommonName != "" {
		return c.Subject.CommonName
	}
	return c.Subject.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
