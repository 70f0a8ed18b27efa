package output

import (
	"bytes"
	"sort"
	"time"

	"github.com/kacy/key-attestation/revocation"
)

// StatusListOutput implements Formatter for revocation status entries.
type StatusListOutput struct {
	Entries map[string]revocation.Entry
}

// NewStatusListOutput creates a StatusListOutput.
func NewStatusListOutput(entries map[string]revocation.Entry) *StatusListOutput {
	return &StatusListOutput{Entries: entries}
}

// FormatText renders one row per serial, sorted by serial.
func (s *StatusListOutput) FormatText() string {
	serials := make([]string, 0, len(s.Entries))
	for serial := range s.Entries {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	tw := NewTableWriter()
	tw.Header("SERIAL", "STATUS", "REASON", "EXPIRES", "COMMENT")
	for _, serial := range serials {
		e := s.Entries[serial]
		expires := "-"
		if !e.Expires.IsZero() {
			expires = e.Expires.UTC().Format(time.DateOnly)
		}
		tw.Row(serial, string(e.Status), dash(string(e.Reason)), expires, dash(e.Comment))
	}
	return tw.String()
}

// FormatJSON renders the entries in Google's status list format.
func (s *StatusListOutput) FormatJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := revocation.EncodeStatusList(&buf, s.Entries); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
