package output

import (
	"bytes"
	"strings"
	"text/tabwriter"
)

// TableWriter writes kubectl-style aligned columns.
type TableWriter struct {
	buf     bytes.Buffer
	w       *tabwriter.Writer
	hasData bool
}

// NewTableWriter creates a TableWriter padding columns by three spaces.
func NewTableWriter() *TableWriter {
	t := &TableWriter{}
	t.w = tabwriter.NewWriter(&t.buf, 0, 0, 3, ' ', 0)
	return t
}

// Header writes the header row.
func (t *TableWriter) Header(columns ...string) { t.Row(columns...) }

// Row writes a data row. Tabs and newlines inside values are flattened to
// spaces so they cannot break the layout.
func (t *TableWriter) Row(values ...string) {
	t.hasData = true
	clean := make([]string, len(values))
	for i, v := range values {
		clean[i] = strings.Join(strings.Fields(v), " ")
	}
	_, _ = t.w.Write([]byte(strings.Join(clean, "\t") + "\n"))
}

// String flushes the writer and returns the table, or "" when nothing was
// written.
func (t *TableWriter) String() string {
	if !t.hasData {
		return ""
	}
	_ = t.w.Flush()
	return strings.TrimSuffix(t.buf.String(), "\n")
}
