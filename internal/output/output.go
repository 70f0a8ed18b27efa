// Package output renders keyattest results as aligned text tables or JSON.
package output

// Format represents the output format type.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Formatter is implemented by every renderable result.
type Formatter interface {
	FormatText() string
	FormatJSON() ([]byte, error)
}

// FormatOutput renders f in format.
func FormatOutput(f Formatter, format Format) (string, error) {
	switch format {
	case FormatJSON:
		data, err := f.FormatJSON()
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return f.FormatText(), nil
	}
}
