package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kacy/key-attestation/android"
)

// KeyDescriptionOutput implements Formatter for a decoded key description.
type KeyDescriptionOutput struct {
	KeyDescription *android.KeyDescription
}

// NewKeyDescriptionOutput creates a KeyDescriptionOutput.
func NewKeyDescriptionOutput(kd *android.KeyDescription) *KeyDescriptionOutput {
	return &KeyDescriptionOutput{KeyDescription: kd}
}

// FormatText renders one FIELD/VALUE row per asserted field. Nested fields
// are dotted paths, sorted within each authorization list.
func (k *KeyDescriptionOutput) FormatText() string {
	data, err := json.Marshal(k.KeyDescription)
	if err != nil {
		return "error: " + err.Error()
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "error: " + err.Error()
	}

	tw := NewTableWriter()
	tw.Header("FIELD", "VALUE")
	for _, key := range []string{
		"attestation_version",
		"attestation_security_level",
		"keymaster_version",
		"keymaster_security_level",
		"attestation_challenge",
		"unique_id",
	} {
		if v, ok := doc[key]; ok {
			tw.Row(key, formatValue(v))
		}
	}
	for _, list := range []string{"hardware_enforced", "software_enforced"} {
		entries, _ := doc[list].(map[string]any)
		flatten(tw, list, entries)
	}
	return tw.String()
}

// FormatJSON renders the key description as JSON.
func (k *KeyDescriptionOutput) FormatJSON() ([]byte, error) {
	return json.MarshalIndent(k.KeyDescription, "", "  ")
}

func flatten(tw *TableWriter, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		path := prefix + "." + key
		if nested, ok := m[key].(map[string]any); ok {
			flatten(tw, path, nested)
			continue
		}
		tw.Row(path, formatValue(m[key]))
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		data, _ := json.Marshal(v)
		return string(data)
	case float64:
		return fmt.Sprintf("%.0f", v)
	case string:
		if v == "" {
			return "-"
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}
