package results

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Formatter renders a single cell value of one column data type.
type Formatter struct {
	DataType string
	format   func(json.RawMessage) string
}

// Format renders v. A zero Formatter renders the raw JSON text.
func (f Formatter) Format(v json.RawMessage) string {
	if f.format == nil {
		return formatPrimitive(v)
	}
	return f.format(v)
}

// Data types with a dedicated formatter. Anything else is formatted as
// DataTypeUnknown.
const (
	DataTypePrimitive     = "PRIMITIVE"
	DataTypeDouble        = "DOUBLE"
	DataTypeCurve         = "CURVE"
	DataTypeSurface       = "SURFACE_DATA"
	DataTypeMatrix        = "LABELLED_MATRIX_1D"
	DataTypeTimeSeries    = "TIME_SERIES"
	DataTypePDEGridGreeks = "PDE_GRID_GREEK"
	DataTypeUnknown       = "UNKNOWN"
)

var typeFormatters = map[string]func(json.RawMessage) string{
	DataTypePrimitive:     formatPrimitive,
	DataTypeDouble:        formatDouble,
	DataTypeCurve:         summaryFormatter("Curve"),
	DataTypeSurface:       summaryFormatter("Surface"),
	DataTypeMatrix:        summaryFormatter("Matrix"),
	DataTypeTimeSeries:    summaryFormatter("Time Series"),
	DataTypePDEGridGreeks: summaryFormatter("PDE Grid Greeks"),
}

// FormatterFor returns the formatter for a column's declared data type.
func FormatterFor(dataType string) Formatter {
	key := strings.ToUpper(strings.TrimSpace(dataType))
	if fn, ok := typeFormatters[key]; ok {
		return Formatter{DataType: key, format: fn}
	}
	return Formatter{DataType: DataTypeUnknown, format: formatPrimitive}
}

func formatPrimitive(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// formatDouble renders a number with comma separators and two decimals.
// Non-numeric values fall back to their primitive text.
func formatDouble(v json.RawMessage) string {
	text := strings.Trim(strings.TrimSpace(string(v)), `"`)
	d, err := decimal.NewFromString(text)
	if err != nil {
		return formatPrimitive(v)
	}

	fixed := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")
	out := groupThousands(intPart) + "." + frac
	if d.IsNegative() {
		out = "-" + out
	}
	return out
}

// groupThousands inserts comma separators into a string of digits.
func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// summaryFormatter renders compound values by their "summary" field, or by
// label when the server sent none.
func summaryFormatter(label string) func(json.RawMessage) string {
	return func(v json.RawMessage) string {
		var obj struct {
			Summary json.RawMessage `json:"summary"`
		}
		if err := json.Unmarshal(v, &obj); err == nil && len(obj.Summary) > 0 {
			return formatPrimitive(obj.Summary)
		}
		return label
	}
}
