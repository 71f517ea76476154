package ngsi

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// isoDuration matches ISO-8601 durations: [-]P[nY][nM][nD][T[nH][nM][nS]] or [-]PnW.
// Components accept both "." and "," as decimal separators.
var isoDuration = regexp.MustCompile(`^(-)?P(?:(?:([0-9,.]*)Y)?(?:([0-9,.]*)M)?(?:([0-9,.]*)D)?(?:T(?:([0-9,.]*)H)?(?:([0-9,.]*)M)?(?:([0-9,.]*)S)?)?|([0-9,.]*)W)$`)

// Unit sizes for the calendar components. Years and months have no fixed
// length; the approximations match what brokers use for expirations.
const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// DecodeScalar promotes a textual JSON leaf to a typed value.
//
// The rules are applied in order:
//   - "true" / "false" become bool
//   - a string that parses fully as a finite decimal number becomes float64
//   - a string wrapped in "/" delimiters that compiles becomes *Pattern
//   - an ISO-8601 duration becomes Duration
//   - anything else stays a string
func DecodeScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}

	if !isHex(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
	}

	if len(s) > 1 && s[0] == '/' && s[len(s)-1] == '/' {
		if p, err := CompilePattern(s[1 : len(s)-1]); err == nil {
			return p
		}
	}

	if d, err := ParseDuration(s); err == nil {
		return d
	}

	return s
}

// isHex reports a 0x prefix, which ParseFloat would accept.
func isHex(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// decodeTree walks a generic JSON value and applies DecodeScalar to every
// string leaf. Maps and slices are rewritten in place.
func decodeTree(v any) any {
	switch t := v.(type) {
	case string:
		return DecodeScalar(t)
	case map[string]any:
		for k, child := range t {
			t[k] = decodeTree(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = decodeTree(child)
		}
		return t
	default:
		return v
	}
}

// decodeValue unmarshals a raw JSON value and types its string leaves.
// A missing value decodes to nil.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return decodeTree(v), nil
}

// Pattern is a regular expression value. It encodes to JSON as "/source/"
// so that a decoded payload re-encodes to the text it was read from.
type Pattern struct {
	re *regexp.Regexp
}

// CompilePattern compiles a pattern from its source (without delimiters).
func CompilePattern(source string) (*Pattern, error) {
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, err
	}
	return &Pattern{re: re}, nil
}

// Source returns the expression without delimiters.
func (p *Pattern) Source() string {
	return p.re.String()
}

// String returns the delimited form, e.g. "/Room.*/".
func (p *Pattern) String() string {
	return "/" + p.re.String() + "/"
}

// MatchString reports whether s contains any match of the pattern.
func (p *Pattern) MatchString(s string) bool {
	return p.re.MatchString(s)
}

// MarshalJSON encodes the pattern in its delimited form.
func (p *Pattern) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Duration is an ISO-8601 duration that keeps the text it was parsed from.
// The zero value is an absent duration.
type Duration struct {
	text  string
	value time.Duration
}

// ParseDuration parses an ISO-8601 duration such as "PT10S" or "P1DT2H".
// At least one component is required.
func ParseDuration(s string) (Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil {
		return Duration{}, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	units := []time.Duration{year, month, day, time.Hour, time.Minute, time.Second, week}
	var total float64
	seen := false
	for i, unit := range units {
		field := m[i+2]
		if field == "" {
			continue
		}
		n, err := strconv.ParseFloat(strings.ReplaceAll(field, ",", "."), 64)
		if err != nil {
			return Duration{}, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		total += n * float64(unit)
		seen = true
	}
	if !seen {
		return Duration{}, fmt.Errorf("invalid ISO-8601 duration %q: no components", s)
	}
	if m[1] == "-" {
		total = -total
	}

	return Duration{text: s, value: time.Duration(total)}, nil
}

// MustParseDuration is like ParseDuration but panics on invalid input.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the original ISO-8601 text.
func (d Duration) String() string {
	return d.text
}

// Value returns the approximate length of the duration.
func (d Duration) Value() time.Duration {
	return d.value
}

// IsZero reports whether the duration is absent.
func (d Duration) IsZero() bool {
	return d.text == ""
}

// MarshalJSON encodes the duration as its ISO-8601 text.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.text)
}

// UnmarshalJSON accepts an ISO-8601 string. Empty strings and null leave the
// duration absent; text that is not a valid duration is kept verbatim with a
// zero Value.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = Duration{}
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		*d = Duration{text: s}
		return nil
	}
	*d = parsed
	return nil
}
