// Package version normalizes channel version markers to int64.
//
// The orchestration engine upstream of the checkpoint store sometimes emits
// version markers as strings ("5", "3.0", or composite dotted tokens such as
// "00000000000000000000000000000002.0.243798848838515") instead of integers.
// Comparing a string marker with an integer one breaks ordering, so every
// marker that crosses the store boundary is classified into a Shape and
// mapped to an integer. Classification never fails: anything unrecognized
// goes through a deterministic fallback.
package version

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultMarker is the marker assigned to values that carry no usable
// version information (nil, floats, bools, containers).
const DefaultMarker int64 = 1

// hashModulus bounds hash-derived markers so they stay small and positive.
const hashModulus = 100_000_000

// Shape classifies a raw version value.
type Shape int

const (
	// ShapeInteger is a native Go integer. Normalization is the identity.
	ShapeInteger Shape = iota

	// ShapeDotted is a string containing '.' whose first segment is an
	// integer, e.g. "3.0" or "000...02.0.2437988".
	ShapeDotted

	// ShapeDecimal is a string holding a plain integer, e.g. "5" or "-3".
	ShapeDecimal

	// ShapeEmpty is the empty string.
	ShapeEmpty

	// ShapeUnrecognized is everything else. Its marker comes from the fallback.
	ShapeUnrecognized

	numShapes
)

// String returns the shape name used in logs and metric attributes.
func (s Shape) String() string {
	switch s {
	case ShapeInteger:
		return "integer"
	case ShapeDotted:
		return "dotted"
	case ShapeDecimal:
		return "decimal"
	case ShapeEmpty:
		return "empty"
	case ShapeUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Converted reports whether values of this shape are rewritten.
func (s Shape) Converted() bool {
	return s != ShapeInteger
}

// FallbackStrategy decides the marker for unrecognized values.
type FallbackStrategy int

const (
	// FallbackHash maps unparseable non-empty strings to a stable hash of
	// the string and every other unrecognized value to DefaultMarker.
	FallbackHash FallbackStrategy = iota

	// FallbackConstant maps every unrecognized value to DefaultMarker.
	FallbackConstant
)

// String returns the strategy name as used in configuration.
func (f FallbackStrategy) String() string {
	switch f {
	case FallbackHash:
		return "hash"
	case FallbackConstant:
		return "constant"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a configuration value. The empty string selects
// FallbackHash.
func ParseStrategy(s string) (FallbackStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hash":
		return FallbackHash, nil
	case "constant":
		return FallbackConstant, nil
	default:
		return FallbackHash, fmt.Errorf("unknown fallback strategy %q", s)
	}
}

// Normalizer converts raw version values to int64 markers.
// The zero value uses FallbackHash. A Normalizer is immutable and safe for
// concurrent use.
type Normalizer struct {
	fallback FallbackStrategy
}

// New returns a Normalizer using the given fallback strategy.
func New(fallback FallbackStrategy) Normalizer {
	return Normalizer{fallback: fallback}
}

// Fallback returns the configured fallback strategy.
func (n Normalizer) Fallback() FallbackStrategy {
	return n.fallback
}

// Normalize maps v to an integer marker. It never panics.
func (n Normalizer) Normalize(v any) int64 {
	marker, _ := n.Inspect(v)
	return marker
}

// Inspect is Normalize that also reports the shape v was classified as.
//
// Named string kinds such as json.Number are classified by their text, not
// their numeric value: json.Number("3.5") is dotted and yields 3, while
// float64(3.5) yields DefaultMarker. Exponent forms like "1e3" are not
// integer strings and take the fallback.
func (n Normalizer) Inspect(v any) (int64, Shape) {
	switch val := v.(type) {
	case nil:
		return n.fallbackValue(), ShapeUnrecognized
	case int64:
		return val, ShapeInteger
	case int:
		return int64(val), ShapeInteger
	case string:
		return n.fromString(val)
	case bool:
		return n.fallbackValue(), ShapeUnrecognized
	}

	// Named and sized kinds: int8..uint64, json.Number, custom string types.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), ShapeInteger
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return n.fallbackValue(), ShapeUnrecognized
		}
		return int64(u), ShapeInteger
	case reflect.String:
		return n.fromString(rv.String())
	}
	return n.fallbackValue(), ShapeUnrecognized
}

// fromString classifies a string in precedence order: dotted, decimal,
// empty, unrecognized.
func (n Normalizer) fromString(s string) (int64, Shape) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ShapeEmpty
	}
	if head, _, dotted := strings.Cut(s, "."); dotted {
		if marker, ok := parseLeadingSegment(head); ok {
			return marker, ShapeDotted
		}
		return n.fallbackString(s), ShapeUnrecognized
	}
	if marker, ok := parseInteger(s); ok {
		return marker, ShapeDecimal
	}
	return n.fallbackString(s), ShapeUnrecognized
}

func (n Normalizer) fallbackString(s string) int64 {
	if n.fallback == FallbackConstant {
		return DefaultMarker
	}
	return int64(xxhash.Sum64String(s) % hashModulus)
}

func (n Normalizer) fallbackValue() int64 {
	return DefaultMarker
}

// parseLeadingSegment parses the part before the first dot. Leading zeros
// are dropped; a segment with no significant digits ("", "0000") is 0.
func parseLeadingSegment(seg string) (int64, bool) {
	sign, digits := splitSign(seg)
	if !isDigits(digits) {
		return 0, false
	}
	if sign != "" && digits == "" {
		return 0, false
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(sign+digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseInteger parses an optionally signed, non-empty run of ASCII digits.
func parseInteger(s string) (int64, bool) {
	_, digits := splitSign(s)
	if digits == "" || !isDigits(digits) {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func splitSign(s string) (string, string) {
	if s != "" && (s[0] == '-' || s[0] == '+') {
		return s[:1], s[1:]
	}
	return "", s
}

// isDigits reports whether s holds only ASCII digits. The empty string
// qualifies; callers decide whether that is acceptable.
func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Normalize maps v to an integer marker using FallbackHash.
func Normalize(v any) int64 {
	return Normalizer{}.Normalize(v)
}

// Inspect classifies and normalizes v using FallbackHash.
func Inspect(v any) (int64, Shape) {
	return Normalizer{}.Inspect(v)
}
