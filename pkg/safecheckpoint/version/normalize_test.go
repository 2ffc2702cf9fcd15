package version_test

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedVersion string

type namedCounter int32

func TestNormalize_Scenarios(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
		shape version.Shape
	}{
		{"native int", 5, 5, version.ShapeInteger},
		{"decimal string", "5", 5, version.ShapeDecimal},
		{"float string", "3.0", 3, version.ShapeDotted},
		{"composite token", "00000000000000000000000000000002.0.243798848838515", 2, version.ShapeDotted},
		{"empty string", "", 0, version.ShapeEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, shape := version.Inspect(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.shape, shape)
			assert.Equal(t, tt.want, version.Normalize(tt.input))
		})
	}
}

func TestNormalize_Integers(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"int", 42, 42},
		{"negative int", -7, -7},
		{"int8", int8(8), 8},
		{"int16", int16(-16), -16},
		{"int32", int32(32), 32},
		{"int64", int64(math.MaxInt64), math.MaxInt64},
		{"uint", uint(9), 9},
		{"uint8", uint8(255), 255},
		{"uint32", uint32(1 << 31), 1 << 31},
		{"uint64 in range", uint64(math.MaxInt64), math.MaxInt64},
		{"named int", namedCounter(12), 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, shape := version.Inspect(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, version.ShapeInteger, shape)
		})
	}
}

func TestNormalize_Strings(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
		shape version.Shape
	}{
		{"negative decimal", "-3", -3, version.ShapeDecimal},
		{"plus sign", "+4", 4, version.ShapeDecimal},
		{"leading zeros", "0007", 7, version.ShapeDecimal},
		{"surrounding whitespace", "  11 ", 11, version.ShapeDecimal},
		{"whitespace only", "   ", 0, version.ShapeEmpty},
		{"all-zero head", "0000000000.5", 0, version.ShapeDotted},
		{"empty head", ".5", 0, version.ShapeDotted},
		{"negative float string", "-2.75", -2, version.ShapeDotted},
		{"trailing dot", "9.", 9, version.ShapeDotted},
		{"many segments", "00000000000000000000000000000013.7.1.2", 13, version.ShapeDotted},
		{"json number integer", json.Number("17"), 17, version.ShapeDecimal},
		{"json number float", json.Number("17.0"), 17, version.ShapeDotted},
		{"named string", namedVersion("00000000000000000000000000000004.0.1"), 4, version.ShapeDotted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, shape := version.Inspect(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.shape, shape)
		})
	}
}

func TestInspect_JSONNumberUsesText(t *testing.T) {
	got, shape := version.Inspect(json.Number("3.5"))
	assert.Equal(t, int64(3), got)
	assert.Equal(t, version.ShapeDotted, shape)

	assert.Equal(t, version.DefaultMarker, version.Normalize(3.5))

	got, shape = version.Inspect(json.Number("1e3"))
	assert.Equal(t, version.ShapeUnrecognized, shape)
	assert.Equal(t, version.Normalize("1e3"), got)

	assert.Equal(t, version.DefaultMarker, version.New(version.FallbackConstant).Normalize(json.Number("1e3")))
}

// Hash values were computed independently from the XXH64 reference
// algorithm, so these also pin cross-process and cross-build stability.
func TestNormalize_HashFallbackGolden(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"not_a_number", 34972947},
		{"abc", 89572249},
		{"v1.2.3", 14363679},
		{"1e5", 26988017},
		{"latest", 87116043},
		{"99999999999999999999999", 41408644},
		{"branch:__start__:agent", 39240726},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, shape := version.Inspect(tt.input)
			assert.Equal(t, version.ShapeUnrecognized, shape)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, version.Normalize(tt.input), "repeat call must agree")
		})
	}
}

func TestNormalize_NonStringFallback(t *testing.T) {
	inputs := map[string]any{
		"nil":            nil,
		"float":          3.0,
		"float32":        float32(2.5),
		"nan":            math.NaN(),
		"true":           true,
		"false":          false,
		"slice":          []any{1, 2},
		"map":            map[string]any{"a": 1},
		"struct":         struct{ N int }{N: 1},
		"pointer":        new(int),
		"bytes":          []byte("5"),
		"uint64 too big": uint64(math.MaxUint64),
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			for _, n := range []version.Normalizer{version.New(version.FallbackHash), version.New(version.FallbackConstant)} {
				got, shape := n.Inspect(input)
				assert.Equal(t, version.ShapeUnrecognized, shape)
				assert.Equal(t, version.DefaultMarker, got)
			}
		})
	}
}

func TestNormalize_ConstantStrategy(t *testing.T) {
	n := version.New(version.FallbackConstant)

	assert.Equal(t, version.DefaultMarker, n.Normalize("not_a_number"))
	assert.Equal(t, version.DefaultMarker, n.Normalize("abc.def"))
	assert.Equal(t, version.FallbackConstant, n.Fallback())

	// Parseable inputs are unaffected by the strategy.
	assert.Equal(t, int64(2), n.Normalize("00000000000000000000000000000002.0.243798848838515"))
	assert.Equal(t, int64(0), n.Normalize(""))
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []any{
		5, "5", "3.0", "00000000000000000000000000000002.0.243798848838515", "",
		"not_a_number", nil, 1.5, true, []int{1}, "-3", json.Number("8"),
	}

	for _, strategy := range []version.FallbackStrategy{version.FallbackHash, version.FallbackConstant} {
		n := version.New(strategy)
		for _, in := range inputs {
			once := n.Normalize(in)
			twice, shape := n.Inspect(once)
			assert.Equal(t, once, twice, "strategy=%s input=%#v", strategy, in)
			assert.Equal(t, version.ShapeInteger, shape)
		}
	}
}

func TestNormalize_HashNonNegative(t *testing.T) {
	for _, s := range []string{"a", "b", "zz", "-x", "v-1", "__pregel_tasks", "ü", "\x00"} {
		got := version.Normalize(s)
		assert.GreaterOrEqual(t, got, int64(0), s)
		assert.Less(t, got, int64(100_000_000), s)
	}
}

func TestNormalize_Concurrent(t *testing.T) {
	const goroutines = 50
	want := version.Normalize("not_a_number")

	var wg sync.WaitGroup
	results := make([]int64, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = version.Normalize("not_a_number")
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    version.FallbackStrategy
		wantErr bool
	}{
		{"", version.FallbackHash, false},
		{"hash", version.FallbackHash, false},
		{" Constant ", version.FallbackConstant, false},
		{"random", version.FallbackHash, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := version.ParseStrategy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShape_String(t *testing.T) {
	assert.Equal(t, "integer", version.ShapeInteger.String())
	assert.Equal(t, "dotted", version.ShapeDotted.String())
	assert.Equal(t, "decimal", version.ShapeDecimal.String())
	assert.Equal(t, "empty", version.ShapeEmpty.String())
	assert.Equal(t, "unrecognized", version.ShapeUnrecognized.String())
	assert.Equal(t, "unknown", version.Shape(99).String())
}
