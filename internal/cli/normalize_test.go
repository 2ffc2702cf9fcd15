package cli

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestNormalize_JSON(t *testing.T) {
	stdout, stderr, code := run(t, "normalize", "--format", "json", "--",
		"5", "3.0", "00000000000000000000000000000002.0.243798848838515", "", "-7")
	assert.Equal(t, ExitSuccess, code, stderr)
	newGoldie(t).Assert(t, "normalize_json", []byte(stdout))
}

func TestNormalize_JSONLiterals(t *testing.T) {
	stdout, stderr, code := run(t, "normalize", "--format", "json", "--json",
		"7", `"7"`, "null", "true", "2.5")
	assert.Equal(t, ExitSuccess, code, stderr)
	newGoldie(t).Assert(t, "normalize_json_literals", []byte(stdout))
}

func TestNormalize_Text(t *testing.T) {
	stdout, stderr, code := run(t, "normalize", "3.0", "not_a_number")
	assert.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "INPUT")
	assert.Regexp(t, `3\.0\s+3\s+dotted`, stdout)
	assert.Regexp(t, `not_a_number\s+34972947\s+unrecognized`, stdout)
}

func TestNormalize_ConstantFallback(t *testing.T) {
	stdout, _, code := run(t, "normalize", "--fallback", "constant", "not_a_number")
	assert.Equal(t, ExitSuccess, code)
	assert.Regexp(t, `not_a_number\s+1\s+unrecognized`, stdout)
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no values", []string{"normalize"}, "requires at least 1 arg"},
		{"bad fallback", []string{"normalize", "--fallback", "random", "5"}, "invalid fallback"},
		{"bad literal", []string{"normalize", "--json", "{"}, "invalid JSON value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, code := run(t, tt.args...)
			assert.NotEqual(t, ExitSuccess, code)
			assert.Contains(t, stderr, tt.wantErr)
		})
	}
}

func TestDecodeLiteral(t *testing.T) {
	v, err := decodeLiteral("42")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = decodeLiteral(`"3.0"`)
	assert.NoError(t, err)
	assert.Equal(t, "3.0", v)

	v, err = decodeLiteral("1.5")
	assert.NoError(t, err)
	assert.Equal(t, 1.5, v)
}
