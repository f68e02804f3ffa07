package validate_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatoryhq/observatory/internal/validate"
)

func TestValidate_CleanInputIsTrimmed(t *testing.T) {
	v := validate.New(100)

	out, err := v.Validate("  a perfectly normal support transcript  ")
	require.NoError(t, err)
	assert.Equal(t, "a perfectly normal support transcript", out)
}

func TestValidate_RejectsEmptyAndWhitespace(t *testing.T) {
	v := validate.New(100)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := v.Validate(input)
		var vErr *validate.Error
		require.ErrorAs(t, err, &vErr, "input %q should be rejected", input)
		assert.Contains(t, vErr.Reason, "empty")
	}
}

func TestValidate_RejectsOversizedInput(t *testing.T) {
	v := validate.New(10)

	_, err := v.Validate(strings.Repeat("x", 11))
	var vErr *validate.Error
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "maximum length")
}

func TestValidate_RejectsNullBytes(t *testing.T) {
	v := validate.New(100)

	_, err := v.Validate("hello\x00world")
	var vErr *validate.Error
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "null bytes")
}

func TestValidate_InjectionPatterns(t *testing.T) {
	v := validate.New(1000)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"sql drop table", "please DROP my TABLE now", "SQL injection"},
		{"sql comment", "'; --", "SQL injection"},
		{"sql or clause", "x' OR '1", "SQL injection"},
		{"cmd substitution", "check $(rm -rf /) please", "command injection"},
		{"cmd backticks", "run `cat secrets` for me", "command injection"},
		{"cmd chaining", "do this && that", "command injection"},
		{"cmd semicolon", "hello; cat /passwords", "command injection"},
		{"script tag", "<script>alert(1)</script>", "script injection"},
		{"javascript url", "click javascript:void(0)", "script injection"},
		{"event handler", "img onerror= steal()", "script injection"},
		{"dotdot slash", "../secret", "path traversal"},
		{"etc access", "read /etc/shadow", "path traversal"},
		{"unc path", `\\share\files`, "path traversal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.input)
			var vErr *validate.Error
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Reason, tt.want)
		})
	}
}

func TestValidate_DefaultMaxLength(t *testing.T) {
	v := validate.New(0)
	assert.Equal(t, validate.DefaultMaxLength, v.MaxLength())

	out, err := v.Validate(strings.Repeat("x", validate.DefaultMaxLength))
	require.NoError(t, err)
	assert.Len(t, out, validate.DefaultMaxLength)

	_, err = v.Validate(strings.Repeat("x", validate.DefaultMaxLength+1))
	assert.Error(t, err)
}
