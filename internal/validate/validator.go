// Package validate screens conversation input before it reaches the
// analysis engine: length and null-byte checks plus injection pattern
// filters. Rejected input is never truncated or partially admitted.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultMaxLength = 10000

// Error reports why a conversation was rejected.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "invalid conversation: " + e.Reason
}

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\bDROP\b|\bDELETE\b|\bUPDATE\b|\bINSERT\b).*\bTABLE\b`),
	regexp.MustCompile(`--\s*$`),
	regexp.MustCompile(`;\s*--`),
	regexp.MustCompile(`(?i)'\s*OR\s+'`),
	regexp.MustCompile(`'\s*=\s*'`),
}

var cmdInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\s&&\s`),
	regexp.MustCompile(`\s\|\|\s`),
	regexp.MustCompile(`;\s*(ls|cat|rm|cd|mv|cp|wget|curl|sh|bash)\b`),
}

var scriptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

var pathTraversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`/\.\.`),
	regexp.MustCompile(`\.\.$`),
	regexp.MustCompile(`^\.\.`),
	regexp.MustCompile(`[/\\]\.\.[/\\]`),
	regexp.MustCompile(`/etc/`),
	regexp.MustCompile(`\\\\`),
}

// Validator checks one conversation at a time. Safe for concurrent use.
type Validator struct {
	maxLength int
}

func New(maxLength int) *Validator {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Validator{maxLength: maxLength}
}

func (v *Validator) MaxLength() int {
	return v.maxLength
}

// Validate returns the sanitized conversation text, or an *Error naming the
// first check that failed.
func (v *Validator) Validate(conversation string) (string, error) {
	if strings.TrimSpace(conversation) == "" {
		return "", &Error{Reason: "conversation cannot be empty"}
	}
	if len(conversation) > v.maxLength {
		return "", &Error{Reason: fmt.Sprintf(
			"conversation exceeds maximum length of %d characters", v.maxLength)}
	}
	if strings.ContainsRune(conversation, '\x00') {
		return "", &Error{Reason: "conversation contains null bytes"}
	}

	for _, p := range sqlInjectionPatterns {
		if p.MatchString(conversation) {
			return "", &Error{Reason: "potential SQL injection detected"}
		}
	}
	for _, p := range cmdInjectionPatterns {
		if p.MatchString(conversation) {
			return "", &Error{Reason: "potential command injection detected"}
		}
	}
	for _, p := range scriptInjectionPatterns {
		if p.MatchString(conversation) {
			return "", &Error{Reason: "potential script injection detected"}
		}
	}
	for _, p := range pathTraversalPatterns {
		if p.MatchString(conversation) {
			return "", &Error{Reason: "potential path traversal detected"}
		}
	}

	return strings.TrimSpace(conversation), nil
}
