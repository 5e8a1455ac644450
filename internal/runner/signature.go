package runner

import (
	"fmt"
	"regexp"
)

// DefaultSignaturePattern matches the first JVM-style exception or error
// class name in a log, e.g. java.lang.AssertionError.
const DefaultSignaturePattern = `[A-Za-z0-9_.]+(?:Exception|Error)`

// SignatureTimeout labels a timed out attempt whose logs carry no signature
const SignatureTimeout = "timeout"

// SignatureExtractor derives a short failure label from captured logs.
// An empty string means no signature was found.
type SignatureExtractor interface {
	Extract(logs string) string
}

// RegexExtractor returns the first match of a pattern, or its first
// capture group when the pattern has one.
type RegexExtractor struct {
	re *regexp.Regexp
}

// NewRegexExtractor compiles pattern into an extractor
func NewRegexExtractor(pattern string) (*RegexExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid signature pattern: %w", err)
	}
	return &RegexExtractor{re: re}, nil
}

// DefaultExtractor uses DefaultSignaturePattern
func DefaultExtractor() *RegexExtractor {
	return &RegexExtractor{re: regexp.MustCompile(DefaultSignaturePattern)}
}

// Extract implements SignatureExtractor
func (e *RegexExtractor) Extract(logs string) string {
	m := e.re.FindStringSubmatch(logs)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}
