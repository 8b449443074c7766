package logging

import "regexp"

// Sanitizer redacts credentials from log output.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// Groq
		`gsk_[A-Za-z0-9]{20,}`,
		// OpenAI-compatible providers
		`sk-[A-Za-z0-9_-]{20,}`,
		// Mistral / OpenRouter style keys in headers
		`(?i)bearer\s+[a-zA-Z0-9._-]{16,}`,
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{16,}`,
		`(?i)x-internal-auth["'\s:=]+[^\s"']{8,}`,
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{16,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.ReplaceAllString(out, s.redacted)
	}
	return out
}

// AddPattern registers an extra pattern, e.g. a deployment-specific token.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
