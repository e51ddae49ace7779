package session

import (
	"strings"
	"unicode"
)

// ExitMatcher recognizes termination phrases in user input.
type ExitMatcher struct {
	phrases map[string]struct{}
}

func NewExitMatcher(phrases []string) *ExitMatcher {
	m := &ExitMatcher{phrases: make(map[string]struct{}, len(phrases))}
	for _, p := range phrases {
		if n := normalizeExitText(p); n != "" {
			m.phrases[n] = struct{}{}
		}
	}
	return m
}

// Match compares the whole input, trimmed of whitespace and surrounding
// punctuation, case-insensitively against the configured phrases.
// "Bye!" matches; "bye for now" does not.
func (m *ExitMatcher) Match(text string) bool {
	if m == nil || len(m.phrases) == 0 {
		return false
	}
	_, ok := m.phrases[normalizeExitText(text)]
	return ok
}

func normalizeExitText(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
