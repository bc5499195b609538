package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeWhitespace trims and collapses whitespace to single spaces.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// ContainsUpper reports whether the uppercased text contains the uppercased word.
// An empty word never matches.
func ContainsUpper(text, word string) bool {
	if word == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(text), strings.ToUpper(word))
}

// Snippet collapses whitespace and cuts s to at most n runes for log fields.
func Snippet(s string, n int) string {
	s = NormalizeWhitespace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
