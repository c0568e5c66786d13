// Package fuzzy holds the string primitives used by duplicate detection:
// edit-distance similarity and removal of date decorations from titles.
package fuzzy

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Similarity returns (maxLen - distance) / maxLen over runes. Two empty
// strings are identical.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return float64(maxLen-dist) / float64(maxLen)
}

// Normalize lowercases, trims and collapses inner whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

type stripRule struct {
	re *regexp.Regexp
	// first limits the replacement to the leftmost match.
	first bool
}

// Order matters: parenthesised forms go before bare ones so that a bare
// "M-D" never eats part of "(YYYY-MM-DD)".
var stripRules = []stripRule{
	{re: regexp.MustCompile(`\s*\(\d{4}-\d{2}-\d{2}\)\s*$`)},
	{re: regexp.MustCompile(`\s*\(\d{2}:\d{2}-\d{2}:\d{2}\)\s*$`)},
	{re: regexp.MustCompile(`\s*\(\d{4}年\d{1,2}月\d{1,2}日\)`), first: true},
	{re: regexp.MustCompile(`\s*\(\d{1,2}/\d{1,2}\)`), first: true},
	{re: regexp.MustCompile(`\s*\(\d{1,2}-\d{1,2}\)`), first: true},
	{re: regexp.MustCompile(`\s*\d{4}年\d{1,2}月\d{1,2}日\s*`), first: true},
	{re: regexp.MustCompile(`\s*\d{1,2}/\d{1,2}\s*`), first: true},
	{re: regexp.MustCompile(`\s*\d{1,2}-\d{1,2}\s*`), first: true},
	{re: regexp.MustCompile(`\s*\(\d{2}:\d{2}-\d{2}:\d{2}\)\s*$`)},
}

var dateSuffix = regexp.MustCompile(`\((\d{4}-\d{2}-\d{2})\)\s*$`)

// StripDateSuffix removes date and time decorations to recover a comparable
// base title.
func StripDateSuffix(title string) string {
	out := title
	for _, r := range stripRules {
		if r.first {
			out = replaceFirst(r.re, out, " ")
		} else {
			out = r.re.ReplaceAllString(out, "")
		}
	}
	return strings.Join(strings.Fields(out), " ")
}

// ExtractDateSuffix returns the trailing "(YYYY-MM-DD)" date, if any.
func ExtractDateSuffix(title string) (string, bool) {
	m := dateSuffix.FindStringSubmatch(title)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + repl + s[loc[1]:]
}
