package fingerprint

import (
	"regexp"
	"strings"
)

// The rewrite order is observable: fillers must be stripped before question
// openers are rewritten, and operators canonicalized before punctuation
// collapses. Each rule's output is a fixed point of the rule itself, which
// keeps the whole pipeline idempotent.
type rewrite struct {
	pattern     *regexp.Regexp
	replacement string
}

var fillerRewrites = []rewrite{
	{regexp.MustCompile(`\b(?:please|kindly|could you|can you|would you|tell me|i want to know|i need to know|i would like to know|just)\b`), " "},
}

var openerRewrites = []rewrite{
	{regexp.MustCompile(`\bwhat'?s\b`), "what is"},
	{regexp.MustCompile(`\bhow (?:do|can|would) i\b`), "how to"},
	{regexp.MustCompile(`\bwhere (?:can|do) i\b`), "where to"},
}

var operatorRewrites = []rewrite{
	{regexp.MustCompile(`\b(?:times|multiplied by|multiply by)\b`), "×"},
	{regexp.MustCompile(`(^|[\s0-9])x\s*([0-9])`), "${1}× ${2}"},
	{regexp.MustCompile(`\*\s*([0-9])`), "× ${1}"},
	{regexp.MustCompile(`\b(?:divided by|divide by)\b`), "÷"},
	{regexp.MustCompile(`/\s*([0-9])`), "÷ ${1}"},
	{regexp.MustCompile(`\b(?:plus|add to)\b`), "+"},
	{regexp.MustCompile(`\b(?:minus|subtract from)\b`), "−"},
	{regexp.MustCompile(`-\s*([0-9])`), "− ${1}"},
}

var punctuationRewrites = []rewrite{
	{regexp.MustCompile(`\?{2,}`), "?"},
	{regexp.MustCompile(`!{2,}`), "!"},
	{regexp.MustCompile(`\.{2,}`), "."},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize canonicalizes prompt text so that cosmetically different requests
// share a fingerprint and embed close together, without collapsing
// semantically distinct ones. Idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	text = strings.ToLower(text)
	for _, group := range [][]rewrite{fillerRewrites, openerRewrites, operatorRewrites, punctuationRewrites} {
		for _, rule := range group {
			text = rule.pattern.ReplaceAllString(text, rule.replacement)
		}
	}
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
