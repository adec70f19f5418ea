package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases",
			input:    "Hello World",
			expected: "hello world",
		},
		{
			name:     "strips fillers",
			input:    "please tell me the capital of France",
			expected: "the capital of france",
		},
		{
			name:     "strips multiword fillers",
			input:    "Could you kindly explain recursion",
			expected: "explain recursion",
		},
		{
			name:     "keeps filler substrings inside words",
			input:    "justice adjusts the jukebox",
			expected: "justice adjusts the jukebox",
		},
		{
			name:     "rewrites whats",
			input:    "whats the time",
			expected: "what is the time",
		},
		{
			name:     "rewrites what's",
			input:    "What's the time",
			expected: "what is the time",
		},
		{
			name:     "rewrites how openers",
			input:    "how do i reverse a list",
			expected: "how to reverse a list",
		},
		{
			name:     "rewrites where openers",
			input:    "where can i find the docs",
			expected: "where to find the docs",
		},
		{
			name:     "canonicalizes times",
			input:    "What is 5 times 3",
			expected: "what is 5 × 3",
		},
		{
			name:     "canonicalizes x before digit",
			input:    "what is 5 x 3",
			expected: "what is 5 × 3",
		},
		{
			name:     "canonicalizes star before digit",
			input:    "compute 5 * 3",
			expected: "compute 5 × 3",
		},
		{
			name:     "keeps x not followed by digit",
			input:    "solve for x here",
			expected: "solve for x here",
		},
		{
			name:     "canonicalizes division",
			input:    "10 divided by 2 and 10 / 2",
			expected: "10 ÷ 2 and 10 ÷ 2",
		},
		{
			name:     "canonicalizes plus and minus",
			input:    "4 plus 2 minus 1",
			expected: "4 + 2 − 1",
		},
		{
			name:     "canonicalizes hyphen before digit",
			input:    "7 - 3",
			expected: "7 − 3",
		},
		{
			name:     "collapses punctuation runs",
			input:    "really??? wow!!! ok...",
			expected: "really? wow! ok.",
		},
		{
			name:     "collapses whitespace",
			input:    "  a \t b\n c  ",
			expected: "a b c",
		},
		{
			name:     "filler and opener together",
			input:    "please tell me what's 5 x 3",
			expected: "what is 5 × 3",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"Please tell me what's 5 x 3???",
		"How do I divide 10 / 2",
		"Could you just explain this!!!",
		"mixed   Whitespace\tand CASE",
		"7 - 3 plus 2 times 4",
	}
	for _, input := range inputs {
		once := Normalize(input)
		assert.Equal(t, once, Normalize(once), "input %q", input)
	}
}
