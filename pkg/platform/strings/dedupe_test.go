package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil", input: nil, expected: []string{}},
		{name: "trims", input: []string{"  Patient ", "Task"}, expected: []string{"Patient", "Task"}},
		{name: "drops repeats keeping first position", input: []string{"b", "a", "b", " a"}, expected: []string{"b", "a"}},
		{name: "drops blanks", input: []string{"", "   ", "x"}, expected: []string{"x"}},
		{name: "case sensitive", input: []string{"Smith", "smith"}, expected: []string{"Smith", "smith"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "single value", input: "active", expected: []string{"active"}},
		{name: "or list", input: "draft,requested, accepted", expected: []string{"draft", "requested", "accepted"}},
		{name: "escaped separator", input: `Smith\, John,Doe`, expected: []string{"Smith, John", "Doe"}},
		{name: "trailing backslash kept", input: `a\`, expected: []string{`a\`}},
		{name: "empty parts dropped", input: ",a,,a,", expected: []string{"a"}},
		{name: "empty input", input: "", expected: []string{}},
		{name: "token with system", input: "urn:mrn|42,urn:mrn|43", expected: []string{"urn:mrn|42", "urn:mrn|43"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input, ','))
		})
	}
}
