// Package strings holds list helpers for search values and config lists.
package strings

import (
	"strings"
)

// DedupeAndTrim trims every element and drops empties and repeats, keeping
// first-seen order.
func DedupeAndTrim(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

func dedupe(values []string, normalize func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SplitList splits value on sep. A backslash before sep escapes it, so
// `a\,b,c` is ["a,b", "c"]. The parts go through DedupeAndTrim.
func SplitList(value string, sep byte) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(value); i++ {
		switch {
		case value[i] == '\\' && i+1 < len(value) && value[i+1] == sep:
			cur.WriteByte(sep)
			i++
		case value[i] == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(value[i])
		}
	}
	parts = append(parts, cur.String())
	return DedupeAndTrim(parts)
}
