package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s. Used to log token prefixes.
// A negative maxLen returns "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScopes splits a space-delimited scope string, dropping empties and
// duplicates while keeping first-seen order.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes is the space-delimited wire form of scopes.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsAll reports whether every element of subset is in set.
func ContainsAll(set, subset []string) bool {
	for _, s := range subset {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}

// Intersect returns the elements of a that are also in b, in a's order.
func Intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}
