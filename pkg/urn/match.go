// Package urn matches ':'-delimited resource names against scope patterns.
//
// Grammar: provider ':' product ':' resource, e.g. "openai:gpt-4:completions".
// In patterns, '*' matches exactly one segment and '**' matches one or more
// segments. A pattern without wildcards is a literal match. Matching is
// deterministic and greedy-left.
package urn

import "strings"

// Match reports whether value matches pattern.
func Match(value, pattern string) bool {
	if value == "" || pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, ":"), strings.Split(value, ":"))
}

func matchSegments(pat, val []string) bool {
	if len(pat) == 0 {
		return len(val) == 0
	}
	switch pat[0] {
	case "**":
		// One or more segments: try one segment first, then extend one at a time.
		for i := 1; i <= len(val); i++ {
			if matchSegments(pat[1:], val[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(val) == 0 {
			return false
		}
		return matchSegments(pat[1:], val[1:])
	default:
		if len(val) == 0 || val[0] != pat[0] {
			return false
		}
		return matchSegments(pat[1:], val[1:])
	}
}

// MatchAny reports whether value matches at least one pattern.
func MatchAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if Match(value, p) {
			return true
		}
	}
	return false
}

// Covers reports whether every string matched by child is also matched by
// parent. This is the syntactic prefix-generalization check used to decide
// scope subset at issue time and re-verified on the evaluation path.
func Covers(parent, child string) bool {
	if parent == "" || child == "" {
		return false
	}
	return coverSegments(strings.Split(parent, ":"), strings.Split(child, ":"))
}

func coverSegments(par, chi []string) bool {
	if len(par) == 0 {
		return len(chi) == 0
	}
	switch par[0] {
	case "**":
		if len(chi) == 0 {
			return false
		}
		// '**' absorbs one or more child segments of any kind.
		for i := 1; i <= len(chi); i++ {
			if coverSegments(par[1:], chi[i:]) {
				return true
			}
		}
		return false
	case "*":
		// A single-segment wildcard cannot cover a multi-segment child wildcard.
		if len(chi) == 0 || chi[0] == "**" {
			return false
		}
		return coverSegments(par[1:], chi[1:])
	default:
		if len(chi) == 0 || chi[0] != par[0] {
			return false
		}
		return coverSegments(par[1:], chi[1:])
	}
}

// SubsetOf reports whether every pattern in child is covered by some pattern
// in parent.
func SubsetOf(child, parent []string) bool {
	for _, c := range child {
		covered := false
		for _, p := range parent {
			if Covers(p, c) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// ActionSubset reports whether every action in child appears in parent.
// Action names are plain strings; no wildcards.
func ActionSubset(child, parent []string) bool {
	set := make(map[string]struct{}, len(parent))
	for _, a := range parent {
		set[a] = struct{}{}
	}
	for _, a := range child {
		if _, ok := set[a]; !ok {
			return false
		}
	}
	return true
}
