// Package textutil holds small text helpers shared by the matcher and
// the consensus engine.
package textutil

import "strings"

// Tokenize splits s into lowercase word tokens. Punctuation separates
// tokens; empty tokens are dropped.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r >= 0x80:
			return false
		default:
			return true
		}
	})
}

// Jaccard returns the Jaccard similarity of two token sets: the size
// of the intersection over the size of the union. Two empty sets are
// identical (1); one empty set matches nothing (0).
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// TextSimilarity tokenizes both strings and returns their Jaccard
// similarity.
func TextSimilarity(a, b string) float64 {
	return Jaccard(Tokenize(a), Tokenize(b))
}

// Overlap returns how many elements of want appear in have, treating
// both as sets.
func Overlap(want, have []string) int {
	haveSet := toSet(have)
	wantSet := toSet(want)
	n := 0
	for tok := range wantSet {
		if _, ok := haveSet[tok]; ok {
			n++
		}
	}
	return n
}

// Missing returns the elements of want absent from have, in order of
// first appearance.
func Missing(want, have []string) []string {
	haveSet := toSet(have)
	seen := make(map[string]struct{}, len(want))
	var out []string
	for _, tok := range want {
		if _, ok := haveSet[tok]; ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}
