package cache

import (
	"strings"

	"pricescout/internal/model"
)

// The substring index stores every 2- and 3-rune gram of each lower-cased
// listing name. Two-rune fragments hit the bigram postings directly; longer
// fragments intersect the postings of all their trigrams and the candidates are
// verified with strings.Contains.

// nameGrams returns the distinct bigrams and trigrams of name.
func nameGrams(name string) []string {
	r := []rune(strings.ToLower(name))
	seen := make(map[string]struct{})
	var out []string
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(r); i++ {
			g := string(r[i : i+n])
			if strings.ContainsRune(g, 0) {
				continue
			}
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// setGrams is the union of nameGrams over a set's listings.
func setGrams(s model.SearchResultSet) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range s.Listings {
		for _, g := range nameGrams(l.Name) {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// fragmentGrams returns the postings to look up for an already lower-cased
// fragment, or nil when the fragment is too short to be indexed.
func fragmentGrams(fragment string) []string {
	r := []rune(fragment)
	switch {
	case len(r) < 2:
		return nil
	case len(r) == 2:
		return []string{fragment}
	}
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i+3 <= len(r); i++ {
		g := string(r[i : i+3])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
