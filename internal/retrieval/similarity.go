package retrieval

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// tokenJaccard is the word-level Jaccard overlap of two texts in [0, 1].
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		out[tok] = struct{}{}
	}
	return out
}

// charRatio is a character-level similarity ratio 2M/T, where M is the
// length of the longest common subsequence and T the total length of both
// strings. 1.0 means identical, 0.0 means nothing in common.
func charRatio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return 2.0 * float64(prev[len(rb)]) / float64(total)
}

// normalizeTriple canonicalizes a fact triple for fuzzy comparison:
// unicode-normalized, lowercased, whitespace collapsed.
func normalizeTriple(text string) string {
	folded := norm.NFKC.String(strings.ToLower(text))
	return strings.Join(strings.Fields(folded), " ")
}
