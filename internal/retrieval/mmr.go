package retrieval

import (
	"brainvault/internal/vector"
)

// mmrSelect runs greedy maximal-marginal-relevance selection over vector
// matches. Relevance is the query similarity the store already returned;
// redundancy is the highest cosine similarity to anything selected so far.
// Candidates whose text overlaps an accepted text beyond jaccardCutoff are
// skipped outright regardless of their MMR score.
func mmrSelect(candidates []vector.Match, topK int, lambda, jaccardCutoff float64) []vector.Match {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}

	selected := make([]vector.Match, 0, topK)
	accepted := make([]string, 0, topK)
	used := make([]bool, len(candidates))

	for len(selected) < topK {
		bestIdx := -1
		bestScore := 0.0

		for i, cand := range candidates {
			if used[i] {
				continue
			}

			redundancy := 0.0
			for _, sel := range selected {
				if sim := vector.CosineSimilarity(cand.Values, sel.Values); sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*cand.Score - (1-lambda)*redundancy
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		used[bestIdx] = true

		text := matchText(candidates[bestIdx])
		if overlapsAccepted(text, accepted, jaccardCutoff) {
			continue
		}

		selected = append(selected, candidates[bestIdx])
		accepted = append(accepted, text)
	}
	return selected
}

func overlapsAccepted(text string, accepted []string, cutoff float64) bool {
	if text == "" {
		return false
	}
	for _, prior := range accepted {
		if tokenJaccard(text, prior) > cutoff {
			return true
		}
	}
	return false
}

func matchText(m vector.Match) string {
	if m.Metadata == nil {
		return ""
	}
	if text, ok := m.Metadata[vector.MetaTextContent].(string); ok {
		return text
	}
	return ""
}
