package search

// ShouldFallback decides whether the web fallback fires. It is a pure
// function of local retrieval confidence so the decision is testable in
// isolation: fire when the best local score is below the threshold, or
// when local retrieval produced nothing at all.
func ShouldFallback(bestLocalScore float64, hasLocalResults bool, threshold float64) bool {
	if !hasLocalResults {
		return true
	}
	return bestLocalScore < threshold
}

// bestLocalScore returns the preferred local score for a candidate:
// dense similarity when present, else sparse. preferSparse flips the
// preference for candidates that carry both.
func bestLocalScore(c *ScoredCandidate, preferSparse bool) float64 {
	hasDense := c.HasProvenance(ProvenanceVector)
	hasSparse := c.HasProvenance(ProvenanceKeyword)

	switch {
	case hasDense && hasSparse:
		if preferSparse {
			return c.SparseScore
		}
		return c.DenseScore
	case hasDense:
		return c.DenseScore
	case hasSparse:
		return c.SparseScore
	default:
		return c.Score
	}
}
