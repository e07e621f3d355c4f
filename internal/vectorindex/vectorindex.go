// Package vectorindex is the external vector-index contract consumed by the
// Retrieval Answerer (C3), mirroring the teacher's ai/vector.VectorService
// shape but narrowed to the single similarity-search operation C3 needs.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"strings"
)

// Chunk is one retrieved knowledge-base passage.
type Chunk struct {
	ID        string
	Content   string
	Embedding []float32
	Category  string // e.g. "compliance", "pricing" — drives the no-CTA-suffix rule
	Score     float32
}

// Index is implemented once per vector backend (pgvector via store/postgres,
// or any external index). The Retrieval Answerer never talks to a backend
// directly.
type Index interface {
	// Search returns the k nearest chunks to queryEmbedding, highest
	// similarity first.
	Search(ctx context.Context, queryEmbedding []float32, k int) ([]Chunk, error)
}

// MMR re-ranks candidates by maximal marginal relevance: at each step it
// picks the candidate maximizing lambda*relevance - (1-lambda)*maxSimilarityToChosen,
// trading strict relevance order for topical diversity. candidates must
// already be sorted by relevance descending; MMR returns at most topN.
func MMR(candidates []Chunk, topN int, lambda float32) []Chunk {
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	if len(candidates) == 0 {
		return nil
	}

	chosen := make([]Chunk, 0, topN)
	remaining := append([]Chunk(nil), candidates...)

	for len(chosen) < topN && len(remaining) > 0 {
		bestIdx := 0
		bestScore := float32(math.Inf(-1))
		for i, c := range remaining {
			maxSim := float32(0)
			for _, picked := range chosen {
				if sim := cosineSimilarity(c.Embedding, picked.Embedding); sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := lambda*c.Score - (1-lambda)*maxSim
			if mmrScore > bestScore {
				bestScore = mmrScore
				bestIdx = i
			}
		}
		chosen = append(chosen, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return chosen
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// KeywordRerank sorts chunks by the number of query terms they contain,
// descending, as a cheap fallback re-rank layer when no hosted reranker is
// configured — adapted from the teacher's disabled-reranker passthrough
// branch in ai/core/reranker.
func KeywordRerank(query string, chunks []Chunk) []Chunk {
	terms := tokenize(query)
	out := append([]Chunk(nil), chunks...)
	sort.SliceStable(out, func(i, j int) bool {
		return keywordHits(out[i].Content, terms) > keywordHits(out[j].Content, terms)
	})
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9')
	})
}

func keywordHits(content string, terms []string) int {
	hits := 0
	for _, t := range terms {
		if strings.Contains(strings.ToLower(content), strings.ToLower(t)) {
			hits++
		}
	}
	return hits
}
