// Package similarity ranks embedding vectors by cosine similarity.
//
// The engine is deliberately brute force: score every corpus entry, sort,
// take the top k. At the single-device corpus sizes this system holds
// (thousands of screenshots, not millions) a full O(N·D) scan stays well
// under interactive latency and avoids carrying an index that must be kept
// consistent with the record store.
package similarity

import (
	"math"
	"sort"
)

// Entry is one corpus element: a record id and its embedding vector.
type Entry struct {
	ID     string
	Vector []float32
}

// Match is a scored search result.
type Match struct {
	ID    string
	Score float32
}

// Cosine returns the cosine similarity of two vectors in [-1, 1].
// Mismatched lengths, empty vectors, and zero-norm vectors all score 0
// rather than erroring; a malformed vector should lose the ranking, not
// abort the search.
func Cosine(a, b []float32) float32 {
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

// Engine ranks corpus entries against a query vector. dim is the embedding
// dimension the corpus is expected to carry; entries of any other dimension
// are dropped before scoring (a corrupt record must not crash retrieval).
type Engine struct {
	dim int
}

// NewEngine creates an Engine for embeddings of the given dimension.
func NewEngine(dim int) *Engine {
	return &Engine{dim: dim}
}

// Dim returns the embedding dimension the engine expects.
func (e *Engine) Dim() int {
	return e.dim
}

// Search scores every eligible corpus entry against query and returns the
// top k matches by descending similarity. Ties keep corpus order (stable
// sort), so the same corpus ordering always produces the same result.
// Returns fewer than k matches when fewer entries qualify.
func (e *Engine) Search(query []float32, corpus []Entry, k int) []Match {
	if k <= 0 {
		return nil
	}

	matches := make([]Match, 0, len(corpus))
	for _, entry := range corpus {
		if len(entry.Vector) == 0 || len(entry.Vector) != e.dim {
			continue
		}
		matches = append(matches, Match{ID: entry.ID, Score: Cosine(query, entry.Vector)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
