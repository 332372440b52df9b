// Package convo implements semantic recall over the stored conversation
// history: cosine similarity against recent embedded turns, bounded to a
// fixed candidate window per chat.
package convo

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/balakunbot/balakun/pkg/store"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

// DefaultCandidateLimit bounds how many recent embedded turns are scored
// per search.
const DefaultCandidateLimit = 100

// Cosine returns the cosine similarity of two vectors, or 0 when either
// vector is zero or the lengths differ.
func Cosine(a, b []float32) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Recall scores stored turns against a query embedding.
type Recall struct {
	store          *store.Store
	candidateLimit int
}

// NewRecall creates a Recall over the store.
func NewRecall(st *store.Store) *Recall {
	return &Recall{store: st, candidateLimit: DefaultCandidateLimit}
}

// SemanticSearch returns the top limit turns of the chat ranked by cosine
// similarity to the query embedding, scores clamped to [0, 1]. Ties are
// broken by recency. A nil thread searches the whole chat; an empty query
// embedding returns no results.
func (r *Recall) SemanticSearch(ctx context.Context, chatID int64, threadID *int64, queryEmbedding []float32, limit int) ([]chat.ScoredTurn, error) {
	if limit <= 0 || len(queryEmbedding) == 0 {
		return nil, nil
	}

	candidates, err := r.store.SemanticCandidates(ctx, chatID, threadID, r.candidateLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load recall candidates")
	}

	scored := make([]chat.ScoredTurn, 0, len(candidates))
	for _, turn := range candidates {
		score := Cosine(queryEmbedding, turn.Embedding)
		if score < 0 {
			score = 0
		}
		scored = append(scored, chat.ScoredTurn{Turn: turn, Score: score})
	}

	// Candidates arrive newest first; the stable sort preserves that order
	// among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
