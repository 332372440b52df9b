package convo

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakunbot/balakun/pkg/db"
	"github.com/balakunbot/balakun/pkg/store"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0.0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0.0},
		{"empty", nil, []float32{1}, 0.0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineScaleInvariant(t *testing.T) {
	a := []float32{0.3, 0.7, 0.1}
	b := []float32{0.6, 1.4, 0.2}
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
}

func setupRecall(t *testing.T) (*Recall, *store.Store) {
	t.Helper()
	ctx := context.Background()

	sqlDB, err := db.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	st := store.New(sqlDB)
	return NewRecall(st), st
}

func embeddedTurn(chatID, messageID, ts int64, text string, embedding []float32) chat.Turn {
	userID := int64(42)
	return chat.Turn{
		ChatID:        chatID,
		UserID:        &userID,
		MessageID:     messageID,
		Role:          chat.RoleUser,
		Text:          text,
		Embedding:     embedding,
		Timestamp:     ts,
		RetentionDays: 90,
	}
}

func TestSemanticSearch_RankingAndTies(t *testing.T) {
	r, st := setupRecall(t)
	ctx := context.Background()

	// Angles from the query vector (1, 0) give scores 0.9, 0.8, 0.8, 0.7.
	vecFor := func(score float64) []float32 {
		return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
	}

	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 101, 1000, "seventy", vecFor(0.7))))
	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 102, 1001, "eighty old", vecFor(0.8))))
	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 103, 1002, "eighty new", vecFor(0.8))))
	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 104, 1003, "ninety", vecFor(0.9))))

	results, err := r.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "ninety", results[0].Text)
	assert.InDelta(t, 0.9, results[0].Score, 1e-6)

	// Equal scores break ties by recency.
	assert.Equal(t, "eighty new", results[1].Text)
	assert.Equal(t, "eighty old", results[2].Text)

	for _, res := range results {
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
	}
}

func TestSemanticSearch_SortedDescending(t *testing.T) {
	r, st := setupRecall(t)
	ctx := context.Background()

	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 201, 1000, "a", []float32{1, 0})))
	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 202, 1001, "b", []float32{0.5, 0.5})))
	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 203, 1002, "c", []float32{0, 1})))

	results, err := r.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSemanticSearch_NegativeScoresClampToZero(t *testing.T) {
	r, st := setupRecall(t)
	ctx := context.Background()

	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 301, 1000, "opposite", []float32{-1, 0})))

	results, err := r.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.0, results[0].Score)
}

func TestSemanticSearch_EmptyQuery(t *testing.T) {
	r, st := setupRecall(t)
	ctx := context.Background()

	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 401, 1000, "x", []float32{1, 0})))

	results, err := r.SemanticSearch(ctx, 1, nil, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = r.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSemanticSearch_ScopedToChat(t *testing.T) {
	r, st := setupRecall(t)
	ctx := context.Background()

	require.NoError(t, st.AddTurn(ctx, embeddedTurn(1, 501, 1000, "mine", []float32{1, 0})))
	require.NoError(t, st.AddTurn(ctx, embeddedTurn(2, 502, 1001, "other chat", []float32{1, 0})))

	results, err := r.SemanticSearch(ctx, 1, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Text)
}
