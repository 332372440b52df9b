package facts

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakunbot/balakun/pkg/db"
	"github.com/balakunbot/balakun/pkg/store"
	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

func setupFactStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	sqlDB, err := db.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return store.New(sqlDB)
}

func TestPoolPersistsUserFacts(t *testing.T) {
	st := setupFactStore(t)
	pool := NewPool(st, NewHybrid(nil, 0, nil), PoolConfig{Workers: 1, QueueSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.True(t, pool.Enqueue(Job{ChatID: 7, UserID: 42, MessageID: 1001, Text: "я з Києва"}))

	chatID := int64(7)
	require.Eventually(t, func() bool {
		facts, err := st.ActiveFacts(context.Background(), facttypes.EntityUser, 42, &chatID, 0)
		return err == nil && len(facts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	facts, err := st.ActiveFacts(context.Background(), facttypes.EntityUser, 42, &chatID, 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	f := facts[0]
	assert.Equal(t, facttypes.CategoryPersonal, f.Category)
	assert.Equal(t, KeyLocation, f.Key)
	assert.Equal(t, "kyiv", f.Value)
	assert.Equal(t, "я з києва", f.EvidenceText)
	require.NotNil(t, f.SourceMessageID)
	assert.Equal(t, int64(1001), *f.SourceMessageID)
	require.NotNil(t, f.ChatContext)
	assert.Equal(t, int64(7), *f.ChatContext)

	cancel()
	pool.Wait()
}

func TestPoolPersistsChatFacts(t *testing.T) {
	st := setupFactStore(t)
	model := &scriptedExtractor{candidates: []facttypes.Candidate{
		{Category: facttypes.CategoryTradition, Key: "greeting", Value: "стікер з котом щоранку", Confidence: 0.8},
	}}
	pool := NewPool(st, NewHybrid(model, 0, nil), PoolConfig{Workers: 1, QueueSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	text := strings.Repeat("б", 40)
	require.True(t, pool.Enqueue(Job{ChatID: 7, UserID: 42, MessageID: 2002, Text: text}))

	require.Eventually(t, func() bool {
		facts, err := st.ActiveFacts(context.Background(), facttypes.EntityChat, 7, nil, 0)
		return err == nil && len(facts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	facts, err := st.ActiveFacts(context.Background(), facttypes.EntityChat, 7, nil, 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	f := facts[0]
	assert.Equal(t, facttypes.EntityChat, f.EntityType)
	assert.Equal(t, int64(7), f.EntityID)
	assert.Nil(t, f.ChatContext)
	assert.Equal(t, "greeting", f.Key)
	// no evidence snippet from the model, so the message text stands in
	assert.Equal(t, text, f.EvidenceText)

	cancel()
	pool.Wait()
}

func TestPoolReinforcesRepeatedFacts(t *testing.T) {
	st := setupFactStore(t)
	pool := NewPool(st, NewHybrid(nil, 0, nil), PoolConfig{Workers: 1, QueueSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.True(t, pool.Enqueue(Job{ChatID: 7, UserID: 42, MessageID: 1, Text: "я з Києва"}))
	require.True(t, pool.Enqueue(Job{ChatID: 7, UserID: 42, MessageID: 2, Text: "I live in Kyiv"}))

	chatID := int64(7)
	require.Eventually(t, func() bool {
		facts, err := st.ActiveFacts(context.Background(), facttypes.EntityUser, 42, &chatID, 0)
		return err == nil && len(facts) == 1 && facts[0].EvidenceCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	facts, err := st.ActiveFacts(context.Background(), facttypes.EntityUser, 42, &chatID, 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "kyiv", facts[0].Value)
	assert.Equal(t, 2, facts[0].EvidenceCount)

	cancel()
	pool.Wait()
}

func TestPoolEnqueueDropsWhenFull(t *testing.T) {
	// never started, so nothing drains the queue
	pool := NewPool(nil, NewHybrid(nil, 0, nil), PoolConfig{Workers: 1, QueueSize: 1})

	assert.True(t, pool.Enqueue(Job{ChatID: 1, UserID: 2, Text: "перше"}))
	assert.False(t, pool.Enqueue(Job{ChatID: 1, UserID: 2, Text: "друге"}))
}

func TestPoolDefaults(t *testing.T) {
	pool := NewPool(nil, NewHybrid(nil, 0, nil), PoolConfig{})
	assert.Equal(t, DefaultWorkers, pool.workers)
	assert.Equal(t, DefaultQueueSize, cap(pool.queue))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "абв", truncateRunes("абвгд", 3))
	assert.Equal(t, "ab", truncateRunes("ab", 5))
	assert.Equal(t, "", truncateRunes("", 3))
}
