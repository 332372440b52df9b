package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMemory_FIFOCap(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 1; i <= MemoryCap+1; i++ {
		require.NoError(t, s.AddMemory(ctx, 42, 7, fmt.Sprintf("memory %d", i)))
	}

	memories, err := s.Memories(ctx, 42, 7)
	require.NoError(t, err)
	require.Len(t, memories, MemoryCap)

	// Oldest evicted, newest present.
	assert.Equal(t, "memory 2", memories[0].MemoryText)
	assert.Equal(t, fmt.Sprintf("memory %d", MemoryCap+1), memories[len(memories)-1].MemoryText)
}

func TestAddMemory_DuplicateTextRefreshes(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddMemory(ctx, 42, 7, "likes mountains"))
	require.NoError(t, s.AddMemory(ctx, 42, 7, "likes mountains"))

	memories, err := s.Memories(ctx, 42, 7)
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestAddMemory_EmptyText(t *testing.T) {
	s := setupStore(t)

	err := s.AddMemory(context.Background(), 42, 7, "   ")
	require.Error(t, err)
}

func TestMemories_ScopedPerUserChat(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddMemory(ctx, 42, 7, "chat seven"))
	require.NoError(t, s.AddMemory(ctx, 42, 8, "chat eight"))
	require.NoError(t, s.AddMemory(ctx, 43, 7, "other user"))

	memories, err := s.Memories(ctx, 42, 7)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "chat seven", memories[0].MemoryText)
}

func TestDeleteMemories(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddMemory(ctx, 42, 7, "one"))
	require.NoError(t, s.AddMemory(ctx, 42, 7, "two"))

	n, err := s.DeleteMemories(ctx, 42, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	memories, err := s.Memories(ctx, 42, 7)
	require.NoError(t, err)
	assert.Empty(t, memories)
}
