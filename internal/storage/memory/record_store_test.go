package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forumwatch/crawlerd/internal/crawler"
)

func TestSaveRecordDeduplicatesByHash(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()

	rec := crawler.Record{ID: "1", Section: "networking", ContentHash: "h1"}
	require.NoError(t, store.SaveRecord(ctx, rec))

	dup := rec
	dup.ID = "2"
	require.NoError(t, store.SaveRecord(ctx, dup))
	require.Equal(t, 1, store.Len())

	ok, err := store.HasContentHash(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.HasContentHash(ctx, "h2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordsBySectionNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, store.SaveRecord(ctx, crawler.Record{
			ID:          fmt.Sprintf("n-%d", i),
			Section:     "networking",
			ContentHash: fmt.Sprintf("hn-%d", i),
		}))
	}
	require.NoError(t, store.SaveRecord(ctx, crawler.Record{
		ID: "other", Section: "hardware", ContentHash: "ho",
	}))

	got, err := store.RecordsBySection(ctx, "networking", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "n-4", got[0].ID)
	require.Equal(t, "n-2", got[2].ID)
}
