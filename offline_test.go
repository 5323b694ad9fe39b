package crowdmix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSnapshotStore(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	events := []Event{{ID: "ev-1", Name: "Rooftop Party"}}

	t.Run("load before save", func(t *testing.T) {
		_, err := store.Load(ctx, SnapshotEvents, keyEvents)
		require.ErrorIs(t, err, ErrNoSnapshot)
	})

	t.Run("roundtrip", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, SnapshotEvents, keyEvents, events))
		snap, err := store.Load(ctx, SnapshotEvents, keyEvents)
		require.NoError(t, err)
		require.False(t, snap.SavedAt.IsZero())

		got, err := DecodeSnapshot[[]Event](snap)
		require.NoError(t, err)
		require.Equal(t, events, got)
	})

	t.Run("one slot per kind", func(t *testing.T) {
		replacement := []Event{{ID: "ev-2", Name: "Warehouse Night"}}
		require.NoError(t, store.Save(ctx, SnapshotEvents, keyEvents, replacement))
		snap, err := store.Load(ctx, SnapshotEvents, keyEvents)
		require.NoError(t, err)
		got, err := DecodeSnapshot[[]Event](snap)
		require.NoError(t, err)
		require.Equal(t, replacement, got)
	})

	t.Run("key mismatch", func(t *testing.T) {
		pl := Playlist{ID: "pl-1", Name: "Warmup"}
		require.NoError(t, store.Save(ctx, SnapshotPlaylist, keyPlaylist("pl-1"), pl))
		_, err := store.Load(ctx, SnapshotPlaylist, keyPlaylist("pl-other"))
		require.ErrorIs(t, err, ErrSnapshotMismatch)
	})

	t.Run("kinds are independent", func(t *testing.T) {
		snap, err := store.Load(ctx, SnapshotEvents, keyEvents)
		require.NoError(t, err)
		require.Equal(t, SnapshotEvents, snap.Kind)
	})
}

func TestMemorySnapshotStore(t *testing.T) {
	testSnapshotStore(t, NewMemorySnapshotStore())
}

func TestFileSnapshotStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)
	testSnapshotStore(t, store)

	t.Run("survives process restart", func(t *testing.T) {
		reopened, err := NewFileSnapshotStore(dir)
		require.NoError(t, err)
		snap, err := reopened.Load(context.Background(), SnapshotEvents, keyEvents)
		require.NoError(t, err)
		got, err := DecodeSnapshot[[]Event](snap)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "ev-2", got[0].ID)
	})
}
