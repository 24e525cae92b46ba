package rollback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwmanager/fleetdata/internal/audit"
	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

func snap(json string) *audit.Snapshot {
	return &audit.Snapshot{V: tree.MustFromJSON(json)}
}

func seedVehicles(t *testing.T, json string) kv.Store {
	t.Helper()
	s := kv.NewMemory()
	require.NoError(t, s.Set(context.Background(), "wb:vehicles", tree.MustFromJSON(json)))
	return s
}

func TestPurge_RemovesMatchedEntities(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1"},{"id":"v2"},{"id":"v3"}]`)
	e := New(s, nil)

	res := e.Purge(ctx, []audit.Item{
		{StorageKey: "wb:vehicles", IDField: "id", IDValue: "v1", Action: "merge"},
		{StorageKey: "wb:vehicles", IDField: "id", IDValue: "v3", Action: "merge"},
	})

	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)

	v, _ := s.Get(ctx, "wb:vehicles")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[{"id":"v2"}]`), v))
}

func TestPurge_SingletonKeyDeleted(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory()
	require.NoError(t, s.Set(ctx, "wb:settings", tree.MustFromJSON(`{"locale":"ru"}`)))
	e := New(s, nil)

	res := e.Purge(ctx, []audit.Item{{StorageKey: "wb:settings", Action: "overwrite"}})

	assert.Equal(t, 1, res.Succeeded)
	_, err := s.Get(ctx, "wb:settings")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRollback_RestoresExactSnapshot(t *testing.T) {
	ctx := context.Background()
	// The entity now has extra fields the original change never touched;
	// rollback must restore the snapshot verbatim, dropping them.
	s := seedVehicles(t, `[{"id":"v1","plateNumber":"A999","addedLater":true}]`)
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{{
		StorageKey:     "wb:vehicles",
		IDField:        "id",
		IDValue:        "v1",
		Action:         "merge",
		BeforeExists:   true,
		BeforeSnapshot: snap(`{"id":"v1","plateNumber":"A100","model":"GAZ"}`),
	}})

	assert.Equal(t, 1, res.Succeeded)
	v, _ := s.Get(ctx, "wb:vehicles")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[{"id":"v1","plateNumber":"A100","model":"GAZ"}]`), v))
}

func TestRollback_UndoesInsert(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1"},{"id":"v2"}]`)
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{{
		StorageKey:   "wb:vehicles",
		IDField:      "id",
		IDValue:      "v2",
		Action:       "insert",
		BeforeExists: false,
		AfterExists:  true,
	}})

	assert.Equal(t, 1, res.Succeeded)
	v, _ := s.Get(ctx, "wb:vehicles")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[{"id":"v1"}]`), v))
}

func TestRollback_MissingSnapshotDegradesToDelete(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1","changed":true}]`)
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{{
		StorageKey:   "wb:vehicles",
		IDField:      "id",
		IDValue:      "v1",
		BeforeExists: true, // but no snapshot captured
	}})

	assert.Equal(t, 1, res.Succeeded)
	v, _ := s.Get(ctx, "wb:vehicles")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[]`), v))
}

func TestRollback_RestoresDeletedEntity(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1"}]`)
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{{
		StorageKey:     "wb:vehicles",
		IDField:        "id",
		IDValue:        "v9",
		Action:         "delete",
		BeforeExists:   true,
		AfterExists:    false,
		BeforeSnapshot: snap(`{"id":"v9","plateNumber":"Z900"}`),
	}})

	assert.Equal(t, 1, res.Succeeded)
	v, _ := s.Get(ctx, "wb:vehicles")
	arr := v.(tree.Array)
	require.Len(t, arr, 2)
}

func TestRollback_WholeKeyItemRestoresEntityArray(t *testing.T) {
	ctx := context.Background()
	// An import merge recorded one item for the whole key, capturing the
	// full array before the change. Rollback restores that array even
	// though the live value still classifies as an entity array.
	s := seedVehicles(t, `[{"id":"v1","plateNumber":"A100BB"},{"id":"v2","plateNumber":"B200"}]`)
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{{
		StorageKey:     "wb:vehicles",
		Key:            "wb:vehicles",
		IDField:        "id",
		Action:         "import",
		BeforeExists:   true,
		AfterExists:    true,
		BeforeSnapshot: snap(`[{"id":"v1","plateNumber":"A100"}]`),
	}})

	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)
	v, _ := s.Get(ctx, "wb:vehicles")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[{"id":"v1","plateNumber":"A100"}]`), v))
}

func TestRollback_WholeKeyItemUndoesKeyCreation(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1"}]`)
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{{
		StorageKey:   "wb:vehicles",
		Key:          "wb:vehicles",
		IDField:      "id",
		Action:       "import",
		BeforeExists: false,
		AfterExists:  true,
	}})

	assert.Equal(t, 1, res.Succeeded)
	_, err := s.Get(ctx, "wb:vehicles")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPurge_WholeKeyItemDeletesEntityArrayKey(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1"},{"id":"v2"}]`)
	e := New(s, nil)

	res := e.Purge(ctx, []audit.Item{{
		StorageKey:     "wb:vehicles",
		Key:            "wb:vehicles",
		IDField:        "id",
		Action:         "import",
		BeforeExists:   true,
		AfterExists:    true,
		BeforeSnapshot: snap(`[{"id":"v1"}]`),
	}})

	assert.Equal(t, 1, res.Succeeded)
	_, err := s.Get(ctx, "wb:vehicles")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRollback_SingletonLatestSnapshotWins(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory()
	require.NoError(t, s.Set(ctx, "wb:settings", tree.MustFromJSON(`{"locale":"de"}`)))
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{
		{StorageKey: "wb:settings", BeforeExists: true, BeforeSnapshot: snap(`{"locale":"ru"}`)},
		{StorageKey: "wb:settings", BeforeExists: true, BeforeSnapshot: snap(`{"locale":"en"}`)},
	})

	assert.Equal(t, 2, res.Succeeded)
	v, _ := s.Get(ctx, "wb:settings")
	assert.True(t, tree.Equal(tree.MustFromJSON(`{"locale":"en"}`), v))
}

func TestRollback_SingletonUndoInsertDeletesKey(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory()
	require.NoError(t, s.Set(ctx, "wb:settings", tree.MustFromJSON(`{"locale":"ru"}`)))
	e := New(s, nil)

	res := e.Rollback(ctx, []audit.Item{
		{StorageKey: "wb:settings", BeforeExists: false, AfterExists: true},
	})

	assert.Equal(t, 1, res.Succeeded)
	_, err := s.Get(ctx, "wb:settings")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRollback_MultipleKeysProcessedIndependently(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1","n":1}]`)
	e := New(s, nil)

	require.NoError(t, s.Set(ctx, "wb:drivers", tree.MustFromJSON(`[{"id":"d1"}]`)))

	res := e.Rollback(ctx, []audit.Item{
		{StorageKey: "wb:vehicles", IDField: "id", IDValue: "v1", BeforeExists: true, BeforeSnapshot: snap(`{"id":"v1","n":0}`)},
		{StorageKey: "wb:drivers", IDField: "id", IDValue: "d1", BeforeExists: false},
	})

	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)

	vehicles, _ := s.Get(ctx, "wb:vehicles")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[{"id":"v1","n":0}]`), vehicles))
	drivers, _ := s.Get(ctx, "wb:drivers")
	assert.True(t, tree.Equal(tree.MustFromJSON(`[]`), drivers))
}

func TestPurge_ReportsPerItemFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := seedVehicles(t, `[{"id":"v1"}]`)
	e := New(s, nil)
	cancel() // every storage op now fails

	res := e.Purge(ctx, []audit.Item{
		{StorageKey: "wb:vehicles", IDField: "id", IDValue: "v1"},
		{StorageKey: "wb:vehicles", IDField: "id", IDValue: "v2"},
	})

	assert.Zero(t, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "v1", res.Failures[0].IDValue)
}

func TestNotifier_ReceivesChangedKeys(t *testing.T) {
	ctx := context.Background()
	s := seedVehicles(t, `[{"id":"v1"}]`)
	n := kv.NewChanNotifier(1)
	e := New(s, n)

	e.Purge(ctx, []audit.Item{{StorageKey: "wb:vehicles", IDField: "id", IDValue: "v1"}})

	assert.Equal(t, []string{"wb:vehicles"}, <-n.C)
}

func TestMarkItems(t *testing.T) {
	items := []audit.Item{
		{StorageKey: "wb:vehicles", IDValue: "v1"},
		{StorageKey: "wb:drivers", IDValue: "d1"},
	}
	res := Result{
		Succeeded: 1,
		Failed:    1,
		Failures:  []Failure{{StorageKey: "wb:drivers", IDValue: "d1"}},
	}

	marked := MarkItems(items, res, false)
	assert.True(t, marked[0].RolledBack)
	assert.False(t, marked[1].RolledBack)

	purged := MarkItems(items, res, true)
	assert.True(t, purged[0].Purged)
	assert.False(t, purged[0].RolledBack)
}
