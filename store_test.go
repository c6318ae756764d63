package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]StateStore {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]StateStore{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func storedInstance(state State) *Instance {
	return &Instance{
		ID:            NewSagaID(),
		Definition:    "order_processing",
		CorrelationID: "corr-store",
		Input:         json.RawMessage(`{"customer_id":"C1"}`),
		State:         state,
		StartedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestStoreSaveAssignsVersions(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst := storedInstance(StatePending)

			require.NoError(t, store.Save(ctx, inst))
			assert.Equal(t, int64(1), inst.Version)

			inst.State = StateRunning
			require.NoError(t, store.Save(ctx, inst))
			assert.Equal(t, int64(2), inst.Version)

			loaded, err := store.Load(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, StateRunning, loaded.State)
			assert.Equal(t, int64(2), loaded.Version)
		})
	}
}

func TestStoreRejectsStaleVersion(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst := storedInstance(StatePending)
			require.NoError(t, store.Save(ctx, inst))

			// A second writer holding the old snapshot loses the race.
			stale := inst.Clone()
			require.NoError(t, store.Save(ctx, inst))

			stale.State = StateRunning
			err := store.Save(ctx, stale)
			require.ErrorIs(t, err, ErrVersionConflict)

			// The losing write must not corrupt the winning record.
			loaded, err := store.Load(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, inst.Version, loaded.Version)
		})
	}
}

func TestStoreRejectsInsertWithVersion(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			inst := storedInstance(StatePending)
			inst.Version = 3

			err := store.Save(context.Background(), inst)
			require.ErrorIs(t, err, ErrVersionConflict)
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), NewSagaID())
			require.ErrorIs(t, err, ErrInstanceNotFound)
		})
	}
}

func TestStoreListFiltersByState(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			running := storedInstance(StateRunning)
			completed := storedInstance(StateCompleted)
			require.NoError(t, store.Save(ctx, running))
			require.NoError(t, store.Save(ctx, completed))

			matches, err := store.List(ctx, StateRunning)
			require.NoError(t, err)
			require.Len(t, matches, 1)
			assert.Equal(t, running.ID, matches[0].ID)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			none, err := store.List(ctx, StateCompensating)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst := storedInstance(StateCompleted)
			require.NoError(t, store.Save(ctx, inst))

			require.NoError(t, store.Delete(ctx, inst.ID))
			_, err := store.Load(ctx, inst.ID)
			require.ErrorIs(t, err, ErrInstanceNotFound)

			// Deleting an absent record is not an error.
			require.NoError(t, store.Delete(ctx, inst.ID))
		})
	}
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := storedInstance(StateRunning)
	inst.Results = []StepResult{{Step: "create_order", Output: json.RawMessage(`{}`)}}
	require.NoError(t, store.Save(ctx, inst))

	loaded, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	loaded.State = StateFailed
	loaded.Results[0].Step = "mutated"

	fresh, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, fresh.State)
	assert.Equal(t, StepName("create_order"), fresh.Results[0].Step)
}

func TestFileStoreRoundTripsFullRecord(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	inst := storedInstance(StateCompensating)
	inst.CurrentStep = 2
	inst.Results = []StepResult{
		{Step: "create_order", Output: json.RawMessage(`{"order_id":"o-1"}`)},
		{Step: "reserve_inventory", Output: json.RawMessage(`{"reservation_id":"r-1"}`)},
	}
	inst.Compensated = 1
	inst.LastError = "card declined"
	require.NoError(t, store.Save(ctx, inst))

	loaded, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.State, loaded.State)
	assert.Equal(t, inst.CurrentStep, loaded.CurrentStep)
	assert.Equal(t, inst.Compensated, loaded.Compensated)
	assert.Equal(t, inst.LastError, loaded.LastError)
	require.Len(t, loaded.Results, 2)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(loaded.Results[0].Output))
	assert.True(t, inst.StartedAt.Equal(loaded.StartedAt))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	inst := storedInstance(StateRunning)
	require.NoError(t, store.Save(ctx, inst))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	loaded, err := reopened.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, loaded.ID)
	assert.Equal(t, inst.Version, loaded.Version)
}
