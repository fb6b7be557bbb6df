package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/recordsaga/pkg/lock"
	"github.com/randalmurphal/recordsaga/pkg/recovery"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

func TestCoordinator_Sweep_RecoversStuckSaga(t *testing.T) {
	s := store.NewMemoryStore()
	locks := lock.NewManager(s)
	ctx := context.Background()

	leases, err := locks.Acquire(ctx, []string{"record:r1"}, "saga-stuck", time.Second)
	require.NoError(t, err)

	inst := &store.Instance{
		ID:          "saga-stuck",
		SagaName:    "update-record",
		Status:      store.StatusExecuting,
		Context:     map[string]any{"__resource_keys": leases.ResourceKeys()},
		Steps:       []store.StepResult{{StepName: "write_file", Status: store.StatusCompleted}},
		CurrentStep: 1,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		StartedAt:   time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateSaga(ctx, inst))

	coord := recovery.NewCoordinator(s, locks, recovery.Options{
		SweepInterval:  time.Hour,
		StuckThreshold: time.Millisecond,
		BatchSize:      10,
	})
	time.Sleep(5 * time.Millisecond)

	recovered, err := coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	loaded, err := s.LoadSaga(ctx, "saga-stuck")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, loaded.Status)

	_, err = locks.Acquire(ctx, []string{"record:r1"}, "someone-else", time.Second)
	assert.NoError(t, err, "recovery should have released the stuck saga's lock")
}

func TestCoordinator_Sweep_IgnoresFreshSagas(t *testing.T) {
	s := store.NewMemoryStore()
	coord := recovery.NewCoordinator(s, nil, recovery.Options{StuckThreshold: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.CreateSaga(ctx, &store.Instance{
		ID:        "saga-fresh",
		SagaName:  "create-record",
		Status:    store.StatusExecuting,
		CreatedAt: time.Now().UTC(),
		StartedAt: time.Now().UTC(),
	}))

	recovered, err := coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	loaded, err := s.LoadSaga(ctx, "saga-fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuting, loaded.Status)
}
