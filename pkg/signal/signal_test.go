package signal_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/recordsaga/pkg/signal"
)

func TestNewSignal(t *testing.T) {
	sig := signal.NewSignal(signal.Cancel, "saga-123", map[string]any{"reason": "operator request"})

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, signal.Cancel, sig.Name)
	assert.Equal(t, "saga-123", sig.TargetID)
	assert.Equal(t, "operator request", sig.Payload["reason"])
	assert.Equal(t, signal.StatusPending, sig.Status)
	assert.NotZero(t, sig.SentAt)
}

func TestSignal_WithSender(t *testing.T) {
	sig := signal.NewSignal(signal.Cancel, "saga-1", nil).WithSender("operator-42")
	assert.Equal(t, "operator-42", sig.SenderID)
}

func TestSignal_Clone(t *testing.T) {
	sig := signal.NewSignal(signal.Cancel, "saga-1", map[string]any{"key": "value"})

	clone := sig.Clone()
	assert.Equal(t, sig.ID, clone.ID)
	assert.Equal(t, sig.Name, clone.Name)
	assert.Equal(t, sig.Payload["key"], clone.Payload["key"])

	clone.Payload["key"] = "modified"
	assert.Equal(t, "value", sig.Payload["key"])
}

func TestRegistry_GetAndList(t *testing.T) {
	reg := signal.NewRegistry()
	reg.Register(signal.Cancel, func(context.Context, signal.Signal) error { return nil })

	h, ok := reg.Get(signal.Cancel)
	require.True(t, ok)
	require.NotNil(t, h)

	_, ok = reg.Get("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{signal.Cancel}, reg.List())
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := signal.NewRegistry()
	reg.MustRegister(signal.Cancel, func(context.Context, signal.Signal) error { return nil })

	assert.Panics(t, func() {
		reg.MustRegister(signal.Cancel, func(context.Context, signal.Signal) error { return nil })
	})
}

func TestDispatcher_ProcessDispatchesToHandler(t *testing.T) {
	reg := signal.NewRegistry()
	store := signal.NewMemoryStore()
	dispatcher := signal.NewDispatcher(reg, store)

	var handled string
	reg.Register(signal.Cancel, func(_ context.Context, sig signal.Signal) error {
		handled = sig.TargetID
		return nil
	})

	ctx := context.Background()
	require.NoError(t, dispatcher.Send(ctx, signal.NewSignal(signal.Cancel, "saga-1", nil)))

	count, err := dispatcher.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "saga-1", handled)
}

func TestDispatcher_ProcessMarksFailedOnHandlerError(t *testing.T) {
	reg := signal.NewRegistry()
	store := signal.NewMemoryStore()
	dispatcher := signal.NewDispatcher(reg, store)

	reg.Register(signal.ForceRecover, func(_ context.Context, _ signal.Signal) error {
		return errors.New("saga not found")
	})

	ctx := context.Background()
	sig := signal.NewSignal(signal.ForceRecover, "saga-2", nil)
	require.NoError(t, dispatcher.Send(ctx, sig))
	_, err := dispatcher.Process(ctx)
	require.NoError(t, err)

	stored, err := store.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "saga not found")
}

func TestDispatcher_ProcessMarksFailedOnMissingHandler(t *testing.T) {
	reg := signal.NewRegistry()
	store := signal.NewMemoryStore()
	dispatcher := signal.NewDispatcher(reg, store)

	ctx := context.Background()
	sig := signal.NewSignal("unregistered", "saga-3", nil)
	require.NoError(t, dispatcher.Send(ctx, sig))
	_, err := dispatcher.Process(ctx)
	require.NoError(t, err)

	stored, err := store.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusFailed, stored.Status)
}

func TestMemoryStore_ListByTarget(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, signal.NewSignal(signal.Cancel, "saga-1", nil)))
	require.NoError(t, store.Enqueue(ctx, signal.NewSignal(signal.Cancel, "saga-2", nil)))
	require.NoError(t, store.Enqueue(ctx, signal.NewSignal(signal.ForceRecover, "saga-1", nil)))

	sigs, err := store.ListByTarget(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, sigs, 2)
}
