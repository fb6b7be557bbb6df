package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
	"github.com/randalmurphal/recordsaga/pkg/idempotency"
	"github.com/randalmurphal/recordsaga/pkg/saga"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

func countingStep(name string, calls *[]string, mu *sync.Mutex, out saga.Bag, err error) saga.Step {
	return saga.Step{
		Name:        name,
		Criticality: saga.Authoritative,
		Forward: func(_ context.Context, bag saga.Bag) (saga.Bag, error) {
			mu.Lock()
			*calls = append(*calls, name)
			mu.Unlock()
			if err != nil {
				return nil, err
			}
			merged := bag.Clone()
			for k, v := range out {
				merged[k] = v
			}
			return merged, nil
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		def := &saga.Definition{
			Name:      "test-saga",
			Resources: func(saga.Bag) []string { return nil },
			Steps: []saga.Step{
				{Name: "step1", Criticality: saga.Authoritative, Forward: func(context.Context, saga.Bag) (saga.Bag, error) { return nil, nil }},
			},
		}
		require.NoError(t, def.Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		def := &saga.Definition{Steps: []saga.Step{{Name: "s", Criticality: saga.Authoritative, Forward: func(context.Context, saga.Bag) (saga.Bag, error) { return nil, nil }}}}
		err := def.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("no steps", func(t *testing.T) {
		def := &saga.Definition{Name: "test"}
		err := def.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least one step")
	})

	t.Run("step missing forward handler", func(t *testing.T) {
		def := &saga.Definition{Name: "test", Steps: []saga.Step{{Name: "s", Criticality: saga.Authoritative}}}
		err := def.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "forward handler is required")
	})

	t.Run("step missing criticality", func(t *testing.T) {
		def := &saga.Definition{Name: "test", Steps: []saga.Step{{Name: "s", Forward: func(context.Context, saga.Bag) (saga.Bag, error) { return nil, nil }}}}
		err := def.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "criticality is required")
	})
}

func newExecutor(t *testing.T) (*saga.Executor, *saga.Registry) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := saga.NewRegistry()
	exec := saga.NewExecutor(reg, s, nil, nil, saga.Options{})
	return exec, reg
}

func TestExecutor_Execute_Success(t *testing.T) {
	exec, reg := newExecutor(t)

	var calls []string
	var mu sync.Mutex

	def := &saga.Definition{
		Name:      "create-record",
		Resources: func(b saga.Bag) []string { return []string{"record:" + b["record_id"].(string)} },
		Steps: []saga.Step{
			countingStep("insert_row", &calls, &mu, saga.Bag{"row_id": "r1"}, nil),
			countingStep("write_file", &calls, &mu, saga.Bag{"path": "/records/r1.md"}, nil),
			countingStep("commit_vcs", &calls, &mu, saga.Bag{"commit": "abc123"}, nil),
		},
	}
	reg.Register(saga.NameVersion{Name: def.Name, Version: 1}, def)

	result, err := exec.Execute(context.Background(), "create-record", 1, "", saga.Bag{"record_id": "r1"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.Equal(t, []string{"insert_row", "write_file", "commit_vcs"}, calls)
	assert.Equal(t, "abc123", result.Output["commit"])
}

func TestExecutor_Execute_FailureCompensatesInReverse(t *testing.T) {
	exec, reg := newExecutor(t)

	var calls []string
	var compensated []string
	var mu sync.Mutex

	def := &saga.Definition{
		Name:      "update-record",
		Resources: func(saga.Bag) []string { return []string{"record:r1"} },
		Steps: []saga.Step{
			{
				Name:        "write_file",
				Criticality: saga.Authoritative,
				Forward: func(_ context.Context, bag saga.Bag) (saga.Bag, error) {
					mu.Lock()
					calls = append(calls, "write_file")
					mu.Unlock()
					return bag, nil
				},
				Compensate: func(_ context.Context, _ saga.Bag) error {
					mu.Lock()
					compensated = append(compensated, "write_file")
					mu.Unlock()
					return nil
				},
			},
			{
				Name:        "update_row",
				Criticality: saga.Authoritative,
				Forward: func(_ context.Context, bag saga.Bag) (saga.Bag, error) {
					mu.Lock()
					calls = append(calls, "update_row")
					mu.Unlock()
					return bag, nil
				},
				Compensate: func(_ context.Context, _ saga.Bag) error {
					mu.Lock()
					compensated = append(compensated, "update_row")
					mu.Unlock()
					return nil
				},
			},
			{
				Name:        "commit_vcs",
				Criticality: saga.Authoritative,
				RetryPolicy: saerr.NoRetry,
				Forward: func(_ context.Context, _ saga.Bag) (saga.Bag, error) {
					mu.Lock()
					calls = append(calls, "commit_vcs")
					mu.Unlock()
					return nil, errors.New("disk full")
				},
			},
		},
	}
	reg.Register(saga.NameVersion{Name: def.Name, Version: 1}, def)

	result, err := exec.Execute(context.Background(), "update-record", 1, "", saga.Bag{})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, store.StatusCompensated, result.Status)
	assert.True(t, result.Compensated)
	assert.Equal(t, []string{"write_file", "update_row", "commit_vcs"}, calls)
	assert.Equal(t, []string{"update_row", "write_file"}, compensated)
}

func TestExecutor_Execute_DerivedStepFailureIsNonFatal(t *testing.T) {
	exec, reg := newExecutor(t)

	var calls []string
	var mu sync.Mutex

	def := &saga.Definition{
		Name:      "publish-draft",
		Resources: func(saga.Bag) []string { return nil },
		Steps: []saga.Step{
			countingStep("promote_file", &calls, &mu, saga.Bag{"promoted": true}, nil),
			{
				Name:        "emit_events",
				Criticality: saga.Derived,
				RetryPolicy: saerr.NoRetry,
				Forward: func(_ context.Context, _ saga.Bag) (saga.Bag, error) {
					mu.Lock()
					calls = append(calls, "emit_events")
					mu.Unlock()
					return nil, errors.New("notifier unreachable")
				},
			},
		},
	}
	reg.Register(saga.NameVersion{Name: def.Name, Version: 1}, def)

	result, err := exec.Execute(context.Background(), "publish-draft", 1, "", saga.Bag{})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.Equal(t, []string{"promote_file", "emit_events"}, calls)
	require.Len(t, result.DerivedFailures, 1)
	assert.Contains(t, result.DerivedFailures[0], "emit_events")
}

func TestExecutor_Execute_IdempotentRetryShortCircuits(t *testing.T) {
	exec, reg := newExecutor(t)

	var calls int
	var mu sync.Mutex

	def := &saga.Definition{
		Name:      "archive-record",
		Resources: func(saga.Bag) []string { return []string{"record:r1"} },
		Steps: []saga.Step{
			{
				Name:        "mark_archived",
				Criticality: saga.Authoritative,
				Forward: func(_ context.Context, bag saga.Bag) (saga.Bag, error) {
					mu.Lock()
					calls++
					mu.Unlock()
					return bag, nil
				},
			},
		},
	}
	reg.Register(saga.NameVersion{Name: def.Name, Version: 1}, def)

	keyHash := idempotency.HashKey("archive-record", "caller-op-1")

	r1, err := exec.Execute(context.Background(), "archive-record", 1, keyHash, saga.Bag{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, r1.Status)

	r2, err := exec.Execute(context.Background(), "archive-record", 1, keyHash, saga.Bag{})
	require.NoError(t, err)
	assert.Equal(t, r1.SagaID, r2.SagaID)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestExecutor_Execute_NotRegistered(t *testing.T) {
	exec, _ := newExecutor(t)

	_, err := exec.Execute(context.Background(), "nonexistent", 1, "", saga.Bag{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
