package durable

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "durable.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStep_ExecutesAndRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	flow := NewFlow(s, "flow-1")

	raw, err := flow.Step(ctx, "fetch", map[string]any{"url": "http://x"}, func(context.Context) (any, error) {
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, `"payload"`, string(raw))

	rec, err := s.GetExecutionStep(ctx, "flow-1", 0)
	require.NoError(t, err)
	assert.Equal(t, store.StepComplete, rec.Status)
	assert.Equal(t, "fetch", rec.StepName)
}

func TestStep_ReplayReturnsCachedResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := 0
	body := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	first := NewFlow(s, "flow-1")
	raw, err := first.Step(ctx, "count", nil, body)
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))

	// Same flow id, fresh process: the step must not run again.
	replay := NewFlow(s, "flow-1")
	raw, err = replay.Step(ctx, "count", nil, body)
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
	assert.Equal(t, 1, calls)
}

func TestStep_ResumesAfterPartialRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("network down")
	run := func(failSecond bool) ([]string, error) {
		flow := NewFlow(s, "flow-1")
		var trace []string
		_, err := flow.Step(ctx, "one", nil, func(context.Context) (any, error) {
			trace = append(trace, "one")
			return "a", nil
		})
		if err != nil {
			return trace, err
		}
		_, err = flow.Step(ctx, "two", nil, func(context.Context) (any, error) {
			if failSecond {
				return nil, boom
			}
			trace = append(trace, "two")
			return "b", nil
		})
		return trace, err
	}

	trace, err := run(true)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"one"}, trace)

	// Second attempt: step one replays from the log, step two runs.
	trace, err = run(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, trace)
}

func TestStep_DivergentNameFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := NewFlow(s, "flow-1")
	_, err := first.Step(ctx, "alpha", nil, func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)

	replay := NewFlow(s, "flow-1")
	_, err = replay.Step(ctx, "beta", nil, func(context.Context) (any, error) { return 1, nil })
	require.ErrorIs(t, err, ErrReplayDivergence)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeReplayDivergence, gerr.Code)
}

func TestStep_SequencesByCallOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	flow := NewFlow(s, "flow-1")

	for i, name := range []string{"a", "b", "c"} {
		_, err := flow.Step(ctx, name, nil, func(context.Context) (any, error) { return name, nil })
		require.NoError(t, err)

		rec, err := s.GetExecutionStep(ctx, "flow-1", i)
		require.NoError(t, err)
		assert.Equal(t, name, rec.StepName)
	}
}

func TestStepAs_DecodesTypedResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type report struct {
		Items int    `json:"items"`
		Note  string `json:"note"`
	}

	flow := NewFlow(s, "flow-1")
	got, err := StepAs(ctx, flow, "summarize", nil, func(context.Context) (report, error) {
		return report{Items: 3, Note: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, report{Items: 3, Note: "ok"}, got)

	// Replay decodes from the log, not from a fresh execution.
	replay := NewFlow(s, "flow-1")
	got, err = StepAs(ctx, replay, "summarize", nil, func(context.Context) (report, error) {
		return report{}, errors.New("must not run")
	})
	require.NoError(t, err)
	assert.Equal(t, report{Items: 3, Note: "ok"}, got)
}

func TestStep_ArgsStoredInEnvelope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := NewFlow(s, "flow-1")
	_, err := flow.Step(ctx, "work", map[string]any{"n": 7}, func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	rec, err := s.GetExecutionStep(ctx, "flow-1", 0)
	require.NoError(t, err)

	var env struct {
		V    int             `json:"v"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Args, &env))
	assert.Equal(t, 1, env.V)
	assert.JSONEq(t, `{"n":7}`, string(env.Data))
}
