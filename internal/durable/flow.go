// Package durable provides crash-resumable execution on top of the
// store's execution log. A Flow replays by calling the same steps in
// the same order: completed steps return their recorded result without
// re-executing, and execution resumes at the first step that never
// completed.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// ErrReplayDivergence reports a replay whose step at some sequence has
// a different name than the one recorded. The flow's code changed
// between runs; continuing would silently corrupt state.
var ErrReplayDivergence = errors.New("durable: replayed step name diverges from execution log")

const envelopeVersion = 1

// envelope versions every persisted step value so a future format
// change can be detected instead of misread.
type envelope struct {
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

// Flow is one durable execution. The step sequence is derived from
// call order alone, starting at zero; a Flow is therefore not safe for
// concurrent step calls and is not meant to be.
type Flow struct {
	id    string
	store store.Store
	seq   int
}

// NewFlow binds a flow id to a store. Reusing an id resumes the
// earlier execution.
func NewFlow(s store.Store, flowID string) *Flow {
	return &Flow{id: flowID, store: s}
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.id }

// Step executes fn at the next sequence position, durably. If the log
// already holds a COMPLETE record for this position the recorded
// result is returned and fn never runs. A PENDING record means the
// process died mid-step; fn runs again, so step bodies get
// at-least-once semantics and should be idempotent where that matters.
func (f *Flow) Step(ctx context.Context, name string, args any, fn func(context.Context) (any, error)) (json.RawMessage, error) {
	seq := f.seq
	f.seq++

	rec, err := f.store.GetExecutionStep(ctx, f.id, seq)
	switch {
	case err == nil:
		if rec.StepName != name {
			return nil, schema.NewErrorf(schema.ErrCodeReplayDivergence,
				"flow %s sequence %d recorded %q, caller asked for %q",
				f.id, seq, rec.StepName, name).WithCause(ErrReplayDivergence)
		}
		if rec.Status == store.StepComplete {
			return unwrap(rec.Return)
		}
	case !isNotFound(err):
		return nil, fmt.Errorf("lookup step %s/%d: %w", f.id, seq, err)
	}

	argsEnv, err := wrap(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for step %q: %w", name, err)
	}
	if err := f.store.RecordStepPending(ctx, f.id, seq, name, argsEnv); err != nil {
		return nil, fmt.Errorf("log pending step %q: %w", name, err)
	}

	out, err := fn(ctx)
	if err != nil {
		// The record stays PENDING; the next replay retries this step.
		return nil, err
	}

	resEnv, err := wrap(out)
	if err != nil {
		return nil, fmt.Errorf("encode result for step %q: %w", name, err)
	}
	if err := f.store.RecordStepComplete(ctx, f.id, seq, resEnv); err != nil {
		return nil, fmt.Errorf("log complete step %q: %w", name, err)
	}
	return unwrap(resEnv)
}

// StepAs runs a step and decodes its result into T. Replayed results
// decode from the log, so T must round-trip through JSON.
func StepAs[T any](ctx context.Context, f *Flow, name string, args any, fn func(context.Context) (T, error)) (T, error) {
	raw, err := f.Step(ctx, name, args, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var out T
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of step %q: %w", name, err)
	}
	return out, nil
}

func wrap(data any) ([]byte, error) {
	inner, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{V: envelopeVersion, Data: inner})
}

func unwrap(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode step envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"unsupported step envelope version %d", env.V)
	}
	return env.Data, nil
}

func isNotFound(err error) bool {
	var gErr *schema.GastownError
	return errors.As(err, &gErr) && gErr.Code == schema.ErrCodeNotFound
}
