package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/internal/logging"
	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// Loader reads workflow definitions from YAML files. Parsed raw bytes
// are cached per path keyed by file modification time; each load
// re-unmarshals so callers always get a private copy they may mutate.
type Loader struct {
	validator *Validator

	mu    sync.Mutex
	cache map[string]loaderEntry
}

type loaderEntry struct {
	modTime time.Time
	raw     []byte
}

// NewLoader creates a loader. Definitions are schema-validated on
// every load.
func NewLoader() (*Loader, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{
		validator: v,
		cache:     make(map[string]loaderEntry),
	}, nil
}

// Load reads and validates the definition at path. A cached copy is
// reused until the file's mtime changes.
func (l *Loader) Load(path string) (*schema.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file %s: %s", path, err).WithCause(err)
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()

	if !ok || !entry.modTime.Equal(info.ModTime()) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file %s: %s", path, err).WithCause(err)
		}
		entry = loaderEntry{modTime: info.ModTime(), raw: raw}
		l.mu.Lock()
		l.cache[path] = entry
		l.mu.Unlock()
	}

	return l.Parse(entry.raw)
}

// Parse unmarshals and validates raw YAML bytes.
func (l *Loader) Parse(raw []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow YAML: %s", err).WithCause(err)
	}
	if err := l.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Runner executes workflow definitions: build the graph, instantiate
// fresh nodes, run them in topological order, and record the run in
// the ledger when a store is attached.
type Runner struct {
	registry *NodeRegistry
	services Services
	jq       *expressions.GoJQEngine
	store    store.Store
	logger   *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRegistry replaces the default node registry.
func WithRegistry(r *NodeRegistry) RunnerOption {
	return func(rn *Runner) { rn.registry = r }
}

// WithStore attaches a store for run history. History writes are best
// effort and never fail the run.
func WithStore(st store.Store) RunnerOption {
	return func(rn *Runner) { rn.store = st }
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(rn *Runner) { rn.logger = logger }
}

// NewRunner creates a runner backed by the given services.
func NewRunner(svc Services, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: DefaultRegistry(),
		services: svc,
		jq:       expressions.NewGoJQEngine(),
		logger:   svc.logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a workflow definition with the given global inputs and
// returns the run record. The returned error is the run-fatal cause,
// if any; recoverable node outcomes travel in-band through outputs.
func (r *Runner) Run(ctx context.Context, def *schema.WorkflowDefinition, globalInputs map[string]any) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{
		ID:           uuid.NewString(),
		WorkflowName: def.Name,
		StartTime:    time.Now().UTC(),
		Status:       schema.RunRunning,
	}
	ctx = logging.WithFlowID(ctx, run.ID)
	logger := logging.LogWith(ctx, r.logger)

	graph, err := BuildGraph(def)
	if err != nil {
		return r.finish(ctx, run, nil, err)
	}

	nodes := make(map[string]Node, len(def.Nodes))
	for _, nd := range def.Nodes {
		node, err := r.registry.New(nd, r.services)
		if err != nil {
			return r.finish(ctx, run, nil, err)
		}
		nodes[nd.ID] = node
	}

	wc := NewContext(def, r.jq)
	for k, v := range globalInputs {
		wc.SetGlobalInput(k, v)
	}

	logger.Info("workflow run started",
		slog.String("workflow", def.Name),
		slog.Int("nodes", len(graph.Sorted)))

	for _, id := range graph.Sorted {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, run, wc,
				schema.NewErrorf(schema.ErrCodeExecution, "workflow run canceled at node %s", id).WithCause(err))
		}
		node := nodes[id]
		logger.Debug("executing node", slog.String("node", id))
		if err := node.Execute(ctx, wc); err != nil {
			return r.finish(ctx, run, wc,
				schema.NewErrorf(schema.ErrCodeExecution, "node %s failed: %s", id, err).WithCause(err))
		}
	}

	return r.finish(ctx, run, wc, nil)
}

// RunFile loads a definition through the loader and executes it.
func (r *Runner) RunFile(ctx context.Context, loader *Loader, path string, globalInputs map[string]any) (*schema.WorkflowRun, error) {
	def, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, def, globalInputs)
}

// finish seals the run record, persists history, and returns the
// outcome. runErr nil means COMPLETED.
func (r *Runner) finish(ctx context.Context, run *schema.WorkflowRun, wc *Context, runErr error) (*schema.WorkflowRun, error) {
	end := time.Now().UTC()
	run.EndTime = &end
	if wc != nil {
		run.FinalState = wc.Snapshot()
	}
	if runErr != nil {
		run.Status = schema.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = schema.RunCompleted
	}

	logger := logging.LogWith(ctx, r.logger)
	if runErr != nil {
		logger.Error("workflow run failed",
			slog.String("workflow", run.WorkflowName),
			slog.String("run_id", run.ID),
			slog.String("error", run.Error))
	} else {
		logger.Info("workflow run completed",
			slog.String("workflow", run.WorkflowName),
			slog.String("run_id", run.ID),
			slog.Duration("elapsed", end.Sub(run.StartTime)))
	}

	r.saveHistory(run)
	return run, runErr
}

// saveHistory records the run in the store and ledger. Failures are
// logged and swallowed: history must never fail a run.
func (r *Runner) saveHistory(run *schema.WorkflowRun) {
	if r.store == nil {
		return
	}
	snapshot := *run
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.store.UpsertWorkflowRun(ctx, &snapshot); err != nil {
			r.logger.Warn("failed to save workflow run history",
				slog.String("run_id", snapshot.ID),
				slog.String("error", err.Error()))
			return
		}

		kind := schema.EventWorkflowRunCompleted
		content := fmt.Sprintf("workflow %s completed", snapshot.WorkflowName)
		if snapshot.Status == schema.RunFailed {
			kind = schema.EventWorkflowRunFailed
			content = fmt.Sprintf("workflow %s failed: %s", snapshot.WorkflowName, snapshot.Error)
		}
		meta := map[string]any{
			"run_id":   snapshot.ID,
			"workflow": snapshot.WorkflowName,
			"status":   string(snapshot.Status),
		}
		if _, err := r.store.AppendEvent(ctx, kind, content, meta); err != nil {
			r.logger.Warn("failed to record workflow run event",
				slog.String("run_id", snapshot.ID),
				slog.String("error", err.Error()))
		}
	}()
}
