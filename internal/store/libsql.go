package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/gastown/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// Single writer connection; readers share it through WAL.
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Work items ---

// CreateWorkItem inserts a new work item and returns its id. A missing
// id is generated as a short opaque token; a missing status defaults to
// open. The matching audit event is appended best-effort afterwards:
// the item write is authoritative and a crash between the two writes
// leaves only the audit trail behind.
func (s *LibSQLStore) CreateWorkItem(ctx context.Context, item *schema.WorkItem) (string, error) {
	if item.ID == "" {
		item.ID = "wi-" + uuid.NewString()[:8]
	}
	if item.Status == "" {
		item.Status = schema.WorkItemOpen
	}
	meta, err := marshalMapOrDefault(item.Meta)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}
	now := timeOrNow(item.CreatedAt)
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items (id, title, status, assignee_id, created_by, parent_id, created_at, updated_at, meta_json, validation_results_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		item.ID, item.Title, string(item.Status), nullStr(item.AssigneeID), item.CreatedBy,
		nullStr(item.ParentID), now, now, string(meta),
	)
	if err != nil {
		return "", err
	}

	_, _ = s.AppendEvent(ctx, schema.EventWorkItemCreated,
		fmt.Sprintf("work item %s created: %s", item.ID, item.Title),
		map[string]any{
			"work_item_id": item.ID,
			"status":       string(item.Status),
			"created_by":   item.CreatedBy,
		})
	return item.ID, nil
}

// UpdateWorkItem applies a partial update. MetaUpdate keys are merged
// into the existing meta map. Returns false when the id does not exist.
func (s *LibSQLStore) UpdateWorkItem(ctx context.Context, id string, update schema.WorkItemUpdate) (bool, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssigneeID != nil {
		sets = append(sets, "assignee_id = ?")
		args = append(args, nullStr(*update.AssigneeID))
	}
	if update.ValidationResults != nil {
		vr, err := json.Marshal(update.ValidationResults)
		if err != nil {
			return false, fmt.Errorf("marshal validation_results: %w", err)
		}
		sets = append(sets, "validation_results_json = ?")
		args = append(args, string(vr))
	}
	if len(update.MetaUpdate) > 0 {
		existing, err := s.GetWorkItem(ctx, id)
		if err != nil {
			if _, ok := err.(*schema.GastownError); ok {
				return false, nil
			}
			return false, err
		}
		merged := existing.Meta
		if merged == nil {
			merged = make(map[string]any, len(update.MetaUpdate))
		}
		for k, v := range update.MetaUpdate {
			merged[k] = v
		}
		meta, err := json.Marshal(merged)
		if err != nil {
			return false, fmt.Errorf("marshal merged meta: %w", err)
		}
		sets = append(sets, "meta_json = ?")
		args = append(args, string(meta))
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE work_items SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	meta := map[string]any{"work_item_id": id}
	if update.Status != nil {
		meta["status"] = string(*update.Status)
	}
	_, _ = s.AppendEvent(ctx, schema.EventWorkItemUpdated,
		fmt.Sprintf("work item %s updated", id), meta)
	return true, nil
}

func (s *LibSQLStore) GetWorkItem(ctx context.Context, id string) (*schema.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, assignee_id, created_by, parent_id, created_at, updated_at, meta_json, validation_results_json
		 FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("work_item", id)
	}
	return item, err
}

func (s *LibSQLStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*schema.WorkItem, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}

	query := `SELECT id, title, status, assignee_id, created_by, parent_id, created_at, updated_at, meta_json, validation_results_json FROM work_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*schema.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetAgentStats aggregates work-item outcomes for one assignee. The
// success rate is completed/total as a percentage rounded to two
// decimals, and zero for an assignee with no items.
func (s *LibSQLStore) GetAgentStats(ctx context.Context, assigneeID string) (*schema.AgentStats, error) {
	stats := &schema.AgentStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM work_items WHERE assignee_id = ?`, assigneeID,
	).Scan(&stats.TotalTasks, &stats.CompletedTasks, &stats.FailedTasks)
	if err != nil {
		return nil, err
	}
	if stats.TotalTasks > 0 {
		rate := float64(stats.CompletedTasks) / float64(stats.TotalTasks) * 100
		stats.SuccessRate = math.Round(rate*100) / 100
	}
	return stats, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(sc scanner) (*schema.WorkItem, error) {
	item := &schema.WorkItem{}
	var status string
	var assignee, parent, vrJSON sql.NullString
	var metaJSON string
	err := sc.Scan(&item.ID, &item.Title, &status, &assignee, &item.CreatedBy, &parent,
		&item.CreatedAt, &item.UpdatedAt, &metaJSON, &vrJSON)
	if err != nil {
		return nil, err
	}
	item.Status = schema.WorkItemStatus(status)
	item.AssigneeID = assignee.String
	item.ParentID = parent.String
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &item.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta for %s: %w", item.ID, err)
		}
	}
	if vrJSON.Valid && vrJSON.String != "" {
		if err := json.Unmarshal([]byte(vrJSON.String), &item.ValidationResults); err != nil {
			return nil, fmt.Errorf("unmarshal validation_results for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

// --- Workflow run history ---

// UpsertWorkflowRun records a run's terminal state. Idempotent on run
// id so the async history writer may retry safely.
func (s *LibSQLStore) UpsertWorkflowRun(ctx context.Context, run *schema.WorkflowRun) error {
	finalState, err := nullableMapJSON(run.FinalState)
	if err != nil {
		return fmt.Errorf("marshal final_state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_name, start_time, end_time, status, final_state_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   end_time=excluded.end_time, status=excluded.status,
		   final_state_json=excluded.final_state_json, error=excluded.error`,
		run.ID, run.WorkflowName, timeOrNow(run.StartTime), nullTime(run.EndTime),
		string(run.Status), finalState, nullStr(run.Error),
	)
	return err
}

func (s *LibSQLStore) GetWorkflowRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	run, err := scanWorkflowRun(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, start_time, end_time, status, final_state_json, error
		 FROM workflow_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListWorkflowRuns(ctx context.Context, limit int) ([]*schema.WorkflowRun, error) {
	query := `SELECT id, workflow_name, start_time, end_time, status, final_state_json, error
	 FROM workflow_runs ORDER BY start_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanWorkflowRun(sc scanner) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	var status string
	var endTime sql.NullTime
	var finalState, errStr sql.NullString
	err := sc.Scan(&run.ID, &run.WorkflowName, &run.StartTime, &endTime, &status, &finalState, &errStr)
	if err != nil {
		return nil, err
	}
	run.Status = schema.WorkflowRunStatus(status)
	run.Error = errStr.String
	if endTime.Valid {
		run.EndTime = &endTime.Time
	}
	if finalState.Valid && finalState.String != "" {
		if err := json.Unmarshal([]byte(finalState.String), &run.FinalState); err != nil {
			return nil, fmt.Errorf("unmarshal final_state for %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GastownError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func nullableMapJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
