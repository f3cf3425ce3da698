package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

// chainHash computes the SHA-256 of the canonical JSON payload for one
// ledger event. encoding/json emits map keys in sorted order, which is
// exactly the canonical form the chain is defined over. A nil prevHash
// serializes as JSON null, marking the first event of the chain.
func chainHash(timestamp, kind, content string, meta map[string]any, prevHash *string) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"timestamp": timestamp,
		"kind":      kind,
		"content":   content,
		"meta":      meta,
		"prev_hash": prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chain payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// AppendEvent appends an event to the ledger, chaining its hash to the
// current tail. The read-tail-then-insert pair runs in one transaction
// on the single writer connection, so two appends can never observe
// the same tail.
func (s *LibSQLStore) AppendEvent(ctx context.Context, kind, content string, meta map[string]any) (*schema.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevHash *string
	var tail string
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM events ORDER BY id DESC LIMIT 1`).Scan(&tail)
	switch {
	case err == sql.ErrNoRows:
		// First event in the chain.
	case err != nil:
		return nil, fmt.Errorf("read chain tail: %w", err)
	default:
		prevHash = &tail
	}

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	hash, err := chainHash(ts, kind, content, meta, prevHash)
	if err != nil {
		return nil, err
	}

	metaJSON, err := marshalMapOrDefault(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (timestamp, kind, content, meta_json, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ts, kind, content, string(metaJSON), nullStrPtr(prevHash), hash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}

	return &schema.Event{
		ID:        id,
		Timestamp: now,
		Kind:      kind,
		Content:   content,
		Meta:      meta,
		PrevHash:  prevHash,
		Hash:      hash,
	}, nil
}

// ListEvents returns the most recent events, oldest first. An empty
// kind matches every event.
func (s *LibSQLStore) ListEvents(ctx context.Context, kind string, limit int) ([]*schema.Event, error) {
	var where []string
	var args []any
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, kind)
	}

	query := `SELECT id, timestamp, kind, content, meta_json, prev_hash, hash FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Newest first to apply the limit at the tail, then reversed so the
	// caller reads chronologically.
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ListTaskEvents returns every event whose meta carries the given
// task_id, ascending by id.
func (s *LibSQLStore) ListTaskEvents(ctx context.Context, taskID string) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, kind, content, meta_json, prev_hash, hash
		 FROM events WHERE json_extract(meta_json, '$.task_id') = ? ORDER BY id ASC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// VerifyChain recomputes the full hash chain from the first event and
// reports the first divergence. Any mutation of a stored event breaks
// the chain from that row forward.
func (s *LibSQLStore) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, kind, content, meta_json, prev_hash, hash FROM events ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return err
	}

	var expectedPrev *string
	for _, e := range events {
		if !ptrEq(e.PrevHash, expectedPrev) {
			return schema.NewErrorf(schema.ErrCodeChainBroken,
				"event %d prev_hash does not match chain tail", e.ID).
				WithDetails(map[string]any{"event_id": e.ID})
		}
		recomputed, err := chainHash(e.Timestamp.UTC().Format(time.RFC3339Nano), e.Kind, e.Content, e.Meta, e.PrevHash)
		if err != nil {
			return err
		}
		if recomputed != e.Hash {
			return schema.NewErrorf(schema.ErrCodeChainBroken,
				"event %d hash mismatch", e.ID).
				WithDetails(map[string]any{"event_id": e.ID})
		}
		h := e.Hash
		expectedPrev = &h
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var ts, metaJSON string
		var prevHash sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Content, &metaJSON, &prevHash, &e.Hash); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp for event %d: %w", e.ID, err)
		}
		e.Timestamp = parsed
		if prevHash.Valid {
			v := prevHash.String
			e.PrevHash = &v
		}
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &e.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta for event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullStrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
