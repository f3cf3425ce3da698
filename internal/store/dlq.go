package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

// EnqueueDLQ inserts a new dead-letter item in PENDING state.
func (s *LibSQLStore) EnqueueDLQ(ctx context.Context, eventType, payload, errorReason string) (*schema.DLQItem, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq_items (event_type, payload_json, error_reason, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, 'PENDING', 0, ?, ?)`,
		eventType, payload, nullStr(errorReason), now, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &schema.DLQItem{
		ID:          id,
		EventType:   eventType,
		Payload:     payload,
		ErrorReason: errorReason,
		Status:      schema.DLQPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ClaimDLQ moves up to limit PENDING items whose retry_after has
// passed into PROCESSING under the given worker id. The claim is
// optimistic: each candidate is taken with a guarded UPDATE, so a row
// grabbed by another worker between the select and the update is
// simply skipped. LockedAt starts the claim lease.
func (s *LibSQLStore) ClaimDLQ(ctx context.Context, workerID string, limit int) ([]*schema.DLQItem, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM dlq_items
		 WHERE status = 'PENDING' AND (retry_after IS NULL OR retry_after <= ?)
		 ORDER BY id ASC LIMIT ?`, now, limit,
	)
	if err != nil {
		return nil, err
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*schema.DLQItem
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE dlq_items SET status = 'PROCESSING', locked_by = ?, locked_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'PENDING'`,
			workerID, now, now, id,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		item, err := s.getDLQItem(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// UpdateDLQ applies a partial update to a dead-letter item. Any status
// change releases the claim lock.
func (s *LibSQLStore) UpdateDLQ(ctx context.Context, id int64, update DLQUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?", "locked_by = NULL", "locked_at = NULL")
		args = append(args, string(*update.Status))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.RetryAfter != nil {
		sets = append(sets, "retry_after = ?")
		args = append(args, *update.RetryAfter)
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *update.Result)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE dlq_items SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "dlq_item", fmt.Sprintf("%d", id))
}

// ReclaimExpiredDLQ returns PROCESSING items whose claim lease expired
// to PENDING without touching retry_count; a crashed worker must not
// burn the item's retry budget.
func (s *LibSQLStore) ReclaimExpiredDLQ(ctx context.Context, leaseTTL time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-leaseTTL)
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq_items SET status = 'PENDING', locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE status = 'PROCESSING' AND locked_at IS NOT NULL AND locked_at < ?`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) getDLQItem(ctx context.Context, id int64) (*schema.DLQItem, error) {
	item := &schema.DLQItem{}
	var status string
	var errorReason, lockedBy, result sql.NullString
	var retryAfter, lockedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, payload_json, error_reason, status, retry_count, retry_after, locked_by, locked_at, result, created_at, updated_at
		 FROM dlq_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.EventType, &item.Payload, &errorReason, &status, &item.RetryCount,
		&retryAfter, &lockedBy, &lockedAt, &result, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("dlq_item", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, err
	}
	item.Status = schema.DLQStatus(status)
	item.ErrorReason = errorReason.String
	item.LockedBy = lockedBy.String
	item.Result = result.String
	if retryAfter.Valid {
		item.RetryAfter = &retryAfter.Time
	}
	if lockedAt.Valid {
		item.LockedAt = &lockedAt.Time
	}
	return item, nil
}
