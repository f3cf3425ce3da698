package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetExecutionStep fetches one durable-execution record, or a
// not-found error when the step has never been logged.
func (s *LibSQLStore) GetExecutionStep(ctx context.Context, flowID string, sequence int) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var args, ret sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT flow_id, step_sequence, step_name, timestamp, status, args_blob, return_blob
		 FROM execution_log WHERE flow_id = ? AND step_sequence = ?`, flowID, sequence,
	).Scan(&rec.FlowID, &rec.Sequence, &rec.StepName, &rec.Timestamp, &rec.Status, &args, &ret)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution_step", fmt.Sprintf("%s/%d", flowID, sequence))
	}
	if err != nil {
		return nil, err
	}
	rec.Args = rawOrNil(args)
	rec.Return = rawOrNil(ret)
	return rec, nil
}

// RecordStepPending logs a step about to run for the first time.
// Idempotent: re-logging a crashed PENDING step overwrites its args,
// which by construction are identical on a faithful replay.
func (s *LibSQLStore) RecordStepPending(ctx context.Context, flowID string, sequence int, stepName string, args []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (flow_id, step_sequence, step_name, timestamp, status, args_blob)
		 VALUES (?, ?, ?, ?, 'PENDING', ?)
		 ON CONFLICT(flow_id, step_sequence) DO UPDATE SET
		   step_name=excluded.step_name, timestamp=excluded.timestamp, args_blob=excluded.args_blob`,
		flowID, sequence, stepName, time.Now().UTC(), nullStr(string(args)),
	)
	return err
}

// RecordStepComplete marks a PENDING step COMPLETE and stores its
// result envelope.
func (s *LibSQLStore) RecordStepComplete(ctx context.Context, flowID string, sequence int, result []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_log SET status = 'COMPLETE', return_blob = ?, timestamp = ?
		 WHERE flow_id = ? AND step_sequence = ?`,
		nullStr(string(result)), time.Now().UTC(), flowID, sequence,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution_step", fmt.Sprintf("%s/%d", flowID, sequence))
}
