package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

// Execution log record statuses.
const (
	StepPending  = "PENDING"
	StepComplete = "COMPLETE"
)

// ExecutionRecord is one row of the durable execution log. Args and
// Return are JSON envelopes; Return is only set once the record
// reaches COMPLETE.
type ExecutionRecord struct {
	FlowID    string          `json:"flow_id"`
	Sequence  int             `json:"step_sequence"`
	StepName  string          `json:"step_name"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status"`
	Args      json.RawMessage `json:"args,omitempty"`
	Return    json.RawMessage `json:"return,omitempty"`
}

// WorkItemFilter specifies criteria for listing work items.
type WorkItemFilter struct {
	Status     *schema.WorkItemStatus `json:"status,omitempty"`
	AssigneeID string                 `json:"assignee_id,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// DLQUpdate specifies mutable fields of a dead-letter item. A status
// change to PENDING or a terminal state releases the claim lock.
type DLQUpdate struct {
	Status     *schema.DLQStatus `json:"status,omitempty"`
	RetryCount *int              `json:"retry_count,omitempty"`
	RetryAfter *time.Time        `json:"retry_after,omitempty"`
	Result     *string           `json:"result,omitempty"`
}
