package schema

import "time"

// Event kind constants for the hash-chained ledger.
const (
	EventWorkerStarted = "worker_started"
	EventWorkerResult  = "worker_result"
	EventWorkerFailure = "worker_failure"

	EventTechnicianPlan = "technician_plan"

	EventJudgeStarted = "judge_started"
	EventJudgePass    = "judge_pass"
	EventJudgeFail    = "judge_fail"

	EventManagerResult   = "manager_result"
	EventManagerComplete = "manager_complete"

	EventWorkItemCreated = "work_item_created"
	EventWorkItemUpdated = "work_item_updated"

	EventWorkflowRunCompleted = "workflow_run_completed"
	EventWorkflowRunFailed    = "workflow_run_failed"
)

// Event is one row of the append-only ledger. The hash covers the
// canonical JSON of {timestamp, kind, content, meta, prev_hash} with
// sorted keys; the first event in the chain has a nil PrevHash.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	PrevHash  *string        `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// WorkItemStatus is the lifecycle state of a work item.
type WorkItemStatus string

const (
	WorkItemOpen       WorkItemStatus = "open"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemFailed     WorkItemStatus = "failed"
)

// WorkItem is a unit of trackable work ("bead"), independent of the
// transient ledger events describing it. Meta is merge-updated;
// ValidationResults is an append-only annotation written by a Judge
// after the item has already terminated.
type WorkItem struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Status            WorkItemStatus `json:"status"`
	AssigneeID        string         `json:"assignee_id,omitempty"`
	CreatedBy         string         `json:"created_by"`
	ParentID          string         `json:"parent_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Meta              map[string]any `json:"meta,omitempty"`
	ValidationResults map[string]any `json:"validation_results,omitempty"`
}

// WorkItemUpdate is a partial update; nil fields are left untouched.
// MetaUpdate is merged into the existing meta map, not substituted.
type WorkItemUpdate struct {
	Status            *WorkItemStatus `json:"status,omitempty"`
	AssigneeID        *string         `json:"assignee_id,omitempty"`
	ValidationResults map[string]any  `json:"validation_results,omitempty"`
	MetaUpdate        map[string]any  `json:"meta_update,omitempty"`
}

// AgentStats aggregates work-item outcomes for one assignee.
// SuccessRate is completed/total as a percentage, rounded to two
// decimals, and 0 when the assignee has no items at all.
type AgentStats struct {
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	SuccessRate    float64 `json:"success_rate"`
}

// DLQStatus is the lifecycle state of a dead-letter item.
type DLQStatus string

const (
	DLQPending    DLQStatus = "PENDING"
	DLQProcessing DLQStatus = "PROCESSING"
	DLQSucceeded  DLQStatus = "SUCCEEDED"
	DLQFailed     DLQStatus = "FAILED"
)

// DLQItem is a dead-letter queue entry awaiting retry or permanent
// failure. LockedBy/LockedAt form the claim lease: a PROCESSING row
// whose lease has expired is returned to PENDING by the reclaim sweep
// without incrementing RetryCount.
type DLQItem struct {
	ID          int64      `json:"id"`
	EventType   string     `json:"event_type"`
	Payload     string     `json:"payload"`
	ErrorReason string     `json:"error_reason,omitempty"`
	Status      DLQStatus  `json:"status"`
	RetryCount  int        `json:"retry_count"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WorkflowRunStatus is the terminal state of one workflow run.
type WorkflowRunStatus string

const (
	RunRunning   WorkflowRunStatus = "RUNNING"
	RunCompleted WorkflowRunStatus = "COMPLETED"
	RunFailed    WorkflowRunStatus = "FAILED"
)

// WorkflowRun is the persisted history of a single workflow execution.
type WorkflowRun struct {
	ID           string            `json:"id"`
	WorkflowName string            `json:"workflow_name"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Status       WorkflowRunStatus `json:"status"`
	FinalState   map[string]any    `json:"final_state,omitempty"`
	Error        string            `json:"error,omitempty"`
}
