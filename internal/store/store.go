package store

import (
	"context"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Ledger (append-only, hash-chained)
	AppendEvent(ctx context.Context, kind, content string, meta map[string]any) (*schema.Event, error)
	ListEvents(ctx context.Context, kind string, limit int) ([]*schema.Event, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]*schema.Event, error)
	VerifyChain(ctx context.Context) error

	// Work items
	CreateWorkItem(ctx context.Context, item *schema.WorkItem) (string, error)
	UpdateWorkItem(ctx context.Context, id string, update schema.WorkItemUpdate) (bool, error)
	GetWorkItem(ctx context.Context, id string) (*schema.WorkItem, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*schema.WorkItem, error)
	GetAgentStats(ctx context.Context, assigneeID string) (*schema.AgentStats, error)

	// Dead-letter queue
	EnqueueDLQ(ctx context.Context, eventType, payload, errorReason string) (*schema.DLQItem, error)
	ClaimDLQ(ctx context.Context, workerID string, limit int) ([]*schema.DLQItem, error)
	UpdateDLQ(ctx context.Context, id int64, update DLQUpdate) error
	ReclaimExpiredDLQ(ctx context.Context, leaseTTL time.Duration) (int64, error)

	// Workflow run history
	UpsertWorkflowRun(ctx context.Context, run *schema.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, limit int) ([]*schema.WorkflowRun, error)

	// Durable execution log
	GetExecutionStep(ctx context.Context, flowID string, sequence int) (*ExecutionRecord, error)
	RecordStepPending(ctx context.Context, flowID string, sequence int, stepName string, args []byte) error
	RecordStepComplete(ctx context.Context, flowID string, sequence int, result []byte) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
