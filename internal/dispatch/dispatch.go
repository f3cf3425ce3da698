// Package dispatch spawns ephemeral agent jobs on a cluster scheduler.
// The swarm layer talks to the Dispatcher interface only; the concrete
// implementation registers batch jobs over the scheduler's HTTP API.
package dispatch

import (
	"context"
)

// JobStatus is the scheduler-side lifecycle of a dispatched job.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusRunning  JobStatus = "running"
	StatusComplete JobStatus = "complete"
	StatusFailed   JobStatus = "failed"
)

// AgentType selects which agent role the spawned container runs.
type AgentType string

const (
	AgentTechnician AgentType = "technician"
	AgentJudge      AgentType = "judge"
)

// Spec describes one ephemeral agent job. TaskID, Prompt, and Context
// reach the agent process through its environment.
type Spec struct {
	TaskID    string
	AgentType AgentType
	Prompt    string
	Context   string

	// Extra environment merged over the standard worker variables.
	Env map[string]string
}

// Handle identifies a spawned job for later status polls and purging.
type Handle struct {
	JobID     string
	TaskID    string
	AgentType AgentType
}

// Dispatcher is the scheduler contract the swarm layer consumes.
type Dispatcher interface {
	// Spawn registers one batch job for the spec and returns its handle.
	Spawn(ctx context.Context, spec Spec) (*Handle, error)

	// Status reports the scheduler's view of the job.
	Status(ctx context.Context, jobID string) (JobStatus, error)

	// Purge deregisters the job and garbage-collects its record. Called
	// after a terminal ledger event has been observed.
	Purge(ctx context.Context, jobID string) error
}
