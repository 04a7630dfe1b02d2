// Package scheduler provides an abstraction over the
// remote compute fabric the worker pool spawns workers into. It is
// kept as a thin interface, so production code depends only on
// Gateway/Transport and tests can substitute an in-memory
// FakeGateway.
package scheduler

import "context"

// Transport runs shell commands against one already-spawned worker.
type Transport interface {
	// RunCommand runs cmd and returns its combined stdout.
	RunCommand(ctx context.Context, cmd string) (string, error)
	// Close releases the underlying connection (e.g. an SSH session).
	Close() error
}

// Gateway spawns and queries compute-fabric jobs. One Gateway serves an
// entire worker pool.
type Gateway interface {
	// Spawn launches a new worker job and returns a Transport connected
	// to it once it starts running.
	Spawn(ctx context.Context) (jobID uint64, transport Transport, err error)

	// SpawnJumped launches a new worker job reachable only via a jump
	// through nodeID (modelling a login-node-gated cluster), returning a
	// Transport tunnelled through that node.
	SpawnJumped(ctx context.Context, nodeID string) (jobID uint64, transport Transport, err error)

	// Dial opens a Transport to a node already running a job, without
	// submitting a new one. Used to reach jobs adopted from a previous
	// process's Squeue listing once they've reached Running.
	Dial(ctx context.Context, nodeID string) (Transport, error)

	// Cancel cancels a previously spawned job.
	Cancel(ctx context.Context, jobID uint64) error

	// Status reports a job's current state.
	Status(ctx context.Context, jobID uint64) (JobStatus, error)

	// Squeue lists every job currently known to the scheduler, used by
	// the worker pool to adopt already-running workers on startup
	// instead of spawning duplicates.
	Squeue(ctx context.Context) ([]QueueEntry, error)
}

// JobStatus is the lifecycle state of one scheduler job.
type JobStatus int

const (
	StatusUnknown JobStatus = iota
	StatusQueued
	StatusRunning
	StatusCompleted
	StatusFailed
)

// QueueEntry is one row of a scheduler queue listing.
type QueueEntry struct {
	JobID    uint64
	Status   JobStatus
	Runtime  string // "hour:min:sec", as reported by the scheduler
	NodeID   string
}
