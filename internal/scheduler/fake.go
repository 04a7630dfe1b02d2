package scheduler

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport used by worker pool and job
// manager tests; RunFunc lets a test script exactly what a "remote"
// command invocation returns.
type FakeTransport struct {
	RunFunc func(ctx context.Context, cmd string) (string, error)
	closed  bool
}

func (t *FakeTransport) RunCommand(ctx context.Context, cmd string) (string, error) {
	if t.RunFunc != nil {
		return t.RunFunc(ctx, cmd)
	}
	return "", nil
}

func (t *FakeTransport) Close() error {
	t.closed = true
	return nil
}

// FakeGateway is an in-process Gateway implementation for tests; it
// never shells out to a real scheduler.
type FakeGateway struct {
	mu       sync.Mutex
	nextID   uint64
	statuses map[uint64]JobStatus
	nodes    map[uint64]string

	// NewTransport builds the Transport handed back for each spawned
	// job; defaults to an always-succeeding FakeTransport.
	NewTransport func(jobID uint64) Transport
}

// NewFakeGateway returns an empty FakeGateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		statuses: make(map[uint64]JobStatus),
		nodes:    make(map[uint64]string),
	}
}

func (g *FakeGateway) Spawn(ctx context.Context) (uint64, Transport, error) {
	return g.SpawnJumped(ctx, "node0")
}

func (g *FakeGateway) SpawnJumped(ctx context.Context, nodeID string) (uint64, Transport, error) {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.statuses[id] = StatusRunning
	g.nodes[id] = nodeID
	g.mu.Unlock()

	var t Transport
	if g.NewTransport != nil {
		t = g.NewTransport(id)
	} else {
		t = &FakeTransport{}
	}
	return id, t, nil
}

func (g *FakeGateway) Dial(ctx context.Context, nodeID string) (Transport, error) {
	if g.NewTransport != nil {
		return g.NewTransport(0), nil
	}
	return &FakeTransport{}, nil
}

func (g *FakeGateway) Cancel(ctx context.Context, jobID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[jobID] = StatusCompleted
	return nil
}

func (g *FakeGateway) Status(ctx context.Context, jobID uint64) (JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statuses[jobID], nil
}

func (g *FakeGateway) Squeue(ctx context.Context) ([]QueueEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := make([]QueueEntry, 0, len(g.statuses))
	for id, st := range g.statuses {
		entries = append(entries, QueueEntry{JobID: id, Status: st, NodeID: g.nodes[id]})
	}
	return entries, nil
}

// SeedJob registers jobID as already known to the scheduler under
// status/nodeID, as if left over from a previous process. For tests
// exercising worker-pool adoption.
func (g *FakeGateway) SeedJob(jobID uint64, status JobStatus, nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if jobID > g.nextID {
		g.nextID = jobID
	}
	g.statuses[jobID] = status
	g.nodes[jobID] = nodeID
}

// SetStatus transitions a seeded job to status/nodeID, for tests
// simulating a Queued job reaching Running.
func (g *FakeGateway) SetStatus(jobID uint64, status JobStatus, nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[jobID] = status
	g.nodes[jobID] = nodeID
}
