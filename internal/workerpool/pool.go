// Package workerpool implements a fixed-capacity pool of
// remote compute workers, handed out to callers via a bounded
// channel of available job IDs. The channel doubles as the fairness
// mechanism: released workers rejoin at the tail, and waiters are
// served in arrival order.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
	"github.com/donald-pinckney/blobidx/internal/scheduler"
)

// replaceAfter is the age at which a running worker is proactively
// replaced rather than handed out again: scheduler jobs hit an 8-hour
// wall-clock limit, so anything past 7 hours is too close to expiry
// to trust with new work.
const replaceAfter = 7 * time.Hour

// adoptPollInterval is how often GetWorker re-checks the scheduler
// while an adopted job is still Queued.
const adoptPollInterval = 2 * time.Second

// livenessCmd is the trivial command run against a worker's transport
// before handing it out.
const livenessCmd = "true"

// Worker is one live compute-fabric job backing the pool.
type Worker struct {
	JobID            uint64
	NodeID           string
	StartedRunningAt time.Time
	Transport        scheduler.Transport
}

func (w *Worker) expired() bool {
	return time.Since(w.StartedRunningAt) > replaceAfter
}

// Pool hands out Workers up to maxJobs at a time.
type Pool struct {
	name    string
	gateway scheduler.Gateway
	maxJobs int

	mu      sync.Mutex
	workers map[uint64]*Worker

	avail chan uint64

	availableGauge prometheus.Gauge
	totalGauge     prometheus.Gauge
}

// New constructs a Pool of at most maxJobs concurrent workers, spawned
// and queried through gateway.
func New(name string, gateway scheduler.Gateway, maxJobs int) *Pool {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Pool{
		name:    name,
		gateway: gateway,
		maxJobs: maxJobs,
		workers: make(map[uint64]*Worker),
		avail:   make(chan uint64, maxJobs),
		availableGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "workerpool_workers_available",
			Help:        "Number of workers currently idle and available for dispatch.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
		totalGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "workerpool_workers_total",
			Help:        "Total number of workers currently tracked by the pool.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
	}
}

// Collectors returns the pool's Prometheus gauges, for registration
// with a registry.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.availableGauge, p.totalGauge}
}

// Populate adopts any jobs the scheduler already lists under this
// pool's name (left over from a previous server process) up to
// maxJobs, then spawns fresh workers to fill the remaining capacity.
func (p *Pool) Populate(ctx context.Context) error {
	entries, err := p.gateway.Squeue(ctx)
	if err != nil {
		return errors.Wrap(err, "listing existing jobs")
	}

	adopted := 0
	for _, e := range entries {
		if adopted >= p.maxJobs {
			break
		}
		if e.Status != scheduler.StatusRunning && e.Status != scheduler.StatusQueued {
			continue
		}
		// Adopted jobs are handed to GetWorker with no Transport dialed
		// yet — StatusQueued ones haven't even reached a node. GetWorker
		// polls for Running and dials lazily, the first time the job is
		// actually checked out, rather than blocking Populate on every
		// adoptee reaching Running up front.
		p.mu.Lock()
		p.workers[e.JobID] = &Worker{JobID: e.JobID, NodeID: e.NodeID, StartedRunningAt: time.Now()}
		p.mu.Unlock()
		p.avail <- e.JobID
		adopted++
		debug.Log("%s: adopted existing job %d (status %v) on node %s", p.name, e.JobID, e.Status, e.NodeID)
	}

	for i := adopted; i < p.maxJobs; i++ {
		if err := p.spawnWorker(ctx); err != nil {
			return err
		}
	}

	p.updateGauges()
	return nil
}

func (p *Pool) spawnWorker(ctx context.Context) error {
	jobID, transport, err := p.gateway.Spawn(ctx)
	if err != nil {
		return errors.Wrap(err, "spawning worker")
	}

	p.mu.Lock()
	p.workers[jobID] = &Worker{JobID: jobID, StartedRunningAt: time.Now(), Transport: transport}
	p.mu.Unlock()

	p.avail <- jobID
	debug.Log("%s: spawned worker job %d", p.name, jobID)
	return nil
}

// Guard wraps a Worker checked out of the pool. Callers must call
// Release exactly once to return the worker's job ID to the
// availability queue.
type Guard struct {
	pool   *Pool
	worker *Worker
	once   sync.Once
}

// Worker returns the checked-out Worker.
func (g *Guard) Worker() *Worker { return g.worker }

// Release returns the worker's job ID to the pool so the next waiting
// caller can use it.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.pool.avail <- g.worker.JobID
	})
}

// GetWorker blocks until a worker is available. A worker popped off
// the availability queue is only handed out once it is confirmed
// Running (waiting out a Queued adoptee first), alive, and younger
// than replaceAfter — any failed check replaces the worker and
// retries rather than returning a broken one.
func (p *Pool) GetWorker(ctx context.Context) (*Guard, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case jobID := <-p.avail:
			p.mu.Lock()
			w, ok := p.workers[jobID]
			p.mu.Unlock()
			if !ok {
				continue
			}

			if w.expired() {
				if err := p.ReplaceWorker(ctx, jobID); err != nil {
					return nil, err
				}
				continue
			}

			if w.Transport == nil {
				if err := p.dialAdopted(ctx, w); err != nil {
					debug.Log("%s: adopted job %d never became reachable: %v", p.name, jobID, err)
					if rerr := p.ReplaceWorker(ctx, jobID); rerr != nil {
						return nil, rerr
					}
					continue
				}
			}

			if !p.isAlive(ctx, w) {
				debug.Log("%s: worker job %d failed liveness check", p.name, jobID)
				if err := p.ReplaceWorker(ctx, jobID); err != nil {
					return nil, err
				}
				continue
			}

			return &Guard{pool: p, worker: w}, nil
		}
	}
}

// dialAdopted waits for an adopted job to reach Running (polling the
// scheduler at adoptPollInterval) and dials its Transport, filling in
// w.NodeID and w.StartedRunningAt with the node and time it actually
// started running.
func (p *Pool) dialAdopted(ctx context.Context, w *Worker) error {
	nodeID, err := p.waitRunning(ctx, w.JobID)
	if err != nil {
		return err
	}

	t, err := p.gateway.Dial(ctx, nodeID)
	if err != nil {
		return errors.Wrapf(err, "dialing node %s", nodeID)
	}

	p.mu.Lock()
	w.NodeID = nodeID
	w.Transport = t
	w.StartedRunningAt = time.Now()
	p.mu.Unlock()
	return nil
}

// waitRunning polls the scheduler until jobID shows Running and
// returns the node it landed on, or the context's error if cancelled
// first.
func (p *Pool) waitRunning(ctx context.Context, jobID uint64) (string, error) {
	ticker := time.NewTicker(adoptPollInterval)
	defer ticker.Stop()
	for {
		entries, err := p.gateway.Squeue(ctx)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.JobID == jobID {
				if e.Status == scheduler.StatusRunning {
					return e.NodeID, nil
				}
				if e.Status != scheduler.StatusQueued {
					return "", errors.Errorf("job %d left the queue in status %v before running", jobID, e.Status)
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// isAlive runs a trivial command over w's transport to confirm the
// worker is actually reachable before it's handed out.
func (p *Pool) isAlive(ctx context.Context, w *Worker) bool {
	if w.Transport == nil {
		return false
	}
	if _, err := w.Transport.RunCommand(ctx, livenessCmd); err != nil {
		return false
	}
	return true
}

// ReplaceWorker cancels jobID's scheduler job and spawns a fresh one in
// its place, pushing the new job ID into the availability queue.
func (p *Pool) ReplaceWorker(ctx context.Context, jobID uint64) error {
	if err := p.gateway.Cancel(ctx, jobID); err != nil {
		debug.Log("%s: cancel of job %d failed: %v", p.name, jobID, err)
	}

	p.mu.Lock()
	delete(p.workers, jobID)
	p.mu.Unlock()

	debug.Log("%s: replacing worker job %d", p.name, jobID)
	err := p.spawnWorker(ctx)
	p.updateGauges()
	return err
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	total := len(p.workers)
	p.mu.Unlock()
	p.totalGauge.Set(float64(total))
	p.availableGauge.Set(float64(len(p.avail)))
}
