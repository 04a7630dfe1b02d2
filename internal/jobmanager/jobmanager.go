// Package jobmanager accepts the job shapes the HTTP façade's
// /job/submit route exposes — bulk downloads, single-key reads, and
// compute invocations — assigns each a worker from the pool, and
// drives it by running a single blobidx-client invocation over the
// worker's transport. The agent then calls back into the façade to
// commit or read blob bytes. Transient transport faults are retried
// with backoff; domain errors reported by the client agent itself are
// not retried.
package jobmanager

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
	"github.com/donald-pinckney/blobidx/internal/workerpool"
)

// Config controls how a JobManager splits its worker budget, how long
// a single compute chunk may run before its worker is replaced, and
// how it invokes the client agent binary on each worker.
type Config struct {
	MaxWorkerJobs  int
	ComputeTimeout time.Duration

	// ServerURL and APIKey are passed to every client agent invocation
	// so it can call back into the HTTP façade.
	ServerURL string
	APIKey    string
	// ClientBinary is the path to the blobidx-client executable on the
	// worker's filesystem (assumed identical across workers).
	ClientBinary string
	// StorageDir is the shared blob-storage directory as mounted on
	// the worker.
	StorageDir string
}

// JobManager owns two worker pools, splitting maxWorkerJobs evenly
// between them, with the remainder of an odd budget going to the
// transfer pool.
type JobManager struct {
	xferPool    *workerpool.Pool
	computePool *workerpool.Pool
	cfg         Config
}

// NewWithPools constructs a JobManager from two already-sized worker
// pools, split according to SplitWorkerBudget by the caller (see
// cmd/blobidx-server).
func NewWithPools(xferPool, computePool *workerpool.Pool, cfg Config) *JobManager {
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = 5 * time.Minute
	}
	if cfg.ClientBinary == "" {
		cfg.ClientBinary = "blobidx-client"
	}
	return &JobManager{xferPool: xferPool, computePool: computePool, cfg: cfg}
}

// SplitWorkerBudget sizes the two pools: maxWorkerJobs is split evenly,
// the transfer pool taking the remainder of an odd budget. Each pool
// gets at least one worker.
func SplitWorkerBudget(maxWorkerJobs int) (xfer, compute int) {
	if maxWorkerJobs < 2 {
		return 1, 1
	}
	compute = maxWorkerJobs / 2
	xfer = maxWorkerJobs - compute
	return xfer, compute
}

// ClientResponse mirrors the client agent's wire envelope: every
// invocation emits exactly one JSON line of shape
// {"type":"Message"|"Error","data":...}, and the job manager passes
// that envelope straight back to the caller, preserving partial
// failure (e.g. DownloadFailed) on the wire.
type ClientResponse struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (r ClientResponse) isError() bool { return r.Type == "Error" }

// clientArgs returns the persistent flags every client-agent
// invocation needs to reach the index server.
func (jm *JobManager) clientArgs(nodeID string) []string {
	args := []string{"--server", jm.cfg.ServerURL, "--storage-dir", jm.cfg.StorageDir, "--node-id", nodeID}
	if jm.cfg.APIKey != "" {
		args = append(args, "--api-key", jm.cfg.APIKey)
	}
	return args
}

func (jm *JobManager) runClient(ctx context.Context, worker workerGuard, nodeID string, argv ...string) (ClientResponse, error) {
	cmd := shellQuote(jm.cfg.ClientBinary)
	for _, a := range append(argv, jm.clientArgs(nodeID)...) {
		cmd += " " + shellQuote(a)
	}

	var out string
	err := jm.retry(ctx, strings.Join(argv, " "), func() error {
		var innerErr error
		out, innerErr = worker.Worker().Transport.RunCommand(ctx, cmd)
		return innerErr
	})
	if err != nil {
		return ClientResponse{}, errors.Wrap(err, "invoking client agent")
	}

	line := lastNonEmptyLine(out)
	var resp ClientResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return ClientResponse{}, errors.Wrapf(err, "client output not parsable: %q", out)
	}
	if resp.isError() {
		debug.Log("client agent reported error: %s", resp.Data)
	}
	return resp, nil
}

// workerGuard is the subset of *workerpool.Guard the job manager
// needs; it exists only so runClient can be exercised without
// importing workerpool's concrete Guard in a test double.
type workerGuard interface {
	Worker() *workerpool.Worker
}

// SubmitDownloadJob dispatches a single "store" invocation of the
// client agent to one transfer-pool worker: the agent streams every
// URL with its own bounded concurrency and stores the successes under
// the index, so the job manager's job here is only to assign a worker
// and run one command. Individual URL failures come back inside the
// agent's structured response rather than failing the job.
func (jm *JobManager) SubmitDownloadJob(ctx context.Context, urls []string, nodeID string) (ClientResponse, error) {
	guard, err := jm.xferPool.GetWorker(ctx)
	if err != nil {
		return ClientResponse{}, err
	}
	defer guard.Release()

	return jm.runClient(ctx, guard, nodeID, append([]string{"store"}, urls...)...)
}

// SubmitReadJob dispatches a single "read" invocation of the client
// agent to one transfer-pool worker: it resolves key via lookup,
// reads the slice range out of the shared blob-storage directory, and
// writes it to a worker-local temp path, whose path is returned in
// the response's Data field.
func (jm *JobManager) SubmitReadJob(ctx context.Context, key, nodeID string) (ClientResponse, error) {
	guard, err := jm.xferPool.GetWorker(ctx)
	if err != nil {
		return ClientResponse{}, err
	}
	defer guard.Release()

	return jm.runClient(ctx, guard, nodeID, "read", key)
}

// SubmitCompute assigns one compute-pool worker to chunk (a flat list
// of keys) and runs binary once per key on that worker. A timed-out
// worker is replaced rather than returned to the pool, and reported
// back as a Timeout ClientResponse.
func (jm *JobManager) SubmitCompute(ctx context.Context, binary string, chunk []string, nodeID string) (ClientResponse, error) {
	guard, err := jm.computePool.GetWorker(ctx)
	if err != nil {
		return ClientResponse{}, err
	}

	chunkCtx, cancel := context.WithTimeout(ctx, jm.cfg.ComputeTimeout)
	defer cancel()

	resp, err := jm.runClient(chunkCtx, guard, nodeID, append([]string{"compute", "--bin", binary}, chunk...)...)
	if chunkCtx.Err() == context.DeadlineExceeded {
		debug.Log("compute job on worker %d timed out, replacing worker", guard.Worker().JobID)
		jobID := guard.Worker().JobID
		if rerr := jm.computePool.ReplaceWorker(ctx, jobID); rerr != nil {
			return ClientResponse{}, rerr
		}
		return timeoutResponse(), nil
	}
	guard.Release()
	if err != nil {
		return ClientResponse{}, err
	}
	return resp, nil
}

// SubmitComputeMulti assigns one compute-pool worker and invokes
// binary once per group in groups. Each group's keys are joined with
// "&" for transport on the agent's command line; the agent splits them
// back apart and passes each key's fetched path as its own argument.
func (jm *JobManager) SubmitComputeMulti(ctx context.Context, binary string, groups [][]string, nodeID string) (ClientResponse, error) {
	guard, err := jm.computePool.GetWorker(ctx)
	if err != nil {
		return ClientResponse{}, err
	}

	chunkCtx, cancel := context.WithTimeout(ctx, jm.cfg.ComputeTimeout)
	defer cancel()

	argv := []string{"compute-multi", "--bin", binary}
	for _, g := range groups {
		argv = append(argv, strings.Join(g, "&"))
	}

	resp, err := jm.runClient(chunkCtx, guard, nodeID, argv...)
	if chunkCtx.Err() == context.DeadlineExceeded {
		jobID := guard.Worker().JobID
		if rerr := jm.computePool.ReplaceWorker(ctx, jobID); rerr != nil {
			return ClientResponse{}, rerr
		}
		return timeoutResponse(), nil
	}
	guard.Release()
	if err != nil {
		return ClientResponse{}, err
	}
	return resp, nil
}

func timeoutResponse() ClientResponse {
	return ClientResponse{Type: "Error", Data: json.RawMessage(`{"kind":"Timeout"}`)}
}

// SubmitJobRequest is the decoded form of httpapi.SubmitJobRequest:
// Kind selects the job shape ("download", "read", "compute" or
// "compute_multi"), the remaining fields supply that shape's input.
type SubmitJobRequest struct {
	Kind    string
	NodeID  string
	URLs    []string
	Key     string
	Binary  string
	Chunks  [][]string
	Timeout int64
}

// Submit dispatches req to the matching job method and returns one
// ClientResponse per unit of work (one per chunk for compute, exactly
// one for download/read/compute_multi). A unit whose agent reports an
// error, or that times out, still yields its Error response, so partial
// failure survives the wire intact; an error obtaining a worker or
// running the agent for any unit fails the whole call instead.
func Submit(ctx context.Context, jm *JobManager, req SubmitJobRequest) ([]ClientResponse, error) {
	switch req.Kind {
	case "download":
		resp, err := jm.SubmitDownloadJob(ctx, req.URLs, req.NodeID)
		if err != nil {
			return nil, err
		}
		return []ClientResponse{resp}, nil

	case "read":
		resp, err := jm.SubmitReadJob(ctx, req.Key, req.NodeID)
		if err != nil {
			return nil, err
		}
		return []ClientResponse{resp}, nil

	case "compute":
		if len(req.Chunks) == 0 {
			return nil, errors.New("compute job requires at least one chunk")
		}
		responses := make([]ClientResponse, len(req.Chunks))
		g, gctx := errgroup.WithContext(ctx)
		for i, chunk := range req.Chunks {
			i, chunk := i, chunk
			g.Go(func() error {
				resp, err := jm.SubmitCompute(gctx, req.Binary, chunk, req.NodeID)
				if err != nil {
					return err
				}
				responses[i] = resp
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return responses, nil

	case "compute_multi":
		if len(req.Chunks) == 0 {
			return nil, errors.New("compute_multi job requires at least one chunk")
		}
		resp, err := jm.SubmitComputeMulti(ctx, req.Binary, req.Chunks, req.NodeID)
		if err != nil {
			return nil, err
		}
		return []ClientResponse{resp}, nil

	default:
		return nil, errors.Errorf("unknown job kind %q", req.Kind)
	}
}

// retry wraps f in an exponential backoff: transient transport faults
// are retried a bounded number of times.
func (jm *JobManager) retry(ctx context.Context, msg string, f func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.RetryNotify(f, b, func(err error, d time.Duration) {
		debug.Log("%s failed, retrying in %v: %v", msg, d, err)
	})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return s
}
