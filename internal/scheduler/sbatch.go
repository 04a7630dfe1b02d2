package scheduler

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
)

// pollInterval is how often Spawn re-checks squeue while a freshly
// submitted job is still Queued.
const pollInterval = 2 * time.Second

// SSHDialer opens a command-running session against a node, so the
// gateway never needs to know which SSH client library a deployment
// prefers.
type SSHDialer func(ctx context.Context, nodeID string) (Transport, error)

// SbatchGateway is the batch-scheduler-plus-SSH compute fabric: jobs
// are submitted with sbatch, enumerated with squeue, and once
// running, reached over a caller-supplied SSH dialer.
type SbatchGateway struct {
	jobName string
	script  string
	dial    SSHDialer
}

// NewSbatchGateway returns a Gateway that submits worker.sh-style
// scripts under jobName via sbatch, and reaches running jobs through
// dial.
func NewSbatchGateway(jobName, script string, dial SSHDialer) *SbatchGateway {
	return &SbatchGateway{jobName: jobName, script: script, dial: dial}
}

func (g *SbatchGateway) Spawn(ctx context.Context) (uint64, Transport, error) {
	out, err := exec.CommandContext(ctx, "sbatch", "--job-name="+g.jobName, "--parsable", g.script).Output()
	if err != nil {
		return 0, nil, errors.Wrap(err, "sbatch")
	}
	jobID, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "parsing sbatch output %q", out)
	}
	debug.Log("spawned worker job %d via sbatch", jobID)

	nodeID, err := g.waitRunning(ctx, jobID)
	if err != nil {
		return jobID, nil, err
	}
	t, err := g.dial(ctx, nodeID)
	if err != nil {
		return jobID, nil, errors.Wrapf(err, "dialing node %s", nodeID)
	}
	return jobID, t, nil
}

// waitRunning polls squeue until jobID shows Running and returns the
// node it landed on, or the context's error if it's cancelled first.
func (g *SbatchGateway) waitRunning(ctx context.Context, jobID uint64) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		entries, err := g.Squeue(ctx)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.JobID == jobID && e.Status == StatusRunning {
				return e.NodeID, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *SbatchGateway) SpawnJumped(ctx context.Context, nodeID string) (uint64, Transport, error) {
	out, err := exec.CommandContext(ctx, "sbatch", "--job-name="+g.jobName, "--parsable", g.script).Output()
	if err != nil {
		return 0, nil, errors.Wrap(err, "sbatch")
	}
	jobID, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "parsing sbatch output %q", out)
	}

	if _, err := g.waitRunning(ctx, jobID); err != nil {
		return jobID, nil, err
	}
	t, err := g.dial(ctx, nodeID)
	if err != nil {
		return jobID, nil, errors.Wrapf(err, "dialing node %s", nodeID)
	}
	return jobID, t, nil
}

func (g *SbatchGateway) Dial(ctx context.Context, nodeID string) (Transport, error) {
	t, err := g.dial(ctx, nodeID)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing node %s", nodeID)
	}
	return t, nil
}

func (g *SbatchGateway) Cancel(ctx context.Context, jobID uint64) error {
	if err := exec.CommandContext(ctx, "scancel", strconv.FormatUint(jobID, 10)).Run(); err != nil {
		return errors.Wrapf(err, "scancel %d", jobID)
	}
	return nil
}

func (g *SbatchGateway) Status(ctx context.Context, jobID uint64) (JobStatus, error) {
	entries, err := g.Squeue(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	for _, e := range entries {
		if e.JobID == jobID {
			return e.Status, nil
		}
	}
	return StatusCompleted, nil
}

// Squeue parses `squeue --me --name=<job> --format="%i %T %M %N"`
// output into QueueEntry rows: job id, status, elapsed hour:min:sec,
// and node id.
func (g *SbatchGateway) Squeue(ctx context.Context) ([]QueueEntry, error) {
	cmd := exec.CommandContext(ctx, "squeue", "--me", "--name="+g.jobName, "--noheader", "--format=%i %T %M %N")
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "squeue")
	}

	var entries []QueueEntry
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		jobID, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			debug.Log("squeue: skipping unparsable job id %q", fields[0])
			continue
		}
		entries = append(entries, QueueEntry{
			JobID:   jobID,
			Status:  parseSqueueStatus(fields[1]),
			Runtime: fields[2],
			NodeID:  fields[3],
		})
	}
	return entries, nil
}

func parseSqueueStatus(s string) JobStatus {
	switch strings.ToUpper(s) {
	case "RUNNING":
		return StatusRunning
	case "PENDING":
		return StatusQueued
	case "COMPLETED":
		return StatusCompleted
	case "FAILED", "CANCELLED", "TIMEOUT":
		return StatusFailed
	default:
		return StatusUnknown
	}
}
