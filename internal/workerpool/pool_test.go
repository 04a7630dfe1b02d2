package workerpool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/donald-pinckney/blobidx/internal/scheduler"
	"github.com/donald-pinckney/blobidx/internal/workerpool"
)

func TestPopulateSpawnsUpToCapacity(t *testing.T) {
	gw := scheduler.NewFakeGateway()
	pool := workerpool.New("xfer", gw, 3)

	if err := pool.Populate(context.Background()); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	entries, err := gw.Squeue(context.Background())
	if err != nil {
		t.Fatalf("Squeue: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 spawned jobs, got %d", len(entries))
	}
}

func TestGetWorkerRoundTrip(t *testing.T) {
	ctx := context.Background()
	gw := scheduler.NewFakeGateway()
	pool := workerpool.New("compute", gw, 1)

	if err := pool.Populate(ctx); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	guard, err := pool.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	jobID := guard.Worker().JobID
	guard.Release()

	guard2, err := pool.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker after release: %v", err)
	}
	if guard2.Worker().JobID != jobID {
		t.Fatalf("expected to get the same worker back, got %d want %d", guard2.Worker().JobID, jobID)
	}
	guard2.Release()
}

func TestGetWorkerBlocksUntilReleased(t *testing.T) {
	ctx := context.Background()
	gw := scheduler.NewFakeGateway()
	pool := workerpool.New("compute", gw, 1)
	if err := pool.Populate(ctx); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	guard, err := pool.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}

	done := make(chan struct{})
	go func() {
		g2, err := pool.GetWorker(ctx)
		if err != nil {
			t.Errorf("GetWorker: %v", err)
			return
		}
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second GetWorker returned before the first was released")
	case <-time.After(30 * time.Millisecond):
	}

	guard.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second GetWorker never unblocked after release")
	}
}

func TestGetWorkerWaitsForAdoptedQueuedJob(t *testing.T) {
	ctx := context.Background()
	gw := scheduler.NewFakeGateway()
	gw.SeedJob(42, scheduler.StatusQueued, "")

	pool := workerpool.New("compute", gw, 1)
	if err := pool.Populate(ctx); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		gw.SetStatus(42, scheduler.StatusRunning, "node1")
	}()

	guard, err := pool.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	defer guard.Release()

	if guard.Worker().JobID != 42 {
		t.Fatalf("expected adopted job 42, got %d", guard.Worker().JobID)
	}
	if guard.Worker().Transport == nil {
		t.Fatalf("expected GetWorker to have dialed a transport for the adopted job")
	}
}

func TestGetWorkerReplacesDeadAdoptedJob(t *testing.T) {
	ctx := context.Background()
	gw := scheduler.NewFakeGateway()
	gw.SeedJob(42, scheduler.StatusRunning, "node1")
	// FakeGateway.Dial always invokes NewTransport(0); a nonzero jobID
	// only ever comes from a fresh Spawn. So jobID 0 here means "this is
	// the dial for the adopted job" and is made to fail liveness, while
	// the worker spawned to replace it gets a working transport.
	gw.NewTransport = func(jobID uint64) scheduler.Transport {
		if jobID != 0 {
			return &scheduler.FakeTransport{}
		}
		return &scheduler.FakeTransport{
			RunFunc: func(ctx context.Context, cmd string) (string, error) {
				return "", errors.New("node unreachable")
			},
		}
	}

	pool := workerpool.New("compute", gw, 1)
	if err := pool.Populate(ctx); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	guard, err := pool.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	defer guard.Release()

	if guard.Worker().JobID == 42 {
		t.Fatalf("expected the unreachable adopted job to be replaced, got it back")
	}
}
