// Command blobidx-server runs the blob index's HTTP façade, cleaner,
// and job manager as a single long-lived process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/cleaner"
	"github.com/donald-pinckney/blobidx/internal/config"
	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
	"github.com/donald-pinckney/blobidx/internal/httpapi"
	"github.com/donald-pinckney/blobidx/internal/jobmanager"
	"github.com/donald-pinckney/blobidx/internal/kvstore"
	"github.com/donald-pinckney/blobidx/internal/scheduler"
	"github.com/donald-pinckney/blobidx/internal/workerpool"
)

// GlobalOptions holds the flags bound at the root command.
type GlobalOptions struct {
	ConfigFile string
}

var globalOptions GlobalOptions

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "blobidx-server",
		Short:        "Run the blob storage index server",
		SilenceUsage: true,
		RunE:         runServer,
	}

	config.BindFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringVar(&globalOptions.ConfigFile, "config-file", "", "path to a config file")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), globalOptions.ConfigFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.BlobStorageDir, 0755); err != nil {
		return errors.Wrap(err, "creating blob storage directory")
	}

	store, err := kvstore.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := blob.New(ctx, store, blob.Config{MaxFiles: cfg.MaxFiles, LockTimeout: cfg.LockTimeout})
	if err != nil {
		return errors.Wrap(err, "initializing blob index")
	}

	cl := cleaner.New(idx, cfg.LockTimeout)
	go cl.Run(ctx, cfg.LockTimeout/2)

	jm, collectors, err := newJobManager(cfg)
	if err != nil {
		return errors.Wrap(err, "initializing job manager")
	}
	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return errors.Wrap(err, "registering worker pool metrics")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", httpapi.New(idx, jm, cfg.APIKey))

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		debug.Log("listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newGateway builds the scheduler.Gateway the worker pools spawn
// workers through, per cfg.SchedulerKind. "fake" keeps everything
// in-process (the default, for local runs without a real cluster);
// "sbatch" shells out to sbatch/squeue/scancel and reaches running
// jobs over SSH.
func newGateway(cfg *config.Config) (scheduler.Gateway, error) {
	switch cfg.SchedulerKind {
	case "", "fake":
		return scheduler.NewFakeGateway(), nil
	case "sbatch":
		return scheduler.NewSbatchGateway(cfg.WorkerJobName, cfg.WorkerScript, scheduler.NewSSHDialer()), nil
	default:
		return nil, errors.Errorf("unknown scheduler kind %q", cfg.SchedulerKind)
	}
}

// newJobManager builds the transfer and compute worker pools and the
// JobManager driving them, sized via
// jobmanager.SplitWorkerBudget(cfg.MaxWorkerJobs), and returns both
// pools' Prometheus collectors for registration.
func newJobManager(cfg *config.Config) (*jobmanager.JobManager, []prometheus.Collector, error) {
	gw, err := newGateway(cfg)
	if err != nil {
		return nil, nil, err
	}

	xferJobs, computeJobs := jobmanager.SplitWorkerBudget(cfg.MaxWorkerJobs)
	xferPool := workerpool.New("xfer", gw, xferJobs)
	computePool := workerpool.New("compute", gw, computeJobs)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := xferPool.Populate(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "populating transfer worker pool")
	}
	if err := computePool.Populate(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "populating compute worker pool")
	}

	jm := jobmanager.NewWithPools(xferPool, computePool, jobmanager.Config{
		MaxWorkerJobs:  cfg.MaxWorkerJobs,
		ComputeTimeout: cfg.ComputeTimeout,
		ServerURL:      "http://" + cfg.Addr(),
		APIKey:         cfg.APIKey,
		ClientBinary:   cfg.ClientBinary,
		StorageDir:     cfg.BlobStorageDir,
	})

	collectors := append(xferPool.Collectors(), computePool.Collectors()...)
	return jm, collectors, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
