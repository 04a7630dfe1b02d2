// Package config loads the settings that drive the index server: the
// blob store knobs plus the job manager's worker-pool sizing. The
// client agent does not use it. Values are layered, lowest priority first:
// built-in defaults, a config file, environment variables, then
// explicit CLI flags.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/donald-pinckney/blobidx/internal/errors"
)

// Config holds every recognized setting: max_files, lock_timeout_secs,
// max_worker_jobs, blob_storage_dir, redis_url, api_key, host, port,
// plus the job manager's scheduler and compute settings below. Flags
// and config-file keys spell them with hyphens (max-files); environment
// variables use the BLOBIDX_ prefix and underscores (BLOBIDX_MAX_FILES).
type Config struct {
	MaxFiles       int
	LockTimeout    time.Duration
	MaxWorkerJobs  int
	BlobStorageDir string
	RedisURL       string
	APIKey         string
	Host           string
	Port           int

	// SchedulerKind selects the compute fabric the job manager's worker
	// pools spawn into: "fake" (in-process, for local/dev runs without a
	// real cluster) or "sbatch" (sbatch/squeue/scancel plus SSH).
	SchedulerKind  string
	WorkerJobName  string
	WorkerScript   string
	ClientBinary   string
	ComputeTimeout time.Duration
}

// BindFlags registers blobidx-server's persistent flags.
func BindFlags(flags *pflag.FlagSet) {
	flags.Int("max-files", 64, "maximum number of backing blob files")
	flags.Int("lock-timeout-secs", 30, "seconds of inactivity before a write lease is reclaimed")
	flags.Int("max-worker-jobs", 8, "maximum number of concurrently scheduled compute/transfer workers")
	flags.String("blob-storage-dir", "./blob-storage", "directory holding blob_<file_id>.bin/.offset files")
	flags.String("redis-url", "redis://127.0.0.1:6379/0", "connection string for the persistent KV mirror")
	flags.String("api-key", "", "shared secret required in the Authorization header")
	flags.String("host", "127.0.0.1", "address the HTTP façade listens on")
	flags.Int("port", 8080, "port the HTTP façade listens on")

	flags.String("scheduler", "fake", "compute fabric backing the worker pools: fake or sbatch")
	flags.String("worker-job-name", "blobidx-worker", "sbatch --job-name given to spawned worker jobs")
	flags.String("worker-script", "./worker.sh", "script sbatch submits to spawn a worker")
	flags.String("client-binary", "blobidx-client", "path to the client agent binary on each worker")
	flags.Int("compute-timeout-secs", 300, "seconds a single compute invocation may run before its worker is replaced")
}

// Load reads configuration from (in increasing priority) a config file,
// BLOBIDX_-prefixed environment variables, and already-parsed flags.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BLOBIDX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}

	cfg := &Config{
		MaxFiles:       v.GetInt("max-files"),
		LockTimeout:    time.Duration(v.GetInt("lock-timeout-secs")) * time.Second,
		MaxWorkerJobs:  v.GetInt("max-worker-jobs"),
		BlobStorageDir: v.GetString("blob-storage-dir"),
		RedisURL:       v.GetString("redis-url"),
		APIKey:         v.GetString("api-key"),
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),

		SchedulerKind:  v.GetString("scheduler"),
		WorkerJobName:  v.GetString("worker-job-name"),
		WorkerScript:   v.GetString("worker-script"),
		ClientBinary:   v.GetString("client-binary"),
		ComputeTimeout: time.Duration(v.GetInt("compute-timeout-secs")) * time.Second,
	}

	if cfg.MaxFiles < 1 {
		return nil, errors.New("max-files must be at least 1")
	}
	if cfg.MaxWorkerJobs < 1 {
		return nil, errors.New("max-worker-jobs must be at least 1")
	}

	return cfg, nil
}

// Addr returns the host:port the HTTP façade should bind to.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
