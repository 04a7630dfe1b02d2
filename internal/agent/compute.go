package agent

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/donald-pinckney/blobidx/internal/errors"
)

// ComputeResult is the per-invocation outcome returned by RunCompute
// and RunComputeMulti.
type ComputeResult struct {
	ExitCode int
	Stdout   string // base64
	Stderr   string // base64
}

// RunCompute fetches each key's slice into its own scratch file and
// invokes binary once per key, with that key's scratch path as the
// sole argument, collecting one ComputeResult per key.
func (c *Client) RunCompute(ctx context.Context, storageDir, binary string, keys []string) (map[string]ComputeResult, error) {
	results := make(map[string]ComputeResult, len(keys))
	for _, key := range keys {
		scratch, err := os.MkdirTemp("", "blobidx-compute-*")
		if err != nil {
			return nil, errors.Wrap(err, "creating scratch directory")
		}

		data, err := c.Read(ctx, storageDir, key)
		if err != nil {
			cleanupScratch(scratch)
			return nil, errors.Wrapf(err, "fetching slice for key %s", key)
		}
		path := filepath.Join(scratch, sanitizeFileName(key))
		if err := os.WriteFile(path, data, 0644); err != nil {
			cleanupScratch(scratch)
			return nil, errors.Wrapf(err, "writing scratch file for key %s", key)
		}

		res, err := runBinary(ctx, binary, []string{path})
		cleanupScratch(scratch)
		if err != nil {
			return nil, err
		}
		results[key] = res
	}
	return results, nil
}

// RunComputeMulti groups keys (already split by the caller) and
// invokes binary once per group, with the group's fetched paths each
// passed as their own argument. "&" only ever joins the group's keys
// for transport between the job manager and this agent, never the
// process's own argv.
func (c *Client) RunComputeMulti(ctx context.Context, storageDir, binary string, keyGroups [][]string) ([]ComputeResult, error) {
	results := make([]ComputeResult, len(keyGroups))
	for i, group := range keyGroups {
		scratch, err := os.MkdirTemp("", "blobidx-compute-*")
		if err != nil {
			return nil, errors.Wrap(err, "creating scratch directory")
		}

		paths := make([]string, len(group))
		for j, key := range group {
			data, err := c.Read(ctx, storageDir, key)
			if err != nil {
				cleanupScratch(scratch)
				return nil, errors.Wrapf(err, "fetching slice for key %s", key)
			}
			path := filepath.Join(scratch, sanitizeFileName(key))
			if err := os.WriteFile(path, data, 0644); err != nil {
				cleanupScratch(scratch)
				return nil, errors.Wrapf(err, "writing scratch file for key %s", key)
			}
			paths[j] = path
		}

		res, err := runBinary(ctx, binary, paths)
		cleanupScratch(scratch)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

func runBinary(ctx context.Context, binary string, args []string) (ComputeResult, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return ComputeResult{}, errors.Wrapf(err, "binary does not exist: %s", binary)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ComputeResult{}, errors.Wrap(err, "running compute binary")
		}
	}

	return ComputeResult{
		ExitCode: exitCode,
		Stdout:   base64.RawStdEncoding.EncodeToString([]byte(stdout.String())),
		Stderr:   base64.RawStdEncoding.EncodeToString([]byte(stderr.String())),
	}, nil
}

func cleanupScratch(dir string) {
	_ = os.Chmod(dir, 0755)
	_ = os.RemoveAll(dir)
}

func sanitizeFileName(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "/", "_"), "\x00", "_")
}
