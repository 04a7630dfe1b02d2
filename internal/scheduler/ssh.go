package scheduler

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/donald-pinckney/blobidx/internal/errors"
)

// sshTransport runs commands on a remote node by shelling out to the
// system ssh client — a thin os/exec wrapper, matching
// SbatchGateway's own choice to shell out to the scheduler CLIs
// instead of linking a client library.
type sshTransport struct {
	nodeID string
	jump   string // optional jump host, for SpawnJumped
}

func (t *sshTransport) RunCommand(ctx context.Context, cmd string) (string, error) {
	args := []string{}
	if t.jump != "" {
		args = append(args, "-J", t.jump)
	}
	args = append(args, t.nodeID, cmd)

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return stdout.String(), errors.Wrapf(err, "ssh %s: %s", t.nodeID, stderr.String())
	}
	return stdout.String(), nil
}

func (t *sshTransport) Close() error { return nil }

// NewSSHDialer returns an SSHDialer that reaches a node by shelling
// out to the system ssh client.
func NewSSHDialer() SSHDialer {
	return func(ctx context.Context, nodeID string) (Transport, error) {
		return &sshTransport{nodeID: nodeID}, nil
	}
}
