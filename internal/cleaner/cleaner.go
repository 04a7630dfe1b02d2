// Package cleaner implements the background sweep that
// reclaims write leases abandoned by clients that stopped sending
// keep-alives (crashed, lost network, or simply never unlocked).
package cleaner

import (
	"context"
	"time"

	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/debug"
)

// Cleaner periodically sweeps an Index for expired write leases.
type Cleaner struct {
	idx     *blob.Index
	timeout time.Duration
}

// New returns a Cleaner that reclaims leases idle for longer than
// timeout (the index's configured lock_timeout).
func New(idx *blob.Index, timeout time.Duration) *Cleaner {
	return &Cleaner{idx: idx, timeout: timeout}
}

// Run sweeps the index every period until ctx is cancelled. It is
// intended to be run in its own goroutine for the lifetime of the
// server process.
func (c *Cleaner) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.idx.ExpireStaleLocks(ctx, c.timeout)
			if err != nil {
				debug.Log("cleaner sweep failed: %v", err)
				continue
			}
			if n > 0 {
				debug.Log("cleaner reclaimed %d expired lease(s)", n)
			}
		}
	}
}
