package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
)

// maxConcurrentDownloads bounds how many URLs DownloadAndStore
// fetches at once.
const maxConcurrentDownloads = 10

// keepAliveInterval is how often the background keep-alive loop
// refreshes an open write lease. Must stay comfortably under the
// server's lock timeout.
const keepAliveInterval = 10 * time.Second

// spawnKeepAlive starts a goroutine that calls KeepAliveLock every
// keepAliveInterval until ctx is cancelled, stopping (without
// panicking the caller) the first time a keep-alive request itself
// fails: once a keep-alive is rejected the lease is already lost, so
// there is nothing left to refresh.
func spawnKeepAlive(ctx context.Context, c *Client, fileID uint64) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.KeepAliveLock(ctx, fileID); err != nil {
					debug.Log("keep-alive for file %d failed, stopping: %v", fileID, err)
					return
				}
			}
		}
	}()
	return cancel
}

// WriteEntry is one key/local-file pair to store as part of a single
// write batch; entries are written to the blob file strictly in the
// order given.
type WriteEntry struct {
	Key      string
	NumBytes uint64
	Data     io.Reader
}

// Store reserves space for every entry via CreateAndLock, writes their
// bytes into the shared blob-storage directory strictly in order, then
// releases the lease. A background goroutine keeps the lease alive for
// the duration of the write.
func (c *Client) Store(ctx context.Context, storageDir string, entries []WriteEntry) error {
	blobEntries := make([]blob.BlobEntry, len(entries))
	for i, e := range entries {
		blobEntries[i] = blob.BlobEntry{Key: e.Key, NumBytes: e.NumBytes}
	}

	offset, err := c.CreateAndLock(ctx, blobEntries)
	if err != nil {
		return errors.Wrap(err, "create_and_lock")
	}

	// CreateAndLock returns a single BlobOffset for the whole batch;
	// each entry's own offset is the batch's base offset plus the sum
	// of the NumBytes of every entry before it.
	entryOffsets := make([]uint64, len(entries))
	cursor := offset.ByteOffset
	for i, e := range entries {
		entryOffsets[i] = cursor
		cursor += e.NumBytes
	}

	fileID := offset.FileID
	stopKeepAlive := spawnKeepAlive(ctx, c, fileID)
	defer stopKeepAlive()

	path := filepath.Join(storageDir, offset.FileName)
	flags := os.O_WRONLY
	if offset.NeedsCreation {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening blob file %s", path)
	}
	defer f.Close()

	// The .offset sidecar is an append-only log of "<key>": <offset>
	// lines, one per committed entry. It is never read back by the
	// server; it exists for forensics on the shared filesystem.
	offsetPath := path[:len(path)-len(filepath.Ext(path))] + ".offset"
	offsetFile, err := os.OpenFile(offsetPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening offset sidecar %s", offsetPath)
	}
	defer offsetFile.Close()

	for i, e := range entries {
		if _, err := f.Seek(int64(entryOffsets[i]), io.SeekStart); err != nil {
			return errors.Wrap(err, "seeking blob file")
		}
		if _, err := io.Copy(f, e.Data); err != nil {
			return errors.Wrapf(err, "writing entry %s", e.Key)
		}
		if _, err := offsetFile.WriteString(quoteKey(e.Key) + ": " + uitoa(entryOffsets[i]) + "\n"); err != nil {
			return errors.Wrap(err, "writing offset sidecar")
		}
	}

	if err := c.CreateUnlock(ctx, fileID); err != nil {
		return errors.Wrap(err, "create_unlock")
	}

	return nil
}

// Read fetches key's slice location from the index, then reads the
// exact byte range out of the shared blob-storage directory.
func (c *Client) Read(ctx context.Context, storageDir, key string) ([]byte, error) {
	slice, err := c.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(storageDir, slice.FileName))
	if err != nil {
		return nil, errors.Wrap(err, "opening blob file")
	}
	defer f.Close()

	buf := make([]byte, slice.NumBytes)
	if _, err := f.ReadAt(buf, int64(slice.ByteOffset)); err != nil {
		return nil, errors.Wrap(err, "reading slice")
	}
	return buf, nil
}

// ReadToTempFile fetches key's bytes via Read and writes them to a
// fresh worker-local temp file, returning its path — the form the job
// manager's read job expects back from a worker, rather than the raw
// bytes Read returns for in-process callers.
func (c *Client) ReadToTempFile(ctx context.Context, storageDir, key string) (string, error) {
	data, err := c.Read(ctx, storageDir, key)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "blobidx-read-*")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", errors.Wrap(err, "writing temp file")
	}
	return f.Name(), nil
}

// DownloadResult reports the outcome of fetching one URL as part of a
// DownloadAndStore call.
type DownloadResult struct {
	URL        string
	StatusCode int
	Err        error
}

// DownloadAndStore fetches each URL with bounded concurrency, and
// stores whichever succeed into the blob index under the key the
// caller supplies via keyFor. It proceeds to store the successes even
// if some downloads failed, and only surfaces an overall error when
// none succeeded.
func (c *Client) DownloadAndStore(ctx context.Context, storageDir string, urls []string, keyFor func(url string) string) ([]DownloadResult, error) {
	results := make([]DownloadResult, len(urls))
	sem := semaphore.NewWeighted(maxConcurrentDownloads)
	payloads := make([][]byte, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	var successCount int64
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			data, status, err := fetchURL(gctx, url)
			results[i] = DownloadResult{URL: url, StatusCode: status, Err: err}
			if err != nil {
				return nil // partial failure is tolerated, not fatal
			}
			payloads[i] = data
			atomic.AddInt64(&successCount, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	if successCount == 0 && len(urls) > 0 {
		return results, errors.New("all downloads failed")
	}

	var entries []WriteEntry
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		entries = append(entries, WriteEntry{
			Key:      keyFor(urls[i]),
			NumBytes: uint64(len(payloads[i])),
			Data:     bytes.NewReader(payloads[i]),
		})
	}

	if len(entries) > 0 {
		if err := c.Store(ctx, storageDir, entries); err != nil {
			return results, err
		}
	}

	return results, nil
}

func fetchURL(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func quoteKey(key string) string {
	return `"` + key + `"`
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}
