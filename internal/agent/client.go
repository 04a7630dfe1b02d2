// Package agent implements the client agent that runs
// on compute nodes, talking to the index server's HTTP façade to
// reserve space, write blob bytes directly to the shared filesystem,
// and release the lease — plus the read and compute subcommands that
// fetch previously-written slices.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
)

// Client talks to one index server's HTTP façade.
type Client struct {
	baseURL string
	apiKey  string
	nodeID  string
	http    *http.Client
}

// NewClient builds a Client. The overall timeout is long, since
// transfers can be large; debug.RoundTripper logs every request when
// BLOBIDX_DEBUG is set.
func NewClient(baseURL, apiKey, nodeID string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		nodeID:  nodeID,
		http: &http.Client{
			Timeout:   10 * time.Minute,
			Transport: debug.RoundTripper(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb struct {
			Error json.RawMessage `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if len(eb.Error) > 0 {
			// Domain errors arrive as a tagged variant; reconstruct the
			// blob.Error so callers can dispatch on its kind. Anything
			// that doesn't parse as one is reported verbatim.
			var be blob.Error
			if jsonErr := json.Unmarshal(eb.Error, &be); jsonErr == nil {
				return &be
			}
			return errors.Errorf("server error (%d): %s", resp.StatusCode, eb.Error)
		}
		return errors.Errorf("server returned status %d", resp.StatusCode)
	}

	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// CreateAndLock reserves space for entries, returning the single
// BlobOffset the batch as a whole begins at.
func (c *Client) CreateAndLock(ctx context.Context, entries []blob.BlobEntry) (blob.BlobOffset, error) {
	var offset blob.BlobOffset
	err := c.do(ctx, http.MethodPost, "/blob/create_and_lock", struct {
		Entries []blob.BlobEntry `json:"entries"`
		NodeID  string           `json:"node_id"`
	}{Entries: entries, NodeID: c.nodeID}, &offset)
	return offset, err
}

// CreateUnlock releases the write lease on fileID.
func (c *Client) CreateUnlock(ctx context.Context, fileID uint64) error {
	return c.do(ctx, http.MethodPost, "/blob/create_unlock", struct {
		FileID uint64 `json:"file_id"`
		NodeID string `json:"node_id"`
	}{FileID: fileID, NodeID: c.nodeID}, nil)
}

// KeepAliveLock refreshes the lease on fileID.
func (c *Client) KeepAliveLock(ctx context.Context, fileID uint64) error {
	return c.do(ctx, http.MethodPost, "/blob/keep_alive_lock", struct {
		FileID uint64 `json:"file_id"`
	}{FileID: fileID}, nil)
}

// Lookup resolves key to its stored byte range. The key travels in a
// JSON body, like every other route, despite the GET method.
func (c *Client) Lookup(ctx context.Context, key string) (blob.Slice, error) {
	var slice blob.Slice
	err := c.do(ctx, http.MethodGet, "/blob/lookup", struct {
		Key string `json:"key"`
	}{Key: key}, &slice)
	return slice, err
}
