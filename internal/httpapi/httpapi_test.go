package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/httpapi"
	"github.com/donald-pinckney/blobidx/internal/jobmanager"
	"github.com/donald-pinckney/blobidx/internal/kvstore"
	"github.com/donald-pinckney/blobidx/internal/scheduler"
	"github.com/donald-pinckney/blobidx/internal/workerpool"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := kvstore.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	idx, err := blob.New(context.Background(), store, blob.Config{MaxFiles: 4, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}

	return httptest.NewServer(httpapi.New(idx, nil, apiKey))
}

func postJSON(t *testing.T, url, apiKey string, body interface{}) *http.Response {
	t.Helper()
	return doJSON(t, http.MethodPost, url, apiKey, body)
}

func getJSON(t *testing.T, url, apiKey string, body interface{}) *http.Response {
	t.Helper()
	return doJSON(t, http.MethodGet, url, apiKey, body)
}

func doJSON(t *testing.T, method, url, apiKey string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateLookupRoundTrip(t *testing.T) {
	srv := newTestServer(t, "")
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/blob/create_and_lock", "", httpapi.CreateAndLockRequest{
		Entries: []blob.BlobEntry{{Key: "a", NumBytes: 4}},
		NodeID:  "node1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create_and_lock: expected 200, got %d", resp.StatusCode)
	}
	var offset blob.BlobOffset
	if err := json.NewDecoder(resp.Body).Decode(&offset); err != nil {
		t.Fatalf("decode offset: %v", err)
	}

	resp = postJSON(t, srv.URL+"/blob/create_unlock", "", httpapi.CreateUnlockRequest{
		FileID: offset.FileID, NodeID: "node1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create_unlock: expected 200, got %d", resp.StatusCode)
	}

	resp = getJSON(t, srv.URL+"/blob/lookup", "", httpapi.LookupRequest{Key: "a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup: expected 200, got %d", resp.StatusCode)
	}
}

func TestUnauthorizedWithoutAPIKey(t *testing.T) {
	srv := newTestServer(t, "secret")
	defer srv.Close()

	resp := getJSON(t, srv.URL+"/blob/lookup", "", httpapi.LookupRequest{Key: "a"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = getJSON(t, srv.URL+"/blob/lookup", "secret", httpapi.LookupRequest{Key: "a"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown key with valid api key, got %d", resp.StatusCode)
	}
}

func TestLookupUnknownKeyReturns400(t *testing.T) {
	srv := newTestServer(t, "")
	defer srv.Close()

	resp := getJSON(t, srv.URL+"/blob/lookup", "", httpapi.LookupRequest{Key: "missing"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	// Domain errors travel as a tagged variant, not prose.
	var eb struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if string(eb.Error) != `"DoesNotExist"` {
		t.Fatalf("expected tagged DoesNotExist error, got %s", eb.Error)
	}
}

func TestDomainErrorCarriesTaggedPayload(t *testing.T) {
	srv := newTestServer(t, "")
	defer srv.Close()

	req := httpapi.CreateAndLockRequest{
		Entries: []blob.BlobEntry{{Key: "dup", NumBytes: 1}},
		NodeID:  "node1",
	}
	if resp := postJSON(t, srv.URL+"/blob/create_and_lock", "", req); resp.StatusCode != http.StatusOK {
		t.Fatalf("create_and_lock: expected 200, got %d", resp.StatusCode)
	}

	resp := postJSON(t, srv.URL+"/blob/create_and_lock", "", req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var eb struct {
		Error *blob.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if eb.Error == nil || eb.Error.Kind != blob.ErrAlreadyExists || eb.Error.Key != "dup" {
		t.Fatalf("expected AlreadyExists(dup), got %+v", eb.Error)
	}
}

func TestJobSubmitWithoutJobManagerReturns500(t *testing.T) {
	srv := newTestServer(t, "")
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/job/submit", "", httpapi.SubmitJobRequest{Kind: "download", URLs: []string{"http://x"}})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 when no job manager is configured, got %d", resp.StatusCode)
	}
}

func TestJobSubmitDispatchesToJobManager(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := kvstore.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	idx, err := blob.New(context.Background(), store, blob.Config{MaxFiles: 4, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}

	gw := scheduler.NewFakeGateway()
	gw.NewTransport = func(jobID uint64) scheduler.Transport {
		return &scheduler.FakeTransport{
			RunFunc: func(ctx context.Context, cmd string) (string, error) {
				return `{"type":"Message","data":{"stored":1}}`, nil
			},
		}
	}
	xfer := workerpool.New("xfer", gw, 1)
	if err := xfer.Populate(context.Background()); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	compute := workerpool.New("compute", gw, 1)
	if err := compute.Populate(context.Background()); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	jm := jobmanager.NewWithPools(xfer, compute, jobmanager.Config{MaxWorkerJobs: 2})

	srv := httptest.NewServer(httpapi.New(idx, jm, ""))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/job/submit", "", httpapi.SubmitJobRequest{
		Kind:   "download",
		NodeID: "node1",
		URLs:   []string{"http://good/a"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job/submit: expected 200, got %d", resp.StatusCode)
	}
	var responses []jobmanager.ClientResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		t.Fatalf("decode responses: %v", err)
	}
	if len(responses) != 1 || responses[0].Type != "Message" {
		t.Fatalf("expected one Message response, got %+v", responses)
	}
}
