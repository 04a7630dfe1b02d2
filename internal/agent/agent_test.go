package agent_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/donald-pinckney/blobidx/internal/agent"
	"github.com/donald-pinckney/blobidx/internal/blob"
	"github.com/donald-pinckney/blobidx/internal/httpapi"
	"github.com/donald-pinckney/blobidx/internal/kvstore"
)

func newTestServer(t *testing.T) *httptest.Server {
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
	return httptest.NewServer(httpapi.New(idx, nil, ""))
}

func TestStoreAndRead(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	dir := t.TempDir()
	c := agent.NewClient(srv.URL, "", "node1")

	err := c.Store(context.Background(), dir, []agent.WriteEntry{
		{Key: "a", NumBytes: 5, Data: strings.NewReader("hello")},
		{Key: "b", NumBytes: 5, Data: strings.NewReader("world")},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	data, err := c.Read(context.Background(), dir, "a")
	if err != nil {
		t.Fatalf("Read(a): %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}

	data, err = c.Read(context.Background(), dir, "b")
	if err != nil {
		t.Fatalf("Read(b): %v", err)
	}
	if string(data) != "world" {
		t.Fatalf("expected %q, got %q", "world", data)
	}
}

func TestClientReconstructsBlobError(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := agent.NewClient(srv.URL, "", "node1")

	_, err := c.Lookup(context.Background(), "missing")
	be, ok := blob.AsError(err)
	if !ok || be.Kind != blob.ErrDoesNotExist {
		t.Fatalf("expected DoesNotExist, got %v", err)
	}

	if _, err := c.CreateAndLock(context.Background(), []blob.BlobEntry{{Key: "taken", NumBytes: 1}}); err != nil {
		t.Fatalf("CreateAndLock: %v", err)
	}
	_, err = c.CreateAndLock(context.Background(), []blob.BlobEntry{{Key: "taken", NumBytes: 1}})
	be, ok = blob.AsError(err)
	if !ok || be.Kind != blob.ErrAlreadyExists || be.Key != "taken" {
		t.Fatalf("expected AlreadyExists(taken), got %v", err)
	}
}

func TestDownloadAndStore(t *testing.T) {
	payload := "downloaded-bytes"
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	srv := newTestServer(t)
	defer srv.Close()

	dir := t.TempDir()
	c := agent.NewClient(srv.URL, "", "node1")

	results, err := c.DownloadAndStore(context.Background(), dir, []string{upstream.URL + "/file"}, func(url string) string {
		return "downloaded-key"
	})
	if err != nil {
		t.Fatalf("DownloadAndStore: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}

	data, err := c.Read(context.Background(), dir, "downloaded-key")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("expected %q, got %q", payload, data)
	}
}
