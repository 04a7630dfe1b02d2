package kvstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/donald-pinckney/blobidx/internal/kvstore"
)

func newTestStore(t *testing.T) kvstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kvstore.NewRedisStoreFromClient(client)
}

func TestRedisStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing key to be not found, got found=%v err=%v", found, err)
	}

	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, found, err := store.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Fatalf("expected v=%q found=true, got v=%q found=%v err=%v", "v", v, found, err)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, found, _ := store.Get(ctx, "k"); found {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestRedisStoreHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.HashSet(ctx, kvstore.FilePoolKey, "0", "file_0"); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := store.HashSet(ctx, kvstore.FilePoolKey, "1", "file_1"); err != nil {
		t.Fatalf("hset: %v", err)
	}

	m, err := store.HashGetAll(ctx, kvstore.FilePoolKey)
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if m["0"] != "file_0" || m["1"] != "file_1" {
		t.Fatalf("unexpected hash contents: %v", m)
	}
}
