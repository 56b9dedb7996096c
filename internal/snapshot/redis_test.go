package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/taskfront/intake/model"
)

func newTestRedisStore(t *testing.T, ttls TTLs) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ttls), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t, testTTLs())
	const key = "user:u7"

	if _, ok, err := store.GetSnapshot(ctx, key); ok || err != nil {
		t.Fatalf("empty GetSnapshot = %v, %v", ok, err)
	}

	if err := store.PutSnapshot(ctx, key, testPayload()); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	p, ok, err := store.GetSnapshot(ctx, key)
	if err != nil || !ok || p.Progress.CurrentStep != 3 {
		t.Fatalf("GetSnapshot = %+v, %v, %v", p, ok, err)
	}

	if err := store.PutDraftID(ctx, key, "d-42"); err != nil {
		t.Fatal(err)
	}
	id, ok, _ := store.GetDraftID(ctx, key)
	if !ok || id != "d-42" {
		t.Errorf("GetDraftID = %q, %v", id, ok)
	}

	if err := store.ClearAll(ctx, key); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if _, ok, _ := store.GetDraftID(ctx, key); ok {
		t.Error("draft id survived ClearAll")
	}
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, TTLs{
		Snapshot: 10 * time.Minute,
		Guard:    time.Minute,
		Pending:  time.Minute,
	})
	const key = "anon:v1"

	if err := store.PutSnapshot(ctx, key, testPayload()); err != nil {
		t.Fatal(err)
	}
	if err := store.PutGuard(ctx, key, 2); err != nil {
		t.Fatal(err)
	}

	// The guard expires first; the snapshot outlives it.
	mr.FastForward(2 * time.Minute)

	if _, ok, err := store.GetGuard(ctx, key); ok || err != nil {
		t.Errorf("expired guard: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.GetSnapshot(ctx, key); !ok || err != nil {
		t.Errorf("live snapshot: ok=%v err=%v", ok, err)
	}
}

func TestRedisStorePendingType(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t, testTTLs())
	const key = "anon:v2"

	if err := store.PutPendingType(ctx, key, model.WorkTypeDataExploration); err != nil {
		t.Fatal(err)
	}
	wt, ok, _ := store.GetPendingType(ctx, key)
	if !ok || wt != model.WorkTypeDataExploration {
		t.Errorf("GetPendingType = %q, %v", wt, ok)
	}

	if err := store.ClearPendingType(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.GetPendingType(ctx, key); ok {
		t.Error("pending type survived clear")
	}
}
