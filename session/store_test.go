package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// exerciseStore runs the Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	state := State{
		History:  json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Plan:     json.RawMessage(`[{"id":"1","description":"step","status":"pending"}]`),
		Metadata: map[string]string{"mission": "hi"},
	}
	if err := s.Save(ctx, "b-session", state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "a-session", State{History: json.RawMessage(`[]`)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "b-session")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != "b-session" {
		t.Errorf("expected id to be stamped, got %q", got.ID)
	}
	if string(got.History) != string(state.History) || string(got.Plan) != string(state.Plan) {
		t.Errorf("round trip changed payloads: %s / %s", got.History, got.Plan)
	}
	if !reflect.DeepEqual(got.Metadata, state.Metadata) {
		t.Errorf("round trip changed metadata: %v", got.Metadata)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"a-session", "b-session"}) {
		t.Errorf("expected sorted ids, got %v", ids)
	}

	if err := s.Delete(ctx, "a-session"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "a-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "a-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := s.Save(ctx, "", state); err == nil {
		t.Error("expected an error for an empty id")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	md := map[string]string{"k": "v"}
	if err := s.Save(ctx, "x", State{Metadata: md}); err != nil {
		t.Fatal(err)
	}
	md["k"] = "changed"

	got, _ := s.Load(ctx, "x")
	if got.Metadata["k"] != "v" {
		t.Error("Save should copy metadata")
	}
	got.Metadata["k"] = "again"
	again, _ := s.Load(ctx, "x")
	if again.Metadata["k"] != "v" {
		t.Error("Load should return a copy")
	}
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryStore().Save(ctx, "x", State{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REACTOR_TEST_REDIS")
	if addr == "" {
		t.Skip("REACTOR_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	prefix := "reactor-test:" + uuid.New().String() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})
	exerciseStore(t, NewRedisStore(rdb, WithKeyPrefix(prefix)))
}

func TestRedisStorePrunesExpired(t *testing.T) {
	addr := os.Getenv("REACTOR_TEST_REDIS")
	if addr == "" {
		t.Skip("REACTOR_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	prefix := "reactor-test:" + uuid.New().String() + ":"
	s := NewRedisStore(rdb, WithKeyPrefix(prefix), WithTTL(50*time.Millisecond))
	t.Cleanup(func() { rdb.Del(ctx, prefix+"index") })

	if err := s.Save(ctx, "short-lived", State{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expired session should be pruned, got %v", ids)
	}
}
