package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
)

func newTestStore(t *testing.T, prefix string) *Store {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	wrapper := circuitbreaker.NewRedisWrapper(client, logger)
	return New(wrapper, prefix, logger)
}

func TestStore_GetMissingKeyReturnsFalse(t *testing.T) {
	s := newTestStore(t, "test-")
	ctx := context.Background()

	var dst map[string]string
	ok, err := s.Get(ctx, "nope", &dst)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	s := newTestStore(t, "test-")
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}
	if err := s.Set(ctx, "thing", payload{Name: "foo"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got payload
	ok, err := s.Get(ctx, "thing", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if got.Name != "foo" {
		t.Fatalf("expected name=foo, got %q", got.Name)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t, "test-")
	ctx := context.Background()

	if err := s.Set(ctx, "thing", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "thing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var dst string
	ok, err := s.Get(ctx, "thing", &dst)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestStore_Namespacing(t *testing.T) {
	s := newTestStore(t, "myprefix-")
	ctx := context.Background()

	if err := s.Set(ctx, "key", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.key("key") != "myprefix-key" {
		t.Fatalf("expected namespaced key, got %q", s.key("key"))
	}
}
