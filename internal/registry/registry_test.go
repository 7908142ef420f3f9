package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
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
	kv := store.New(wrapper, "", logger)
	return New(kv, "", logger)
}

func TestRegistry_SetIncomerAllocatesUUID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.SetIncomer(ctx, &model.Incomer{BaseUUID: "base-1", Name: "foo"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty ProvidedUUID")
	}

	rec, ok, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected the record to be retrievable")
	}
	if rec.AliveSince == 0 || rec.LastActivity == 0 {
		t.Fatalf("expected AliveSince/LastActivity to be stamped")
	}
}

func TestRegistry_FindByBaseUUID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.SetIncomer(ctx, &model.Incomer{BaseUUID: "dup-base", Name: "foo"}); err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}

	rec, found, err := r.FindByBaseUUID(ctx, "dup-base")
	if err != nil {
		t.Fatalf("FindByBaseUUID: %v", err)
	}
	if !found {
		t.Fatalf("expected to find the registered base uuid")
	}
	if rec.Name != "foo" {
		t.Fatalf("expected name foo, got %q", rec.Name)
	}

	_, found, err = r.FindByBaseUUID(ctx, "never-registered")
	if err != nil {
		t.Fatalf("FindByBaseUUID: %v", err)
	}
	if found {
		t.Fatalf("expected not to find an unregistered base uuid")
	}
}

func TestRegistry_UpdateIncomerState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.SetIncomer(ctx, &model.Incomer{BaseUUID: "base-1", Name: "foo"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	rec, _, _ := r.Get(ctx, id)
	before := rec.LastActivity

	time.Sleep(2 * time.Millisecond)
	if err := r.UpdateIncomerState(ctx, id); err != nil {
		t.Fatalf("UpdateIncomerState: %v", err)
	}

	rec, _, _ = r.Get(ctx, id)
	if rec.LastActivity <= before {
		t.Fatalf("expected LastActivity to advance, before=%d after=%d", before, rec.LastActivity)
	}
}

func TestRegistry_DeleteIncomer(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.SetIncomer(ctx, &model.Incomer{BaseUUID: "base-1", Name: "foo"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	if err := r.DeleteIncomer(ctx, id, "idle"); err != nil {
		t.Fatalf("DeleteIncomer: %v", err)
	}
	_, ok, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected the record to be gone after eviction")
	}
}

func TestRegistry_ActiveDispatcherPeer(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	peerID, err := r.SetIncomer(ctx, &model.Incomer{BaseUUID: "peer-base", Name: "dispatcher"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	rec, _, _ := r.Get(ctx, peerID)
	rec.IsDispatcherActiveInstance = true
	if err := r.UpdateIncomer(ctx, rec); err != nil {
		t.Fatalf("UpdateIncomer: %v", err)
	}

	peer, found, err := r.ActiveDispatcherPeer(ctx, "dispatcher", "self-base", time.Hour)
	if err != nil {
		t.Fatalf("ActiveDispatcherPeer: %v", err)
	}
	if !found {
		t.Fatalf("expected to find a live active peer")
	}
	if peer.ProvidedUUID != peerID {
		t.Fatalf("expected peer %s, got %s", peerID, peer.ProvidedUUID)
	}

	// Stale peer (LastActivity outside idleTime) should not count.
	rec.LastActivity = time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := r.UpdateIncomer(ctx, rec); err != nil {
		t.Fatalf("UpdateIncomer: %v", err)
	}
	_, found, err = r.ActiveDispatcherPeer(ctx, "dispatcher", "self-base", time.Hour)
	if err != nil {
		t.Fatalf("ActiveDispatcherPeer: %v", err)
	}
	if found {
		t.Fatalf("expected a stale peer to be ignored")
	}
}

func TestRegistry_SubscribersAndCasters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.SetIncomer(ctx, &model.Incomer{
		BaseUUID:        "b1",
		Name:            "svcA",
		EventsCast:      []string{"accountingFolder"},
		EventsSubscribe: []model.EventSubscription{{Name: "orderPlaced"}},
	}); err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	if _, err := r.SetIncomer(ctx, &model.Incomer{
		BaseUUID:        "b2",
		Name:            "svcB",
		EventsSubscribe: []model.EventSubscription{{Name: "accountingFolder"}},
	}); err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}

	casters, err := r.CastersOf(ctx, "accountingFolder")
	if err != nil {
		t.Fatalf("CastersOf: %v", err)
	}
	if len(casters) != 1 || casters[0].Name != "svcA" {
		t.Fatalf("expected exactly svcA as caster, got %+v", casters)
	}

	subs, err := r.Subscribers(ctx, "accountingFolder")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 1 || subs[0].Name != "svcB" {
		t.Fatalf("expected exactly svcB as subscriber, got %+v", subs)
	}
}
