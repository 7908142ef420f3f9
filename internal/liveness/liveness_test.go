package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
	"github.com/evtmesh/dispatcher/internal/config"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/txstore"
)

type testEnv struct {
	reg *registry.Registry
	kv  *store.Store
	bus *bus.Bus
}

func newTestEnv(t *testing.T, idleTime time.Duration) (*testEnv, *Liveness) {
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
	reg := registry.New(kv, "", logger)
	b := bus.New(wrapper, logger, 16)
	t.Cleanup(b.Close)

	live := config.NewLive(&config.Options{IdleTime: idleTime, PingInterval: time.Hour, CheckLastActivityInterval: time.Hour})
	l := New(reg, kv, b, logger, func() bool { return true }, func(ctx context.Context, providedUUID string) error {
		return reg.DeleteIncomer(ctx, providedUUID, "idle")
	}, "", "self-base", "private-1", live)

	return &testEnv{reg: reg, kv: kv, bus: b}, l
}

func TestPingRound_SelfRecordBumpedDirectly(t *testing.T) {
	env, l := newTestEnv(t, time.Hour)
	ctx := context.Background()

	selfID, err := env.reg.SetIncomer(ctx, &model.Incomer{BaseUUID: "self-base", Name: "dispatcher"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	otherID, err := env.reg.SetIncomer(ctx, &model.Incomer{BaseUUID: "other-base", Name: "svc"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}

	l.PingOnce(ctx)

	self, _, _ := env.reg.Get(ctx, selfID)
	if self.LastActivity == 0 {
		t.Fatalf("expected self's LastActivity to be bumped directly")
	}

	dispatcherTx := txstore.New(env.kv, txstore.DispatcherKey(""))
	all, err := dispatcherTx.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one ping transaction (for the non-self incomer), got %d", len(all))
	}
	for _, tx := range all {
		if tx.To != otherID {
			t.Fatalf("expected the ping to target %s, got %s", otherID, tx.To)
		}
		if !tx.MainTransaction {
			t.Fatalf("expected the dispatcher ping to be a main transaction")
		}
	}
}

func TestCheckLastActivity_EvictsStaleCandidate(t *testing.T) {
	env, l := newTestEnv(t, time.Millisecond)
	ctx := context.Background()

	staleID, err := env.reg.SetIncomer(ctx, &model.Incomer{BaseUUID: "stale-base", Name: "svc"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	l.checkLastActivity(ctx)

	if _, ok, _ := env.reg.Get(ctx, staleID); ok {
		t.Fatalf("expected the stale incomer to be evicted")
	}
}

func TestCheckLastActivity_RecentPingKeepsIncomerAlive(t *testing.T) {
	idleTime := 20 * time.Millisecond
	env, l := newTestEnv(t, idleTime)
	ctx := context.Background()

	id, err := env.reg.SetIncomer(ctx, &model.Incomer{BaseUUID: "b1", Name: "svc"})
	if err != nil {
		t.Fatalf("SetIncomer: %v", err)
	}

	// The incomer's LastActivity is stamped now; the ping ack's AliveSince
	// is stamped a bit later so it is still "recent" when LastActivity has
	// already crossed idleTime.
	time.Sleep(15 * time.Millisecond)
	incomerTx := txstore.New(env.kv, txstore.IncomerKey("", id))
	if _, err := incomerTx.Set(ctx, &model.Transaction{Name: model.EventPing, Origin: id, Resolved: true}); err != nil {
		t.Fatalf("seed ping ack: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	l.checkLastActivity(ctx)

	if _, ok, _ := env.reg.Get(ctx, id); !ok {
		t.Fatalf("expected the incomer with a recent ping transaction to survive eviction")
	}

	all, err := incomerTx.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected the stale ping transaction to be cleaned up, got %d remaining", len(all))
	}
}
