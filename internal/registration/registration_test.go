package registration

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/txstore"
)

type testEnv struct {
	reg *registry.Registry
	kv  *store.Store
	bus *bus.Bus
	h   *Registration
}

func newTestEnv(t *testing.T) *testEnv {
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
	h := New(reg, kv, b, logger, "", "self-provided", "private-1")

	return &testEnv{reg: reg, kv: kv, bus: b, h: h}
}

func seedPendingRegister(t *testing.T, env *testEnv, origin string) string {
	t.Helper()
	senderTx := txstore.New(env.kv, txstore.IncomerKey("", origin))
	tx, err := senderTx.Set(context.Background(), &model.Transaction{
		Name:            model.EventRegister,
		Origin:          origin,
		MainTransaction: true,
	})
	if err != nil {
		t.Fatalf("seed pending register: %v", err)
	}
	return tx.TransactionID
}

func TestHandle_ApprovesNewIncomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txID := seedPendingRegister(t, env, "origin-1")

	err := env.h.Handle(ctx, model.Envelope{
		Name: model.EventRegister,
		Data: model.RegisterPayload{Name: "svcA", EventsCast: []string{"e"}},
		RedisMetadata: model.RedisMetadata{
			Origin:        "origin-1",
			TransactionID: txID,
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	rec, found, err := env.reg.FindByBaseUUID(ctx, "origin-1")
	if err != nil {
		t.Fatalf("FindByBaseUUID: %v", err)
	}
	if !found {
		t.Fatalf("expected the incomer to be registered")
	}
	if rec.Name != "svcA" {
		t.Fatalf("expected name svcA, got %q", rec.Name)
	}

	dispatcherTx := txstore.New(env.kv, txstore.DispatcherKey(""))
	all, err := dispatcherTx.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one dispatcher-side approvement transaction, got %d", len(all))
	}
	for _, tx := range all {
		if tx.Name != model.EventApprovement {
			t.Fatalf("expected an approvement transaction, got %q", tx.Name)
		}
		if tx.RelatedTransaction == nil || *tx.RelatedTransaction != txID {
			t.Fatalf("expected the approvement to reference the register transaction")
		}
	}
}

func TestHandle_RejectsMissingPendingTransaction(t *testing.T) {
	env := newTestEnv(t)
	err := env.h.Handle(context.Background(), model.Envelope{
		Name:          model.EventRegister,
		RedisMetadata: model.RedisMetadata{Origin: "origin-1", TransactionID: "never-seeded"},
	})
	if err == nil {
		t.Fatalf("expected an error when no pending transaction exists")
	}
}

func TestHandle_RejectsDuplicateRegistration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txID := seedPendingRegister(t, env, "origin-1")

	if err := env.h.Handle(ctx, model.Envelope{
		Name:          model.EventRegister,
		Data:          model.RegisterPayload{Name: "svcA"},
		RedisMetadata: model.RedisMetadata{Origin: "origin-1", TransactionID: txID},
	}); err != nil {
		t.Fatalf("first Handle: %v", err)
	}

	txID2 := seedPendingRegister(t, env, "origin-1")
	err := env.h.Handle(ctx, model.Envelope{
		Name:          model.EventRegister,
		Data:          model.RegisterPayload{Name: "svcA"},
		RedisMetadata: model.RedisMetadata{Origin: "origin-1", TransactionID: txID2},
	})
	if err == nil {
		t.Fatalf("expected the re-registration to be rejected")
	}

	all, err := env.reg.GetIncomers(ctx)
	if err != nil {
		t.Fatalf("GetIncomers: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one registered incomer after the duplicate attempt, got %d", len(all))
	}

	dispatcherTx := txstore.New(env.kv, txstore.DispatcherKey(""))
	dAll, err := dispatcherTx.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for _, tx := range dAll {
		if tx.IsRelatedTo(txID2) {
			t.Fatalf("expected the duplicate's pending approvement to be deleted")
		}
	}
}
