// Package registration implements the registration handler (§4.5 of the
// core specification): approves new incomers, allocates their private
// channel, and rejects duplicate registrations.
package registration

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/txstore"
)

// Registration handles inbound "register" envelopes.
type Registration struct {
	reg              *registry.Registry
	kv               *store.Store
	bus              *bus.Bus
	dispatcherTx     *txstore.Store
	logger           *zap.Logger
	prefix           string
	selfProvidedUUID string
	privateUUID      string
	dispatcherChan   string
}

// New creates a Registration handler.
func New(reg *registry.Registry, kv *store.Store, b *bus.Bus, logger *zap.Logger, prefix, selfProvidedUUID, privateUUID string) *Registration {
	return &Registration{
		reg:              reg,
		kv:               kv,
		bus:              b,
		dispatcherTx:     txstore.New(kv, txstore.DispatcherKey(prefix)),
		logger:           logger,
		prefix:           prefix,
		selfProvidedUUID: selfProvidedUUID,
		privateUUID:      privateUUID,
		dispatcherChan:   prefix + "dispatcher",
	}
}

// Handle processes one "register" envelope end to end.
func (r *Registration) Handle(ctx context.Context, env model.Envelope) error {
	meta := env.RedisMetadata
	origin := meta.Origin
	transactionID := meta.TransactionID
	if origin == "" || transactionID == "" {
		return fmt.Errorf("%w: register missing origin or transactionId", model.ErrMalformedMessage)
	}

	// Step 1: the sender's pending incomer-side transaction must exist.
	senderTx := txstore.New(r.kv, txstore.IncomerKey(r.prefix, origin))
	_, ok, err := senderTx.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("registration: lookup sender transaction: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no pending transaction %s for %s", model.ErrMissingRelatedTransaction, transactionID, origin)
	}

	// Step 2: reject duplicate registrations.
	if _, dup, err := r.reg.FindByBaseUUID(ctx, origin); err != nil {
		return fmt.Errorf("registration: duplicate check: %w", err)
	} else if dup {
		if delErr := r.deletePendingApprovement(ctx, transactionID); delErr != nil {
			r.logger.Warn("registration: failed to delete pending approvement on duplicate",
				zap.String("origin", origin), zap.Error(delErr))
		}
		return fmt.Errorf("%w: origin %s", model.ErrDuplicateRegistration, origin)
	}

	var payload model.RegisterPayload
	if env.Data != nil {
		raw, err := json.Marshal(env.Data)
		if err != nil {
			return fmt.Errorf("%w: marshal register payload: %v", model.ErrMalformedMessage, err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("%w: unmarshal register payload: %v", model.ErrMalformedMessage, err)
		}
	}

	// Step 3: allocate providedUUID and insert the registry record.
	providedUUID, err := r.reg.SetIncomer(ctx, &model.Incomer{
		BaseUUID:                   origin,
		Name:                       payload.Name,
		EventsCast:                 payload.EventsCast,
		EventsSubscribe:            payload.EventsSubscribe,
		Prefix:                     payload.Prefix,
		IsDispatcherActiveInstance: origin == r.selfProvidedUUID,
	})
	if err != nil {
		return fmt.Errorf("registration: insert incomer: %w", err)
	}

	// Step 4: subscribe to the new private channel.
	r.bus.Subscribe(ctx, r.prefix+providedUUID)

	// Step 5: publish the approvement and record the dispatcher-side transaction.
	if err := r.bus.Publish(ctx, r.dispatcherChan, model.Envelope{
		Name: model.EventApprovement,
		Data: model.ApprovementPayload{UUID: providedUUID},
		RedisMetadata: model.RedisMetadata{
			Origin:             r.privateUUID,
			RelatedTransaction: model.StrPtr(transactionID),
			Resolved:           false,
		},
	}); err != nil {
		return fmt.Errorf("registration: publish approvement: %w", err)
	}

	if _, err := r.dispatcherTx.Set(ctx, &model.Transaction{
		Name:               model.EventApprovement,
		Origin:             r.privateUUID,
		To:                 providedUUID,
		MainTransaction:    false,
		RelatedTransaction: model.StrPtr(transactionID),
		Resolved:           false,
	}); err != nil {
		return fmt.Errorf("registration: record approvement transaction: %w", err)
	}

	r.logger.Info("incomer approved",
		zap.String("provided_uuid", providedUUID),
		zap.String("name", payload.Name),
	)
	return nil
}

// deletePendingApprovement removes the dispatcher transaction that would
// have approved a duplicate registration (step 2).
func (r *Registration) deletePendingApprovement(ctx context.Context, transactionID string) error {
	all, err := r.dispatcherTx.GetAll(ctx)
	if err != nil {
		return err
	}
	for id, tx := range all {
		if tx.IsRelatedTo(transactionID) {
			return r.dispatcherTx.Delete(ctx, id)
		}
	}
	return nil
}
