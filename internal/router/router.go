// Package router implements the event router (§4.8 of the core
// specification): validates inbound envelopes, dispatches registration and
// OK-announcement traffic, and fans out business events to subscribers with
// horizontal-scale deduplication.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/metrics"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registration"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/txstore"
	"github.com/evtmesh/dispatcher/internal/validation"
)

// ActiveFn reports whether this process currently holds the active role.
type ActiveFn func() bool

// OKFn is invoked when an "OK" announcement from a foreign origin arrives on
// the dispatcher channel, forwarding the election signal (§4.8 step 1).
type OKFn func(origin string)

// Router dispatches every message read off the bus.
type Router struct {
	reg          *registry.Registry
	kv           *store.Store
	bus          *bus.Bus
	validator    *validation.Validator
	registration *registration.Registration
	logger       *zap.Logger

	isActive ActiveFn
	notifyOK OKFn

	prefix           string
	privateUUID      string
	dispatcherChan   string
}

// New creates a Router.
func New(reg *registry.Registry, kv *store.Store, b *bus.Bus, v *validation.Validator, reg2 *registration.Registration, logger *zap.Logger, isActive ActiveFn, notifyOK OKFn, prefix, privateUUID, dispatcherChan string) *Router {
	return &Router{
		reg:            reg,
		kv:             kv,
		bus:            b,
		validator:      v,
		registration:   reg2,
		logger:         logger,
		isActive:       isActive,
		notifyOK:       notifyOK,
		prefix:         prefix,
		privateUUID:    privateUUID,
		dispatcherChan: dispatcherChan,
	}
}

// Handle processes a single message received from the bus. It never returns
// an error to the caller: every failure is logged and dropped, per §7's
// propagation policy.
func (r *Router) Handle(ctx context.Context, msg bus.Message) {
	env := msg.Envelope
	meta := env.RedisMetadata

	// Step 2: ignore our own announcements.
	if meta.Origin == r.privateUUID {
		return
	}

	// Step 1: while standby, only react to a foreign OK.
	if !r.isActive() {
		if env.Name == model.EventOK {
			r.notifyOK(meta.Origin)
		}
		return
	}

	if env.Name == model.EventOK {
		r.notifyOK(meta.Origin)
		return
	}

	if err := r.validator.ValidateMetadata(meta); err != nil {
		r.logger.Warn("router: dropping message with invalid metadata",
			zap.String("channel", msg.Channel), zap.String("event", env.Name), zap.Error(err))
		metrics.RecordEnvelopeValidation(env.Name, false)
		return
	}
	if err := r.validator.ValidateEvent(env.Name, env.Data); err != nil {
		r.logger.Warn("router: dropping message that failed event validation",
			zap.String("channel", msg.Channel), zap.String("event", env.Name), zap.Error(err))
		metrics.RecordEnvelopeValidation(env.Name, false)
		return
	}
	metrics.RecordEnvelopeValidation(env.Name, true)

	// Step 4: route by channel.
	if msg.Channel == r.dispatcherChan {
		if env.Name != model.EventRegister {
			r.logger.Warn("router: dropping non-register message on dispatcher channel",
				zap.String("event", env.Name))
			return
		}
		if err := r.registration.Handle(ctx, env); err != nil {
			r.logger.Warn("router: registration failed",
				zap.String("origin", meta.Origin), zap.Error(err))
		}
		return
	}

	if err := r.fanOut(ctx, env); err != nil {
		r.logger.Warn("router: fan-out failed",
			zap.String("event", env.Name), zap.String("origin", meta.Origin), zap.Error(err))
	}
}

// fanOut implements §4.8's "Fan-out" subsection.
func (r *Router) fanOut(ctx context.Context, env model.Envelope) error {
	meta := env.RedisMetadata
	origin := meta.Origin
	transactionID := meta.TransactionID

	senderTx := txstore.New(r.kv, txstore.IncomerKey(r.prefix, origin))
	mainTx, ok, err := senderTx.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("router: lookup sender main: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: sender %s transaction %s", model.ErrMissingRelatedTransaction, origin, transactionID)
	}

	subscribers, err := r.reg.Subscribers(ctx, env.Name)
	if err != nil {
		return fmt.Errorf("router: list subscribers: %w", err)
	}
	targets := horizontalScaleFilter(env.Name, subscribers)

	dispatcherTx := txstore.New(r.kv, txstore.DispatcherKey(r.prefix))

	if len(targets) == 0 {
		if env.Name == model.EventPing {
			r.logger.Debug("router: ping with no subscribers, dropping")
			return nil
		}
		mainTx.Published = true
		if err := senderTx.Update(ctx, transactionID, mainTx); err != nil {
			return fmt.Errorf("router: mark sender main published: %w", err)
		}
		backup := txstore.New(r.kv, txstore.BackupDispatcherKey(r.prefix))
		if _, err := backup.Set(ctx, &model.Transaction{
			Name:               env.Name,
			Data:                env.Data,
			Origin:             origin,
			To:                 "",
			EventTransactionID: transactionID,
			MainTransaction:    false,
			RelatedTransaction: model.StrPtr(transactionID),
			Resolved:           false,
		}); err != nil {
			return fmt.Errorf("router: park backup dispatcher transaction: %w", err)
		}
		metrics.RecordTransactionBackedUp("dispatcher")
		return nil
	}

	for _, target := range targets {
		channel := r.prefix + target.ProvidedUUID
		r.bus.Subscribe(ctx, channel)

		if err := r.bus.Publish(ctx, channel, model.Envelope{
			Name: env.Name,
			Data: env.Data,
			RedisMetadata: model.RedisMetadata{
				Origin:      r.privateUUID,
				To:          target.ProvidedUUID,
				IncomerName: target.Name,
				Prefix:      r.prefix,
			},
		}); err != nil {
			r.logger.Warn("router: failed to publish to target",
				zap.String("target", target.ProvidedUUID), zap.Error(err))
			continue
		}

		if _, err := dispatcherTx.Set(ctx, &model.Transaction{
			Name:               env.Name,
			Data:                env.Data,
			Origin:             origin,
			To:                 target.ProvidedUUID,
			IncomerName:        target.Name,
			EventTransactionID: transactionID,
			MainTransaction:    false,
			RelatedTransaction: model.StrPtr(transactionID),
			Resolved:           false,
		}); err != nil {
			r.logger.Warn("router: failed to record dispatcher transaction",
				zap.String("target", target.ProvidedUUID), zap.Error(err))
			continue
		}
		metrics.RecordTransactionPublished(env.Name)
	}

	if err := r.reg.UpdateIncomerState(ctx, origin); err != nil {
		r.logger.Warn("router: failed to bump sender activity", zap.Error(err))
	}
	mainTx.Published = true
	if err := senderTx.Update(ctx, transactionID, mainTx); err != nil {
		return fmt.Errorf("router: mark sender main published: %w", err)
	}
	return nil
}

// horizontalScaleFilter groups candidates by Name; groups subscribed with
// horizontalScale=false keep only the first match in iteration order (§4.7
// tie-break note); horizontalScale=true groups keep every member.
func horizontalScaleFilter(event string, candidates []*model.Incomer) []*model.Incomer {
	seenSingleGroup := make(map[string]bool)
	var targets []*model.Incomer
	for _, c := range candidates {
		sub, ok := c.Subscription(event)
		if !ok {
			continue
		}
		if sub.HorizontalScale {
			targets = append(targets, c)
			continue
		}
		if seenSingleGroup[c.Name] {
			continue
		}
		seenSingleGroup[c.Name] = true
		targets = append(targets, c)
	}
	return targets
}
