// Package liveness runs the dispatcher's ping and activity-check loops
// (§4.4 of the core specification): periodic pings to every incomer, and a
// periodic scan that evicts incomers whose last activity has gone stale.
package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/config"
	"github.com/evtmesh/dispatcher/internal/metrics"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/txstore"
)

// EvictFn evicts an incomer and resolves its orphaned transactions (§4.6);
// implemented by internal/reconciler and injected to avoid an import cycle.
type EvictFn func(ctx context.Context, providedUUID string) error

// ActiveFn reports whether this process currently holds the active role;
// liveness loops are no-ops while standby.
type ActiveFn func() bool

// Liveness owns the ping and activity-check periodic tasks.
type Liveness struct {
	reg          *registry.Registry
	kv           *store.Store
	bus          *bus.Bus
	logger       *zap.Logger
	isActive     ActiveFn
	evict        EvictFn
	prefix       string
	selfBaseUUID string
	privateUUID  string

	live *config.Live

	dispatcherTx *txstore.Store
}

// New creates a Liveness task set. live is re-read on every loop iteration
// so that pingInterval/checkLastActivityInterval/idleTime follow §4.9's
// hot-reload contract instead of being fixed at construction.
func New(reg *registry.Registry, kv *store.Store, b *bus.Bus, logger *zap.Logger, isActive ActiveFn, evict EvictFn, prefix, selfBaseUUID, privateUUID string, live *config.Live) *Liveness {
	return &Liveness{
		reg:          reg,
		kv:           kv,
		bus:          b,
		logger:       logger,
		isActive:     isActive,
		evict:        evict,
		prefix:       prefix,
		selfBaseUUID: selfBaseUUID,
		privateUUID:  privateUUID,
		live:         live,
		dispatcherTx: txstore.New(kv, txstore.DispatcherKey(prefix)),
	}
}

// RunPingLoop runs the ping task until ctx is cancelled. The wait duration
// is re-read from live before each sleep so a config reload takes effect on
// the very next cycle.
func (l *Liveness) RunPingLoop(ctx context.Context) {
	timer := time.NewTimer(l.live.Load().PingInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if l.isActive() {
				l.pingRound(ctx)
			}
			timer.Reset(l.live.Load().PingInterval)
		}
	}
}

// PingOnce runs a single ping round immediately, regardless of the ticker.
// Used by the engine to issue the immediate post-election ping round called
// for by §4.3's startup and relay-takeover algorithms.
func (l *Liveness) PingOnce(ctx context.Context) {
	l.pingRound(ctx)
}

// RunActivityCheckLoop runs the eviction-scan task until ctx is cancelled.
func (l *Liveness) RunActivityCheckLoop(ctx context.Context) {
	timer := time.NewTimer(l.live.Load().CheckLastActivityInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if l.isActive() {
				l.checkLastActivity(ctx)
			}
			timer.Reset(l.live.Load().CheckLastActivityInterval)
		}
	}
}

func (l *Liveness) pingRound(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.PingRoundDuration.Observe(time.Since(start).Seconds())
	}()

	all, err := l.reg.GetIncomers(ctx)
	if err != nil {
		l.logger.Warn("liveness: ping round failed to load registry", zap.Error(err))
		return
	}

	for _, rec := range all {
		if rec.BaseUUID == l.selfBaseUUID {
			// The dispatcher's own incomer record: update directly instead
			// of pinging itself.
			if err := l.reg.UpdateIncomerState(ctx, rec.ProvidedUUID); err != nil {
				l.logger.Warn("liveness: failed to bump own activity", zap.Error(err))
			}
			continue
		}

		channel := l.prefix + rec.ProvidedUUID
		if err := l.bus.Publish(ctx, channel, model.Envelope{
			Name: model.EventPing,
			RedisMetadata: model.RedisMetadata{
				Origin: l.privateUUID,
				To:     rec.ProvidedUUID,
			},
		}); err != nil {
			l.logger.Warn("liveness: failed to publish ping",
				zap.String("provided_uuid", rec.ProvidedUUID), zap.Error(err))
			continue
		}

		if _, err := l.dispatcherTx.Set(ctx, &model.Transaction{
			Name:            model.EventPing,
			Origin:          l.privateUUID,
			To:              rec.ProvidedUUID,
			MainTransaction: true,
			Resolved:        false,
		}); err != nil {
			l.logger.Warn("liveness: failed to record ping transaction",
				zap.String("provided_uuid", rec.ProvidedUUID), zap.Error(err))
		}
	}
}

func (l *Liveness) checkLastActivity(ctx context.Context) {
	all, err := l.reg.GetIncomers(ctx)
	if err != nil {
		l.logger.Warn("liveness: activity scan failed to load registry", zap.Error(err))
		return
	}

	idleTime := l.live.Load().IdleTime
	now := time.Now().UnixMilli()
	var candidates []*model.Incomer
	for _, rec := range all {
		if rec.LastActivity+idleTime.Milliseconds() < now {
			candidates = append(candidates, rec)
		}
	}

	for _, rec := range candidates {
		incomerTx := txstore.New(l.kv, txstore.IncomerKey(l.prefix, rec.ProvidedUUID))
		txs, err := incomerTx.GetAll(ctx)
		if err != nil {
			l.logger.Warn("liveness: failed to load incomer transactions",
				zap.String("provided_uuid", rec.ProvidedUUID), zap.Error(err))
			continue
		}

		recentPing := false
		for id, tx := range txs {
			if tx.Name != model.EventPing {
				continue
			}
			if tx.AliveSince+idleTime.Milliseconds() > now {
				recentPing = true
				if err := l.reg.UpdateIncomerState(ctx, rec.ProvidedUUID); err != nil {
					l.logger.Warn("liveness: failed to bump activity on recent ping",
						zap.String("provided_uuid", rec.ProvidedUUID), zap.Error(err))
				}
				if err := incomerTx.Delete(ctx, id); err != nil {
					l.logger.Warn("liveness: failed to delete stale ping transaction",
						zap.String("provided_uuid", rec.ProvidedUUID), zap.Error(err))
				}
				break
			}
		}
		if recentPing {
			continue
		}

		if err := l.evict(ctx, rec.ProvidedUUID); err != nil {
			l.logger.Warn("liveness: eviction failed",
				zap.String("provided_uuid", rec.ProvidedUUID), zap.Error(err))
		}
	}
}
