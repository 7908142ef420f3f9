// Package dispatcherengine wires every other package into the single
// Dispatcher aggregate root: it owns the shared cancellation token, the
// three independent periodic task loops (ping, activity-check,
// reconciliation), and the reactive message handler fed by the bus, per
// §4.14 and §5 of the core specification.
package dispatcherengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
	"github.com/evtmesh/dispatcher/internal/config"
	"github.com/evtmesh/dispatcher/internal/election"
	"github.com/evtmesh/dispatcher/internal/liveness"
	"github.com/evtmesh/dispatcher/internal/reconciler"
	"github.com/evtmesh/dispatcher/internal/registration"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/router"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/validation"
)

// Dispatcher is the aggregate root: every component it owns is constructed
// once, here, and handed the shared context.Context as its cancellation
// token (§5's "shared cancellation token" requirement).
type Dispatcher struct {
	cfg    *config.Options
	logger *zap.Logger

	redisWrapper *circuitbreaker.RedisWrapper
	kv           *store.Store
	bus          *bus.Bus
	registry     *registry.Registry
	validator    *validation.Validator
	registration *registration.Registration
	election     *election.Election
	router       *router.Router
	liveness     *liveness.Liveness
	reconciler   *reconciler.Reconciler

	privateUUID string
	live        *config.Live

	reconcileMu sync.Mutex // non-reentrancy (§5)

	wg sync.WaitGroup
}

// New constructs a Dispatcher. client is an already-connected Redis client;
// the caller owns its lifecycle (closing it after Close returns).
func New(cfg *config.Options, client *redis.Client, logger *zap.Logger) (*Dispatcher, error) {
	redisWrapper := circuitbreaker.NewRedisWrapper(client, logger)
	kv := store.New(redisWrapper, "", logger)
	b := bus.New(redisWrapper, logger, 256)
	reg := registry.New(kv, cfg.Prefix, logger)

	validator, err := validation.New(logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcherengine: build validator: %w", err)
	}

	privateUUID := uuid.New().String()
	live := config.NewLive(cfg)

	d := &Dispatcher{
		cfg:          cfg,
		logger:       logger,
		redisWrapper: redisWrapper,
		kv:           kv,
		bus:          b,
		registry:     reg,
		validator:    validator,
		privateUUID:  privateUUID,
		live:         live,
	}

	d.registration = registration.New(reg, kv, b, logger, cfg.Prefix, cfg.IncomerUUID, privateUUID)
	d.reconciler = reconciler.New(reg, kv, b, logger, cfg.Prefix, privateUUID)
	d.liveness = liveness.New(reg, kv, b, logger, d.IsActive, d.evict, cfg.Prefix, cfg.IncomerUUID, privateUUID, live)

	dispatcherChannel := cfg.Prefix + "dispatcher"
	d.router = router.New(reg, kv, b, validator, d.registration, logger, d.IsActive, d.notifyOK, cfg.Prefix, privateUUID, dispatcherChannel)

	d.election = election.New(reg, b, logger, election.Callbacks{OnBecameActive: d.onBecameActive},
		cfg.Prefix, cfg.InstanceName, cfg.IncomerUUID, privateUUID, live)

	return d, nil
}

// ReloadOptions publishes a hot-reloaded configuration snapshot for every
// tunable config.Live exposes (§4.9). Prefix, Redis connection settings,
// MetricsAddr, and identity fields are intentionally left untouched even
// if present in next — those are fixed for the process lifetime, per
// config.Live's doc comment.
func (d *Dispatcher) ReloadOptions(next *config.Options) {
	cur := d.live.Load()
	merged := *cur
	merged.IdleTime = next.IdleTime
	merged.PingInterval = next.PingInterval
	merged.CheckLastActivityInterval = next.CheckLastActivityInterval
	merged.CheckTransactionInterval = next.CheckTransactionInterval
	merged.MinTimeout = next.MinTimeout
	merged.MaxTimeout = next.MaxTimeout
	d.live.Store(&merged)
	d.logger.Info("dispatcherengine: applied hot-reloaded configuration",
		zap.Duration("idle_time", merged.IdleTime),
		zap.Duration("ping_interval", merged.PingInterval),
		zap.Duration("check_last_activity_interval", merged.CheckLastActivityInterval),
		zap.Duration("check_transaction_interval", merged.CheckTransactionInterval),
		zap.Duration("min_timeout", merged.MinTimeout),
		zap.Duration("max_timeout", merged.MaxTimeout),
	)
}

// Validator exposes the compiled validator so callers can register
// per-event schemas and a custom callback before Start (eventsValidation.*
// in the configuration table, §6).
func (d *Dispatcher) Validator() *validation.Validator {
	return d.validator
}

// IsActive reports whether this process currently holds the active role.
func (d *Dispatcher) IsActive() bool {
	return d.election.IsActive()
}

// RoleState exposes (active, peerSeen) for the health checker.
func (d *Dispatcher) RoleState() (bool, bool) {
	return d.election.RoleState()
}

func (d *Dispatcher) notifyOK(origin string) {
	d.election.NotifyOK(origin)
}

func (d *Dispatcher) evict(ctx context.Context, providedUUID string) error {
	return d.reconciler.Evict(ctx, providedUUID)
}

// onBecameActive implements the "became active" half of §4.3: an
// immediate ping round, then one reconciliation pass after
// checkTransactionInterval before the normal loop takes over. lostPeer is
// non-empty only when this win came from a relay takeover, in which case
// every existing incomer's private channel is already subscribed by the
// election package itself.
func (d *Dispatcher) onBecameActive(ctx context.Context, lostPeer string) {
	d.logger.Info("dispatcher became active",
		zap.String("private_uuid", d.privateUUID),
		zap.String("relayed_from", lostPeer),
	)

	d.liveness.PingOnce(ctx)

	if lostPeer != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-time.After(d.live.Load().CheckTransactionInterval):
			case <-ctx.Done():
				return
			}
			d.runReconciliationSafely(ctx, "post-relay")
		}()
	}
}

// Start subscribes the bus, runs the election startup algorithm, and
// launches the three independent periodic task loops plus the reactive
// message-handling loop. It returns once Initialize completes; the
// launched loops continue running until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	// The message loop starts before Initialize so that a foreign OK
	// received during the startup race reaches the election and aborts it.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runMessageLoop(ctx)
	}()

	if err := d.election.Initialize(ctx); err != nil {
		return fmt.Errorf("dispatcherengine: election initialize: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.liveness.RunPingLoop(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.liveness.RunActivityCheckLoop(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runReconciliationLoop(ctx)
	}()

	return nil
}

func (d *Dispatcher) runMessageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.bus.Messages():
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						d.logger.Error("dispatcherengine: message handler panicked",
							zap.String("channel", msg.Channel),
							zap.Any("panic", r),
						)
					}
				}()
				d.router.Handle(ctx, msg)
			}()
		}
	}
}

func (d *Dispatcher) runReconciliationLoop(ctx context.Context) {
	timer := time.NewTimer(d.live.Load().CheckTransactionInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if d.IsActive() {
				d.runReconciliationSafely(ctx, "periodic")
			}
			timer.Reset(d.live.Load().CheckTransactionInterval)
		}
	}
}

// runReconciliationSafely enforces §5's non-reentrancy requirement: a
// reconciliation pass already running on this process causes a concurrent
// trigger to be skipped rather than queued, since the next tick will cover
// the same ground.
func (d *Dispatcher) runReconciliationSafely(ctx context.Context, trigger string) {
	if !d.reconcileMu.TryLock() {
		d.logger.Debug("dispatcherengine: reconciliation already in progress, skipping trigger",
			zap.String("trigger", trigger))
		return
	}
	defer d.reconcileMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcherengine: reconciliation pass panicked",
				zap.String("trigger", trigger), zap.Any("panic", r))
		}
	}()

	d.reconciler.Run(ctx)
}

// Close cancels all periodic timers by relying on the caller's context
// cancellation, unsubscribes every bus channel, and waits for every
// launched goroutine to exit.
func (d *Dispatcher) Close() {
	d.bus.Close()
	d.election.Close()
	d.wg.Wait()
}
