// Package election implements leader election and relay between dispatcher
// replicas (§4.3 of the core specification): a jittered pub/sub race for
// the active role at startup, and a standby poll loop that takes relay when
// the active replica's registry entry goes stale.
package election

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/config"
	"github.com/evtmesh/dispatcher/internal/metrics"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registry"
)

// Callbacks are the engine hooks Election invokes when the role changes.
// They let the engine drive its ping/reconciliation loops without the
// election package importing them back (avoiding an import cycle with
// internal/dispatcherengine).
type Callbacks struct {
	// OnBecameActive fires once this process wins the startup race or a
	// relay race. lostPeerProvidedUUID is empty on a startup win.
	OnBecameActive func(ctx context.Context, lostPeerProvidedUUID string)
}

// Election tracks this process's dispatcher role and negotiates it against
// peers sharing InstanceName.
type Election struct {
	reg    *registry.Registry
	bus    *bus.Bus
	logger *zap.Logger
	cb     Callbacks

	prefix            string
	dispatcherChannel string
	instanceName      string
	selfProvidedUUID  string
	privateUUID       string
	live              *config.Live

	okSignal chan string

	mu       sync.RWMutex
	active   bool
	peerSeen bool

	wg sync.WaitGroup
}

// New creates an Election. privateUUID is this process's lifetime bus
// identity (the origin field on OK announcements); selfProvidedUUID is the
// baseUUID this dispatcher process registers itself under as an incomer.
// live is re-read on every race/poll so idleTime/pingInterval/min-max
// timeout follow §4.9's hot-reload contract.
func New(reg *registry.Registry, b *bus.Bus, logger *zap.Logger, cb Callbacks, prefix, instanceName, selfProvidedUUID, privateUUID string, live *config.Live) *Election {
	return &Election{
		reg:               reg,
		bus:               b,
		logger:            logger,
		cb:                cb,
		prefix:            prefix,
		dispatcherChannel: prefix + "dispatcher",
		instanceName:      instanceName,
		selfProvidedUUID:  selfProvidedUUID,
		privateUUID:       privateUUID,
		live:              live,
		okSignal:          make(chan string),
	}
}

// DispatcherChannel returns the shared dispatcher channel name.
func (e *Election) DispatcherChannel() string {
	return e.dispatcherChannel
}

// NotifyOK is called by the router when an "OK" envelope arrives on the
// dispatcher channel (§4.8 step 1). origin is the announcing process's
// privateUUID; self-originated announcements must not be passed in.
func (e *Election) NotifyOK(origin string) {
	e.mu.Lock()
	e.peerSeen = true
	e.mu.Unlock()

	select {
	case e.okSignal <- origin:
	default:
		// No race in progress; nothing is listening. Safe to drop.
	}
}

// IsActive reports whether this process currently holds the active role.
func (e *Election) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// RoleState reports (active, peerSeen) for the health checker.
func (e *Election) RoleState() (bool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active, e.peerSeen
}

func (e *Election) setActive(active bool) {
	e.mu.Lock()
	e.active = active
	e.mu.Unlock()
}

// jitter returns a uniformly random duration in [minTimeout, maxTimeout].
func (e *Election) jitter() time.Duration {
	cfg := e.live.Load()
	span := cfg.MaxTimeout - cfg.MinTimeout
	if span <= 0 {
		return cfg.MinTimeout
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)+1))
	if err != nil {
		return cfg.MinTimeout + span/2
	}
	return cfg.MinTimeout + time.Duration(n.Int64())
}

// Initialize runs the startup algorithm: scan for a live active peer and
// become standby, or race for the active role.
func (e *Election) Initialize(ctx context.Context) error {
	e.bus.Subscribe(ctx, e.dispatcherChannel)

	peer, found, err := e.reg.ActiveDispatcherPeer(ctx, e.instanceName, e.selfProvidedUUID, e.live.Load().IdleTime)
	if err != nil {
		return fmt.Errorf("election: scan for active peer: %w", err)
	}

	if found {
		e.logger.Info("dispatcher standing by behind an active peer",
			zap.String("instance_name", e.instanceName),
			zap.String("peer_uuid", peer.ProvidedUUID),
		)
		e.mu.Lock()
		e.peerSeen = true
		e.mu.Unlock()
		metrics.RecordElectionOutcome("standby")
		e.startStandbyLoop(ctx)
		return nil
	}

	won := e.race(ctx)
	if won {
		if err := e.reg.SetActiveFlag(ctx, e.selfProvidedUUID, true); err != nil {
			e.logger.Warn("election: failed to mark self active", zap.Error(err))
		}
		e.setActive(true)
		metrics.RecordElectionOutcome("became_active")
		if e.cb.OnBecameActive != nil {
			e.cb.OnBecameActive(ctx, "")
		}
		return nil
	}

	metrics.RecordElectionOutcome("standby")
	e.startStandbyLoop(ctx)
	return nil
}

// race runs the jittered OK announcement against a listener for a foreign
// OK, as two mutually cancelling one-shot signals: the announcement commits
// after the jitter elapses ("task"); a foreign OK observed in the meantime
// aborts it ("timeout"). The first to fire wins; the other is cancelled.
func (e *Election) race(ctx context.Context) bool {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	task := make(chan struct{})
	timeout := make(chan struct{})

	go func() {
		select {
		case <-time.After(e.jitter()):
			close(task)
		case <-raceCtx.Done():
		}
	}()

	go func() {
		for {
			select {
			case origin := <-e.okSignal:
				if origin != e.privateUUID {
					close(timeout)
					return
				}
			case <-raceCtx.Done():
				return
			}
		}
	}()

	select {
	case <-task:
		if err := e.bus.Publish(ctx, e.dispatcherChannel, model.Envelope{
			Name:          model.EventOK,
			RedisMetadata: model.RedisMetadata{Origin: e.privateUUID},
		}); err != nil {
			e.logger.Warn("election: failed to publish OK announcement", zap.Error(err))
		}
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}

// startStandbyLoop launches the takeRelay poll.
func (e *Election) startStandbyLoop(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.live.Load().PingInterval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				e.tryTakeRelay(ctx)
				timer.Reset(e.live.Load().PingInterval)
			}
		}
	}()
}

// tryTakeRelay inspects the registry for a stale peer of the same
// instanceName and, if found, races for the active role exactly as at
// startup (§4.3 "Relay takeover").
func (e *Election) tryTakeRelay(ctx context.Context) {
	all, err := e.reg.GetIncomers(ctx)
	if err != nil {
		e.logger.Warn("election: relay scan failed", zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	idleTime := e.live.Load().IdleTime
	var stalePeer *model.Incomer
	for _, rec := range all {
		if rec.Name != e.instanceName || rec.BaseUUID == e.selfProvidedUUID {
			continue
		}
		if !rec.IsDispatcherActiveInstance {
			continue
		}
		if rec.LastActivity+idleTime.Milliseconds() < now {
			stalePeer = rec
			break
		}
	}
	if stalePeer == nil {
		return
	}

	won := e.race(ctx)
	if !won {
		metrics.RecordElectionOutcome("relay_lost")
		return
	}

	metrics.RecordElectionOutcome("relay_won")
	if err := e.reg.DeleteIncomer(ctx, stalePeer.ProvidedUUID, "election"); err != nil {
		e.logger.Warn("election: failed to clear lost peer's registry entry", zap.Error(err))
	}
	if err := e.reg.SetActiveFlag(ctx, e.selfProvidedUUID, true); err != nil {
		e.logger.Warn("election: failed to mark self active on relay", zap.Error(err))
	}
	e.setActive(true)

	for providedUUID := range all {
		if providedUUID != stalePeer.ProvidedUUID {
			e.bus.Subscribe(ctx, e.prefix+providedUUID)
		}
	}

	if e.cb.OnBecameActive != nil {
		e.cb.OnBecameActive(ctx, stalePeer.ProvidedUUID)
	}
}

// Close waits for the standby loop to exit; callers cancel the shared
// context before calling Close.
func (e *Election) Close() {
	e.wg.Wait()
}
