// Package registry implements the incomer registry: the persistent
// directory of approved incomers the dispatcher consults for fan-out
// targeting, liveness checks, and leader election.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/metrics"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/store"
)

// Registry persists the full set of approved incomers under a single key.
type Registry struct {
	kv     *store.Store
	key    string
	logger *zap.Logger
}

// New binds a Registry to the "{prefix}incomer" key.
func New(kv *store.Store, prefix string, logger *zap.Logger) *Registry {
	return &Registry{kv: kv, key: prefix + "incomer", logger: logger}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// GetIncomers returns every registered incomer, keyed by ProvidedUUID.
func (r *Registry) GetIncomers(ctx context.Context) (map[string]*model.Incomer, error) {
	var all map[string]*model.Incomer
	ok, err := r.kv.Get(ctx, r.key, &all)
	if err != nil {
		return nil, fmt.Errorf("registry: get incomers: %w", err)
	}
	if !ok || all == nil {
		return map[string]*model.Incomer{}, nil
	}
	return all, nil
}

func (r *Registry) save(ctx context.Context, all map[string]*model.Incomer) error {
	if err := r.kv.Set(ctx, r.key, all); err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	metrics.ActiveIncomers.Set(float64(len(all)))
	return nil
}

// SetIncomer allocates a ProvidedUUID, stamps AliveSince/LastActivity, and
// inserts the record. It returns the allocated ProvidedUUID.
func (r *Registry) SetIncomer(ctx context.Context, record *model.Incomer) (string, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return "", err
	}

	now := nowMillis()
	rec := *record
	rec.ProvidedUUID = uuid.New().String()
	rec.AliveSince = now
	rec.LastActivity = now

	all[rec.ProvidedUUID] = &rec
	if err := r.save(ctx, all); err != nil {
		return "", err
	}

	metrics.IncomersRegistered.Inc()
	r.logger.Info("incomer registered",
		zap.String("provided_uuid", rec.ProvidedUUID),
		zap.String("name", rec.Name),
	)
	return rec.ProvidedUUID, nil
}

// UpdateIncomer replaces the stored record for record.ProvidedUUID.
func (r *Registry) UpdateIncomer(ctx context.Context, record *model.Incomer) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	all[record.ProvidedUUID] = record
	return r.save(ctx, all)
}

// UpdateIncomerState bumps LastActivity to now for the given incomer.
func (r *Registry) UpdateIncomerState(ctx context.Context, providedUUID string) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	rec, ok := all[providedUUID]
	if !ok {
		return nil
	}
	rec.LastActivity = nowMillis()
	return r.save(ctx, all)
}

// DeleteIncomer removes an incomer record. reason is recorded against the
// eviction metric for observability (idle, unregistered, election).
func (r *Registry) DeleteIncomer(ctx context.Context, providedUUID string, reason string) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[providedUUID]; !ok {
		return nil
	}
	delete(all, providedUUID)
	if err := r.save(ctx, all); err != nil {
		return err
	}
	metrics.RecordIncomerEvicted(reason, len(all))
	return nil
}

// Get returns a single incomer record by ProvidedUUID.
func (r *Registry) Get(ctx context.Context, providedUUID string) (*model.Incomer, bool, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, false, err
	}
	rec, ok := all[providedUUID]
	return rec, ok, nil
}

// FindByBaseUUID returns the first record whose BaseUUID matches, used to
// reject duplicate registrations (invariant 3 of the data model).
func (r *Registry) FindByBaseUUID(ctx context.Context, baseUUID string) (*model.Incomer, bool, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range all {
		if rec.BaseUUID == baseUUID {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// SetActiveFlag marks the incomer record identified by baseUUID (if any) as
// the active dispatcher instance. It is a no-op if the dispatcher process
// has not yet registered itself as an incomer.
func (r *Registry) SetActiveFlag(ctx context.Context, baseUUID string, active bool) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.BaseUUID == baseUUID {
			rec.IsDispatcherActiveInstance = active
			return r.save(ctx, all)
		}
	}
	return nil
}

// ActiveDispatcherPeer returns the first record with Name == instanceName,
// BaseUUID != selfProvidedUUID, IsDispatcherActiveInstance true, and
// LastActivity within idleTime of now — used at startup and during relay
// polling (§4.3).
func (r *Registry) ActiveDispatcherPeer(ctx context.Context, instanceName, selfProvidedUUID string, idleTime time.Duration) (*model.Incomer, bool, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, false, err
	}
	now := nowMillis()
	for _, rec := range all {
		if rec.Name != instanceName {
			continue
		}
		if rec.BaseUUID == selfProvidedUUID {
			continue
		}
		if !rec.IsDispatcherActiveInstance {
			continue
		}
		if rec.LastActivity+idleTime.Milliseconds() < now {
			continue
		}
		return rec, true, nil
	}
	return nil, false, nil
}

// Subscribers returns every incomer subscribed to event, in registry
// iteration order. Callers applying the horizontal-scale filter MUST NOT
// rely on which same-named replica appears first (§4.7 tie-break note).
func (r *Registry) Subscribers(ctx context.Context, event string) ([]*model.Incomer, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, err
	}
	var subs []*model.Incomer
	for _, rec := range all {
		if _, ok := rec.Subscription(event); ok {
			subs = append(subs, rec)
		}
	}
	return subs, nil
}

// CastersOf returns every incomer allowed to publish event, in registry
// iteration order.
func (r *Registry) CastersOf(ctx context.Context, event string) ([]*model.Incomer, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return nil, err
	}
	var casters []*model.Incomer
	for _, rec := range all {
		if rec.Casts(event) {
			casters = append(casters, rec)
		}
	}
	return casters, nil
}
