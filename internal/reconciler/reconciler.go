// Package reconciler implements incomer eviction/orphan resolution (§4.6)
// and the periodic transaction reconciler (§4.7) of the core specification:
// it resolves matched transaction pairs, re-homes or backs up orphaned
// transactions when incomers churn, and redistributes parked backups.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/bus"
	"github.com/evtmesh/dispatcher/internal/metrics"
	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/registry"
	"github.com/evtmesh/dispatcher/internal/store"
	"github.com/evtmesh/dispatcher/internal/txstore"
)

// Reconciler owns eviction/orphan resolution and the periodic pass over
// backups and transaction pairs.
type Reconciler struct {
	reg    *registry.Registry
	kv     *store.Store
	bus    *bus.Bus
	logger *zap.Logger

	prefix      string
	privateUUID string

	dispatcherTx       *txstore.Store
	backupDispatcherTx *txstore.Store
	backupIncomerTx    *txstore.Store
}

// New creates a Reconciler.
func New(reg *registry.Registry, kv *store.Store, b *bus.Bus, logger *zap.Logger, prefix, privateUUID string) *Reconciler {
	return &Reconciler{
		reg:                reg,
		kv:                 kv,
		bus:                b,
		logger:             logger,
		prefix:             prefix,
		privateUUID:        privateUUID,
		dispatcherTx:       txstore.New(kv, txstore.DispatcherKey(prefix)),
		backupDispatcherTx: txstore.New(kv, txstore.BackupDispatcherKey(prefix)),
		backupIncomerTx:    txstore.New(kv, txstore.BackupIncomerKey(prefix)),
	}
}

func (rc *Reconciler) incomerTx(providedUUID string) *txstore.Store {
	return txstore.New(rc.kv, txstore.IncomerKey(rc.prefix, providedUUID))
}

func (rc *Reconciler) publishTo(ctx context.Context, target *model.Incomer, env model.Envelope) error {
	channel := rc.prefix + target.ProvidedUUID
	rc.bus.Subscribe(ctx, channel)
	return rc.bus.Publish(ctx, channel, env)
}

func (rc *Reconciler) findCaster(ctx context.Context, excludeProvidedUUID, name, event string) (*model.Incomer, bool, error) {
	casters, err := rc.reg.CastersOf(ctx, event)
	if err != nil {
		return nil, false, err
	}
	for _, c := range casters {
		if c.ProvidedUUID == excludeProvidedUUID {
			continue
		}
		if c.Name != name {
			continue
		}
		return c, true, nil
	}
	return nil, false, nil
}

func (rc *Reconciler) findSubscriber(ctx context.Context, excludeProvidedUUID, event string) (*model.Incomer, bool, error) {
	subs, err := rc.reg.Subscribers(ctx, event)
	if err != nil {
		return nil, false, err
	}
	for _, s := range subs {
		if s.ProvidedUUID == excludeProvidedUUID {
			continue
		}
		return s, true, nil
	}
	return nil, false, nil
}

// Evict implements §4.6: the full orphan-resolution walk for one departed
// incomer. It satisfies internal/liveness.EvictFn.
func (rc *Reconciler) Evict(ctx context.Context, providedUUID string) error {
	rec, ok, err := rc.reg.Get(ctx, providedUUID)
	if err != nil {
		return fmt.Errorf("reconciler: load evicted incomer: %w", err)
	}
	if !ok {
		return nil
	}

	if err := rc.reg.DeleteIncomer(ctx, providedUUID, "idle"); err != nil {
		return fmt.Errorf("reconciler: delete evicted incomer: %w", err)
	}

	if err := rc.walkIncomerStore(ctx, rec); err != nil {
		rc.logger.Warn("reconciler: incomer store walk failed",
			zap.String("provided_uuid", providedUUID), zap.Error(err))
	}
	if err := rc.walkDispatcherStoreFor(ctx, providedUUID); err != nil {
		rc.logger.Warn("reconciler: dispatcher store walk failed",
			zap.String("provided_uuid", providedUUID), zap.Error(err))
	}
	return nil
}

// walkIncomerStore implements §4.6 step 2.
func (rc *Reconciler) walkIncomerStore(ctx context.Context, rec *model.Incomer) error {
	incomerStore := rc.incomerTx(rec.ProvidedUUID)
	txs, err := incomerStore.GetAll(ctx)
	if err != nil {
		return err
	}

	for id, tx := range txs {
		switch {
		case tx.Name == model.EventPing:
			if err := incomerStore.Delete(ctx, id); err != nil {
				rc.logger.Warn("reconciler: delete incomer ping side failed", zap.Error(err))
			}
			if tx.RelatedTransaction != nil {
				if err := rc.dispatcherTx.Delete(ctx, *tx.RelatedTransaction); err != nil {
					rc.logger.Warn("reconciler: delete dispatcher ping side failed", zap.Error(err))
				}
			}

		case tx.Name == model.EventRegister && tx.MainTransaction:
			if err := incomerStore.Delete(ctx, id); err != nil {
				rc.logger.Warn("reconciler: delete register main failed", zap.Error(err))
			}
			rc.deleteApprovementFor(ctx, id)

		case tx.MainTransaction:
			rc.migrateOrBackupMain(ctx, rec, incomerStore, id, tx)

		default:
			rc.rehomeOrBackupRelated(ctx, rec, incomerStore, id, tx)
		}
	}
	return nil
}

func (rc *Reconciler) deleteApprovementFor(ctx context.Context, registerTransactionID string) {
	all, err := rc.dispatcherTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load dispatcher store for approvement cleanup failed", zap.Error(err))
		return
	}
	for id, tx := range all {
		if tx.Name == model.EventApprovement && tx.IsRelatedTo(registerTransactionID) {
			if err := rc.dispatcherTx.Delete(ctx, id); err != nil {
				rc.logger.Warn("reconciler: delete stale approvement failed", zap.Error(err))
			}
		}
	}
}

func (rc *Reconciler) migrateOrBackupMain(ctx context.Context, rec *model.Incomer, from *txstore.Store, id string, tx *model.Transaction) {
	sibling, found, err := rc.findCaster(ctx, rec.ProvidedUUID, rec.Name, tx.Name)
	if err != nil {
		rc.logger.Warn("reconciler: find caster sibling failed", zap.Error(err))
		return
	}
	if !found {
		tx.IncomerName = rec.Name
		if err := from.Delete(ctx, id); err != nil {
			rc.logger.Warn("reconciler: delete migrated main source failed", zap.Error(err))
		}
		if _, err := rc.backupIncomerTx.Set(ctx, tx); err != nil {
			rc.logger.Warn("reconciler: park orphan main failed", zap.Error(err))
			return
		}
		metrics.RecordTransactionBackedUp("incomer")
		return
	}

	target := rc.incomerTx(sibling.ProvidedUUID)
	newTx := *tx
	newTx.Origin = sibling.ProvidedUUID
	if err := from.Delete(ctx, id); err != nil {
		rc.logger.Warn("reconciler: delete migrated main source failed", zap.Error(err))
		return
	}
	migrated, err := target.Set(ctx, &newTx)
	if err != nil {
		rc.logger.Warn("reconciler: migrate main failed", zap.Error(err))
		return
	}

	all, err := rc.dispatcherTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load dispatcher store for main rewrite failed", zap.Error(err))
		return
	}
	for childID, child := range all {
		if !child.IsRelatedTo(id) {
			continue
		}
		child.To = sibling.ProvidedUUID
		child.RelatedTransaction = model.StrPtr(migrated.TransactionID)
		child.MainTransaction = false
		if err := rc.dispatcherTx.Update(ctx, childID, child); err != nil {
			rc.logger.Warn("reconciler: rewrite dispatcher child failed", zap.Error(err))
		}
	}
}

func (rc *Reconciler) rehomeOrBackupRelated(ctx context.Context, rec *model.Incomer, from *txstore.Store, id string, tx *model.Transaction) {
	target, found, err := rc.findSubscriber(ctx, rec.ProvidedUUID, tx.Name)
	if err != nil {
		rc.logger.Warn("reconciler: find subscriber for related tx failed", zap.Error(err))
		return
	}
	if found {
		if err := rc.publishTo(ctx, target, model.Envelope{
			Name:          tx.Name,
			Data:          tx.Data,
			RedisMetadata: model.RedisMetadata{Origin: rc.privateUUID, To: target.ProvidedUUID, IncomerName: target.Name},
		}); err != nil {
			rc.logger.Warn("reconciler: republish related tx failed", zap.Error(err))
			return
		}
		newIteration := tx.Iteration + 1
		if _, err := rc.dispatcherTx.Set(ctx, &model.Transaction{
			Name:               tx.Name,
			Data:               tx.Data,
			Origin:             tx.Origin,
			To:                 target.ProvidedUUID,
			IncomerName:        target.Name,
			EventTransactionID: tx.EventTransactionID,
			MainTransaction:    false,
			RelatedTransaction: tx.RelatedTransaction,
			Resolved:           false,
			Iteration:          newIteration,
		}); err != nil {
			rc.logger.Warn("reconciler: record re-homed dispatcher transaction failed", zap.Error(err))
		}
		if tx.RelatedTransaction != nil {
			if err := rc.dispatcherTx.Delete(ctx, *tx.RelatedTransaction); err != nil {
				rc.logger.Warn("reconciler: delete previous dispatcher child failed", zap.Error(err))
			}
		}
		if err := from.Delete(ctx, id); err != nil {
			rc.logger.Warn("reconciler: delete re-homed related source failed", zap.Error(err))
		}
		return
	}

	if !tx.Resolved {
		if err := from.Delete(ctx, id); err != nil {
			rc.logger.Warn("reconciler: delete orphan related source failed", zap.Error(err))
			return
		}
		if _, err := rc.backupIncomerTx.Set(ctx, tx); err != nil {
			rc.logger.Warn("reconciler: park orphan related failed", zap.Error(err))
			return
		}
		metrics.RecordTransactionBackedUp("incomer")
		return
	}

	if err := from.Delete(ctx, id); err != nil {
		rc.logger.Warn("reconciler: delete resolved related source failed", zap.Error(err))
	}
}

// walkDispatcherStoreFor implements §4.6 step 3.
func (rc *Reconciler) walkDispatcherStoreFor(ctx context.Context, providedUUID string) error {
	all, err := rc.dispatcherTx.GetAll(ctx)
	if err != nil {
		return err
	}

	for id, tx := range all {
		if tx.To != providedUUID {
			continue
		}

		if tx.Name == model.EventPing || tx.Name == model.EventApprovement {
			if err := rc.dispatcherTx.Delete(ctx, id); err != nil {
				rc.logger.Warn("reconciler: delete dispatcher side for evicted recipient failed", zap.Error(err))
			}
			continue
		}

		target, found, err := rc.findSubscriber(ctx, providedUUID, tx.Name)
		if err != nil {
			rc.logger.Warn("reconciler: find subscriber for re-home failed", zap.Error(err))
			continue
		}
		if found {
			if err := rc.publishTo(ctx, target, model.Envelope{
				Name:          tx.Name,
				Data:          tx.Data,
				RedisMetadata: model.RedisMetadata{Origin: rc.privateUUID, To: target.ProvidedUUID, IncomerName: target.Name},
			}); err != nil {
				rc.logger.Warn("reconciler: re-home publish failed", zap.Error(err))
				continue
			}
			tx.To = target.ProvidedUUID
			tx.IncomerName = target.Name
			tx.Iteration++
			if err := rc.dispatcherTx.Update(ctx, id, tx); err != nil {
				rc.logger.Warn("reconciler: update re-homed dispatcher transaction failed", zap.Error(err))
			}
			continue
		}

		if err := rc.dispatcherTx.Delete(ctx, id); err != nil {
			rc.logger.Warn("reconciler: delete dispatcher side before backup failed", zap.Error(err))
			continue
		}
		if _, err := rc.backupDispatcherTx.Set(ctx, tx); err != nil {
			rc.logger.Warn("reconciler: park orphan dispatcher transaction failed", zap.Error(err))
			continue
		}
		metrics.RecordTransactionBackedUp("dispatcher")
	}
	return nil
}

// Run executes one full reconciliation pass (§4.7 steps a-c). Callers must
// not invoke Run concurrently with itself on the same process (§5
// non-reentrancy).
func (rc *Reconciler) Run(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReconciliationDuration.Observe(time.Since(start).Seconds())
	}()

	rc.redistributeBackups(ctx)
	rc.resolvePairs(ctx)
	rc.resolveMains(ctx)
}

// redistributeBackups implements §4.7(a).
func (rc *Reconciler) redistributeBackups(ctx context.Context) {
	backups, err := rc.backupIncomerTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load backup incomer store failed", zap.Error(err))
	} else {
		for id, tx := range backups {
			if tx.MainTransaction {
				sibling, found, err := rc.findCaster(ctx, "", tx.IncomerName, tx.Name)
				if err != nil {
					rc.logger.Warn("reconciler: find caster for backup main failed", zap.Error(err))
					continue
				}
				if !found {
					continue
				}
				newTx := *tx
				newTx.Origin = sibling.ProvidedUUID
				if _, err := rc.incomerTx(sibling.ProvidedUUID).Set(ctx, &newTx); err != nil {
					rc.logger.Warn("reconciler: migrate backup main failed", zap.Error(err))
					continue
				}
				if err := rc.backupIncomerTx.Delete(ctx, id); err != nil {
					rc.logger.Warn("reconciler: delete redistributed backup main failed", zap.Error(err))
				}
				continue
			}

			if tx.RelatedTransaction == nil {
				continue
			}
			target, found, err := rc.findSubscriber(ctx, "", tx.Name)
			if err != nil {
				rc.logger.Warn("reconciler: find subscriber for backup related failed", zap.Error(err))
				continue
			}
			if !found {
				continue
			}
			if !tx.Resolved {
				if err := rc.publishTo(ctx, target, model.Envelope{
					Name:          tx.Name,
					Data:          tx.Data,
					RedisMetadata: model.RedisMetadata{Origin: rc.privateUUID, To: target.ProvidedUUID, IncomerName: target.Name},
				}); err != nil {
					rc.logger.Warn("reconciler: republish backup related failed", zap.Error(err))
					continue
				}
				if _, err := rc.dispatcherTx.Set(ctx, &model.Transaction{
					Name:               tx.Name,
					Data:               tx.Data,
					Origin:             tx.Origin,
					To:                 target.ProvidedUUID,
					IncomerName:        target.Name,
					EventTransactionID: tx.EventTransactionID,
					MainTransaction:    false,
					RelatedTransaction: tx.RelatedTransaction,
					Iteration:          tx.Iteration + 1,
				}); err != nil {
					rc.logger.Warn("reconciler: record backup republish failed", zap.Error(err))
					continue
				}
				if err := rc.backupDispatcherTx.Delete(ctx, *tx.RelatedTransaction); err != nil {
					rc.logger.Warn("reconciler: delete paired backup dispatcher record failed", zap.Error(err))
				}
			} else {
				if _, err := rc.incomerTx(target.ProvidedUUID).Set(ctx, tx); err != nil {
					rc.logger.Warn("reconciler: migrate resolved backup related failed", zap.Error(err))
					continue
				}
			}
			if err := rc.backupIncomerTx.Delete(ctx, id); err != nil {
				rc.logger.Warn("reconciler: delete redistributed backup related failed", zap.Error(err))
			}
		}
	}

	dispatcherBackups, err := rc.backupDispatcherTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load backup dispatcher store failed", zap.Error(err))
		return
	}
	for id, tx := range dispatcherBackups {
		target, found, err := rc.findSubscriber(ctx, "", tx.Name)
		if err != nil {
			rc.logger.Warn("reconciler: find subscriber for backup dispatcher tx failed", zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		if err := rc.publishTo(ctx, target, model.Envelope{
			Name:          tx.Name,
			Data:          tx.Data,
			RedisMetadata: model.RedisMetadata{Origin: rc.privateUUID, To: target.ProvidedUUID, IncomerName: target.Name},
		}); err != nil {
			rc.logger.Warn("reconciler: republish backup dispatcher tx failed", zap.Error(err))
			continue
		}
		if err := rc.backupDispatcherTx.Delete(ctx, id); err != nil {
			rc.logger.Warn("reconciler: delete redistributed backup dispatcher tx failed", zap.Error(err))
		}
	}
}

// resolvePairs implements §4.7(b).
func (rc *Reconciler) resolvePairs(ctx context.Context) {
	dispatcherAll, err := rc.dispatcherTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load dispatcher store for pair resolution failed", zap.Error(err))
		return
	}

	for dID, d := range dispatcherAll {
		if d.To == "" {
			continue
		}
		recipient, ok, err := rc.reg.Get(ctx, d.To)
		if err != nil {
			rc.logger.Warn("reconciler: load recipient failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		recipientTx := rc.incomerTx(recipient.ProvidedUUID)
		txs, err := recipientTx.GetAll(ctx)
		if err != nil {
			rc.logger.Warn("reconciler: load recipient transactions failed", zap.Error(err))
			continue
		}

		var matchID string
		var match *model.Transaction
		for iID, i := range txs {
			if i.Resolved && i.IsRelatedTo(dID) {
				matchID, match = iID, i
				break
			}
		}
		if match == nil {
			continue
		}

		switch {
		case d.MainTransaction:
			if err := rc.reg.UpdateIncomerState(ctx, recipient.ProvidedUUID); err != nil {
				rc.logger.Warn("reconciler: bump recipient activity failed", zap.Error(err))
			}
			if err := rc.dispatcherTx.Delete(ctx, dID); err != nil {
				rc.logger.Warn("reconciler: delete resolved ping main failed", zap.Error(err))
			}
			if err := recipientTx.Delete(ctx, matchID); err != nil {
				rc.logger.Warn("reconciler: delete resolved ping ack failed", zap.Error(err))
			}
			metrics.TransactionsResolved.Inc()

		case d.Name == model.EventApprovement:
			if err := rc.dispatcherTx.Delete(ctx, dID); err != nil {
				rc.logger.Warn("reconciler: delete resolved approvement dispatcher side failed", zap.Error(err))
			}
			if err := recipientTx.Delete(ctx, matchID); err != nil {
				rc.logger.Warn("reconciler: delete resolved approvement ack failed", zap.Error(err))
			}
			metrics.TransactionsResolved.Inc()

		default:
			d.Resolved = true
			if err := rc.dispatcherTx.Update(ctx, dID, d); err != nil {
				rc.logger.Warn("reconciler: mark dispatcher transaction resolved failed", zap.Error(err))
				continue
			}
			if err := recipientTx.Delete(ctx, matchID); err != nil {
				rc.logger.Warn("reconciler: delete resolved recipient ack failed", zap.Error(err))
			}
			if err := rc.reg.UpdateIncomerState(ctx, recipient.ProvidedUUID); err != nil {
				rc.logger.Warn("reconciler: bump recipient activity failed", zap.Error(err))
			}
			metrics.TransactionsResolved.Inc()
		}
	}
}

// resolveMains implements §4.7(c).
func (rc *Reconciler) resolveMains(ctx context.Context) {
	incomers, err := rc.reg.GetIncomers(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load registry for main resolution failed", zap.Error(err))
		return
	}

	for _, rec := range incomers {
		store := rc.incomerTx(rec.ProvidedUUID)
		txs, err := store.GetAll(ctx)
		if err != nil {
			rc.logger.Warn("reconciler: load incomer store for main resolution failed", zap.Error(err))
			continue
		}

		for mID, m := range txs {
			if !m.MainTransaction {
				continue
			}
			rc.resolveOneMain(ctx, store, mID, m)
		}
	}
}

func (rc *Reconciler) resolveOneMain(ctx context.Context, owner *txstore.Store, mainID string, m *model.Transaction) {
	dispatcherAll, err := rc.dispatcherTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load dispatcher store for main children failed", zap.Error(err))
		return
	}
	backupAll, err := rc.backupDispatcherTx.GetAll(ctx)
	if err != nil {
		rc.logger.Warn("reconciler: load backup dispatcher store for main children failed", zap.Error(err))
		return
	}

	var liveChildren []string
	unresolved := false
	for id, child := range dispatcherAll {
		if !child.IsRelatedTo(mainID) {
			continue
		}
		liveChildren = append(liveChildren, id)
		if !child.Resolved {
			unresolved = true
		}
	}

	backupRemains := false
	for bID, b := range backupAll {
		if !b.IsRelatedTo(mainID) {
			continue
		}
		target, found, err := rc.findSubscriber(ctx, "", b.Name)
		if err != nil {
			rc.logger.Warn("reconciler: find subscriber for backup main child failed", zap.Error(err))
			backupRemains = true
			continue
		}
		if !found {
			backupRemains = true
			continue
		}
		if err := rc.publishTo(ctx, target, model.Envelope{
			Name:          b.Name,
			Data:          b.Data,
			RedisMetadata: model.RedisMetadata{Origin: rc.privateUUID, To: target.ProvidedUUID, IncomerName: target.Name},
		}); err != nil {
			rc.logger.Warn("reconciler: republish backup main child failed", zap.Error(err))
			backupRemains = true
			continue
		}
		if err := rc.backupDispatcherTx.Delete(ctx, bID); err != nil {
			rc.logger.Warn("reconciler: delete republished backup main child failed", zap.Error(err))
		}
		unresolved = true
	}

	if unresolved || backupRemains {
		return
	}

	for _, id := range liveChildren {
		child := dispatcherAll[id]
		if err := rc.dispatcherTx.Delete(ctx, id); err != nil {
			rc.logger.Warn("reconciler: delete resolved main child failed", zap.Error(err))
			continue
		}
		if err := rc.reg.UpdateIncomerState(ctx, child.To); err != nil {
			rc.logger.Warn("reconciler: bump child recipient activity failed", zap.Error(err))
		}
	}
	if err := owner.Delete(ctx, mainID); err != nil {
		rc.logger.Warn("reconciler: delete resolved main failed", zap.Error(err))
	}
}
