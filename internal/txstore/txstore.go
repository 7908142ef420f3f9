// Package txstore implements the keyed collection of transactions described
// by the core specification: a single JSON map of transactionId -> record,
// read and rewritten as a whole on every mutation. Four instances of Store
// cover the dispatcher-side, one-per-incomer, and two backup namespaces.
package txstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evtmesh/dispatcher/internal/model"
	"github.com/evtmesh/dispatcher/internal/store"
)

// Store is a keyed collection of transactions bound to a single Redis key
// (one map per dispatcher-side, incomer-side, or backup namespace). Reads
// and writes are coarse-grained: every mutation reads the whole map,
// changes one entry, and writes the whole map back.
type Store struct {
	kv  *store.Store
	key string
}

// New binds a Store to the given key under kv's namespace.
func New(kv *store.Store, key string) *Store {
	return &Store{kv: kv, key: key}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// GetAll returns every transaction currently held.
func (s *Store) GetAll(ctx context.Context) (map[string]*model.Transaction, error) {
	var m map[string]*model.Transaction
	ok, err := s.kv.Get(ctx, s.key, &m)
	if err != nil {
		return nil, err
	}
	if !ok || m == nil {
		return map[string]*model.Transaction{}, nil
	}
	return m, nil
}

// Get returns a single transaction by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Transaction, bool, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, false, err
	}
	tx, ok := all[id]
	return tx, ok, nil
}

// Set assigns a fresh transaction id, stamps AliveSince, writes it into the
// map, and returns the stored record.
func (s *Store) Set(ctx context.Context, partial *model.Transaction) (*model.Transaction, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	tx := *partial
	tx.TransactionID = uuid.New().String()
	tx.AliveSince = nowMillis()

	all[tx.TransactionID] = &tx
	if err := s.kv.Set(ctx, s.key, all); err != nil {
		return nil, fmt.Errorf("txstore: set %s: %w", s.key, err)
	}
	return &tx, nil
}

// Update replaces the stored transaction at id in place.
func (s *Store) Update(ctx context.Context, id string, tx *model.Transaction) error {
	all, err := s.GetAll(ctx)
	if err != nil {
		return err
	}
	all[id] = tx
	return s.kv.Set(ctx, s.key, all)
}

// Delete removes a transaction. If the map becomes empty, the backing key
// is deleted outright rather than left holding an empty object.
func (s *Store) Delete(ctx context.Context, id string) error {
	all, err := s.GetAll(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[id]; !ok {
		return nil
	}
	delete(all, id)
	if len(all) == 0 {
		return s.kv.Delete(ctx, s.key)
	}
	return s.kv.Set(ctx, s.key, all)
}

// DispatcherKey returns the Redis key name for the dispatcher-side
// transaction store under the given prefix.
func DispatcherKey(prefix string) string {
	return prefix + "dispatcher-transaction"
}

// IncomerKey returns the Redis key name for a single incomer's transaction
// store under the given prefix.
func IncomerKey(prefix, incomerUUID string) string {
	return prefix + incomerUUID + "-incomer-transaction"
}

// BackupDispatcherKey returns the Redis key name for the dispatcher backup
// transaction store under the given prefix.
func BackupDispatcherKey(prefix string) string {
	return prefix + "backup-dispatcher-transaction"
}

// BackupIncomerKey returns the Redis key name for the incomer backup
// transaction store under the given prefix.
func BackupIncomerKey(prefix string) string {
	return prefix + "backup-incomer-transaction"
}
