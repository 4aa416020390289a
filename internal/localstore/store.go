// Package localstore is the local order replica. Every writer (the sync
// engine and the local mutation handlers) goes through Store so the UI
// always reads one source of truth.
package localstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Fixed logical keys in the KV store. Tombstone keys are stored per
// user under tombstonesKey + ":" + userID.
const (
	ordersKey     = "orders"
	tombstonesKey = "deleted_order_numbers"
)

func tombstonesKeyFor(userID string) string {
	return tombstonesKey + ":" + userID
}

// KV is the persistence capability the store needs. Get returns nil for
// an absent key.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// UpsertMode selects how Upsert finds the record to replace.
type UpsertMode int

const (
	// ByID replaces the record with the same surrogate id, or inserts.
	ByID UpsertMode = iota

	// MergeByBusinessKey replaces every record of the same user sharing
	// the order number, whatever their ids. Used when absorbing a remote
	// record whose id differs from the local one.
	MergeByBusinessKey
)

// Store is the local replica. Reads and writes are serialized; each
// write is a read-modify-write of the whole collection.
type Store struct {
	kv KV
	mu sync.Mutex
}

// New creates a store backed by kv.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// GetAll returns every record of the user, tombstones included.
func (s *Store) GetAll(userID string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}

	var out []models.Order

	for _, o := range all {
		if o.UserID == userID {
			out = append(out, o)
		}
	}

	return out, nil
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return models.Order{}, err
	}

	for _, o := range all {
		if o.ID == id {
			return o, nil
		}
	}

	return models.Order{}, fmt.Errorf("order %s: %w", id, syncerrors.ErrNotFound)
}

// Upsert inserts or replaces order according to mode.
func (s *Store) Upsert(order models.Order, mode UpsertMode) error {
	if err := order.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}

	key := order.Key()

	switch mode {
	case ByID:
		if i := slices.IndexFunc(all, func(o models.Order) bool { return o.ID == order.ID }); i >= 0 {
			all[i] = order
			return s.save(all)
		}
	case MergeByBusinessKey:
		all = slices.DeleteFunc(all, func(o models.Order) bool {
			return o.ID == order.ID || (o.UserID == order.UserID && o.Key() == key)
		})
	}

	return s.save(append(all, order))
}

// UpdateFields applies patch to the record with the given id.
func (s *Store) UpdateFields(id string, patch models.OrderPatch) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return models.Order{}, err
	}

	i := slices.IndexFunc(all, func(o models.Order) bool { return o.ID == id })
	if i < 0 {
		return models.Order{}, fmt.Errorf("order %s: %w", id, syncerrors.ErrNotFound)
	}

	patch.Apply(&all[i])

	if err := s.save(all); err != nil {
		return models.Order{}, err
	}

	return all[i], nil
}

// Delete physically removes the record with the given id. Deleting an
// absent record is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}

	n := len(all)

	all = slices.DeleteFunc(all, func(o models.Order) bool { return o.ID == id })
	if len(all) == n {
		return nil
	}

	return s.save(all)
}

// ListTombstoneBusinessKeys returns the user's order numbers whose local
// record was hard-deleted before the remote deletion could be confirmed.
func (s *Store) ListTombstoneBusinessKeys(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadTombstones(userID)
}

// AddTombstoneBusinessKey records a hard-deleted order number of the user.
func (s *Store) AddTombstoneBusinessKey(userID, key string) error {
	if userID == "" {
		return fmt.Errorf("tombstone: missing user: %w", syncerrors.ErrValidation)
	}

	key = models.NormalizeBusinessKey(key)
	if key == "" {
		return fmt.Errorf("tombstone: empty order number: %w", syncerrors.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadTombstones(userID)
	if err != nil {
		return err
	}

	if slices.Contains(keys, key) {
		return nil
	}

	return s.saveTombstones(userID, append(keys, key))
}

// RemoveTombstoneBusinessKeys drops the given order numbers from the
// user's tombstone set.
func (s *Store) RemoveTombstoneBusinessKeys(userID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[models.NormalizeBusinessKey(k)] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadTombstones(userID)
	if err != nil {
		return err
	}

	n := len(current)

	current = slices.DeleteFunc(current, func(k string) bool {
		_, ok := drop[k]
		return ok
	})
	if len(current) == n {
		return nil
	}

	return s.saveTombstones(userID, current)
}

// ClearTombstoneBusinessKeys empties the user's tombstone set.
func (s *Store) ClearTombstoneBusinessKeys(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(tombstonesKeyFor(userID)); err != nil {
		return fmt.Errorf("clearing tombstones: %w", err)
	}

	return nil
}

func (s *Store) load() ([]models.Order, error) {
	data, err := s.kv.Get(ordersKey)
	if err != nil {
		return nil, fmt.Errorf("loading orders: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	var all []models.Order
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decoding orders: %w", err)
	}

	return all, nil
}

func (s *Store) save(all []models.Order) error {
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encoding orders: %w", err)
	}

	if err := s.kv.Set(ordersKey, data); err != nil {
		return fmt.Errorf("saving orders: %w", err)
	}

	return nil
}

func (s *Store) loadTombstones(userID string) ([]string, error) {
	data, err := s.kv.Get(tombstonesKeyFor(userID))
	if err != nil {
		return nil, fmt.Errorf("loading tombstones: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decoding tombstones: %w", err)
	}

	return keys, nil
}

func (s *Store) saveTombstones(userID string, keys []string) error {
	if len(keys) == 0 {
		if err := s.kv.Remove(tombstonesKeyFor(userID)); err != nil {
			return fmt.Errorf("saving tombstones: %w", err)
		}

		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding tombstones: %w", err)
	}

	if err := s.kv.Set(tombstonesKeyFor(userID), data); err != nil {
		return fmt.Errorf("saving tombstones: %w", err)
	}

	return nil
}
