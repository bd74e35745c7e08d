package ledger

import (
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MemStore is an ordered in-memory store backed by a goleveldb memdb.
// Used by tests, the manager and the CLI's ephemeral mode.
type MemStore struct {
	db     *memdb.DB
	closed atomic.Bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{db: memdb.New(comparer.DefaultComparer, 0)}
}

// Load implements Store.
func (m *MemStore) Load(key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	v, err := m.db.Get(key)
	if err == memdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return clone(v), nil
}

// Save implements Store.
func (m *MemStore) Save(key, val []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(val) == 0 {
		err := m.db.Delete(key)
		if err == memdb.ErrNotFound {
			return nil
		}
		return err
	}
	return m.db.Put(key, val)
}

// Enumerate implements Store.
func (m *MemStore) Enumerate(kMin, kMax []byte) (Iterator, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.db.NewIterator(keyRange(kMin, kMax)), nil
}

// Len returns the number of keys.
func (m *MemStore) Len() int {
	return m.db.Len()
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.closed.Store(true)
	return nil
}

// keyRange converts an inclusive range into a goleveldb half-open range.
func keyRange(kMin, kMax []byte) *util.Range {
	r := &util.Range{Start: kMin}
	if kMax != nil {
		r.Limit = Successor(kMax)
	}
	return r
}
