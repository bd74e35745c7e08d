package ledger

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig contains configuration for the BadgerDB backend.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional badger logger. Nil disables badger's own logging.
	Logger badger.Logger
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 64 << 20,
	}
}

// BadgerStore is a BadgerDB-backed store.
//
// Variable values are small (bounded by the engine's var size limit), so the
// default value threshold keeps nearly everything in the LSM tree.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens or creates a BadgerDB store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load implements Store.
func (b *BadgerStore) Load(key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Save implements Store.
func (b *BadgerStore) Save(key, val []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if len(val) == 0 {
			return txn.Delete(key)
		}
		return txn.Set(key, val)
	})
}

// Apply implements Batcher.
func (b *BadgerStore) Apply(changes []Change) error {
	if b.closed.Load() {
		return ErrClosed
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, c := range changes {
		var err error
		if len(c.Value) == 0 {
			err = wb.Delete(c.Key)
		} else {
			err = wb.Set(c.Key, c.Value)
		}
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
	}
	return wb.Flush()
}

// Enumerate implements Store. The iterator holds a read transaction until
// Release.
func (b *BadgerStore) Enumerate(kMin, kMax []byte) (Iterator, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	txn := b.db.NewTransaction(false)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	it.Seek(kMin)
	return &badgerIterator{txn: txn, it: it, kMax: kMax}, nil
}

// Close implements Store.
func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

type badgerIterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	kMax    []byte
	started bool
	key     []byte
	val     []byte
	err     error
}

func (i *badgerIterator) Next() bool {
	if i.err != nil || i.it == nil {
		return false
	}
	if i.started {
		i.it.Next()
	}
	i.started = true
	if !i.it.Valid() {
		return false
	}
	item := i.it.Item()
	i.key = item.KeyCopy(i.key[:0])
	if i.kMax != nil && bytes.Compare(i.key, i.kMax) > 0 {
		return false
	}
	i.val, i.err = item.ValueCopy(i.val[:0])
	return i.err == nil
}

func (i *badgerIterator) Key() []byte   { return i.key }
func (i *badgerIterator) Value() []byte { return i.val }
func (i *badgerIterator) Error() error  { return i.err }

func (i *badgerIterator) Release() {
	if i.it != nil {
		i.it.Close()
		i.txn.Discard()
		i.it = nil
	}
}
