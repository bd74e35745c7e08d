package ledger

import (
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBConfig contains configuration for the LevelDB backend.
type LevelDBConfig struct {
	// Path is the database directory.
	Path string

	// CacheSize is the block cache capacity in bytes.
	CacheSize int

	// WriteBuffer is the memtable size in bytes.
	WriteBuffer int

	// Sync fsyncs every write batch.
	Sync bool
}

// DefaultLevelDBConfig returns default configuration.
func DefaultLevelDBConfig(path string) LevelDBConfig {
	return LevelDBConfig{
		Path:        path,
		CacheSize:   16 << 20,
		WriteBuffer: 8 << 20,
	}
}

// LevelStore is a goleveldb-backed store.
type LevelStore struct {
	db     *leveldb.DB
	wo     *opt.WriteOptions
	closed atomic.Bool
}

// OpenLevelDB opens or creates a LevelDB store.
func OpenLevelDB(cfg LevelDBConfig) (*LevelStore, error) {
	db, err := leveldb.OpenFile(cfg.Path, &opt.Options{
		BlockCacheCapacity: cfg.CacheSize,
		WriteBuffer:        cfg.WriteBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{db: db, wo: &opt.WriteOptions{Sync: cfg.Sync}}, nil
}

// Load implements Store.
func (l *LevelStore) Load(key []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

// Save implements Store.
func (l *LevelStore) Save(key, val []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(val) == 0 {
		return l.db.Delete(key, l.wo)
	}
	return l.db.Put(key, val, l.wo)
}

// Enumerate implements Store.
func (l *LevelStore) Enumerate(kMin, kMax []byte) (Iterator, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.db.NewIterator(keyRange(kMin, kMax), nil), nil
}

// Apply implements Batcher.
func (l *LevelStore) Apply(changes []Change) error {
	if l.closed.Load() {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	for _, c := range changes {
		if len(c.Value) == 0 {
			batch.Delete(c.Key)
		} else {
			batch.Put(c.Key, c.Value)
		}
	}
	return l.db.Write(batch, l.wo)
}

// Close implements Store.
func (l *LevelStore) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}
