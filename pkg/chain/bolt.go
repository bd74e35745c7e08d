package chain

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortiblox/bvm/internal/types"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for BoltDB.
var (
	// bucketHeaders stores encoded headers keyed by height (big endian).
	bucketHeaders = []byte("headers")

	// bucketMetadata stores chain metadata.
	bucketMetadata = []byte("metadata")

	keyTip = []byte("tip")
)

// Config holds chain store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds waiting for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default chain store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// BoltChain implements Writer using BoltDB.
type BoltChain struct {
	db *bolt.DB

	mu     sync.RWMutex
	tip    types.Height
	closed bool
}

// Open creates or opens a chain store at the configured path.
func Open(cfg Config) (*BoltChain, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout:  cfg.Timeout,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	c := &BoltChain{db: db}
	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketHeaders, bucketMetadata} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyTip); len(v) == 8 {
			c.tip = types.Height(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load tip: %w", err)
	}
	return c, nil
}

// Height implements Chain.
func (c *BoltChain) Height() types.Height {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// Header implements Chain.
func (c *BoltChain) Header(h types.Height) (*Header, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	var hdr *Header
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeaders)
		if b == nil {
			return ErrHeaderNotFound
		}
		v := b.Get(heightKey(h))
		if v == nil {
			return ErrHeaderNotFound
		}
		var err error
		hdr, err = DecodeHeader(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hdr, nil
}

// Append implements Writer.
func (c *BoltChain) Append(h *Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if h.Height != c.tip+1 {
		return fmt.Errorf("%w: height %d, tip %d", ErrNotContiguous, h.Height, c.tip)
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(heightKey(h.Height), h.Encode()); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Put(keyTip, heightKey(h.Height))
	})
	if err != nil {
		return fmt.Errorf("append header: %w", err)
	}
	c.tip = h.Height
	return nil
}

// Close closes the database.
func (c *BoltChain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func heightKey(h types.Height) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(h))
	return b[:]
}
