// Package ledger provides the key-value ledger the BVM executes against.
//
// The engine only needs three operations: Load, Save (an empty value deletes)
// and Enumerate over an inclusive key range. Backends adapt real key-value
// stores to that contract; Overlay buffers the writes of one invocation so
// they can be committed or discarded as a unit.
package ledger

import (
	"bytes"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrEmptyKey is returned when saving an empty key.
	ErrEmptyKey = errors.New("empty key")
)

// Store is the ledger interface consumed by the engine.
type Store interface {
	// Load returns a copy of the value stored under key, or ErrNotFound.
	Load(key []byte) ([]byte, error)

	// Save stores val under key. An empty val deletes the key.
	Save(key, val []byte) error

	// Enumerate iterates keys in [kMin, kMax] in ascending order.
	// A nil kMax means no upper bound.
	Enumerate(kMin, kMax []byte) (Iterator, error)

	// Close releases the store.
	Close() error
}

// Iterator is a forward cursor. Key and Value are only valid until the next
// call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Change is a single buffered mutation. An empty Value is a delete.
type Change struct {
	Key   []byte
	Value []byte
}

// Batcher is implemented by stores that can apply many changes atomically.
type Batcher interface {
	Apply(changes []Change) error
}

// Apply writes changes to s, atomically when s supports it.
func Apply(s Store, changes []Change) error {
	if b, ok := s.(Batcher); ok {
		return b.Apply(changes)
	}
	for _, c := range changes {
		if err := s.Save(c.Key, c.Value); err != nil {
			return err
		}
	}
	return nil
}

// Successor returns the smallest key strictly greater than k.
func Successor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

// EnumeratePrefix iterates all keys starting with prefix.
func EnumeratePrefix(s Store, prefix []byte) (Iterator, error) {
	it, err := s.Enumerate(prefix, nil)
	if err != nil {
		return nil, err
	}
	return &prefixIterator{Iterator: it, prefix: prefix}, nil
}

type prefixIterator struct {
	Iterator
	prefix []byte
	done   bool
}

func (p *prefixIterator) Next() bool {
	if p.done {
		return false
	}
	if !p.Iterator.Next() || !bytes.HasPrefix(p.Iterator.Key(), p.prefix) {
		p.done = true
		return false
	}
	return true
}

// inRange reports whether k lies in [kMin, kMax]; nil kMax is unbounded.
func inRange(k, kMin, kMax []byte) bool {
	if bytes.Compare(k, kMin) < 0 {
		return false
	}
	return kMax == nil || bytes.Compare(k, kMax) <= 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
