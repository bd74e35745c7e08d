package ledger

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
)

// Overlay markers prefixed to buffered values.
const (
	opDelete byte = 0
	opPut    byte = 1
)

// Overlay buffers writes on top of a base store. Reads see the buffered
// writes; nothing reaches the base until Commit.
type Overlay struct {
	base Store
	mem  *memdb.DB
}

// NewOverlay creates an empty overlay over base.
func NewOverlay(base Store) *Overlay {
	return &Overlay{
		base: base,
		mem:  memdb.New(comparer.DefaultComparer, 0),
	}
}

// Base returns the underlying store.
func (o *Overlay) Base() Store {
	return o.base
}

// Load implements Store.
func (o *Overlay) Load(key []byte) ([]byte, error) {
	v, err := o.mem.Get(key)
	if err == nil {
		if v[0] == opDelete {
			return nil, ErrNotFound
		}
		return clone(v[1:]), nil
	}
	if err != memdb.ErrNotFound {
		return nil, err
	}
	return o.base.Load(key)
}

// Save implements Store.
func (o *Overlay) Save(key, val []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(val) == 0 {
		return o.mem.Put(key, []byte{opDelete})
	}
	buf := make([]byte, 1+len(val))
	buf[0] = opPut
	copy(buf[1:], val)
	return o.mem.Put(key, buf)
}

// Enumerate implements Store by merging buffered writes over the base.
func (o *Overlay) Enumerate(kMin, kMax []byte) (Iterator, error) {
	base, err := o.base.Enumerate(kMin, kMax)
	if err != nil {
		return nil, err
	}
	m := &mergeIterator{base: base, over: o.mem.NewIterator(keyRange(kMin, kMax))}
	m.baseOK = m.base.Next()
	m.overOK = m.over.Next()
	return m, nil
}

// Pending returns the number of buffered keys.
func (o *Overlay) Pending() int {
	return o.mem.Len()
}

// Changes returns the buffered mutations in key order.
func (o *Overlay) Changes() []Change {
	changes := make([]Change, 0, o.mem.Len())
	it := o.mem.NewIterator(nil)
	defer it.Release()
	for it.Next() {
		v := it.Value()
		c := Change{Key: clone(it.Key())}
		if v[0] == opPut {
			c.Value = clone(v[1:])
		}
		changes = append(changes, c)
	}
	return changes
}

// Commit writes buffered mutations to the base and clears the overlay.
func (o *Overlay) Commit() error {
	if o.mem.Len() == 0 {
		return nil
	}
	if err := Apply(o.base, o.Changes()); err != nil {
		return err
	}
	o.mem.Reset()
	return nil
}

// Discard drops all buffered mutations.
func (o *Overlay) Discard() {
	o.mem.Reset()
}

// Close discards pending writes. The base store is left open.
func (o *Overlay) Close() error {
	o.Discard()
	return nil
}

// mergeIterator walks the base and overlay iterators together; on equal keys
// the overlay entry wins and tombstones hide the base entry.
type mergeIterator struct {
	base   Iterator
	over   Iterator
	baseOK bool
	overOK bool
	key    []byte
	val    []byte
}

func (m *mergeIterator) Next() bool {
	for {
		switch {
		case !m.baseOK && !m.overOK:
			return false
		case m.overOK && (!m.baseOK || bytes.Compare(m.over.Key(), m.base.Key()) <= 0):
			if m.baseOK && bytes.Equal(m.over.Key(), m.base.Key()) {
				m.baseOK = m.base.Next()
			}
			v := m.over.Value()
			if v[0] == opDelete {
				m.overOK = m.over.Next()
				continue
			}
			m.key = append(m.key[:0], m.over.Key()...)
			m.val = append(m.val[:0], v[1:]...)
			m.overOK = m.over.Next()
			return true
		default:
			m.key = append(m.key[:0], m.base.Key()...)
			m.val = append(m.val[:0], m.base.Value()...)
			m.baseOK = m.base.Next()
			return true
		}
	}
}

func (m *mergeIterator) Key() []byte   { return m.key }
func (m *mergeIterator) Value() []byte { return m.val }

func (m *mergeIterator) Error() error {
	if err := m.base.Error(); err != nil {
		return err
	}
	return m.over.Error()
}

func (m *mergeIterator) Release() {
	m.base.Release()
	m.over.Release()
}
