// Package chain stores the block headers the BVM exposes to contracts
// through GetHeight and GetHdr.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/bvm/internal/types"
)

var (
	// ErrHeaderNotFound is returned when a height has no header.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrClosed is returned when operating on a closed chain store.
	ErrClosed = errors.New("chain store closed")

	// ErrNotContiguous is returned when appending a header out of order.
	ErrNotContiguous = errors.New("header does not extend the chain")
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 8 + 8 + 32 + 32

// Header is the subset of a block header visible to contracts.
type Header struct {
	Height    types.Height
	Timestamp uint64
	Hash      types.Hash
	Prev      types.Hash
}

// Encode serialises the header in the fixed guest layout.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.Height))
	binary.LittleEndian.PutUint64(buf[8:], h.Timestamp)
	copy(buf[16:], h.Hash[:])
	copy(buf[48:], h.Prev[:])
	return buf
}

// DecodeHeader parses an encoded header.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("header size %d, want %d", len(buf), HeaderSize)
	}
	h := &Header{
		Height:    types.Height(binary.LittleEndian.Uint64(buf[0:])),
		Timestamp: binary.LittleEndian.Uint64(buf[8:]),
	}
	copy(h.Hash[:], buf[16:48])
	copy(h.Prev[:], buf[48:80])
	return h, nil
}

// Chain is the read interface consumed by the engine.
type Chain interface {
	// Height returns the current chain height. Zero means no blocks.
	Height() types.Height

	// Header returns the header at height h.
	Header(h types.Height) (*Header, error)
}

// Writer extends Chain with appends.
type Writer interface {
	Chain
	Append(h *Header) error
}

// MemChain is an in-memory chain used by tests and the manager.
type MemChain struct {
	mu      sync.RWMutex
	headers []*Header
}

// NewMemChain creates an empty in-memory chain.
func NewMemChain() *MemChain {
	return &MemChain{}
}

// Height implements Chain.
func (c *MemChain) Height() types.Height {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.Height(len(c.headers))
}

// Header implements Chain.
func (c *MemChain) Header(h types.Height) (*Header, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h == 0 || uint64(h) > uint64(len(c.headers)) {
		return nil, ErrHeaderNotFound
	}
	hdr := *c.headers[h-1]
	return &hdr, nil
}

// Append implements Writer.
func (c *MemChain) Append(h *Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(h.Height) != uint64(len(c.headers))+1 {
		return fmt.Errorf("%w: height %d, tip %d", ErrNotContiguous, h.Height, len(c.headers))
	}
	hdr := *h
	c.headers = append(c.headers, &hdr)
	return nil
}

// Next builds the header following tip with the given timestamp. The hash
// commits to the previous hash, height and timestamp.
func Next(c Chain, timestamp uint64) (*Header, error) {
	h := &Header{Height: c.Height() + 1, Timestamp: timestamp}
	if h.Height > 1 {
		prev, err := c.Header(h.Height - 1)
		if err != nil {
			return nil, err
		}
		h.Prev = prev.Hash
	}
	h.Hash = headerHash(h)
	return h, nil
}
