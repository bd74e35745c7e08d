// Package hasher maps the guest-visible hash algorithm ids to implementations.
package hasher

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algo is a guest hash algorithm id.
type Algo uint32

// Supported algorithms.
const (
	Sha256    Algo = 0
	Keccak256 Algo = 1
	Blake2b   Algo = 2 // 256-bit output
	Blake3    Algo = 3
)

// ErrUnknownAlgo is returned for an unsupported algorithm id.
var ErrUnknownAlgo = errors.New("unknown hash algorithm")

// New returns a fresh hash for algo.
func New(algo Algo) (hash.Hash, error) {
	switch algo {
	case Sha256:
		return sha256.New(), nil
	case Keccak256:
		return sha3.NewLegacyKeccak256(), nil
	case Blake2b:
		return blake2b.New256(nil)
	case Blake3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgo, algo)
	}
}

// Sum hashes data in one call.
func Sum(algo Algo, data ...[]byte) ([]byte, error) {
	h, err := New(algo)
	if err != nil {
		return nil, err
	}
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil), nil
}

func (a Algo) String() string {
	switch a {
	case Sha256:
		return "sha256"
	case Keccak256:
		return "keccak256"
	case Blake2b:
		return "blake2b"
	case Blake3:
		return "blake3"
	default:
		return fmt.Sprintf("algo(%d)", uint32(a))
	}
}
