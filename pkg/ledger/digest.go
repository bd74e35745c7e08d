package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fortiblox/bvm/internal/types"
)

// Digest computes a Merkle root over every key-value pair in [kMin, kMax].
// Two stores with equal contents in that range produce the same digest.
//
// Tree structure:
//   - Leaf: SHA256(0x00 ‖ u32 len(key) ‖ key ‖ value)
//   - Node: SHA256(0x01 ‖ left ‖ right)
//   - An unpaired node is combined with the zero hash.
func Digest(s Store, kMin, kMax []byte) (types.Hash, error) {
	it, err := s.Enumerate(kMin, kMax)
	if err != nil {
		return types.Hash{}, err
	}
	defer it.Release()

	var leaves []types.Hash
	for it.Next() {
		leaves = append(leaves, leafHash(it.Key(), it.Value()))
	}
	if err := it.Error(); err != nil {
		return types.Hash{}, err
	}
	return MerkleRoot(leaves), nil
}

// MerkleRoot computes the binary Merkle root of already-hashed leaves.
func MerkleRoot(level []types.Hash) types.Hash {
	if len(level) == 0 {
		return types.Hash{}
	}
	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func leafHash(key, val []byte) types.Hash {
	h := sha256.New()
	var n [5]byte
	binary.BigEndian.PutUint32(n[1:], uint32(len(key)))
	h.Write(n[:])
	h.Write(key)
	h.Write(val)
	var out types.Hash
	h.Sum(out[:0])
	return out
}

func nodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return sha256.Sum256(buf)
}
