package chain

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fortiblox/bvm/internal/types"
)

// headerHash = SHA256(prev ‖ height ‖ timestamp)
func headerHash(h *Header) types.Hash {
	buf := make([]byte, 32+8+8)
	copy(buf, h.Prev[:])
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.Height))
	binary.LittleEndian.PutUint64(buf[40:], h.Timestamp)
	return sha256.Sum256(buf)
}
