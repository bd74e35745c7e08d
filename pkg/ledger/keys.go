package ledger

import (
	"encoding/binary"

	"github.com/fortiblox/bvm/internal/types"
)

// Tag is the second component of a variable key.
type Tag uint8

// Storage tags. Internal and InternalStealth are the only tags a contract may
// write directly; the rest are maintained by the engine.
const (
	TagInternal        Tag = 0
	TagLockedAmount    Tag = 1
	TagRefs            Tag = 2
	TagOwnedAsset      Tag = 3
	TagShaderChange    Tag = 4
	TagInternalStealth Tag = 8

	// Tags below live under types.SystemContractID.
	TagSidCid     Tag = 16
	TagAssetInfo  Tag = 17
	TagAssetOwner Tag = 18
	TagAssetNext  Tag = 19
	TagLog        Tag = 20
	TagLogNext    Tag = 21
)

// KeyPrefixSize is the length of the ContractID ‖ Tag prefix.
const KeyPrefixSize = types.IDSize + 1

// VarKey builds cid ‖ tag ‖ subkey.
func VarKey(cid types.ContractID, tag Tag, subkey []byte) []byte {
	k := make([]byte, KeyPrefixSize+len(subkey))
	copy(k, cid[:])
	k[types.IDSize] = byte(tag)
	copy(k[KeyPrefixSize:], subkey)
	return k
}

// SplitKey splits a variable key into its components.
func SplitKey(k []byte) (cid types.ContractID, tag Tag, subkey []byte, ok bool) {
	if len(k) < KeyPrefixSize {
		return cid, 0, nil, false
	}
	copy(cid[:], k)
	return cid, Tag(k[types.IDSize]), k[KeyPrefixSize:], true
}

// ShaderKey is where a contract's module code is stored.
func ShaderKey(cid types.ContractID) []byte {
	return VarKey(cid, TagInternal, nil)
}

// SidCidKey indexes a contract under its shader id.
func SidCidKey(sid types.ShaderID, cid types.ContractID) []byte {
	sub := make([]byte, 0, 2*types.IDSize)
	sub = append(sub, sid[:]...)
	sub = append(sub, cid[:]...)
	return VarKey(types.SystemContractID, TagSidCid, sub)
}

// AssetKey builds a key for an asset-indexed tag.
func AssetKey(cid types.ContractID, tag Tag, aid types.AssetID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(aid))
	return VarKey(cid, tag, b[:])
}

// LogKey addresses one emitted log record.
func LogKey(h types.Height, idx uint32) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(h))
	binary.BigEndian.PutUint32(b[8:], idx)
	return VarKey(types.SystemContractID, TagLog, b[:])
}

// ParseLogKey extracts height and index from a log key.
func ParseLogKey(k []byte) (types.Height, uint32, bool) {
	if len(k) != KeyPrefixSize+12 {
		return 0, 0, false
	}
	sub := k[KeyPrefixSize:]
	return types.Height(binary.BigEndian.Uint64(sub)), binary.BigEndian.Uint32(sub[8:]), true
}

// EncodeHeight encodes a height big endian.
func EncodeHeight(h types.Height) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(h))
	return b[:]
}
