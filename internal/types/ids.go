package types

import (
	"crypto/sha256"
	"encoding/binary"
)

// Domain separation prefixes for identifier derivation.
const (
	shaderIDDomain   = "bvm.shader"
	contractIDDomain = "bvm.cid"
)

// SystemContractID is the all-zero namespace used for engine bookkeeping
// (shader index, asset registry, logs). No deployed contract can own it.
var SystemContractID = ContractID{}

// NativeAsset is the chain's native coin.
const NativeAsset = AssetID(0)

// ShaderIDOf returns the shader id for module code.
func ShaderIDOf(code []byte) ShaderID {
	h := sha256.New()
	h.Write([]byte(shaderIDDomain))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(code)))
	h.Write(n[:])
	h.Write(code)
	var sid ShaderID
	h.Sum(sid[:0])
	return sid
}

// ContractIDOf returns the contract id deployed from sid with constructor args.
func ContractIDOf(sid ShaderID, args []byte) ContractID {
	h := sha256.New()
	h.Write([]byte(contractIDDomain))
	h.Write(sid[:])
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(args)))
	h.Write(n[:])
	h.Write(args)
	var cid ContractID
	h.Sum(cid[:0])
	return cid
}
