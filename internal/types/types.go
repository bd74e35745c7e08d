// Package types defines the identifiers and scalar types shared by the BVM packages.
//
// Identifiers are 32-byte content hashes rendered as base58 text, the same way
// the rest of the toolchain prints them.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	IDSize     = 32
	PubKeySize = 33
	HashSize   = 32
)

var (
	// ErrInvalidID is returned when an identifier has invalid length.
	ErrInvalidID = errors.New("invalid id: must be 32 bytes")

	// ErrInvalidPubKey is returned when a public key has invalid length.
	ErrInvalidPubKey = errors.New("invalid pubkey: must be 33 bytes")

	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// ContractID identifies a deployed contract: the hash of its shader id and
// constructor arguments.
type ContractID [IDSize]byte

// ShaderID identifies a contract module by the hash of its code.
type ShaderID [IDSize]byte

// AssetID identifies a fungible asset. Zero is the native coin.
type AssetID uint32

// Amount is a plain asset amount.
type Amount uint64

// Height is a chain height.
type Height uint64

// PubKey is a compressed secp256k1 public key.
type PubKey [PubKeySize]byte

// Hash is a 32-byte digest.
type Hash [HashSize]byte

func decodeID(s string) ([IDSize]byte, error) {
	var id [IDSize]byte
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != IDSize {
		return id, ErrInvalidID
	}
	copy(id[:], data)
	return id, nil
}

// ContractIDFromBase58 parses a base58-encoded contract id.
func ContractIDFromBase58(s string) (ContractID, error) {
	id, err := decodeID(s)
	return ContractID(id), err
}

// ContractIDFromBytes creates a ContractID from a byte slice.
func ContractIDFromBytes(b []byte) (ContractID, error) {
	var id ContractID
	if len(b) != IDSize {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (c ContractID) String() string {
	return base58.Encode(c[:])
}

// IsZero returns true if the id is all zeros.
func (c ContractID) IsZero() bool {
	return c == ContractID{}
}

// Bytes returns the id as a byte slice.
func (c ContractID) Bytes() []byte {
	return c[:]
}

// MarshalText implements encoding.TextMarshaler.
func (c ContractID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ContractID) UnmarshalText(text []byte) error {
	parsed, err := ContractIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ShaderIDFromBase58 parses a base58-encoded shader id.
func ShaderIDFromBase58(s string) (ShaderID, error) {
	id, err := decodeID(s)
	return ShaderID(id), err
}

// String returns the base58-encoded representation.
func (s ShaderID) String() string {
	return base58.Encode(s[:])
}

// Bytes returns the id as a byte slice.
func (s ShaderID) Bytes() []byte {
	return s[:]
}

// MarshalText implements encoding.TextMarshaler.
func (s ShaderID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PubKeyFromBytes creates a PubKey from a byte slice.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	var pk PubKey
	if len(b) != PubKeySize {
		return pk, ErrInvalidPubKey
	}
	copy(pk[:], b)
	return pk, nil
}

// PubKeyFromHex parses a hex-encoded public key.
func PubKeyFromHex(s string) (PubKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return PubKey{}, fmt.Errorf("hex decode: %w", err)
	}
	return PubKeyFromBytes(data)
}

// String returns the hex-encoded representation.
func (p PubKey) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero returns true if the key is all zeros.
func (p PubKey) IsZero() bool {
	return p == PubKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (p PubKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PubKey) UnmarshalText(text []byte) error {
	pk, err := PubKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
