// Package module parses BVM contract modules.
//
// A module is a small little-endian header followed by guest code and a data
// segment:
//
//	version      u32 (= 2)
//	methodCount  u32
//	dataOffset   u32  start of the data segment
//	tableOffset  u32  start of the code
//	methodAddr   [methodCount]u32, relative to the start of the code
//
// Method 0 is the constructor and method 1 the destructor; every module
// exports both.
package module

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/bvm/internal/types"
)

// Version is the only supported module version.
const Version = 2

// Method counts and sizes.
const (
	MinMethods     = 2
	MaxMethods     = 1 << 28
	FixedHeaderLen = 16
	MaxModuleSize  = 1 << 20
)

// Well-known method indices.
const (
	MethodCtor = 0
	MethodDtor = 1
)

var nativeMagic = []byte("BVMN")

// Module parse errors.
var (
	ErrTooShort         = errors.New("module too short")
	ErrTooLarge         = errors.New("module too large")
	ErrInvalidVersion   = errors.New("unsupported module version")
	ErrInvalidMethods   = errors.New("invalid method count")
	ErrInvalidOffsets   = errors.New("invalid section offsets")
	ErrInvalidMethod    = errors.New("method address out of code")
	ErrMethodOutOfRange = errors.New("method index out of range")
)

// Header is the parsed module header.
type Header struct {
	Version     uint32
	NumMethods  uint32
	DataOffset  uint32
	TableOffset uint32
	Methods     []uint32
}

// HeaderSize returns the encoded header length for n methods.
func HeaderSize(n uint32) uint64 {
	return FixedHeaderLen + 4*uint64(n)
}

// Module is a parsed, validated module.
type Module struct {
	Header
	ID   types.ShaderID
	Code []byte
	Data []byte
}

// Parse validates blob and splits it into code and data.
func Parse(blob []byte) (*Module, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	return &Module{
		Header: *h,
		ID:     types.ShaderIDOf(blob),
		Code:   blob[h.TableOffset:h.DataOffset],
		Data:   blob[h.DataOffset:],
	}, nil
}

func parseHeader(blob []byte) (*Header, error) {
	if len(blob) > MaxModuleSize {
		return nil, ErrTooLarge
	}
	if len(blob) < FixedHeaderLen {
		return nil, ErrTooShort
	}

	h := &Header{
		Version:     binary.LittleEndian.Uint32(blob[0:]),
		NumMethods:  binary.LittleEndian.Uint32(blob[4:]),
		DataOffset:  binary.LittleEndian.Uint32(blob[8:]),
		TableOffset: binary.LittleEndian.Uint32(blob[12:]),
	}
	if err := validateHeader(h, uint64(len(blob))); err != nil {
		return nil, err
	}

	h.Methods = make([]uint32, h.NumMethods)
	codeLen := h.DataOffset - h.TableOffset
	for i := range h.Methods {
		addr := binary.LittleEndian.Uint32(blob[FixedHeaderLen+4*i:])
		if addr >= codeLen {
			return nil, fmt.Errorf("%w: method %d at 0x%x, code size 0x%x", ErrInvalidMethod, i, addr, codeLen)
		}
		h.Methods[i] = addr
	}
	return h, nil
}

func validateHeader(h *Header, size uint64) error {
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, h.Version)
	}
	if h.NumMethods < MinMethods || h.NumMethods >= MaxMethods {
		return fmt.Errorf("%w: %d", ErrInvalidMethods, h.NumMethods)
	}
	hdr := HeaderSize(h.NumMethods)
	if hdr > size {
		return fmt.Errorf("%w: header needs %d bytes, module has %d", ErrTooShort, hdr, size)
	}
	if uint64(h.TableOffset) < hdr || h.TableOffset > h.DataOffset || uint64(h.DataOffset) > size {
		return fmt.Errorf("%w: code 0x%x, data 0x%x, size 0x%x", ErrInvalidOffsets, h.TableOffset, h.DataOffset, size)
	}
	return nil
}

// Method returns the code address of method i.
func (m *Module) Method(i uint32) (uint32, error) {
	if i >= m.NumMethods {
		return 0, fmt.Errorf("%w: %d of %d", ErrMethodOutOfRange, i, m.NumMethods)
	}
	return m.Methods[i], nil
}

// Build assembles a module blob from code, data and method addresses.
func Build(code, data []byte, methods []uint32) []byte {
	hdr := int(HeaderSize(uint32(len(methods))))
	blob := make([]byte, hdr+len(code)+len(data))
	binary.LittleEndian.PutUint32(blob[0:], Version)
	binary.LittleEndian.PutUint32(blob[4:], uint32(len(methods)))
	binary.LittleEndian.PutUint32(blob[8:], uint32(hdr+len(code)))
	binary.LittleEndian.PutUint32(blob[12:], uint32(hdr))
	for i, m := range methods {
		binary.LittleEndian.PutUint32(blob[FixedHeaderLen+4*i:], m)
	}
	copy(blob[hdr:], code)
	copy(blob[hdr+len(code):], data)
	return blob
}

// NativeBlob is the stored form of a shader implemented in Go.
func NativeBlob(sid types.ShaderID) []byte {
	return append(append([]byte{}, nativeMagic...), sid[:]...)
}

// ParseNative reports whether blob refers to a native shader.
func ParseNative(blob []byte) (types.ShaderID, bool) {
	var sid types.ShaderID
	if len(blob) != len(nativeMagic)+types.IDSize || !bytes.HasPrefix(blob, nativeMagic) {
		return sid, false
	}
	copy(sid[:], blob[len(nativeMagic):])
	return sid, true
}
