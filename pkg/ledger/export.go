package ledger

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/klauspost/compress/zstd"
)

// Export format: zstd stream of
//
//	magic "BVMS" ‖ u32 version
//	{ u32 len(key) ‖ key ‖ u32 len(value) ‖ value }*
//	u32 0 ‖ u64 count ‖ digest(32)
var exportMagic = []byte("BVMS")

const exportVersion = 1

var (
	// ErrBadExport is returned when an export stream is malformed.
	ErrBadExport = errors.New("malformed export stream")

	// ErrDigestMismatch is returned when imported state does not match the
	// digest recorded by the exporter.
	ErrDigestMismatch = errors.New("export digest mismatch")
)

// ExportStats describes an export or import.
type ExportStats struct {
	Keys   uint64
	Digest types.Hash
}

// Export writes every pair of s to w as a compressed stream.
func Export(s Store, w io.Writer) (*ExportStats, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)

	bw.Write(exportMagic)
	writeU32(bw, exportVersion)

	it, err := s.Enumerate(nil, nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	defer it.Release()

	stats := &ExportStats{}
	var leaves []types.Hash
	for it.Next() {
		k, v := it.Key(), it.Value()
		writeU32(bw, uint32(len(k)))
		bw.Write(k)
		writeU32(bw, uint32(len(v)))
		bw.Write(v)
		leaves = append(leaves, leafHash(k, v))
		stats.Keys++
	}
	if err := it.Error(); err != nil {
		enc.Close()
		return nil, err
	}
	stats.Digest = MerkleRoot(leaves)

	writeU32(bw, 0)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], stats.Keys)
	bw.Write(n[:])
	bw.Write(stats.Digest[:])

	if err := bw.Flush(); err != nil {
		enc.Close()
		return nil, fmt.Errorf("flush export: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return stats, nil
}

// Import reads an export stream into s and verifies its digest.
func Import(s Store, r io.Reader) (*ExportStats, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	magic := make([]byte, len(exportMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, exportMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrBadExport)
	}
	ver, err := readU32(br)
	if err != nil || ver != exportVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadExport, ver)
	}

	stats := &ExportStats{}
	var leaves []types.Hash
	var batch []Change
	for {
		klen, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadExport, err)
		}
		if klen == 0 {
			break
		}
		k := make([]byte, klen)
		if _, err := io.ReadFull(br, k); err != nil {
			return nil, fmt.Errorf("%w: key: %v", ErrBadExport, err)
		}
		vlen, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadExport, err)
		}
		v := make([]byte, vlen)
		if _, err := io.ReadFull(br, v); err != nil {
			return nil, fmt.Errorf("%w: value: %v", ErrBadExport, err)
		}
		leaves = append(leaves, leafHash(k, v))
		batch = append(batch, Change{Key: k, Value: v})
		stats.Keys++
	}

	var trailer [8 + 32]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrBadExport, err)
	}
	if binary.BigEndian.Uint64(trailer[:8]) != stats.Keys {
		return nil, fmt.Errorf("%w: key count", ErrBadExport)
	}
	stats.Digest = MerkleRoot(leaves)
	if !bytes.Equal(stats.Digest[:], trailer[8:]) {
		return nil, ErrDigestMismatch
	}

	if err := Apply(s, batch); err != nil {
		return nil, fmt.Errorf("apply import: %w", err)
	}
	return stats, nil
}

func writeU32(w *bufio.Writer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
