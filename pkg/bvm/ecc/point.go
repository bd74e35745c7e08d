// Package ecc provides the secp256k1 operations the engine consumes:
// points and scalars in their guest wire form, per-asset value generators,
// Schnorr signatures and deterministic key derivation.
package ecc

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fortiblox/bvm/internal/types"
)

// Wire sizes.
const (
	PointSize  = 33
	ScalarSize = 32
)

var (
	// ErrInvalidPoint is returned when bytes do not encode a curve point.
	ErrInvalidPoint = errors.New("invalid curve point")

	// ErrInvalidScalar is returned when bytes encode a value ≥ the group order.
	ErrInvalidScalar = errors.New("invalid scalar")
)

// Scalar is an integer modulo the group order.
type Scalar = secp256k1.ModNScalar

// Point is a normalized curve point. The zero value is the point at infinity,
// encoded on the wire as 33 zero bytes.
type Point struct {
	j secp256k1.JacobianPoint
}

func isInfinity(j *secp256k1.JacobianPoint) bool {
	return (j.X.IsZero() && j.Y.IsZero()) || j.Z.IsZero()
}

func normalized(j secp256k1.JacobianPoint) Point {
	if isInfinity(&j) {
		return Point{}
	}
	j.ToAffine()
	return Point{j: j}
}

// PointFromBytes decodes a compressed point.
func PointFromBytes(b []byte) (Point, error) {
	if len(b) != PointSize {
		return Point{}, fmt.Errorf("%w: length %d", ErrInvalidPoint, len(b))
	}
	if isZero(b) {
		return Point{}, nil
	}
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	var j secp256k1.JacobianPoint
	pk.AsJacobian(&j)
	return Point{j: j}, nil
}

// PointFromPubKey decodes a public key.
func PointFromPubKey(pk types.PubKey) (Point, error) {
	return PointFromBytes(pk[:])
}

// Bytes returns the compressed encoding.
func (p Point) Bytes() [PointSize]byte {
	var out [PointSize]byte
	if p.IsInfinity() {
		return out
	}
	x, y := p.j.X, p.j.Y
	copy(out[:], secp256k1.NewPublicKey(&x, &y).SerializeCompressed())
	return out
}

// PubKey returns the point as a public key.
func (p Point) PubKey() types.PubKey {
	return types.PubKey(p.Bytes())
}

// IsInfinity reports whether p is the identity.
func (p Point) IsInfinity() bool {
	return isInfinity(&p.j)
}

// Equal reports whether p and q are the same point.
func (p Point) Equal(q Point) bool {
	return p.Bytes() == q.Bytes()
}

// Add returns p + q.
func (p Point) Add(q Point) Point {
	if p.IsInfinity() {
		return q
	}
	if q.IsInfinity() {
		return p
	}
	var r secp256k1.JacobianPoint
	secp256k1.AddNonConst(&p.j, &q.j, &r)
	return normalized(r)
}

// Neg returns -p.
func (p Point) Neg() Point {
	if p.IsInfinity() {
		return p
	}
	r := p.j
	r.Y.Negate(1).Normalize()
	return Point{j: r}
}

// Mul returns k·p.
func (p Point) Mul(k *Scalar) Point {
	if p.IsInfinity() || k.IsZero() {
		return Point{}
	}
	var r secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(k, &p.j, &r)
	return normalized(r)
}

// MulG returns k·G.
func MulG(k *Scalar) Point {
	if k.IsZero() {
		return Point{}
	}
	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &r)
	return normalized(r)
}

var generators sync.Map // types.AssetID -> Point

// AssetGenerator returns the value generator H for an asset. Generators are
// derived by hashing to the curve, so nobody knows their discrete log with
// respect to G or each other.
func AssetGenerator(aid types.AssetID) Point {
	if g, ok := generators.Load(aid); ok {
		return g.(Point)
	}
	var buf [5 + 4 + 4]byte
	copy(buf[:], "bvm.H")
	binary.BigEndian.PutUint32(buf[5:], uint32(aid))
	for ctr := uint32(0); ; ctr++ {
		binary.BigEndian.PutUint32(buf[9:], ctr)
		digest := sha256.Sum256(buf[:])

		var x, y secp256k1.FieldVal
		if overflow := x.SetByteSlice(digest[:]); overflow {
			continue
		}
		x.Normalize()
		if !secp256k1.DecompressY(&x, false, &y) {
			continue
		}
		y.Normalize()
		var j secp256k1.JacobianPoint
		j.X.Set(&x)
		j.Y.Set(&y)
		j.Z.SetInt(1)
		g := Point{j: j}
		generators.Store(aid, g)
		return g
	}
}

// MulH returns k·H_aid.
func MulH(k *Scalar, aid types.AssetID) Point {
	return AssetGenerator(aid).Mul(k)
}

// ScalarFromBytes decodes a canonical big-endian scalar.
func ScalarFromBytes(b []byte) (Scalar, error) {
	var s Scalar
	if len(b) != ScalarSize {
		return s, fmt.Errorf("%w: length %d", ErrInvalidScalar, len(b))
	}
	if overflow := s.SetByteSlice(b); overflow {
		return s, ErrInvalidScalar
	}
	return s, nil
}

// ScalarFromUint64 returns v as a scalar.
func ScalarFromUint64(v uint64) Scalar {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	var s Scalar
	s.SetByteSlice(b[:])
	return s
}

// HashToScalar hashes the inputs to a nonzero scalar.
func HashToScalar(parts ...[]byte) Scalar {
	var s Scalar
	for ctr := byte(0); ; ctr++ {
		h := sha256.New()
		for _, p := range parts {
			h.Write(p)
		}
		h.Write([]byte{ctr})
		s.SetByteSlice(h.Sum(nil))
		if !s.IsZero() {
			return s
		}
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
