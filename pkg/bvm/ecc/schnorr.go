package ecc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/bvm/internal/types"
)

// SignatureSize is the encoded size of a Signature: R ‖ s.
const SignatureSize = PointSize + ScalarSize

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// Signature is a Schnorr signature (R, s) with s·G = R + e·P,
// e = H(R ‖ P ‖ msg).
type Signature struct {
	R Point
	S Scalar
}

func challenge(r, p Point, msg types.Hash) Scalar {
	rb, pb := r.Bytes(), p.Bytes()
	return HashToScalar([]byte("bvm.sig"), rb[:], pb[:], msg[:])
}

// Sign signs msg with secret key sk. The nonce is derived from sk and msg.
func Sign(sk *Scalar, msg types.Hash) Signature {
	skb := sk.Bytes()
	k := HashToScalar([]byte("bvm.nonce"), skb[:], msg[:])
	r := MulG(&k)
	e := challenge(r, MulG(sk), msg)

	var s Scalar
	s.Mul2(&e, sk).Add(&k)
	return Signature{R: r, S: s}
}

// Verify checks sig against public key p.
func Verify(p Point, msg types.Hash, sig Signature) error {
	if p.IsInfinity() || sig.R.IsInfinity() {
		return ErrBadSignature
	}
	e := challenge(sig.R, p, msg)
	lhs := MulG(&sig.S)
	rhs := sig.R.Add(p.Mul(&e))
	if !lhs.Equal(rhs) {
		return ErrBadSignature
	}
	return nil
}

// Bytes encodes the signature.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	r := s.R.Bytes()
	sb := s.S.Bytes()
	out = append(out, r[:]...)
	return append(out, sb[:]...)
}

// SignatureFromBytes decodes a signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureSize {
		return Signature{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(b))
	}
	r, err := PointFromBytes(b[:PointSize])
	if err != nil {
		return Signature{}, err
	}
	s, err := ScalarFromBytes(b[PointSize:])
	if err != nil {
		return Signature{}, err
	}
	return Signature{R: r, S: s}, nil
}
