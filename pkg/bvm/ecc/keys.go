package ecc

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fortiblox/bvm/internal/types"
	"golang.org/x/crypto/hkdf"
)

const keyDomain = "bvm.m.key"

// ErrNoSecret is returned when a key keeper has no secret material.
var ErrNoSecret = errors.New("key keeper has no secret")

// KeyPreimage returns SHA256("bvm.m.key" ‖ scope ‖ id). The preimage is
// public; only the key keeper can turn it into a secret key.
func KeyPreimage(scope [32]byte, id []byte) types.Hash {
	h := sha256.New()
	h.Write([]byte(keyDomain))
	h.Write(scope[:])
	h.Write(id)
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// KeyKeeper turns preimages into keys without exposing its secret.
type KeyKeeper interface {
	// PublicKey returns the public key for preimage.
	PublicKey(preimage types.Hash) (types.PubKey, error)

	// SecretKey returns the secret key for preimage. Host side only.
	SecretKey(preimage types.Hash) (Scalar, error)
}

// LocalKeyKeeper derives keys from a local secret with HKDF-SHA256.
type LocalKeyKeeper struct {
	secret []byte
}

// NewLocalKeyKeeper creates a key keeper over secret.
func NewLocalKeyKeeper(secret []byte) *LocalKeyKeeper {
	return &LocalKeyKeeper{secret: append([]byte(nil), secret...)}
}

// SecretKey implements KeyKeeper.
func (k *LocalKeyKeeper) SecretKey(preimage types.Hash) (Scalar, error) {
	var s Scalar
	if len(k.secret) == 0 {
		return s, ErrNoSecret
	}
	r := hkdf.New(sha256.New, k.secret, nil, preimage[:])
	var buf [ScalarSize]byte
	for s.IsZero() {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return s, fmt.Errorf("derive key: %w", err)
		}
		s.SetByteSlice(buf[:])
	}
	return s, nil
}

// PublicKey implements KeyKeeper.
func (k *LocalKeyKeeper) PublicKey(preimage types.Hash) (types.PubKey, error) {
	sk, err := k.SecretKey(preimage)
	if err != nil {
		return types.PubKey{}, err
	}
	return MulG(&sk).PubKey(), nil
}
