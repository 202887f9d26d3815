package crypto

import (
	"errors"
	"math/big"
)

// fieldP is the Curve25519/Ed25519 field prime 2^255 - 19.
var fieldP = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// edwardsYToMontgomeryU recovers the Montgomery u-coordinate from a
// compressed Ed25519 public key's y-coordinate via the standard birational
// map u = (1+y)/(1-y) mod p. This lets a peer's hex signing identity be
// turned into the X25519 public key needed to seal/box to them, without
// requiring the peer to separately publish an encryption key.
func edwardsYToMontgomeryU(pub []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, errors.New("crypto: public key must be 32 bytes")
	}
	buf := make([]byte, 32)
	copy(buf, pub)
	buf[31] &= 0x7f // clear the sign bit to isolate y

	y := new(big.Int).SetBytes(reverse(buf))

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, fieldP)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, fieldP)
	denInv := new(big.Int).ModInverse(den, fieldP)
	if denInv == nil {
		return nil, errors.New("crypto: invalid point, no inverse")
	}
	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, fieldP)

	out := make([]byte, 32)
	u.FillBytes(out)
	return reverse(out), nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
