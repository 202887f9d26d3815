package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

// Sign signs data with the identity's signing key and returns base64(sig).
func (id *Identity) Sign(data []byte) string {
	sig := ed25519.Sign(id.SigningPriv, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature over data against the hex signing public
// key pubHex. It never panics on malformed input — callers rely on a plain
// bool to decide whether to drop a packet.
func Verify(pubHex string, data []byte, sigB64 string) bool {
	pub, err := PublicKeyFromHex(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// ErrBadSignature is returned by Verify-adjacent helpers that need to
// distinguish "decoded but invalid" from other failure kinds.
var ErrBadSignature = errors.New("crypto: bad signature")
