// Package crypto derives per-account key material and protects packets and
// at-rest fields the way the overlay's wire/data invariants require.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
)

// Argon2id work factors, mirroring libsodium's SENSITIVE (signing seed) and
// INTERACTIVE (vault key) presets that the original backend used directly.
const (
	sensitiveTime   uint32 = 4
	sensitiveMemKiB uint32 = 1 << 20 // 1 GiB
	interactiveTime uint32 = 2
	interactiveMem  uint32 = 64 * 1024 // 64 MiB
	argonThreads    uint8  = 1
	argonKeyLen     uint32 = 32
)

// Identity is the full key material derived from one (username, password)
// pair. MyID is the hex signing public key and is the account's address.
type Identity struct {
	SigningPriv    ed25519.PrivateKey
	SigningPub     ed25519.PublicKey
	EncryptionPriv [32]byte
	EncryptionPub  [32]byte
	VaultKey       [32]byte
	MyID           string
}

// Derive turns (username, password) into the account's full key set. The
// signing seed and the vault key are independently salted so that knowing
// one gives no advantage in computing the other.
func Derive(username, password string) (*Identity, error) {
	signSalt := saltFor(username, "sign")
	seed := argon2.IDKey([]byte(password), signSalt, sensitiveTime, sensitiveMemKiB, argonThreads, argonKeyLen)

	signingPriv := ed25519.NewKeyFromSeed(seed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	encPriv, encPub := deriveEncryptionKeypair(seed)

	vaultSalt := saltFor(username, "vault")
	var vaultKey [32]byte
	copy(vaultKey[:], argon2.IDKey([]byte(password), vaultSalt, interactiveTime, interactiveMem, argonThreads, argonKeyLen))

	return &Identity{
		SigningPriv:    signingPriv,
		SigningPub:     signingPub,
		EncryptionPriv: encPriv,
		EncryptionPub:  encPub,
		VaultKey:       vaultKey,
		MyID:           hex.EncodeToString(signingPub),
	}, nil
}

// saltFor derives a 16-byte salt from the username and a domain tag, so the
// signing-seed derivation and the vault-key derivation never share a salt.
func saltFor(username, domain string) []byte {
	sum := sha256.Sum256([]byte(username + "_" + domain))
	return sum[:16]
}

// deriveEncryptionKeypair converts an Ed25519 seed into an X25519 keypair
// using the standard NaCl conversion: the Curve25519 private scalar is the
// clamped first half of SHA-512(seed), exactly what Ed25519 itself uses
// internally as its signing scalar before clamping variants diverge.
func deriveEncryptionKeypair(seed []byte) (priv, pub [32]byte) {
	h := sha512.Sum512(seed)
	copy(priv[:], h[:32])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, _ := curve25519.X25519(priv[:], curve25519.Basepoint)
	copy(pub[:], pubSlice)
	return priv, pub
}

// PublicKeyFromHex decodes a hex-encoded Ed25519 public key as used for
// packet addressing (route ids, signature verification).
func PublicKeyFromHex(hexID string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(hexID)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

// EncryptionPubFromSigningHex converts a peer's hex signing public key into
// its X25519 encryption public key via the Edwards->Montgomery birational
// map, so callers who only know a peer's hex id can still box/seal to them.
func EncryptionPubFromSigningHex(hexID string) ([32]byte, error) {
	var out [32]byte
	pub, err := PublicKeyFromHex(hexID)
	if err != nil {
		return out, err
	}
	u, err := edwardsYToMontgomeryU(pub)
	if err != nil {
		return out, err
	}
	copy(out[:], u)
	return out, nil
}
