package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// VaultEncrypt seals a user-store field under the identity's vault key with
// a fresh nonce per call. Empty input is a fixed point: it round-trips to
// itself without ever touching the AEAD, matching the user store's
// convention that absent nicknames stay absent.
func (id *Identity) VaultEncrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(id.VaultKey[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// VaultDecrypt reverses VaultEncrypt. Decryption failure is surfaced to the
// caller rather than silently swallowed so corrupt rows are visible.
func (id *Identity) VaultDecrypt(ctB64 string) (string, error) {
	if ctB64 == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", err
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", errors.New("crypto: vault ciphertext too short")
	}
	aead, err := chacha20poly1305.NewX(id.VaultKey[:])
	if err != nil {
		return "", err
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	ct := raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", &RejectError{Reason: RejectMACFail, Err: err}
	}
	return string(plain), nil
}
