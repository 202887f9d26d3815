package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// RejectReason names why a sealed or boxed packet was rejected (expired /
// sender mismatch / bad signature / MAC fail) so the overlay engine can log
// precisely without parsing error text.
type RejectReason string

const (
	RejectExpired        RejectReason = "expired"
	RejectSenderMismatch RejectReason = "sender_mismatch"
	RejectBadSignature   RejectReason = "bad_signature"
	RejectMACFail        RejectReason = "mac_fail"
)

// RejectError carries a RejectReason alongside the underlying cause.
type RejectError struct {
	Reason RejectReason
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Err }

// SealFor anonymously encrypts bytes to a recipient's hex signing identity:
// the recipient learns only that someone holding their public key sent it,
// never who. Implements libsodium's crypto_box_seal construction — an
// ephemeral X25519 keypair, with the box nonce derived as
// blake2b(ephemeral_pub || recipient_pub) rather than chosen at random,
// since the ephemeral key is used exactly once and needs no independent
// nonce.
func SealFor(recipientHexID string, plain []byte) (string, error) {
	recipientPub, err := EncryptionPubFromSigningHex(recipientHexID)
	if err != nil {
		return "", err
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	nonce, err := sealNonce(ephPub[:], recipientPub[:])
	if err != nil {
		return "", err
	}
	ct := box.Seal(nil, plain, &nonce, &recipientPub, ephPriv)
	out := append(append([]byte{}, ephPub[:]...), ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Unseal opens a SealFor envelope addressed to id.
func (id *Identity) Unseal(sealedB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, &RejectError{Reason: RejectMACFail, Err: err}
	}
	if len(raw) < 32 {
		return nil, &RejectError{Reason: RejectMACFail, Err: errors.New("crypto: sealed payload too short")}
	}
	var ephPub [32]byte
	copy(ephPub[:], raw[:32])
	ct := raw[32:]

	nonce, err := sealNonce(ephPub[:], id.EncryptionPub[:])
	if err != nil {
		return nil, &RejectError{Reason: RejectMACFail, Err: err}
	}
	plain, ok := box.Open(nil, ct, &nonce, &ephPub, &id.EncryptionPriv)
	if !ok {
		return nil, &RejectError{Reason: RejectMACFail, Err: errors.New("crypto: seal open failed")}
	}
	return plain, nil
}

func sealNonce(ephPub, recipientPub []byte) ([24]byte, error) {
	var nonce [24]byte
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nonce, err
	}
	h.Write(ephPub)
	h.Write(recipientPub)
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}

// BoxEncrypt performs a mutually authenticated box (X25519 + XSalsa20 +
// Poly1305) of plain to targetHexID's encryption key, from id.
func (id *Identity) BoxEncrypt(targetHexID string, plain []byte) (string, error) {
	targetPub, err := EncryptionPubFromSigningHex(targetHexID)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	ct := box.Seal(nonce[:], plain, &nonce, &targetPub, &id.EncryptionPriv)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// BoxDecrypt opens a box sent by senderHexID to id, reading the nonce from
// the 24-byte prefix that BoxEncrypt embeds.
func (id *Identity) BoxDecrypt(senderHexID, ctB64 string) ([]byte, error) {
	senderPub, err := EncryptionPubFromSigningHex(senderHexID)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, &RejectError{Reason: RejectMACFail, Err: err}
	}
	if len(raw) < 24 {
		return nil, &RejectError{Reason: RejectMACFail, Err: errors.New("crypto: ciphertext too short")}
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := box.Open(nil, raw[24:], &nonce, &senderPub, &id.EncryptionPriv)
	if !ok {
		return nil, &RejectError{Reason: RejectMACFail, Err: errors.New("crypto: box open failed")}
	}
	return plain, nil
}
