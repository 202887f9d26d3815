package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MaxMessageAge is the replay window enforced on e2e content.
const MaxMessageAge = 300 * time.Second

// e2ePayload is the inner plaintext boxed as a packet's `content` field:
// {txt, ts, sid, sig, rnd}. sig covers txt‖ts‖sid.
type e2ePayload struct {
	Text      string `json:"txt"`
	Timestamp float64 `json:"ts"`
	SenderID  string `json:"sid"`
	Sig       string `json:"sig"`
	Rand      string `json:"rnd"`
}

// EncryptMessage builds and boxes the signed, timestamped e2e envelope for
// text addressed to targetHexID, as used for both DATA content and PROBE
// handshake content.
func (id *Identity) EncryptMessage(targetHexID, text string) (string, error) {
	ts := float64(time.Now().UnixNano()) / 1e9
	sigData := fmt.Sprintf("%s%s%s", text, formatTimestamp(ts), id.MyID)
	sig := id.Sign([]byte(sigData))

	rnd := make([]byte, 16)
	if _, err := rand.Read(rnd); err != nil {
		return "", err
	}

	payload := e2ePayload{
		Text:      text,
		Timestamp: ts,
		SenderID:  id.MyID,
		Sig:       sig,
		Rand:      base64.StdEncoding.EncodeToString(rnd),
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return id.BoxEncrypt(targetHexID, plain)
}

// DecryptMessage opens and authenticates e2e content from senderHexID,
// enforcing the replay window, sender-id match, and signature in that
// order, each yielding a distinguishable RejectReason on failure.
func (id *Identity) DecryptMessage(senderHexID, ctB64 string) (string, error) {
	plain, err := id.BoxDecrypt(senderHexID, ctB64)
	if err != nil {
		return "", err
	}
	var payload e2ePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", &RejectError{Reason: RejectMACFail, Err: err}
	}

	now := float64(time.Now().UnixNano()) / 1e9
	if now-payload.Timestamp > MaxMessageAge.Seconds() {
		return "", &RejectError{Reason: RejectExpired}
	}
	if payload.SenderID != senderHexID {
		return "", &RejectError{Reason: RejectSenderMismatch}
	}
	sigData := fmt.Sprintf("%s%s%s", payload.Text, formatTimestamp(payload.Timestamp), payload.SenderID)
	if !Verify(senderHexID, []byte(sigData), payload.Sig) {
		return "", &RejectError{Reason: RejectBadSignature}
	}
	return payload.Text, nil
}

// formatTimestamp renders ts with Go's %v, the shortest round-tripping
// representation; for current Unix times that is exponent notation (for
// example "1.761900000123456e+09"). Sender and receiver both format through
// this function, so both sides sign and verify the same bytes.
func formatTimestamp(ts float64) string {
	return fmt.Sprintf("%v", ts)
}
