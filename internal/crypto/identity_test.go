package crypto

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a, err := Derive("alice", "1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Derive("alice", "1")
	if err != nil {
		t.Fatal(err)
	}
	if a.MyID != b.MyID {
		t.Fatalf("two derivations of the same credentials diverged: %s vs %s", a.MyID, b.MyID)
	}
	if a.VaultKey != b.VaultKey {
		t.Fatal("vault key not deterministic")
	}
}

func TestDeriveDiffersByPassword(t *testing.T) {
	a, _ := Derive("alice", "1")
	b, _ := Derive("alice", "2")
	if a.MyID == b.MyID {
		t.Fatal("different passwords produced the same identity")
	}
}

func TestRouteIDOrderSensitive(t *testing.T) {
	fwd := RouteID("aa", "bb")
	bwd := RouteID("bb", "aa")
	if fwd == bwd {
		t.Fatal("route_id(A,B) must differ from route_id(B,A)")
	}
	if RouteID("aa", "bb") != fwd {
		t.Fatal("route_id must be deterministic")
	}
}

func TestVaultRoundTrip(t *testing.T) {
	id, _ := Derive("alice", "1")
	empty, err := id.VaultEncrypt("")
	if err != nil || empty != "" {
		t.Fatalf("empty string must be a fixed point, got %q err=%v", empty, err)
	}
	ct, err := id.VaultEncrypt("hello vault")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := id.VaultDecrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "hello vault" {
		t.Fatalf("round trip mismatch: got %q", pt)
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := Derive("alice", "1")
	sig := id.Sign([]byte("payload"))
	if !Verify(id.MyID, []byte("payload"), sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(id.MyID, []byte("tampered"), sig) {
		t.Fatal("signature verified over the wrong data")
	}
}

func TestSealRoundTrip(t *testing.T) {
	alice, _ := Derive("alice", "1")
	bob, _ := Derive("bob", "1")

	sealed, err := SealFor(bob.MyID, []byte(`{"sid":"`+alice.MyID+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := bob.Unseal(sealed)
	if err != nil {
		t.Fatal(err)
	}
	var body struct{ Sid string `json:"sid"` }
	if err := json.Unmarshal(plain, &body); err != nil {
		t.Fatal(err)
	}
	if body.Sid != alice.MyID {
		t.Fatalf("unsealed sender mismatch: %s", body.Sid)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	alice, _ := Derive("alice", "1")
	bob, _ := Derive("bob", "1")

	ct, err := alice.EncryptMessage(bob.MyID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	text, err := bob.DecryptMessage(alice.MyID, ct)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hi" {
		t.Fatalf("got %q", text)
	}
}

func TestMessageRejectsExpired(t *testing.T) {
	alice, _ := Derive("alice", "1")
	bob, _ := Derive("bob", "1")

	stale := time.Now().Add(-301 * time.Second)
	ts := float64(stale.UnixNano()) / 1e9
	sigData := "hi" + formatTimestamp(ts) + alice.MyID
	payload := e2ePayload{
		Text:      "hi",
		Timestamp: ts,
		SenderID:  alice.MyID,
		Sig:       alice.Sign([]byte(sigData)),
		Rand:      "",
	}
	plain, _ := json.Marshal(payload)
	ct, err := alice.BoxEncrypt(bob.MyID, plain)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.DecryptMessage(alice.MyID, ct); err == nil {
		t.Fatal("expected expired-message rejection")
	} else if rej, ok := err.(*RejectError); !ok || rej.Reason != RejectExpired {
		t.Fatalf("expected RejectExpired, got %v", err)
	}
}

func TestMessageRejectsSenderMismatch(t *testing.T) {
	alice, _ := Derive("alice", "1")
	bob, _ := Derive("bob", "1")
	mallory, _ := Derive("mallory", "1")

	ts := float64(time.Now().UnixNano()) / 1e9
	sigData := "hi" + formatTimestamp(ts) + mallory.MyID
	payload := e2ePayload{
		Text:      "hi",
		Timestamp: ts,
		SenderID:  mallory.MyID,
		Sig:       mallory.Sign([]byte(sigData)),
	}
	plain, _ := json.Marshal(payload)
	// Boxed from alice's key but claiming to be mallory inside the payload.
	ct, err := alice.BoxEncrypt(bob.MyID, plain)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.DecryptMessage(alice.MyID, ct); err == nil {
		t.Fatal("expected sender-mismatch rejection")
	} else if rej, ok := err.(*RejectError); !ok || rej.Reason != RejectSenderMismatch {
		t.Fatalf("expected RejectSenderMismatch, got %v", err)
	}
}
