package store

import "testing"

func openTestUserStore(t *testing.T) *UserStore {
	t.Helper()
	u, err := OpenUserStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { u.Close() })
	return u
}

func TestMessageDedupByPacketID(t *testing.T) {
	u := openTestUserStore(t)
	first, err := u.InsertMessage("pkt-1", "alice", "alice", "ct", "t0", false, false)
	if err != nil || !first {
		t.Fatalf("first insert should be new: %v %v", first, err)
	}
	second, err := u.InsertMessage("pkt-1", "alice", "alice", "ct2", "t1", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatal("duplicate packet_id must not insert twice")
	}
	msgs, err := u.Messages("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", len(msgs))
	}
}

func TestMessagesRetrievalMarksRead(t *testing.T) {
	u := openTestUserStore(t)
	if _, err := u.InsertMessage("pkt-1", "alice", "alice", "ct", "t0", false, false); err != nil {
		t.Fatal(err)
	}
	msgs, err := u.Messages("alice")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].IsRead {
		t.Fatal("row returned from Messages reflects the unread state at read time")
	}
	msgs, err = u.Messages("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].IsRead {
		t.Fatal("a second retrieval must observe the mark-read side effect of the first")
	}
}

func TestContactsUnreadCount(t *testing.T) {
	u := openTestUserStore(t)
	if err := u.UpsertContact("bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := u.InsertMessage("pkt-1", "bob", "bob", "ct", "t0", false, false); err != nil {
		t.Fatal(err)
	}
	contacts, err := u.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].UnreadCount != 1 {
		t.Fatalf("expected 1 unread for bob, got %+v", contacts)
	}
}
