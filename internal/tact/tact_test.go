package tact

import (
	"sync"
	"testing"

	"tactmesh/internal/config"
	"tactmesh/internal/store"
)

type fakeLinks struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      map[string][]string
}

func newFakeLinks(peers ...string) *fakeLinks {
	f := &fakeLinks{connected: map[string]bool{}, sent: map[string][]string{}}
	for _, p := range peers {
		f.connected[p] = true
	}
	return f
}

func (f *fakeLinks) Neighbors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p, ok := range f.connected {
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeLinks) Connected(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[peerID]
}

func (f *fakeLinks) Send(peerID string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], string(raw))
	return nil
}

func openStore(t *testing.T) *store.SystemStore {
	t.Helper()
	s, err := store.OpenSystemStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTickEmitsDummyWhenOutboxEmpty(t *testing.T) {
	sys := openStore(t)
	links := newFakeLinks("bob", "carol")
	loop := NewLoop(config.Default(), sys, links)

	loop.tick()

	for _, peer := range []string{"bob", "carol"} {
		if len(links.sent[peer]) != 1 {
			t.Fatalf("expected exactly one dummy envelope to %s, got %d", peer, len(links.sent[peer]))
		}
	}
}

func TestTickFloodsAndDeletesRow(t *testing.T) {
	sys := openStore(t)
	links := newFakeLinks("bob", "carol")
	loop := NewLoop(config.Default(), sys, links)

	exclude := "carol"
	if err := sys.EnqueueOutbox("pkt-1", nil, `{"type":"DATA"}`, &exclude); err != nil {
		t.Fatal(err)
	}

	loop.tick()

	if len(links.sent["bob"]) != 1 {
		t.Fatalf("expected bob to receive the flooded packet, got %d sends", len(links.sent["bob"]))
	}
	if len(links.sent["carol"]) != 0 {
		t.Fatalf("carol is the excluded peer and must not receive it, got %d sends", len(links.sent["carol"]))
	}

	rows, err := sys.OutboxDump()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected the outbox row to be deleted after the drain, got %d rows", len(rows))
	}
}

func TestTickUnicastSkipsDisconnectedNextHop(t *testing.T) {
	sys := openStore(t)
	links := newFakeLinks("bob")
	loop := NewLoop(config.Default(), sys, links)

	nextHop := "mallory" // not connected
	if err := sys.EnqueueOutbox("pkt-2", &nextHop, `{"type":"DATA"}`, nil); err != nil {
		t.Fatal(err)
	}

	loop.tick()

	if len(links.sent["mallory"]) != 0 {
		t.Fatal("must not send to a next hop with no live link")
	}
	rows, err := sys.OutboxDump()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatal("row must still be deleted even when the unicast target is unreachable")
	}
}

func TestTickYieldsWithNoNeighbors(t *testing.T) {
	sys := openStore(t)
	links := newFakeLinks() // no one connected
	loop := NewLoop(config.Default(), sys, links)

	if err := sys.EnqueueOutbox("pkt-3", nil, `{"type":"DATA"}`, nil); err != nil {
		t.Fatal(err)
	}

	loop.tick()

	rows, err := sys.OutboxDump()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatal("with no connected neighbors the tick must not drain the outbox at all")
	}
}
