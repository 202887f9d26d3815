package control

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tactmesh/internal/config"
	"tactmesh/internal/link"
	"tactmesh/internal/overlay"
	"tactmesh/internal/store"
)

type daemon struct {
	sys     *store.SystemStore
	engine  *overlay.Engine
	links   *link.Manager
	adapter *Adapter
	httpSrv *httptest.Server
}

func newDaemon(t *testing.T) *daemon {
	t.Helper()
	sys, err := store.OpenSystemStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })

	cfg := config.Default()
	engine := overlay.NewEngine(sys, cfg, nil)
	links := link.NewManager(cfg, sys, engine)
	engine.SetNeighbors(links)

	adapter := NewAdapter(cfg, sys, engine, links, t.TempDir())
	httpSrv := httptest.NewServer(links.Handler())
	t.Cleanup(httpSrv.Close)

	return &daemon{sys: sys, engine: engine, links: links, adapter: adapter, httpSrv: httpSrv}
}

func (d *daemon) addr() string {
	return strings.TrimPrefix(d.httpSrv.URL, "http://")
}

func TestLoginSendAndDeliverAcrossTwoDaemons(t *testing.T) {
	alice := newDaemon(t)
	bob := newDaemon(t)

	aliceID, err := alice.adapter.Login("alice", "password")
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := bob.adapter.Login("bob", "password")
	if err != nil {
		t.Fatal(err)
	}

	if !alice.adapter.Connect(bob.addr()) {
		t.Fatal("alice failed to connect to bob")
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := alice.adapter.Send(bobID, "hi"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pumpOutbox(t, alice.sys, bob.engine, aliceID)
		pumpOutbox(t, bob.sys, alice.engine, bobID)
		msgs, err := bob.adapter.Messages(aliceID)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) > 0 {
			if msgs[0].Text != "hi" {
				t.Fatalf("expected delivered text 'hi', got %q", msgs[0].Text)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bob never received alice's message")
}

// pumpOutbox drains one node's outbox directly through the other node's
// engine, standing in for the tact loop + link layer a full end-to-end run
// would exercise.
func pumpOutbox(t *testing.T, sys *store.SystemStore, dstEngine *overlay.Engine, fromPeer string) {
	t.Helper()
	rows, err := sys.DrainOutbox(100)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := sys.DeleteOutbox(row.ID); err != nil {
			t.Fatal(err)
		}
		env, err := overlay.BuildEnvelope(row.PacketJSON, config.Default().PacketSize)
		if err != nil {
			t.Fatal(err)
		}
		if err := dstEngine.ProcessEnvelope(env, fromPeer); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSendRejectsInvalidTarget(t *testing.T) {
	alice := newDaemon(t)
	if _, err := alice.adapter.Login("alice", "password"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.adapter.Send("not-a-valid-hex-id", "hi"); err == nil {
		t.Fatal("expected invalid target to be rejected")
	}
}

func TestSendWithoutLoginFails(t *testing.T) {
	alice := newDaemon(t)
	if _, err := alice.adapter.Send(strings.Repeat("ab", 32), "hi"); err != ErrNotLoggedIn {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
}
