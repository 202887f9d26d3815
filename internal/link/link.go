// Package link implements the bidirectional message-framed sessions between
// neighbors: an identity handshake, a process-wide connection table, and
// best-effort reconnect semantics left to the caller. gorilla/websocket is
// the wire transport, giving message-boundary-preserving duplex streams
// over a plain HTTP upgrade handshake.
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"tactmesh/internal/config"
	"tactmesh/internal/store"
)

// DaemonIdleID is the handshake identity a node presents when it has no
// active logged-in user.
const DaemonIdleID = "daemon_node_idle"

// EngineAdapter is the subset of the overlay engine the link layer needs:
// the identity to present at handshake time, and where to hand inbound
// frames for processing.
type EngineAdapter interface {
	ProcessEnvelope(raw []byte, fromPeer string) error
	ActiveUserID() (string, bool)
}

// Manager owns the process-wide active-connections table: the listening
// acceptor, the connect_to path, and each reader task mutate it; the tact
// engine only ever reads a snapshot.
type Manager struct {
	cfg    *config.Config
	sys    *store.SystemStore
	engine EngineAdapter

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	peerID  string
}

// NewManager builds a link Manager bound to the daemon's system store (for
// neighbor last_seen bookkeeping) and the overlay engine (for handshake
// identity and inbound dispatch).
func NewManager(cfg *config.Config, sys *store.SystemStore, engine EngineAdapter) *Manager {
	return &Manager{cfg: cfg, sys: sys, engine: engine, conns: make(map[string]*conn)}
}

func (m *Manager) myIdentity() string {
	if id, ok := m.engine.ActiveUserID(); ok {
		return id
	}
	return DaemonIdleID
}

// Handler returns the HTTP handler that upgrades incoming connections to the
// link protocol, exposed separately from Serve so tests can drive it over an
// httptest.Server instead of a real listening port.
func (m *Manager) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  m.cfg.PacketSize,
		WriteBufferSize: m.cfg.PacketSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/link", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[link] upgrade failed: %v", err)
			return
		}
		m.accept(ws, r.RemoteAddr)
	})
	return mux
}

// Serve runs the listening acceptor on addr until ctx is canceled. Each
// accepted session goes through the same identity handshake as an outbound
// Connect.
func (m *Manager) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Printf("[link] listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *Manager) accept(ws *websocket.Conn, remoteAddr string) {
	peerID, err := m.handshake(ws)
	if err != nil {
		log.Printf("[link] handshake failed from %s: %v", remoteAddr, err)
		ws.Close()
		return
	}
	m.register(ws, peerID, remoteAddr)
}

// Connect opens an outbound session to address, performing the same
// handshake as an inbound accept.
func (m *Manager) Connect(address string) (string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/link", address), nil)
	if err != nil {
		return "", err
	}
	peerID, err := m.handshake(ws)
	if err != nil {
		ws.Close()
		return "", err
	}
	if peerID == m.myIdentity() && peerID != DaemonIdleID {
		ws.Close()
		return "", errors.New("link: refusing self-connection")
	}
	m.register(ws, peerID, address)
	return peerID, nil
}

// handshake exchanges raw (un-enveloped) identity strings: the first frame
// each side sends is its own identity string.
func (m *Manager) handshake(ws *websocket.Conn) (string, error) {
	if err := ws.WriteMessage(websocket.TextMessage, []byte(m.myIdentity())); err != nil {
		return "", err
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (m *Manager) register(ws *websocket.Conn, peerID, addr string) {
	myID := m.myIdentity()
	if peerID == myID && myID != DaemonIdleID {
		log.Printf("[link] self-connection detected, closing")
		ws.Close()
		return
	}

	c := &conn{ws: ws, peerID: peerID}
	m.mu.Lock()
	if old, ok := m.conns[peerID]; ok {
		old.ws.Close()
	}
	m.conns[peerID] = c
	m.mu.Unlock()

	if err := m.sys.UpsertNeighbor(peerID, addr); err != nil {
		log.Printf("[link] neighbor upsert failed: %v", err)
	}
	log.Printf("[link] neighbor %s connected (%s)", shortID(peerID), addr)

	go m.readLoop(c)
}

// readLoop consumes whole messages from the link and hands each to the
// overlay engine tagged with the sending peer. On read error or EOF the
// entry is removed from the connection table.
func (m *Manager) readLoop(c *conn) {
	defer func() {
		m.mu.Lock()
		if cur, ok := m.conns[c.peerID]; ok && cur == c {
			delete(m.conns, c.peerID)
		}
		m.mu.Unlock()
		c.ws.Close()
		log.Printf("[link] neighbor %s disconnected", shortID(c.peerID))
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := m.engine.ProcessEnvelope(raw, c.peerID); err != nil {
			log.Printf("[link] envelope processing error from %s: %v", shortID(c.peerID), err)
		}
	}
}

// Send transmits raw (an already-built envelope) to exactly peerID. The
// tact loop swallows the returned error on a failed send; Send itself still
// reports it so callers can log.
func (m *Manager) Send(peerID string, raw []byte) error {
	m.mu.RLock()
	c, ok := m.conns[peerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("link: no connection to %s", shortID(peerID))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Connected reports whether peerID currently has a live link, satisfying
// overlay.NeighborChecker.
func (m *Manager) Connected(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[peerID]
	return ok
}

// Neighbors snapshots the currently connected peer ids, the only view the
// tact loop ever takes of the connection table.
func (m *Manager) Neighbors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// Close tears down every live session, used on daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		c.ws.Close()
		delete(m.conns, id)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
