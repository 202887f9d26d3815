// Package overlay implements the routing engine: packet taxonomy,
// deduplication, the probe/response handshake that authenticates endpoints
// and installs routes in both directions, multipath DATA forwarding, and
// the offline mailbox.
package overlay

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tactmesh/internal/config"
	"tactmesh/internal/crypto"
	"tactmesh/internal/store"
)

const handshakeGreeting = "🤝 connection established"

// NeighborChecker reports whether a peer identity currently has a live link,
// satisfied by the link layer's connection manager.
type NeighborChecker interface {
	Connected(peerID string) bool
}

// Engine is the daemon's routing and delivery core. One Engine exists per
// running daemon; the active user it carries changes across login/logout.
type Engine struct {
	sys       *store.SystemStore
	cfg       *config.Config
	neighbors NeighborChecker

	mu             sync.RWMutex
	activeUserID   string
	activeStore    *store.UserStore
	activeIdentity *crypto.Identity
}

// NewEngine builds an Engine bound to the daemon's system store.
func NewEngine(sys *store.SystemStore, cfg *config.Config, neighbors NeighborChecker) *Engine {
	return &Engine{sys: sys, cfg: cfg, neighbors: neighbors}
}

// SetNeighbors wires the link layer's connection manager in after
// construction, which breaks the engine/link-layer construction cycle (the
// link layer itself needs a live *Engine to dispatch inbound frames to).
// Intended to be called once at startup before any background loop starts.
func (e *Engine) SetNeighbors(neighbors NeighborChecker) {
	e.neighbors = neighbors
}

// SetActiveUser switches the logged-in identity the engine delivers to.
func (e *Engine) SetActiveUser(userID string, us *store.UserStore, id *crypto.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeUserID = userID
	e.activeStore = us
	e.activeIdentity = id
}

// ClearActiveUser logs the active user out of the engine.
func (e *Engine) ClearActiveUser() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeUserID = ""
	e.activeStore = nil
	e.activeIdentity = nil
}

// ActiveUserID reports the current active identity, if any.
func (e *Engine) ActiveUserID() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeUserID, e.activeUserID != ""
}

func (e *Engine) snapshot() (userID string, us *store.UserStore, id *crypto.Identity) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeUserID, e.activeStore, e.activeIdentity
}

// ProcessEnvelope is the entry point the link layer calls for every inbound
// frame, tagged with the neighbor it arrived from.
func (e *Engine) ProcessEnvelope(raw []byte, fromPeer string) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil // malformed frame: drop silently
	}
	if env.T != "REAL" {
		return nil
	}

	pkt, err := ParsePacket([]byte(env.D))
	if err != nil {
		log.Printf("[overlay] dropping unrecognized packet: %v", err)
		return nil
	}

	firstSeen, err := e.sys.MarkPacketSeen(pkt.ID())
	if err != nil {
		log.Printf("[overlay] seen-packets insert failed: %v", err)
		return nil
	}

	switch {
	case pkt.Probe != nil:
		if err := e.handleProbe(pkt.Probe, fromPeer, firstSeen); err != nil {
			log.Printf("[overlay] probe handling error: %v", err)
		}
	case pkt.Data != nil:
		if !firstSeen {
			return nil
		}
		if err := e.handleData(pkt.Data, fromPeer); err != nil {
			log.Printf("[overlay] data handling error: %v", err)
		}
	}
	return nil
}

func (e *Engine) handleProbe(p *Probe, fromPeer string, firstSeen bool) error {
	existingRev, err := e.sys.BestRoute(p.RevID)
	if err != nil {
		return err
	}
	if existingRev == nil || !existingRev.IsLocal {
		if err := e.sys.AddRoute(p.RevID, fromPeer, p.Metric+1, false, "", ""); err != nil {
			return err
		}
	}

	userID, userStore, ident := e.snapshot()
	if userID != "" && ident != nil && crypto.TargetHash(userID) == p.TargetHash {
		if firstSeen {
			// Loop break: existingRev is the reverse-channel row as it stood
			// before this probe arrived. If it was already LOCAL for us, we
			// pre-installed it when we sent our own probe or response on
			// that channel, so this probe closes the handshake and must not
			// be answered again.
			loopClosed := existingRev != nil && existingRev.IsLocal && existingRev.OwnerUserID == userID
			if err := e.handleProbeForSelf(p, userID, ident, userStore, loopClosed); err != nil {
				log.Printf("[overlay] probe validation rejected: %v", err)
			}
		}
		return nil // we are the terminus either way; never relay a probe addressed to us
	}

	if firstSeen && p.TTL > 1 {
		fwd := *p
		fwd.TTL--
		fwd.Metric++
		raw, err := json.Marshal(&fwd)
		if err != nil {
			return err
		}
		return e.sys.EnqueueOutbox(p.ID, nil, string(raw), &fromPeer)
	}
	return nil
}

func (e *Engine) handleProbeForSelf(p *Probe, myID string, ident *crypto.Identity, userStore *store.UserStore, loopClosed bool) error {
	authJSON, err := ident.Unseal(p.Auth)
	if err != nil {
		return err
	}
	var sidPayload struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(authJSON, &sidPayload); err != nil {
		return err
	}
	senderID := sidPayload.SID
	if senderID == "" {
		return errors.New("overlay: probe auth carried no sender id")
	}
	if !crypto.Verify(senderID, []byte(senderID+myID), p.Sig) {
		return crypto.ErrBadSignature
	}
	log.Printf("[overlay] validated probe from %s", shortID(senderID))

	if err := e.sys.AddRoute(p.RouteID, store.LocalNextHop, 0, true, senderID, myID); err != nil {
		return err
	}

	if p.Content != "" {
		e.deliverToActiveUser(p.ID, p.Content, senderID, ident, userStore)
	}

	if loopClosed {
		return nil
	}
	return e.sendProbeResponse(senderID, myID, ident)
}

func (e *Engine) sendProbeResponse(requesterID, myID string, ident *crypto.Identity) error {
	routeID := crypto.RouteID(myID, requesterID)
	revID := crypto.RouteID(requesterID, myID)

	sig := ident.Sign([]byte(myID + requesterID))
	authPayload, err := json.Marshal(struct {
		SID string `json:"sid"`
	}{SID: myID})
	if err != nil {
		return err
	}
	auth, err := crypto.SealFor(requesterID, authPayload)
	if err != nil {
		return err
	}
	content, err := ident.EncryptMessage(requesterID, handshakeGreeting)
	if err != nil {
		return err
	}

	probe := &Probe{
		Type:       "PROBE",
		ID:         uuid.NewString(),
		RouteID:    routeID,
		RevID:      revID,
		TargetHash: crypto.TargetHash(requesterID),
		Metric:     0,
		TTL:        e.cfg.TTLInitial,
		Auth:       auth,
		Sig:        sig,
		Content:    content,
	}

	// Mark our own forward channel to the requester LOCAL so a later
	// duplicate of this exchange terminates here instead of responding
	// again.
	if err := e.sys.AddRoute(routeID, store.LocalNextHop, 0, true, requesterID, myID); err != nil {
		return err
	}
	if _, err := e.sys.MarkPacketSeen(probe.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(probe)
	if err != nil {
		return err
	}
	log.Printf("[overlay] responding to probe from %s", shortID(requesterID))
	return e.sys.EnqueueOutbox(probe.ID, nil, string(raw), nil)
}

// mailboxEntry is what this node actually queues for an offline local user.
// The original backend queued the bare DATA packet and tried to decrypt it
// at delivery time with no sender identity, which can never succeed for a
// mutually-authenticated box; this carries the sender learned when the
// routing row was installed, so deferred delivery can actually decrypt.
type mailboxEntry struct {
	SenderID string `json:"sender_id"`
	Packet   Data   `json:"packet"`
}

func (e *Engine) handleData(d *Data, fromPeer string) error {
	routes, err := e.sys.RoutesFor(d.RouteID)
	if err != nil {
		return err
	}

	for _, r := range routes {
		if r.IsLocal {
			userID, userStore, ident := e.snapshot()
			if userID != "" && userID == r.OwnerUserID {
				e.deliverToActiveUser(d.ID, d.Content, r.RemoteUserID, ident, userStore)
				return nil
			}
			if r.OwnerUserID == "" {
				return nil
			}
			known, err := e.sys.IsLocalUser(r.OwnerUserID)
			if err != nil {
				return err
			}
			if !known {
				return nil
			}
			entry := mailboxEntry{SenderID: r.RemoteUserID, Packet: *d}
			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			return e.sys.SaveToMailbox(r.OwnerUserID, string(raw))
		}

		if e.neighbors != nil && e.neighbors.Connected(r.NextHopID) {
			if d.TTL <= 1 {
				return nil
			}
			fwd := *d
			fwd.TTL--
			raw, err := json.Marshal(&fwd)
			if err != nil {
				return err
			}
			nextHop := r.NextHopID
			return e.sys.EnqueueOutbox(d.ID, &nextHop, string(raw), &fromPeer)
		}
	}
	return nil
}

func (e *Engine) deliverToActiveUser(packetID, content, senderID string, ident *crypto.Identity, userStore *store.UserStore) {
	if ident == nil || userStore == nil || senderID == "" {
		return
	}
	text, err := ident.DecryptMessage(senderID, content)
	if err != nil {
		log.Printf("[overlay] delivery rejected from %s: %v", shortID(senderID), err)
		return
	}
	cipherField, err := ident.VaultEncrypt(text)
	if err != nil {
		log.Printf("[overlay] vault encrypt failed: %v", err)
		return
	}
	inserted, err := userStore.InsertMessage(packetID, senderID, senderID, cipherField, time.Now().Format(time.RFC3339), false, false)
	if err != nil {
		log.Printf("[overlay] message insert failed: %v", err)
		return
	}
	if !inserted {
		return // duplicate packet_id: already delivered
	}
	if err := userStore.UpsertContact(senderID); err != nil {
		log.Printf("[overlay] contact upsert failed: %v", err)
	}
	log.Printf("[overlay] delivered message from %s", shortID(senderID))
}

// DeliverMailbox replays every packet queued for userID while it was
// offline, through the same decrypt/store path a live DATA packet takes.
func (e *Engine) DeliverMailbox(userID string) error {
	packets, err := e.sys.FetchMailbox(userID)
	if err != nil {
		return err
	}
	_, userStore, ident := e.snapshot()
	for _, raw := range packets {
		var entry mailboxEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("[overlay] mailbox entry corrupt: %v", err)
			continue
		}
		e.deliverToActiveUser(entry.Packet.ID, entry.Packet.Content, entry.SenderID, ident, userStore)
	}
	return nil
}

// Originate starts a new conversation from the active user to targetID,
// called by the control adapter's send operation. It emits DATA directly
// when a forward route is already known, or floods a PROBE otherwise.
func (e *Engine) Originate(targetID, text string) (packetID, packetType string, err error) {
	userID, _, ident := e.snapshot()
	if userID == "" || ident == nil {
		return "", "", errors.New("overlay: no active user")
	}

	routeIDFwd := crypto.RouteID(userID, targetID)
	routes, err := e.sys.RoutesFor(routeIDFwd)
	if err != nil {
		return "", "", err
	}
	var best *store.RouteRow
	for i := range routes {
		if !routes[i].IsLocal {
			best = &routes[i]
			break
		}
	}

	if best != nil {
		content, err := ident.EncryptMessage(targetID, text)
		if err != nil {
			return "", "", err
		}
		id := uuid.NewString()
		data := &Data{Type: "DATA", ID: id, RouteID: routeIDFwd, Content: content, TTL: e.cfg.TTLInitial}
		raw, err := json.Marshal(data)
		if err != nil {
			return "", "", err
		}
		if _, err := e.sys.MarkPacketSeen(id); err != nil {
			return "", "", err
		}
		nextHop := best.NextHopID
		if err := e.sys.EnqueueOutbox(id, &nextHop, string(raw), nil); err != nil {
			return "", "", err
		}
		return id, "DATA", nil
	}

	id, err := e.originateProbe(userID, targetID, text, ident)
	if err != nil {
		return "", "", err
	}
	return id, "PROBE", nil
}

func (e *Engine) originateProbe(myID, targetID, text string, ident *crypto.Identity) (string, error) {
	routeID := crypto.RouteID(myID, targetID)
	revID := crypto.RouteID(targetID, myID)

	sig := ident.Sign([]byte(myID + targetID))
	authPayload, err := json.Marshal(struct {
		SID string `json:"sid"`
	}{SID: myID})
	if err != nil {
		return "", err
	}
	auth, err := crypto.SealFor(targetID, authPayload)
	if err != nil {
		return "", err
	}
	content, err := ident.EncryptMessage(targetID, text)
	if err != nil {
		return "", err
	}

	probe := &Probe{
		Type:       "PROBE",
		ID:         uuid.NewString(),
		RouteID:    routeID,
		RevID:      revID,
		TargetHash: crypto.TargetHash(targetID),
		Metric:     0,
		TTL:        e.cfg.TTLInitial,
		Auth:       auth,
		Sig:        sig,
		Content:    content,
	}

	// We are the terminus of the incoming channel back from targetID.
	if err := e.sys.AddRoute(revID, store.LocalNextHop, 0, true, targetID, myID); err != nil {
		return "", err
	}
	if _, err := e.sys.MarkPacketSeen(probe.ID); err != nil {
		return "", err
	}
	raw, err := json.Marshal(probe)
	if err != nil {
		return "", err
	}
	if err := e.sys.EnqueueOutbox(probe.ID, nil, string(raw), nil); err != nil {
		return "", err
	}
	return probe.ID, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
