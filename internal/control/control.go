// Package control is the adapter between local UI requests and overlay
// operations: login/logout lifecycle, send/peers/messages/rename/read_chat/
// state, and the debug surface tests drive directly. The UI's own frontend
// assets are out of scope; this package only implements the core's
// obligations to whatever transport a caller builds on top.
package control

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"tactmesh/internal/config"
	"tactmesh/internal/crypto"
	"tactmesh/internal/link"
	"tactmesh/internal/overlay"
	"tactmesh/internal/store"
)

var (
	// ErrNotLoggedIn is returned by any operation that requires an active
	// user when none is logged in.
	ErrNotLoggedIn = errors.New("control: no active user")
	// ErrInvalidTarget surfaces as a 4xx at the HTTP boundary: an invalid
	// target id given at originate.
	ErrInvalidTarget = errors.New("control: invalid target id")
)

// SendResult is the outcome of an originate request.
type SendResult struct {
	Status     string `json:"status"`
	PacketID   string `json:"packet_id"`
	PacketType string `json:"packet_type"`
}

// PeerView is one contact as exposed to the UI, nickname already decrypted.
type PeerView struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	LastSeen    string `json:"last_seen"`
	UnreadCount int    `json:"unread_count"`
}

// MessageView is one chat message as exposed to the UI, content already
// decrypted.
type MessageView struct {
	PacketID   string `json:"packet_id"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
	IsOutgoing bool   `json:"is_outgoing"`
}

// Adapter holds the single active-user slot and translates every control
// operation into the overlay/store/link calls that implement it.
type Adapter struct {
	cfg    *config.Config
	sys    *store.SystemStore
	engine *overlay.Engine
	links  *link.Manager

	usersDir string

	mu           sync.Mutex
	activeUserID string
	activeIdent  *crypto.Identity
	activeStore  *store.UserStore
}

// NewAdapter builds a control Adapter. usersDir is where per-user sqlite
// files are created, named by user_id.
func NewAdapter(cfg *config.Config, sys *store.SystemStore, engine *overlay.Engine, links *link.Manager, usersDir string) *Adapter {
	return &Adapter{cfg: cfg, sys: sys, engine: engine, links: links, usersDir: usersDir}
}

// Login derives the identity from (username, password), replaces the active
// user slot (closing the previous one cleanly first), and delivers any
// pending offline mailbox through the engine's local-delivery path.
func (a *Adapter) Login(username, password string) (string, error) {
	ident, err := crypto.Derive(username, password)
	if err != nil {
		return "", fmt.Errorf("control: derive identity: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeActiveLocked()

	path := filepath.Join(a.usersDir, ident.MyID+".db")
	us, err := store.OpenUserStore(path)
	if err != nil {
		return "", fmt.Errorf("control: open user store: %w", err)
	}
	if err := a.sys.RegisterLocalUser(ident.MyID); err != nil {
		us.Close()
		return "", err
	}

	a.activeUserID = ident.MyID
	a.activeIdent = ident
	a.activeStore = us
	a.engine.SetActiveUser(ident.MyID, us, ident)

	if err := a.engine.DeliverMailbox(ident.MyID); err != nil {
		log.Printf("[control] mailbox delivery error for %s: %v", shortID(ident.MyID), err)
	}
	log.Printf("[control] login: %s", shortID(ident.MyID))
	return ident.MyID, nil
}

// Logout detaches the active user from the overlay and closes its store.
func (a *Adapter) Logout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeActiveLocked()
}

func (a *Adapter) closeActiveLocked() {
	a.engine.ClearActiveUser()
	if a.activeStore != nil {
		if err := a.activeStore.Close(); err != nil {
			log.Printf("[control] user store close error: %v", err)
		}
	}
	a.activeUserID = ""
	a.activeIdent = nil
	a.activeStore = nil
}

func (a *Adapter) snapshot() (*crypto.Identity, *store.UserStore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeIdent, a.activeStore
}

// Connect initiates an outbound link to address.
func (a *Adapter) Connect(address string) bool {
	if _, err := a.links.Connect(address); err != nil {
		log.Printf("[control] connect to %s failed: %v", address, err)
		return false
	}
	return true
}

// Send writes the outgoing message into the active user's store and
// originates it on the overlay, choosing DATA vs PROBE via the engine's
// best-route lookup.
func (a *Adapter) Send(targetID, text string) (*SendResult, error) {
	ident, us := a.snapshot()
	if ident == nil || us == nil {
		return nil, ErrNotLoggedIn
	}
	if !isValidTarget(targetID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, targetID)
	}

	packetID, packetType, err := a.engine.Originate(targetID, text)
	if err != nil {
		return nil, err
	}

	cipherText, err := ident.VaultEncrypt(text)
	if err != nil {
		return nil, err
	}
	if _, err := us.InsertMessage(packetID, targetID, ident.MyID, cipherText, time.Now().Format(time.RFC3339), true, true); err != nil {
		log.Printf("[control] local message store failed: %v", err)
	}
	if err := us.UpsertContact(targetID); err != nil {
		log.Printf("[control] contact upsert failed: %v", err)
	}

	return &SendResult{Status: "sent", PacketID: packetID, PacketType: packetType}, nil
}

func isValidTarget(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := crypto.PublicKeyFromHex(id)
	return err == nil
}

// Peers lists the active user's contacts with nicknames decrypted.
func (a *Adapter) Peers() ([]PeerView, error) {
	ident, us := a.snapshot()
	if ident == nil || us == nil {
		return nil, ErrNotLoggedIn
	}
	rows, err := us.Contacts()
	if err != nil {
		return nil, err
	}
	out := make([]PeerView, 0, len(rows))
	for _, r := range rows {
		nick, err := ident.VaultDecrypt(r.Nickname)
		if err != nil {
			log.Printf("[control] nickname decrypt failed for %s: %v", shortID(r.UserID), err)
			nick = ""
		}
		out = append(out, PeerView{UserID: r.UserID, Nickname: nick, LastSeen: r.LastSeen, UnreadCount: r.UnreadCount})
	}
	return out, nil
}

// Messages returns a chat's decrypted history. Retrieval is itself a
// mark-read side effect, in addition to the explicit ReadChat operation.
func (a *Adapter) Messages(chatID string) ([]MessageView, error) {
	ident, us := a.snapshot()
	if ident == nil || us == nil {
		return nil, ErrNotLoggedIn
	}
	rows, err := us.Messages(chatID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(rows))
	for _, r := range rows {
		text, err := ident.VaultDecrypt(r.Content)
		if err != nil {
			log.Printf("[control] message decrypt failed for packet %s: %v", r.PacketID, err)
			continue
		}
		out = append(out, MessageView{
			PacketID: r.PacketID, ChatID: r.ChatID, SenderID: r.SenderID,
			Text: text, Timestamp: r.Timestamp, IsOutgoing: r.IsOutgoing,
		})
	}
	return out, nil
}

// Rename sets (or, given an empty nickname, clears) a contact's nickname.
func (a *Adapter) Rename(targetID, nickname string) error {
	ident, us := a.snapshot()
	if ident == nil || us == nil {
		return ErrNotLoggedIn
	}
	cipher, err := ident.VaultEncrypt(nickname)
	if err != nil {
		return err
	}
	var ptr *string
	if cipher != "" {
		ptr = &cipher
	}
	return us.RenameContact(targetID, ptr)
}

// ReadChat explicitly marks a chat's inbound messages read, independent of
// the Messages retrieval side effect.
func (a *Adapter) ReadChat(chatID string) error {
	_, us := a.snapshot()
	if us == nil {
		return ErrNotLoggedIn
	}
	return us.MarkChatRead(chatID)
}

// State reports the daemon's current lifecycle and connectivity snapshot.
func (a *Adapter) State() map[string]any {
	a.mu.Lock()
	userID := a.activeUserID
	loggedIn := a.activeIdent != nil
	a.mu.Unlock()
	return map[string]any{
		"logged_in": loggedIn,
		"user_id":   userID,
		"neighbors": a.links.Neighbors(),
	}
}

// DebugPacketStatus reports whether packetID has been seen and how many
// outbox rows reference it.
func (a *Adapter) DebugPacketStatus(packetID string) (seen bool, inOutbox int, err error) {
	return a.sys.PacketStatus(packetID)
}

// DebugOutbox dumps every pending outbox row.
func (a *Adapter) DebugOutbox() ([]store.OutboxRow, error) {
	return a.sys.OutboxDump()
}

// DebugRoutes dumps every non-expired routing row.
func (a *Adapter) DebugRoutes() ([]store.RouteRow, error) {
	return a.sys.AllActiveRoutes()
}

// DebugRouteIDs computes both directions of the route id for (a, b).
func (a *Adapter) DebugRouteIDs(from, to string) (forward, reverse string) {
	return crypto.RouteID(from, to), crypto.RouteID(to, from)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
