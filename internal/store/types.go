package store

import "time"

// RouteRow is one alternative next-hop for a route id. Multiple rows share
// a route id; BestRoute/RoutesFor order them by ascending metric.
type RouteRow struct {
	RouteID      string
	NextHopID    string
	Metric       int
	IsLocal      bool
	RemoteUserID string
	OwnerUserID  string
	ExpiresAt    time.Time
}

// Sentinel next-hop value marking a route that terminates locally.
const LocalNextHop = "LOCAL"

// OutboxRow is one pending transmission. A nil NextHopID means "flood to
// all live neighbors except ExcludePeer".
type OutboxRow struct {
	ID           int64
	PacketID     string
	NextHopID    *string
	PacketJSON   string
	ExcludePeer  *string
	CreatedAt    time.Time
}

// MessageRow is one row of a user's message history.
type MessageRow struct {
	ID         int64
	PacketID   string
	ChatID     string
	SenderID   string
	Content    string
	Timestamp  string
	IsOutgoing bool
	IsRead     bool
}

// ContactRow is one row of a user's contact list, with the unread count the
// control surface needs for a chat list view.
type ContactRow struct {
	UserID       string
	Nickname     string
	LastSeen     string
	UnreadCount  int
}
