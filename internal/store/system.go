// Package store provides the daemon's persistence contract: one system-wide
// sqlite database for overlay state (neighbors, outbox, seen-packets,
// routing table, local users, offline mailbox) and one database per logged
// in user for message/contact history.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SystemStore is the daemon-scoped store shared by every logged-in user. It
// is safe for concurrent use: sqlite's own write serialization is the
// concurrency boundary.
type SystemStore struct {
	db       *sql.DB
	routeTTL time.Duration
}

// OpenSystemStore opens (creating if absent) the system database at path and
// ensures its schema exists.
func OpenSystemStore(path string) (*SystemStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open system db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; avoids SQLITE_BUSY under the daemon's concurrent tasks
	s := &SystemStore{db: db, routeTTL: 30 * time.Minute}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SystemStore) Close() error { return s.db.Close() }

// SetRouteTTL overrides the routing-row lifetime (default 30 minutes) used
// by every subsequent AddRoute call, per the daemon's configured RouteTTL.
func (s *SystemStore) SetRouteTTL(d time.Duration) {
	if d > 0 {
		s.routeTTL = d
	}
}

func (s *SystemStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS neighbors (
		user_id TEXT PRIMARY KEY,
		address TEXT,
		last_seen TEXT
	);
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_id TEXT,
		next_hop_id TEXT,
		packet_json TEXT,
		exclude_peer TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS seen_packets (
		packet_id TEXT PRIMARY KEY,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS local_users (user_id TEXT PRIMARY KEY);
	CREATE TABLE IF NOT EXISTS offline_mailbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id TEXT,
		packet_json TEXT,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS routing_table (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		route_id TEXT,
		next_hop_id TEXT,
		metric INTEGER,
		is_local INTEGER DEFAULT 0,
		remote_user_id TEXT,
		owner_user_id TEXT,
		expires_at INTEGER,
		UNIQUE (route_id, next_hop_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// MarkPacketSeen inserts packetID into the dedup set. It returns true only
// on first insertion; the unique-key violation on a repeat insert is the
// deduplication test itself.
func (s *SystemStore) MarkPacketSeen(packetID string) (bool, error) {
	_, err := s.db.Exec(`INSERT INTO seen_packets (packet_id) VALUES (?)`, packetID)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// AddRoute upserts a routing row, honoring the invariant that a LOCAL row
// for (route_id, next_hop_id) is never displaced by a non-local insertion.
// ownerUserID is meaningful only for
// LOCAL rows: it names which locally-registered user this channel
// terminates at, independent of whichever user happens to be logged in
// when a DATA packet later arrives on it.
func (s *SystemStore) AddRoute(routeID, nextHopID string, metric int, isLocal bool, remoteUserID, ownerUserID string) error {
	var existingLocal bool
	row := s.db.QueryRow(`SELECT is_local FROM routing_table WHERE route_id = ? AND next_hop_id = ?`, routeID, nextHopID)
	var il int
	if err := row.Scan(&il); err == nil {
		existingLocal = il != 0
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existingLocal && !isLocal {
		return nil // LOCAL wins
	}

	expires := time.Now().Add(s.routeTTL).Unix()
	_, err := s.db.Exec(`
		INSERT INTO routing_table (route_id, next_hop_id, metric, is_local, remote_user_id, owner_user_id, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_id, next_hop_id) DO UPDATE SET
			metric=excluded.metric, is_local=excluded.is_local,
			remote_user_id=excluded.remote_user_id, owner_user_id=excluded.owner_user_id,
			expires_at=excluded.expires_at
	`, routeID, nextHopID, metric, boolInt(isLocal), remoteUserID, ownerUserID, expires)
	return err
}

// BestRoute returns the lowest-metric non-expired route for routeID, ties
// broken toward the most recently inserted row.
func (s *SystemStore) BestRoute(routeID string) (*RouteRow, error) {
	rows, err := s.RoutesFor(routeID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// RoutesFor returns all non-expired rows for routeID ordered by ascending
// metric, newest insertion first on ties.
func (s *SystemStore) RoutesFor(routeID string) ([]RouteRow, error) {
	rows, err := s.db.Query(`
		SELECT route_id, next_hop_id, metric, is_local, remote_user_id, owner_user_id, expires_at
		FROM routing_table WHERE route_id = ? AND expires_at > ?
		ORDER BY metric ASC, seq DESC
	`, routeID, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RouteRow
	for rows.Next() {
		var r RouteRow
		var il int
		var owner sql.NullString
		var expires int64
		if err := rows.Scan(&r.RouteID, &r.NextHopID, &r.Metric, &il, &r.RemoteUserID, &owner, &expires); err != nil {
			return nil, err
		}
		r.IsLocal = il != 0
		r.OwnerUserID = owner.String
		r.ExpiresAt = time.Unix(expires, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllActiveRoutes dumps every non-expired routing row, for the debug surface.
func (s *SystemStore) AllActiveRoutes() ([]RouteRow, error) {
	rows, err := s.db.Query(`
		SELECT route_id, next_hop_id, metric, is_local, remote_user_id, owner_user_id, expires_at
		FROM routing_table WHERE expires_at > ? ORDER BY route_id, metric ASC
	`, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RouteRow
	for rows.Next() {
		var r RouteRow
		var il int
		var owner sql.NullString
		var expires int64
		if err := rows.Scan(&r.RouteID, &r.NextHopID, &r.Metric, &il, &r.RemoteUserID, &owner, &expires); err != nil {
			return nil, err
		}
		r.IsLocal = il != 0
		r.OwnerUserID = owner.String
		r.ExpiresAt = time.Unix(expires, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertNeighbor records a neighbor's address and refreshes last_seen.
func (s *SystemStore) UpsertNeighbor(userID, address string) error {
	_, err := s.db.Exec(`
		INSERT INTO neighbors (user_id, address, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET address=excluded.address, last_seen=excluded.last_seen
	`, userID, address, time.Now().Format(time.RFC3339))
	return err
}

// EnqueueOutbox appends a send request. nextHopID nil means flood-except.
func (s *SystemStore) EnqueueOutbox(packetID string, nextHopID *string, packetJSON string, excludePeer *string) error {
	_, err := s.db.Exec(`
		INSERT INTO outbox (packet_id, next_hop_id, packet_json, exclude_peer) VALUES (?, ?, ?, ?)
	`, packetID, nullable(nextHopID), packetJSON, nullable(excludePeer))
	return err
}

// DrainOutbox returns up to limit pending rows in FIFO order.
func (s *SystemStore) DrainOutbox(limit int) ([]OutboxRow, error) {
	rows, err := s.db.Query(`
		SELECT id, packet_id, next_hop_id, packet_json, exclude_peer, created_at
		FROM outbox ORDER BY created_at ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var nextHop, excludePeer sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.PacketID, &nextHop, &r.PacketJSON, &excludePeer, &createdAt); err != nil {
			return nil, err
		}
		if nextHop.Valid {
			v := nextHop.String
			r.NextHopID = &v
		}
		if excludePeer.Valid {
			v := excludePeer.String
			r.ExcludePeer = &v
		}
		r.CreatedAt = createdAt
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOutbox removes a row after a transmission attempt, succeed or fail.
func (s *SystemStore) DeleteOutbox(id int64) error {
	_, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// OutboxDump returns every pending outbox row, for the debug surface.
func (s *SystemStore) OutboxDump() ([]OutboxRow, error) {
	return s.DrainOutbox(1 << 30)
}

// PacketStatus reports whether packetID has been seen and how many outbox
// rows currently reference it, for the debug surface.
func (s *SystemStore) PacketStatus(packetID string) (seen bool, inOutbox int, err error) {
	row := s.db.QueryRow(`SELECT 1 FROM seen_packets WHERE packet_id = ?`, packetID)
	var one int
	if scanErr := row.Scan(&one); scanErr == nil {
		seen = true
	} else if !errors.Is(scanErr, sql.ErrNoRows) {
		return false, 0, scanErr
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE packet_id = ?`, packetID)
	if err := row.Scan(&inOutbox); err != nil {
		return seen, 0, err
	}
	return seen, inOutbox, nil
}

// RegisterLocalUser records user_id as known to this node, so DATA for it
// can be queued to the offline mailbox while the user is logged out.
func (s *SystemStore) RegisterLocalUser(userID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO local_users (user_id) VALUES (?)`, userID)
	return err
}

func (s *SystemStore) IsLocalUser(userID string) (bool, error) {
	row := s.db.QueryRow(`SELECT 1 FROM local_users WHERE user_id = ?`, userID)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// SaveToMailbox queues a DATA packet for a known-but-offline local user.
func (s *SystemStore) SaveToMailbox(targetID, packetJSON string) error {
	_, err := s.db.Exec(`INSERT INTO offline_mailbox (target_id, packet_json) VALUES (?, ?)`, targetID, packetJSON)
	return err
}

// FetchMailbox returns and atomically clears all queued packets for
// userID.
func (s *SystemStore) FetchMailbox(userID string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, packet_json FROM offline_mailbox WHERE target_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	var packets []string
	for rows.Next() {
		var id int64
		var pkt string
		if err := rows.Scan(&id, &pkt); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		packets = append(packets, pkt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM offline_mailbox WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return packets, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// isUniqueViolation detects a sqlite UNIQUE/PRIMARY KEY constraint failure
// without importing the driver's error type, so callers can treat
// "duplicate insert" as a normal control-flow signal.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
