package store

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// UserStore is the per-logged-in-identity store (messages, contacts), one
// sqlite file per user_id. Content fields are ciphertext at rest under the
// caller's vault key; this layer stores and retrieves opaque strings and
// never sees plaintext.
type UserStore struct {
	db *sql.DB
}

// OpenUserStore opens (creating if absent) the user database at path.
func OpenUserStore(path string) (*UserStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	u := &UserStore{db: db}
	if err := u.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return u, nil
}

func (u *UserStore) Close() error { return u.db.Close() }

func (u *UserStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_id TEXT UNIQUE,
		chat_id TEXT,
		sender_id TEXT,
		content TEXT,
		timestamp TEXT,
		is_outgoing INTEGER,
		is_read INTEGER DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS contacts (
		user_id TEXT PRIMARY KEY,
		nickname TEXT,
		last_seen TEXT
	);
	`
	_, err := u.db.Exec(schema)
	return err
}

// InsertMessage stores one message keyed by packet_id. It reports whether
// the insert was new; a UNIQUE violation on packet_id is the at-most-once
// delivery guarantee, not an error condition.
func (u *UserStore) InsertMessage(packetID, chatID, senderID, content, timestamp string, isOutgoing, isRead bool) (bool, error) {
	_, err := u.db.Exec(`
		INSERT INTO messages (packet_id, chat_id, sender_id, content, timestamp, is_outgoing, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, packetID, chatID, senderID, content, timestamp, boolInt(isOutgoing), boolInt(isRead))
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// UpsertContact records last_seen for a contact, creating the row if absent.
func (u *UserStore) UpsertContact(userID string) error {
	_, err := u.db.Exec(`
		INSERT INTO contacts (user_id, last_seen) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen=excluded.last_seen
	`, userID, time.Now().Format(time.RFC3339))
	return err
}

// RenameContact sets (or clears, if nickname is nil) a contact's nickname.
// nickname is expected to already be vault-ciphertext.
func (u *UserStore) RenameContact(userID string, nickname *string) error {
	_, err := u.db.Exec(`
		INSERT INTO contacts (user_id, nickname, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET nickname=excluded.nickname
	`, userID, nullable(nickname), time.Now().Format(time.RFC3339))
	return err
}

// Contacts lists every contact along with its unread message count.
func (u *UserStore) Contacts() ([]ContactRow, error) {
	rows, err := u.db.Query(`
		SELECT c.user_id, c.nickname, c.last_seen,
			(SELECT COUNT(*) FROM messages WHERE chat_id = c.user_id AND is_read = 0 AND is_outgoing = 0) AS unread
		FROM contacts c
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactRow
	for rows.Next() {
		var r ContactRow
		var nickname sql.NullString
		if err := rows.Scan(&r.UserID, &nickname, &r.LastSeen, &r.UnreadCount); err != nil {
			return nil, err
		}
		r.Nickname = nickname.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Messages returns a chat's full history ordered oldest-first. Retrieval is
// itself a mark-read side effect, in addition to the explicit ReadChat
// operation.
func (u *UserStore) Messages(chatID string) ([]MessageRow, error) {
	rows, err := u.db.Query(`
		SELECT id, packet_id, chat_id, sender_id, content, timestamp, is_outgoing, is_read
		FROM messages WHERE chat_id = ? ORDER BY timestamp ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		var isOutgoing, isRead int
		if err := rows.Scan(&r.ID, &r.PacketID, &r.ChatID, &r.SenderID, &r.Content, &r.Timestamp, &isOutgoing, &isRead); err != nil {
			rows.Close()
			return nil, err
		}
		r.IsOutgoing = isOutgoing != 0
		r.IsRead = isRead != 0
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := u.MarkChatRead(chatID); err != nil {
		return out, err
	}
	return out, nil
}

// MarkChatRead flips is_read on every inbound message of a chat.
func (u *UserStore) MarkChatRead(chatID string) error {
	_, err := u.db.Exec(`UPDATE messages SET is_read = 1 WHERE chat_id = ? AND is_outgoing = 0`, chatID)
	return err
}
