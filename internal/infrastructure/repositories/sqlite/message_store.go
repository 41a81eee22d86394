package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"

	_ "modernc.org/sqlite"
)

// MessageStore is the durable per-device message log backed by a local
// SQLite database.
type MessageStore struct {
	db *sql.DB
}

// Open opens or creates the message database under dir.
func Open(dir string) (ports.MessageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "messages.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			sender_id     TEXT NOT NULL,
			receiver_id   TEXT NOT NULL,
			content       TEXT NOT NULL,
			timestamp     INTEGER NOT NULL,
			sender_name   TEXT NOT NULL DEFAULT '',
			sender_avatar TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair_ts
			ON messages (sender_id, receiver_id, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &MessageStore{db: db}, nil
}

// Save upserts by message id. Messages are immutable in practice, so the
// replace on conflict is harmless and makes replays invisible.
func (s *MessageStore) Save(ctx context.Context, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, sender_id, receiver_id, content, timestamp, sender_name, sender_avatar)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id     = excluded.sender_id,
			receiver_id   = excluded.receiver_id,
			content       = excluded.content,
			timestamp     = excluded.timestamp,
			sender_name   = excluded.sender_name,
			sender_avatar = excluded.sender_avatar`,
		msg.ID, string(msg.SenderID), string(msg.ReceiverID),
		msg.Content, msg.Timestamp, msg.SenderName, msg.SenderAvatar,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// GetConversation returns the messages between a and b in either direction,
// ordered by ascending timestamp.
func (s *MessageStore) GetConversation(ctx context.Context, a, b domain.PeerID) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, timestamp, sender_name, sender_avatar
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?)
		   OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp ASC`,
		string(a), string(b), string(b), string(a),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var sender, receiver string
		if err := rows.Scan(&m.ID, &sender, &receiver, &m.Content,
			&m.Timestamp, &m.SenderName, &m.SenderAvatar); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderID = domain.PeerID(sender)
		m.ReceiverID = domain.PeerID(receiver)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return msgs, nil
}

func (s *MessageStore) Close() error {
	return s.db.Close()
}
