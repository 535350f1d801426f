package history

import (
	"database/sql"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/edumarket/chatcore/internal/message"
)

// Cache is a local SQLite copy of confirmed messages, so a reopened
// conversation can paint its last known window while the first page fetch
// is in flight. It is strictly a cache: losing it costs nothing.
type Cache struct {
	db *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		temp_id TEXT,
		content TEXT,
		kind TEXT,
		sender_id TEXT,
		sender_name TEXT,
		sender_role TEXT,
		created_at TEXT
	);`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages (conversation_id, created_at DESC);`); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Put(m message.Message) error {
	_, err := c.db.Exec(`INSERT INTO messages
		(id, conversation_id, temp_id, content, kind, sender_id, sender_name, sender_role, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET content=excluded.content, kind=excluded.kind;`,
		m.ID, m.ConversationID, m.TempID, m.Content, string(m.Kind),
		m.SenderID, m.SenderName, m.SenderRole, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (c *Cache) Delete(id string) error {
	_, err := c.db.Exec(`DELETE FROM messages WHERE id = ?;`, id)
	return err
}

// Recent returns up to limit messages of a conversation, newest first.
func (c *Cache) Recent(conversationID string, limit int) ([]message.Message, error) {
	rows, err := c.db.Query(`SELECT id, conversation_id, temp_id, content, kind,
		sender_id, sender_name, sender_role, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?;`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		var kind, createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TempID, &m.Content, &kind,
			&m.SenderID, &m.SenderName, &m.SenderRole, &createdAt); err != nil {
			return nil, err
		}
		k, err := message.ParseKind(kind)
		if err != nil {
			continue // stale row from an older schema; skip it
		}
		m.Kind = k
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = ts
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Purge drops a conversation's cached window.
func (c *Cache) Purge(conversationID string) error {
	_, err := c.db.Exec(`DELETE FROM messages WHERE conversation_id = ?;`, conversationID)
	return err
}

func (c *Cache) Close() error {
	return c.db.Close()
}
