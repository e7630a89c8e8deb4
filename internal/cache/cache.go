// Package cache is the durable, chat-keyed message store that survives
// restarts. It is the offline source of truth until fresh data arrives:
// reads never touch the network, and each chat's list is independently
// consistent. Rows are namespaced by local user id so profiles on a shared
// machine never see each other's history.
package cache

import (
	"fmt"
	"time"

	"github.com/matheus3301/chathub/internal/model"
)

// Cache exposes the per-chat message list operations on top of DB, scoped to
// one local user.
type Cache struct {
	db     *DB
	userID string
}

// NewCache creates a cache view for the given local user.
func NewCache(db *DB, userID string) *Cache {
	return &Cache{db: db, userID: userID}
}

// Get returns the cached message list for a chat in canonical order
// (timestamp ascending, id ascending). A chat with no cache entry yields an
// empty slice.
func (c *Cache) Get(source model.Source, chatID string) ([]model.Message, error) {
	rows, err := c.db.Query(`
		SELECT msg_id, sender, body, outgoing, ts
		FROM cached_messages
		WHERE user_id = ? AND source = ? AND chat_id = ?
		ORDER BY ts ASC, msg_id ASC`,
		c.userID, string(source), chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m        model.Message
			outgoing int
			ts       int64
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &outgoing, &ts); err != nil {
			return nil, err
		}
		m.ChatID = chatID
		m.Source = source
		m.Outgoing = outgoing != 0
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Set replaces the full cached list for a chat in one transaction.
func (c *Cache) Set(source model.Source, chatID string, msgs []model.Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM cached_messages
		WHERE user_id = ? AND source = ? AND chat_id = ?`,
		c.userID, string(source), chatID); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}

	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO cached_messages (user_id, source, chat_id, msg_id, sender, body, outgoing, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, source, chat_id, msg_id) DO UPDATE SET
				sender = excluded.sender,
				body = excluded.body,
				outgoing = excluded.outgoing,
				ts = excluded.ts`,
			c.userID, string(source), chatID, m.ID, m.Sender, m.Text, boolToInt(m.Outgoing), m.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// Append upserts a single message into a chat's cached list (idempotent on
// message id).
func (c *Cache) Append(source model.Source, chatID string, m model.Message) error {
	_, err := c.db.Exec(`
		INSERT INTO cached_messages (user_id, source, chat_id, msg_id, sender, body, outgoing, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source, chat_id, msg_id) DO UPDATE SET
			sender = excluded.sender,
			body = excluded.body,
			outgoing = excluded.outgoing,
			ts = excluded.ts`,
		c.userID, string(source), chatID, m.ID, m.Sender, m.Text, boolToInt(m.Outgoing), m.Timestamp.UnixMilli())
	return err
}

// Clear drops a chat's cache entry. Used when the remote reports the chat no
// longer exists.
func (c *Cache) Clear(source model.Source, chatID string) error {
	_, err := c.db.Exec(`
		DELETE FROM cached_messages
		WHERE user_id = ? AND source = ? AND chat_id = ?`,
		c.userID, string(source), chatID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
