package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReplaceChats replaces the whole chat snapshot in one transaction. Used
// after every successful full-list fetch from the bridge.
func (db *DB) ReplaceChats(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, c := range chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (id, display_name, last_message_text, last_message_at, unread_count, is_pinned, last_from_operator, tag_ids, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DisplayName, c.LastMessageText, c.LastMessageAt, c.UnreadCount, c.IsPinned, c.LastFromOperator, encodeTagIDs(c.TagIDs), now); err != nil {
			return fmt.Errorf("insert chat %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// UpsertChat inserts or updates a single chat snapshot record.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, display_name, last_message_text, last_message_at, unread_count, is_pinned, last_from_operator, tag_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			last_message_text = excluded.last_message_text,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			is_pinned = excluded.is_pinned,
			last_from_operator = excluded.last_from_operator,
			tag_ids = excluded.tag_ids,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, c.LastMessageText, c.LastMessageAt, c.UnreadCount, c.IsPinned, c.LastFromOperator, encodeTagIDs(c.TagIDs), now)
	return err
}

// ListChats returns the chat snapshot, pinned first, newest message next.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT id, display_name, last_message_text, last_message_at, unread_count, is_pinned, last_from_operator, tag_ids
		FROM chats
		ORDER BY is_pinned DESC, last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var tagIDs string
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.LastMessageText, &c.LastMessageAt, &c.UnreadCount, &c.IsPinned, &c.LastFromOperator, &tagIDs); err != nil {
			return nil, err
		}
		c.TagIDs = decodeTagIDs(tagIDs)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat snapshot by id, or nil if absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	var tagIDs string
	err := db.QueryRow(`
		SELECT id, display_name, last_message_text, last_message_at, unread_count, is_pinned, last_from_operator, tag_ids
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.DisplayName, &c.LastMessageText, &c.LastMessageAt, &c.UnreadCount, &c.IsPinned, &c.LastFromOperator, &tagIDs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.TagIDs = decodeTagIDs(tagIDs)
	return &c, nil
}
