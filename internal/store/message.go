package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, text, media_url, media_type, thumbnail, status, is_edited, is_deleted, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			text = excluded.text,
			media_url = excluded.media_url,
			media_type = excluded.media_type,
			thumbnail = excluded.thumbnail,
			status = excluded.status,
			is_edited = excluded.is_edited,
			is_deleted = excluded.is_deleted`,
		m.ConversationID, m.ID, m.SenderID, m.Text, m.MediaURL, m.MediaType, m.Thumbnail, m.Status, m.IsEdited, m.IsDeleted, m.CreatedAt, now)
	return err
}

// RenameMessage replaces a temporary message id with the server-issued
// canonical id and sets the new status. No-op if the old id is gone
// (duplicate ack already applied).
func (db *DB) RenameMessage(conversationID, oldID, newID string, status Status) error {
	_, err := db.Exec(`
		UPDATE OR IGNORE messages SET msg_id = ?, status = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		newID, status, conversationID, oldID)
	return err
}

// UpdateStatus sets a message's status unconditionally. Callers enforce
// monotonicity before persisting.
func (db *DB) UpdateStatus(conversationID, msgID string, status Status) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		status, conversationID, msgID)
	return err
}

// MarkEdited rewrites a message's text and sets the edited flag.
func (db *DB) MarkEdited(conversationID, msgID, text string) error {
	_, err := db.Exec(`
		UPDATE messages SET text = ?, is_edited = 1
		WHERE conversation_id = ? AND msg_id = ?`,
		text, conversationID, msgID)
	return err
}

// MarkDeleted tombstones a message. The row stays in the log.
func (db *DB) MarkDeleted(conversationID, msgID string) error {
	_, err := db.Exec(`
		UPDATE messages SET is_deleted = 1
		WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by created_at, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, text, media_url, media_type, thumbnail, status, is_edited, is_deleted, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Text, &m.MediaURL, &m.MediaType, &m.Thumbnail, &m.Status, &m.IsEdited, &m.IsDeleted, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
