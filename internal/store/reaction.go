package store

import "time"

// AddReaction records a (user, emoji) membership on a message. Idempotent:
// re-inserting the same pair is a no-op, matching the unique index.
func (db *DB) AddReaction(conversationID, msgID, userID, emoji, reactionID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO reactions (conversation_id, msg_id, user_id, emoji, reaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id, user_id, emoji) DO UPDATE SET
			reaction_id = CASE WHEN excluded.reaction_id != '' THEN excluded.reaction_id ELSE reactions.reaction_id END`,
		conversationID, msgID, userID, emoji, reactionID, now)
	return err
}

// RemoveReaction deletes a (user, emoji) membership. No-op if absent.
func (db *DB) RemoveReaction(msgID, userID, emoji string) error {
	_, err := db.Exec(`
		DELETE FROM reactions WHERE msg_id = ? AND user_id = ? AND emoji = ?`,
		msgID, userID, emoji)
	return err
}

// ListReactions returns all reactions on a message.
func (db *DB) ListReactions(msgID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT reaction_id, user_id, emoji FROM reactions
		WHERE msg_id = ? ORDER BY created_at ASC`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.UserID, &r.Emoji); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// RenameReactionMessage repoints reactions at a message's canonical id
// after a server ack replaces its temporary id.
func (db *DB) RenameReactionMessage(oldMsgID, newMsgID string) error {
	_, err := db.Exec(`
		UPDATE OR IGNORE reactions SET msg_id = ? WHERE msg_id = ?`,
		newMsgID, oldMsgID)
	return err
}
