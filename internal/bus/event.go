package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, e.g. "message." receives every message-related kind.
const (
	KindConnStateChanged = "conn.state_changed"

	KindMessageUpserted   = "message.upserted"
	KindMessageAck        = "message.ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageEdited     = "message.edited"
	KindMessageDeleted    = "message.deleted"

	KindReactionUpdated = "reaction.updated"

	KindMatchStateChanged = "match.state_changed"

	KindFriendUpdated = "friend.updated"

	KindTyping   = "typing.event"
	KindPresence = "presence.event"
)

