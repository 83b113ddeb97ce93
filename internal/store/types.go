package store

// Status is a message delivery status from the sender's perspective.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the happy-path statuses. Failed is terminal and
// outside the ladder; a failed message is only replaced by a fresh send.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Upgrades reports whether moving from s to next is a forward move on the
// status ladder. Receipts may only upgrade, never regress.
func (s Status) Upgrades(next Status) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		// sending -> failed is the only legal off-ladder move.
		return next == StatusFailed && s == StatusSending
	}
	return nxt > cur
}

// Reaction is one (user, emoji) membership on a message. ID is the
// server-issued reaction id when known, empty for optimistic entries.
type Reaction struct {
	ID     string
	UserID string
	Emoji  string
}

// Message represents one entry in a conversation log. ID is either a
// locally-generated temporary id or the server-issued canonical id;
// temporary ids are replaced in place on acknowledgment, never aliased.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	MediaURL       string
	MediaType      string
	Thumbnail      string
	CreatedAt      int64 // epoch ms
	IsEdited       bool
	IsDeleted      bool
	Status         Status
	Reactions      []Reaction
}

// HasReaction reports whether the (userID, emoji) pair is present.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Conversation represents a chat thread with one peer.
type Conversation struct {
	ID                 string
	PeerID             string
	LastMessageAt      int64
	LastMessagePreview string
}
