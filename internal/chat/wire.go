package chat

import "github.com/emberapp/ember/internal/store"

// Socket event names for the chat domain.
const (
	EventJoin      = "chat:join"
	EventLeave     = "chat:leave"
	EventMessage   = "chat:message"
	EventEdit      = "chat:edit"
	EventDelete    = "chat:delete"
	EventDelivered = "chat:delivered"
	EventRead      = "chat:read"
	EventTyping    = "chat:typing"

	EventHistory         = "chat:history"
	EventMessageSent     = "chat:message:sent"
	EventDeliveryReceipt = "chat:message:delivery_receipt"
	EventReadReceipt     = "chat:message:read_receipt"
	EventMessageEdited   = "chat:message:edited"
	EventMessageDeleted  = "chat:message:deleted"
	EventPresence        = "chat:presence"
)

// JoinPayload subscribes or unsubscribes a conversation on the server.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessagePayload is the chat:message body in both directions. Outbound it
// carries the client temp id so a backend that echoes it enables exact ack
// correlation; inbound it carries the canonical id.
type MessagePayload struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	ID             string `json:"id,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
}

// Message converts an inbound payload to the domain shape.
func (p MessagePayload) Message() store.Message {
	return store.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Text:           p.Text,
		MediaURL:       p.MediaURL,
		MediaType:      p.MediaType,
		Thumbnail:      p.Thumbnail,
		CreatedAt:      p.CreatedAt,
		Status:         store.StatusSent,
	}
}

// AckPayload is the chat:message:sent acknowledgment: the canonical id for
// one of our in-flight sends, with the temp id echoed when the backend
// supports it.
type AckPayload struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	ID             string `json:"id"`
}

// ReceiptPayload is a delivery or read receipt keyed on the canonical id.
type ReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
}

// EditPayload is chat:edit outbound and chat:message:edited inbound.
type EditPayload struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
	Text           string `json:"text"`
}

// DeletePayload is chat:delete outbound and chat:message:deleted inbound.
type DeletePayload struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
}

// TypingPayload relays typing indicators in both directions.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// HistoryPayload is the chat:history batch delivered after a join.
type HistoryPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []MessagePayload `json:"messages"`
}
