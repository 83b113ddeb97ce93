// Package reaction implements the idempotent toggle of a
// (user, message, emoji) tuple, applied optimistically and reconciled via
// server broadcast.
package reaction

import (
	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/chat"
	"github.com/emberapp/ember/internal/errs"
	"github.com/emberapp/ember/internal/store"
)

// Socket event names for the reaction domain.
const (
	EventToggle  = "chat:reaction:toggle"
	EventAdded   = "chat:reaction:added"
	EventRemoved = "chat:reaction:removed"
)

// TogglePayload is the outbound toggle request.
type TogglePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
}

// BroadcastPayload is the inbound added/removed broadcast.
type BroadcastPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	ReactionID     string `json:"reactionId,omitempty"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

// Engine reconciles reaction state on one conversation's log. The server
// is the source of truth; the optimistic flip is self-correcting because
// the last broadcast always wins.
type Engine struct {
	conversationID string
	selfID         string
	log            *chat.Log
	emitter        chat.Emitter
	db             *store.DB
	bus            *bus.Bus
	logger         *zap.Logger
}

// NewEngine creates an engine bound to a conversation's message log.
func NewEngine(conversationID, selfID string, log *chat.Log, emitter chat.Emitter, db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		conversationID: conversationID,
		selfID:         selfID,
		log:            log,
		emitter:        emitter,
		db:             db,
		bus:            b,
		logger:         logger.With(zap.String("conversation", conversationID)),
	}
}

// Toggle optimistically flips local membership of (self, emoji) on the
// target message and emits the toggle request. On emit failure the flip
// is reverted and the error surfaced.
func (e *Engine) Toggle(messageID, emoji string) error {
	if emoji == "" {
		return errs.InvalidArg("emoji required")
	}
	m, ok := e.log.Get(messageID)
	if !ok {
		return errs.NotFound("message " + messageID)
	}

	wasSet := m.HasReaction(e.selfID, emoji)
	if wasSet {
		e.log.RemoveReaction(messageID, e.selfID, emoji)
		e.persistRemove(messageID, e.selfID, emoji)
	} else {
		e.log.AddReaction(messageID, store.Reaction{UserID: e.selfID, Emoji: emoji})
		e.persistAdd(messageID, "", e.selfID, emoji)
	}
	e.publish(messageID)

	if err := e.emitter.Emit(EventToggle, TogglePayload{
		ConversationID: e.conversationID,
		MessageID:      messageID,
		Emoji:          emoji,
	}); err != nil {
		// Revert the flip; the user sees the original state plus the error.
		if wasSet {
			e.log.AddReaction(messageID, store.Reaction{UserID: e.selfID, Emoji: emoji})
			e.persistAdd(messageID, "", e.selfID, emoji)
		} else {
			e.log.RemoveReaction(messageID, e.selfID, emoji)
			e.persistRemove(messageID, e.selfID, emoji)
		}
		e.publish(messageID)
		return err
	}
	return nil
}

// HandleAdded applies a reaction:added broadcast. Exact duplicates (by
// reaction id or by pair) are dropped.
func (e *Engine) HandleAdded(p BroadcastPayload) {
	if p.ConversationID != e.conversationID || p.MessageID == "" || p.UserID == "" || p.Emoji == "" {
		return
	}
	changed := e.log.AddReaction(p.MessageID, store.Reaction{
		ID:     p.ReactionID,
		UserID: p.UserID,
		Emoji:  p.Emoji,
	})
	e.persistAdd(p.MessageID, p.ReactionID, p.UserID, p.Emoji)
	if changed {
		e.publish(p.MessageID)
	} else {
		e.logger.Debug("duplicate reaction:added ignored", zap.String("msg_id", p.MessageID))
	}
}

// HandleRemoved applies a reaction:removed broadcast. Idempotent; removing
// a reaction the client never held (a crossed race) is still honored
// because the server's view wins.
func (e *Engine) HandleRemoved(p BroadcastPayload) {
	if p.ConversationID != e.conversationID || p.MessageID == "" || p.UserID == "" || p.Emoji == "" {
		return
	}
	changed := e.log.RemoveReaction(p.MessageID, p.UserID, p.Emoji)
	e.persistRemove(p.MessageID, p.UserID, p.Emoji)
	if changed {
		e.publish(p.MessageID)
	} else {
		e.logger.Debug("duplicate reaction:removed ignored", zap.String("msg_id", p.MessageID))
	}
}

func (e *Engine) persistAdd(messageID, reactionID, userID, emoji string) {
	if e.db == nil {
		return
	}
	if err := e.db.AddReaction(e.conversationID, messageID, userID, emoji, reactionID); err != nil {
		e.logger.Warn("persist reaction", zap.Error(err))
	}
}

func (e *Engine) persistRemove(messageID, userID, emoji string) {
	if e.db == nil {
		return
	}
	if err := e.db.RemoveReaction(messageID, userID, emoji); err != nil {
		e.logger.Warn("remove reaction", zap.Error(err))
	}
}

func (e *Engine) publish(messageID string) {
	if e.bus != nil {
		e.bus.Publish(bus.KindReactionUpdated, map[string]string{
			"conversationId": e.conversationID,
			"messageId":      messageID,
		})
	}
}
