// Package sync routes inbound channel events into the stores and drives
// resynchronization after a reconnect. The channel replays nothing, so
// every store's view must be re-requested once the connection returns.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/chat"
	"github.com/emberapp/ember/internal/gating"
	"github.com/emberapp/ember/internal/match"
	"github.com/emberapp/ember/internal/reaction"
	"github.com/emberapp/ember/internal/socket"
)

// resolveAttempts bounds the relationship refetch window after a reconnect.
const resolveAttempts = 3

type entry struct {
	conv      *chat.Conversation
	reactions *reaction.Engine
	policy    *gating.Policy
}

// Router owns the socket subscriptions. Stores are attached per open
// conversation and detached on teardown, leaving no dangling handlers.
type Router struct {
	sock     *socket.Manager
	machine  *match.Machine
	rel      gating.Source
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	convs   map[string]*entry
	offs    []func()
	ctx     context.Context
	started bool
}

// NewRouter creates a router over the shared channel.
func NewRouter(sock *socket.Manager, machine *match.Machine, rel gating.Source, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		sock:     sock,
		machine:  machine,
		rel:      rel,
		bus:      b,
		logger:   logger,
		interval: interval,
		convs:    make(map[string]*entry),
	}
}

// Start registers every inbound event handler. Idempotent.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.ctx = ctx
	r.mu.Unlock()

	on := func(event string, h socket.Handler) {
		off := r.sock.On(event, h)
		r.mu.Lock()
		r.offs = append(r.offs, off)
		r.mu.Unlock()
	}

	on(chat.EventMessage, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.MessagePayload
		if !decode(raw, &p, r.logger, chat.EventMessage) {
			return
		}
		e.conv.HandleInbound(p)
	}))
	on(chat.EventMessageSent, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.AckPayload
		if !decode(raw, &p, r.logger, chat.EventMessageSent) {
			return
		}
		e.conv.HandleServerAck(p)
	}))
	on(chat.EventDeliveryReceipt, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.ReceiptPayload
		if !decode(raw, &p, r.logger, chat.EventDeliveryReceipt) {
			return
		}
		e.conv.HandleDeliveryReceipt(p)
	}))
	on(chat.EventReadReceipt, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.ReceiptPayload
		if !decode(raw, &p, r.logger, chat.EventReadReceipt) {
			return
		}
		e.conv.HandleReadReceipt(p)
	}))
	on(chat.EventMessageEdited, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.EditPayload
		if !decode(raw, &p, r.logger, chat.EventMessageEdited) {
			return
		}
		e.conv.HandleEdited(p)
	}))
	on(chat.EventMessageDeleted, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.DeletePayload
		if !decode(raw, &p, r.logger, chat.EventMessageDeleted) {
			return
		}
		e.conv.HandleDeleted(p)
	}))
	on(chat.EventHistory, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p chat.HistoryPayload
		if !decode(raw, &p, r.logger, chat.EventHistory) {
			return
		}
		e.conv.HandleHistory(p)
	}))
	on(reaction.EventAdded, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p reaction.BroadcastPayload
		if !decode(raw, &p, r.logger, reaction.EventAdded) {
			return
		}
		e.reactions.HandleAdded(p)
	}))
	on(reaction.EventRemoved, r.onConversation(func(e *entry, raw json.RawMessage) {
		var p reaction.BroadcastPayload
		if !decode(raw, &p, r.logger, reaction.EventRemoved) {
			return
		}
		e.reactions.HandleRemoved(p)
	}))

	on(chat.EventTyping, r.republish(bus.KindTyping))
	on(chat.EventPresence, r.republish(bus.KindPresence))

	on(match.EventSearchingStarted, func(json.RawMessage) {
		r.machine.HandleSearchingStarted()
	})
	on(match.EventProposal, func(raw json.RawMessage) {
		var p match.ProposalPayload
		if !decode(raw, &p, r.logger, match.EventProposal) {
			return
		}
		r.machine.HandleProposal(p)
	})
	on(match.EventAcceptedByOther, func(raw json.RawMessage) {
		var p match.ProposalPayload
		if !decode(raw, &p, r.logger, match.EventAcceptedByOther) {
			return
		}
		r.machine.HandleAcceptedByOther(p)
	})
	on(match.EventPassedByOther, func(json.RawMessage) {
		r.machine.HandlePassedByOther()
	})
	on(match.EventMatched, func(raw json.RawMessage) {
		var p match.MatchedPayload
		if !decode(raw, &p, r.logger, match.EventMatched) {
			return
		}
		r.machine.HandleMatched(p)
	})
	on(match.EventCancelled, func(json.RawMessage) {
		r.machine.HandleCancelled()
	})

	for _, event := range []string{gating.EventUnfriended, gating.EventRequestAccepted, gating.EventAutoAdded} {
		event := event
		on(event, func(raw json.RawMessage) {
			r.onFriendEvent(event, raw)
		})
	}

	// Every entry into connected needs a sync pass, the first connect
	// included: a conversation opened before the channel came up lost its
	// open-time join to TransportDown. Resync is idempotent.
	offState := r.sock.OnStateChange(func(_, next socket.State) {
		if next == socket.StateConnected {
			r.resync()
		}
	})
	r.mu.Lock()
	r.offs = append(r.offs, offState)
	r.mu.Unlock()
}

// Stop unregisters every handler.
func (r *Router) Stop() {
	r.mu.Lock()
	offs := r.offs
	r.offs = nil
	r.started = false
	r.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// Attach registers an open conversation's stores for event routing.
func (r *Router) Attach(conv *chat.Conversation, eng *reaction.Engine, pol *gating.Policy) {
	r.mu.Lock()
	r.convs[conv.ID()] = &entry{conv: conv, reactions: eng, policy: pol}
	r.mu.Unlock()
}

// Detach tears a conversation down: the store leaves the server-side
// subscription and no further events reach it.
func (r *Router) Detach(conversationID string) {
	r.mu.Lock()
	e, ok := r.convs[conversationID]
	delete(r.convs, conversationID)
	r.mu.Unlock()
	if ok {
		e.conv.Close()
	}
}

// onConversation routes a payload to the store owning its conversationId.
// Events for unattached conversations are dropped.
func (r *Router) onConversation(h func(*entry, json.RawMessage)) socket.Handler {
	return func(raw json.RawMessage) {
		var head struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ConversationID == "" {
			r.logger.Debug("dropping event without conversationId")
			return
		}
		r.mu.Lock()
		e, ok := r.convs[head.ConversationID]
		r.mu.Unlock()
		if !ok {
			return
		}
		h(e, raw)
	}
}

func (r *Router) republish(kind string) socket.Handler {
	return func(raw json.RawMessage) {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		if r.bus != nil {
			r.bus.Publish(kind, payload)
		}
	}
}

func (r *Router) onFriendEvent(event string, raw json.RawMessage) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		r.logger.Debug("dropping friend event without userId", zap.String("event", event))
		return
	}
	r.mu.Lock()
	var policies []*gating.Policy
	for _, e := range r.convs {
		if e.policy != nil && e.policy.PeerID() == p.UserID {
			policies = append(policies, e.policy)
		}
	}
	r.mu.Unlock()
	for _, pol := range policies {
		pol.ApplyFriendEvent(event)
	}
}

// resync restores server-side state whenever the channel comes up: re-join
// every open conversation, refetch relationship status, and drop any
// matchmaking search that the server released on disconnect.
func (r *Router) resync() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.convs))
	for _, e := range r.convs {
		entries = append(entries, e)
	}
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	r.logger.Info("syncing open conversations", zap.Int("conversations", len(entries)))
	for _, e := range entries {
		e.conv.Join()
		if e.policy != nil && r.rel != nil {
			pol := e.policy
			go pol.Resolve(ctx, r.rel, r.interval, resolveAttempts)
		}
	}

	if st := r.machine.Current(); st == match.StateSearching || st == match.StateProposal {
		// The server releases the session when the socket drops; the
		// user must restart the search explicitly.
		r.machine.Reset()
	}
}

func decode(raw json.RawMessage, out any, logger *zap.Logger, event string) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		logger.Debug("dropping malformed payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}
