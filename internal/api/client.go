// Package api is the embedder-facing surface of the sync core: one Client
// per profile, wrapping conversation lifecycle, matchmaking, and media
// sends. UI layers call it and render from bus events.
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/chat"
	"github.com/emberapp/ember/internal/config"
	"github.com/emberapp/ember/internal/errs"
	"github.com/emberapp/ember/internal/gating"
	"github.com/emberapp/ember/internal/match"
	"github.com/emberapp/ember/internal/media"
	"github.com/emberapp/ember/internal/reaction"
	"github.com/emberapp/ember/internal/rest"
	"github.com/emberapp/ember/internal/socket"
	"github.com/emberapp/ember/internal/store"
	intsync "github.com/emberapp/ember/internal/sync"
)

// resolveInterval spaces relationship refetch attempts when a peer's
// friendship status is still unknown.
const resolveInterval = 2 * time.Second

type openConv struct {
	conv   *chat.Conversation
	engine *reaction.Engine
	policy *gating.Policy
}

// Client composes the sync core for one authenticated profile.
type Client struct {
	profile  *config.Profile
	sock     *socket.Manager
	router   *intsync.Router
	rest     *rest.Client
	db       *store.DB
	pipeline *media.Pipeline
	machine  *match.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	mu    sync.Mutex
	convs map[string]*openConv
}

// NewClient wires the facade over the already-constructed core.
func NewClient(profile *config.Profile, sock *socket.Manager, router *intsync.Router, rc *rest.Client, db *store.DB, pipeline *media.Pipeline, machine *match.Machine, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		profile:  profile,
		sock:     sock,
		router:   router,
		rest:     rc,
		db:       db,
		pipeline: pipeline,
		machine:  machine,
		bus:      b,
		logger:   logger,
		convs:    make(map[string]*openConv),
	}
}

// OpenConversation opens (or returns the already-open) conversation with a
// peer and attaches it to the event router. The gating policy starts
// resolving in the background; sends stay blocked until it lands.
func (c *Client) OpenConversation(ctx context.Context, conversationID, peerID string) (*chat.Conversation, error) {
	c.mu.Lock()
	if oc, ok := c.convs[conversationID]; ok {
		c.mu.Unlock()
		return oc.conv, nil
	}
	c.mu.Unlock()

	pol := gating.NewPolicy(peerID, c.bus, c.logger)
	conv, err := chat.Open(chat.Config{
		ConversationID: conversationID,
		SelfID:         c.profile.UserID,
		Emitter:        c.sock,
		Gate:           pol,
		DB:             c.db,
		History:        c.rest,
		Bus:            c.bus,
		Logger:         c.logger,
		PageSize:       c.profile.HistoryPageSize,
		WindowSize:     c.profile.WindowSize,
	})
	if err != nil {
		return nil, err
	}
	eng := reaction.NewEngine(conversationID, c.profile.UserID, conv.Log(), c.sock, c.db, c.bus, c.logger)

	c.mu.Lock()
	if oc, ok := c.convs[conversationID]; ok {
		// Lost the race; keep the winner.
		c.mu.Unlock()
		return oc.conv, nil
	}
	c.convs[conversationID] = &openConv{conv: conv, engine: eng, policy: pol}
	c.mu.Unlock()

	c.router.Attach(conv, eng, pol)
	go pol.Resolve(ctx, c.rest, resolveInterval, 3)
	return conv, nil
}

// CloseConversation detaches and leaves the conversation.
func (c *Client) CloseConversation(conversationID string) {
	c.mu.Lock()
	_, ok := c.convs[conversationID]
	delete(c.convs, conversationID)
	c.mu.Unlock()
	if ok {
		c.router.Detach(conversationID)
	}
}

func (c *Client) open(conversationID string) (*openConv, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oc, ok := c.convs[conversationID]
	if !ok {
		return nil, errs.NotFound("conversation " + conversationID + " not open")
	}
	return oc, nil
}

// SendText sends a text message into an open conversation.
func (c *Client) SendText(conversationID, text string) (store.Message, error) {
	oc, err := c.open(conversationID)
	if err != nil {
		return store.Message{}, err
	}
	return oc.conv.SendText(text)
}

// SendMediaFile uploads a local file and sends it as a media message.
func (c *Client) SendMediaFile(ctx context.Context, conversationID, path string) error {
	oc, err := c.open(conversationID)
	if err != nil {
		return err
	}
	return c.pipeline.SendFile(ctx, path, oc.conv)
}

// ToggleReaction flips the profile user's (message, emoji) reaction.
func (c *Client) ToggleReaction(conversationID, messageID, emoji string) error {
	oc, err := c.open(conversationID)
	if err != nil {
		return err
	}
	return oc.engine.Toggle(messageID, emoji)
}

// EditMessage rewrites a sent message's text.
func (c *Client) EditMessage(conversationID, messageID, text string) error {
	oc, err := c.open(conversationID)
	if err != nil {
		return err
	}
	return oc.conv.EditMessage(messageID, text)
}

// DeleteMessage tombstones a sent message.
func (c *Client) DeleteMessage(conversationID, messageID string) error {
	oc, err := c.open(conversationID)
	if err != nil {
		return err
	}
	return oc.conv.DeleteMessage(messageID)
}

// MarkRead reports the conversation read up to the given message.
func (c *Client) MarkRead(conversationID, messageID string) error {
	oc, err := c.open(conversationID)
	if err != nil {
		return err
	}
	oc.conv.MarkRead(messageID)
	return nil
}

// SetTyping relays the local typing indicator.
func (c *Client) SetTyping(conversationID string, isTyping bool) error {
	oc, err := c.open(conversationID)
	if err != nil {
		return err
	}
	oc.conv.SetTyping(isTyping)
	return nil
}

// LoadOlder pages older history into an open conversation.
func (c *Client) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	oc, err := c.open(conversationID)
	if err != nil {
		return 0, err
	}
	return oc.conv.LoadOlder(ctx)
}

// CanSend reports whether the gating policy currently permits sending.
func (c *Client) CanSend(conversationID string) (bool, error) {
	oc, err := c.open(conversationID)
	if err != nil {
		return false, err
	}
	return oc.policy.CanSend(), nil
}

// Conversations lists known conversations from the durable mirror, most
// recently active first.
func (c *Client) Conversations(limit int) ([]store.Conversation, error) {
	return c.db.ListConversations(limit, 0)
}

// StartSearch requests a matchmaking search. A previously matched session
// is cleared first, so the embedder can search again after consuming the
// matched chat id.
func (c *Client) StartSearch() error { return c.machine.Start() }

// Decide accepts or passes on the live proposal.
func (c *Client) Decide(accept bool) error { return c.machine.Decide(accept) }

// CancelSearch releases the matchmaking session.
func (c *Client) CancelSearch() { c.machine.Cancel() }

// EnterBackground releases foreground-only state, currently the
// matchmaking session.
func (c *Client) EnterBackground() { c.machine.EnterBackground() }

// Matchmaking returns a snapshot of the matchmaking session.
func (c *Client) Matchmaking() match.Snapshot { return c.machine.Snapshot() }

// ConnectionState returns the event channel state.
func (c *Client) ConnectionState() socket.State { return c.sock.State() }
