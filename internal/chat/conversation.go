// Package chat implements the message lifecycle store: one Conversation
// per open thread, reconciling optimistic local sends against the
// server-confirmed log delivered over the event channel.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/errs"
	"github.com/emberapp/ember/internal/media"
	"github.com/emberapp/ember/internal/store"
)

// Emitter sends one event over the channel. Implemented by socket.Manager.
type Emitter interface {
	Emit(event string, payload any) error
}

// Gate decides whether sending is currently permitted.
type Gate interface {
	Check() error
}

// HistorySource fetches a page of older messages, typically via REST.
type HistorySource interface {
	History(ctx context.Context, conversationID string, before int64, limit int) ([]store.Message, error)
}

// Config assembles a Conversation's collaborators.
type Config struct {
	ConversationID string
	SelfID         string
	Emitter        Emitter
	Gate           Gate
	DB             *store.DB     // optional durable mirror
	History        HistorySource // optional pagination source
	Bus            *bus.Bus
	Logger         *zap.Logger
	PageSize       int
	WindowSize     int
}

// Conversation owns the ordered message log for one thread and applies
// every local action and inbound event to it.
type Conversation struct {
	id         string
	selfID     string
	emitter    Emitter
	gate       Gate
	db         *store.DB
	history    HistorySource
	bus        *bus.Bus
	logger     *zap.Logger
	pageSize   int
	windowSize int

	log *Log
}

// Open creates the store, seeds it from the durable mirror, and announces
// the subscription to the server. A down channel at open time is fine: the
// router re-joins once the connection is up.
func Open(cfg Config) (*Conversation, error) {
	if cfg.ConversationID == "" {
		return nil, errs.InvalidArg("conversation id required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}

	c := &Conversation{
		id:         cfg.ConversationID,
		selfID:     cfg.SelfID,
		emitter:    cfg.Emitter,
		gate:       cfg.Gate,
		db:         cfg.DB,
		history:    cfg.History,
		bus:        cfg.Bus,
		logger:     cfg.Logger.With(zap.String("conversation", cfg.ConversationID)),
		pageSize:   cfg.PageSize,
		windowSize: cfg.WindowSize,
		log:        NewLog(),
	}

	c.seedFromDB()
	c.Join()
	return c, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Log exposes the underlying message log; the reaction engine shares it.
func (c *Conversation) Log() *Log { return c.log }

// Messages returns the full reconciled log.
func (c *Conversation) Messages() []store.Message { return c.log.Messages() }

// Window returns the bounded suffix retained for rendering.
func (c *Conversation) Window() []store.Message { return c.log.Window(c.windowSize) }

// Join announces the subscription. Fire-and-forget.
func (c *Conversation) Join() {
	if err := c.emitter.Emit(EventJoin, JoinPayload{ConversationID: c.id}); err != nil {
		c.logger.Debug("join emit failed, router will re-join on connect", zap.Error(err))
	}
}

// Close leaves the conversation. Fire-and-forget; local state is dropped
// by the caller unregistering the store from the router.
func (c *Conversation) Close() {
	if err := c.emitter.Emit(EventLeave, JoinPayload{ConversationID: c.id}); err != nil {
		c.logger.Debug("leave emit failed", zap.Error(err))
	}
}

func tempID() string {
	return fmt.Sprintf("temp-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// SendText appends an optimistic message and emits the send request.
// A synchronous emit failure fails that message only; retry is a fresh
// send with a new temp id.
func (c *Conversation) SendText(text string) (store.Message, error) {
	if text == "" {
		return store.Message{}, errs.InvalidArg("text required")
	}
	if err := c.gate.Check(); err != nil {
		return store.Message{}, err
	}

	m := store.Message{
		ID:             tempID(),
		ConversationID: c.id,
		SenderID:       c.selfID,
		Text:           text,
		CreatedAt:      time.Now().UnixMilli(),
		Status:         store.StatusSending,
	}
	c.log.Append(m)
	c.persist(m)
	c.publish(bus.KindMessageUpserted, m)

	if err := c.emitter.Emit(EventMessage, MessagePayload{
		ConversationID: c.id,
		ClientMsgID:    m.ID,
		Text:           text,
	}); err != nil {
		c.failMessage(m.ID, err)
		m.Status = store.StatusFailed
		return m, err
	}
	return m, nil
}

// BeginMedia inserts the optimistic placeholder for a media send before
// the upload completes, so the UI can show upload-in-progress.
// Implements the media pipeline's enqueuer contract.
func (c *Conversation) BeginMedia(asset *media.Asset) (string, error) {
	if err := c.gate.Check(); err != nil {
		return "", err
	}

	m := store.Message{
		ID:             tempID(),
		ConversationID: c.id,
		SenderID:       c.selfID,
		MediaType:      asset.MIMEType,
		CreatedAt:      time.Now().UnixMilli(),
		Status:         store.StatusSending,
	}
	c.log.Append(m)
	c.persist(m)
	c.publish(bus.KindMessageUpserted, m)
	return m.ID, nil
}

// CompleteMedia attaches the uploaded object to the placeholder and emits
// the message. Called by the media pipeline on upload success.
func (c *Conversation) CompleteMedia(placeholderID string, obj *media.Object) error {
	if !c.log.SetMedia(placeholderID, obj.URL, obj.Type, obj.Thumbnail) {
		return errs.NotFound("placeholder " + placeholderID)
	}
	if m, ok := c.log.Get(placeholderID); ok {
		c.persist(m)
		c.publish(bus.KindMessageUpserted, m)
	}

	if err := c.emitter.Emit(EventMessage, MessagePayload{
		ConversationID: c.id,
		ClientMsgID:    placeholderID,
		MediaURL:       obj.URL,
		MediaType:      obj.Type,
		Thumbnail:      obj.Thumbnail,
	}); err != nil {
		c.failMessage(placeholderID, err)
		return err
	}
	return nil
}

// FailMedia marks the placeholder failed. Called by the media pipeline on
// upload failure or timeout; no message is emitted.
func (c *Conversation) FailMedia(placeholderID string, cause error) {
	c.failMessage(placeholderID, cause)
}

func (c *Conversation) failMessage(id string, cause error) {
	if !c.log.Fail(id) {
		return
	}
	if m, ok := c.log.Get(id); ok {
		c.persist(m)
	}
	c.logger.Warn("send failed", zap.String("msg_id", id), zap.Error(cause))
	c.publish(bus.KindMessageSendFailed, map[string]string{
		"conversationId": c.id,
		"id":             id,
		"error":          cause.Error(),
	})
}

// HandleServerAck rewrites the acknowledged send's temp id to the
// canonical id. Events for other conversations are ignored; duplicate
// acks are no-ops.
func (c *Conversation) HandleServerAck(p AckPayload) {
	if p.ConversationID != c.id || p.ID == "" {
		return
	}
	oldID, ok := c.log.ResolveAck(p.ClientMsgID, p.ID)
	if !ok {
		c.logger.Debug("duplicate or unmatched ack ignored", zap.String("id", p.ID))
		return
	}
	if c.db != nil {
		if err := c.db.RenameMessage(c.id, oldID, p.ID, store.StatusSent); err != nil {
			c.logger.Warn("persist ack", zap.Error(err))
		}
		if err := c.db.RenameReactionMessage(oldID, p.ID); err != nil {
			c.logger.Warn("repoint reactions", zap.Error(err))
		}
	}
	c.publish(bus.KindMessageAck, map[string]string{
		"conversationId": c.id,
		"tempId":         oldID,
		"id":             p.ID,
	})
}

// HandleDeliveryReceipt upgrades a message to delivered. Monotonic: it
// never downgrades a read message.
func (c *Conversation) HandleDeliveryReceipt(p ReceiptPayload) {
	c.applyReceipt(p, store.StatusDelivered)
}

// HandleReadReceipt upgrades a message to read, even when the delivery
// receipt never arrived.
func (c *Conversation) HandleReadReceipt(p ReceiptPayload) {
	c.applyReceipt(p, store.StatusRead)
}

func (c *Conversation) applyReceipt(p ReceiptPayload, status store.Status) {
	if p.ConversationID != c.id || p.ID == "" {
		return
	}
	if !c.log.ApplyStatus(p.ID, status) {
		return
	}
	if c.db != nil {
		if err := c.db.UpdateStatus(c.id, p.ID, status); err != nil {
			c.logger.Warn("persist receipt", zap.Error(err))
		}
	}
	if m, ok := c.log.Get(p.ID); ok {
		c.publish(bus.KindMessageUpserted, m)
	}
}

// HandleInbound appends a message from the peer. Duplicate ids and events
// for other conversations are dropped. Acknowledges delivery back to the
// server, fire-and-forget.
func (c *Conversation) HandleInbound(p MessagePayload) {
	if p.ConversationID != c.id || p.ID == "" {
		return
	}
	m := p.Message()
	if !c.log.Append(m) {
		c.logger.Debug("duplicate message ignored", zap.String("id", m.ID))
		return
	}
	c.persist(m)
	c.publish(bus.KindMessageUpserted, m)

	if m.SenderID != c.selfID {
		if err := c.emitter.Emit(EventDelivered, ReceiptPayload{ConversationID: c.id, ID: m.ID}); err != nil {
			c.logger.Debug("delivered ack emit failed", zap.Error(err))
		}
	}
}

// HandleHistory merges a server-pushed history batch after a join.
func (c *Conversation) HandleHistory(p HistoryPayload) {
	if p.ConversationID != c.id {
		return
	}
	var msgs []store.Message
	for _, mp := range p.Messages {
		if mp.ID == "" {
			continue
		}
		mp.ConversationID = c.id
		msgs = append(msgs, mp.Message())
	}
	added := c.log.PrependPage(msgs)
	for _, m := range msgs {
		c.persist(m)
	}
	if added > 0 {
		c.publish(bus.KindMessageUpserted, map[string]any{"conversationId": c.id, "count": added})
	}
}

// EditMessage rewrites a message optimistically and emits the edit. The
// confirming broadcast is applied idempotently by HandleEdited.
func (c *Conversation) EditMessage(id, newText string) error {
	if newText == "" {
		return errs.InvalidArg("text required")
	}
	if _, ok := c.log.Get(id); !ok {
		return errs.NotFound("message " + id)
	}
	c.log.ApplyEdit(id, newText)
	if c.db != nil {
		if err := c.db.MarkEdited(c.id, id, newText); err != nil {
			c.logger.Warn("persist edit", zap.Error(err))
		}
	}
	c.publish(bus.KindMessageEdited, map[string]string{"conversationId": c.id, "id": id})
	return c.emitter.Emit(EventEdit, EditPayload{ConversationID: c.id, ID: id, Text: newText})
}

// DeleteMessage tombstones a message optimistically and emits the delete.
func (c *Conversation) DeleteMessage(id string) error {
	if _, ok := c.log.Get(id); !ok {
		return errs.NotFound("message " + id)
	}
	c.log.ApplyDelete(id)
	if c.db != nil {
		if err := c.db.MarkDeleted(c.id, id); err != nil {
			c.logger.Warn("persist delete", zap.Error(err))
		}
	}
	c.publish(bus.KindMessageDeleted, map[string]string{"conversationId": c.id, "id": id})
	return c.emitter.Emit(EventDelete, DeletePayload{ConversationID: c.id, ID: id})
}

// HandleEdited applies the edit broadcast. Idempotent.
func (c *Conversation) HandleEdited(p EditPayload) {
	if p.ConversationID != c.id || p.ID == "" {
		return
	}
	if !c.log.ApplyEdit(p.ID, p.Text) {
		return
	}
	if c.db != nil {
		if err := c.db.MarkEdited(c.id, p.ID, p.Text); err != nil {
			c.logger.Warn("persist edit broadcast", zap.Error(err))
		}
	}
	c.publish(bus.KindMessageEdited, map[string]string{"conversationId": c.id, "id": p.ID})
}

// HandleDeleted applies the delete broadcast. Idempotent.
func (c *Conversation) HandleDeleted(p DeletePayload) {
	if p.ConversationID != c.id || p.ID == "" {
		return
	}
	if !c.log.ApplyDelete(p.ID) {
		return
	}
	if c.db != nil {
		if err := c.db.MarkDeleted(c.id, p.ID); err != nil {
			c.logger.Warn("persist delete broadcast", zap.Error(err))
		}
	}
	c.publish(bus.KindMessageDeleted, map[string]string{"conversationId": c.id, "id": p.ID})
}

// MarkRead reports the conversation as read up to the given message.
// Fire-and-forget.
func (c *Conversation) MarkRead(id string) {
	if err := c.emitter.Emit(EventRead, ReceiptPayload{ConversationID: c.id, ID: id}); err != nil {
		c.logger.Debug("read ack emit failed", zap.Error(err))
	}
}

// SetTyping relays the local typing indicator. Fire-and-forget.
func (c *Conversation) SetTyping(isTyping bool) {
	if err := c.emitter.Emit(EventTyping, TypingPayload{ConversationID: c.id, IsTyping: isTyping}); err != nil {
		c.logger.Debug("typing emit failed", zap.Error(err))
	}
}

// LoadOlder fetches one page of older messages and prepends it after
// deduplication. An empty page latches hasMore=false.
func (c *Conversation) LoadOlder(ctx context.Context) (int, error) {
	if c.history == nil || !c.log.HasMore() {
		return 0, nil
	}
	before := c.log.OldestTimestamp()
	if before <= 0 {
		before = time.Now().UnixMilli()
	}
	page, err := c.history.History(ctx, c.id, before, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("load older: %w", err)
	}
	if len(page) == 0 {
		c.log.SetHasMore(false)
		return 0, nil
	}
	added := c.log.PrependPage(page)
	for _, m := range page {
		c.persist(m)
	}
	return added, nil
}

// HasMore reports whether older history may remain on the server.
func (c *Conversation) HasMore() bool { return c.log.HasMore() }

// seedFromDB warms the log from the durable mirror so the client renders
// history before the first network round-trip.
func (c *Conversation) seedFromDB() {
	if c.db == nil {
		return
	}
	msgs, err := c.db.ListMessages(c.id, 0, c.windowSize)
	if err != nil {
		c.logger.Warn("seed from db", zap.Error(err))
		return
	}
	for _, m := range msgs {
		reactions, err := c.db.ListReactions(m.ID)
		if err == nil {
			m.Reactions = reactions
		}
		c.log.Append(m)
	}
}

func (c *Conversation) persist(m store.Message) {
	if c.db == nil {
		return
	}
	if err := c.db.UpsertMessage(&m); err != nil {
		c.logger.Warn("persist message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	preview := m.Text
	if preview == "" && m.MediaType != "" {
		preview = "[media]"
	}
	if err := c.db.UpsertConversation(&store.Conversation{
		ID:                 c.id,
		LastMessageAt:      m.CreatedAt,
		LastMessagePreview: truncate(preview, 100),
	}); err != nil {
		c.logger.Warn("persist conversation", zap.Error(err))
	}
}

func (c *Conversation) publish(kind string, payload any) {
	if c.bus != nil {
		c.bus.Publish(kind, payload)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
