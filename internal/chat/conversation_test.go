package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emberapp/ember/internal/errs"
	"github.com/emberapp/ember/internal/store"
)

type emitted struct {
	event   string
	payload any
}

type fakeEmitter struct {
	err    error
	events []emitted
}

func (f *fakeEmitter) Emit(event string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emitted{event, payload})
	return nil
}

func (f *fakeEmitter) count(event string) int {
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeGate struct{ err error }

func (f *fakeGate) Check() error { return f.err }

type fakeHistory struct {
	pages [][]store.Message
	calls int
}

func (f *fakeHistory) History(_ context.Context, _ string, _ int64, _ int) ([]store.Message, error) {
	f.calls++
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func openConv(t *testing.T, em Emitter, gate Gate) *Conversation {
	t.Helper()
	c, err := Open(Config{
		ConversationID: "c1",
		SelfID:         "me",
		Emitter:        em,
		Gate:           gate,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestSendLifecycle(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})

	m, err := c.SendText("hey")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !strings.HasPrefix(m.ID, "temp-") {
		t.Fatalf("optimistic id = %q, want temp- prefix", m.ID)
	}
	if m.Status != store.StatusSending {
		t.Fatalf("status = %q, want sending", m.Status)
	}
	if em.count(EventMessage) != 1 {
		t.Fatalf("chat:message emits = %d, want 1", em.count(EventMessage))
	}

	c.HandleServerAck(AckPayload{ConversationID: "c1", ClientMsgID: m.ID, ID: "m42"})
	got, ok := c.Log().Get("m42")
	if !ok || got.Status != store.StatusSent {
		t.Fatalf("after ack: %+v ok=%v", got, ok)
	}
	if _, stale := c.Log().Get(m.ID); stale {
		t.Fatal("temp id survived the ack")
	}

	c.HandleDeliveryReceipt(ReceiptPayload{ConversationID: "c1", ID: "m42"})
	c.HandleDeliveryReceipt(ReceiptPayload{ConversationID: "c1", ID: "m42"})
	got, _ = c.Log().Get("m42")
	if got.Status != store.StatusDelivered {
		t.Fatalf("status = %q, want delivered", got.Status)
	}

	c.HandleReadReceipt(ReceiptPayload{ConversationID: "c1", ID: "m42"})
	got, _ = c.Log().Get("m42")
	if got.Status != store.StatusRead {
		t.Fatalf("status = %q, want read", got.Status)
	}
	if c.Log().Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Log().Len())
	}
}

func TestSendBlockedByGate(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{err: errs.GatingDenied("not friends")})

	_, err := c.SendText("hey")
	if errs.CodeOf(err) != errs.CodeGatingDenied {
		t.Fatalf("err = %v, want gating denied", err)
	}
	if c.Log().Len() != 0 {
		t.Fatal("blocked send left an optimistic message")
	}
	if em.count(EventMessage) != 0 {
		t.Fatal("blocked send emitted")
	}
}

func TestSendEmitFailureFailsMessage(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})
	em.err = errors.New("transport down")

	m, err := c.SendText("hey")
	if err == nil {
		t.Fatal("expected error")
	}
	if m.Status != store.StatusFailed {
		t.Fatalf("returned status = %q, want failed", m.Status)
	}
	got, _ := c.Log().Get(m.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("log status = %q, want failed", got.Status)
	}

	// The failed message never matches a later ack.
	em.err = nil
	m2, _ := c.SendText("retry")
	c.HandleServerAck(AckPayload{ConversationID: "c1", ID: "m50"})
	if got, _ := c.Log().Get(m.ID); got.Status != store.StatusFailed {
		t.Fatal("ack matched the failed send")
	}
	if _, stale := c.Log().Get(m2.ID); stale {
		t.Fatal("ack did not match the retry")
	}
}

func TestInboundDedupAndDeliveredAck(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})

	p := MessagePayload{ConversationID: "c1", ID: "m1", SenderID: "peer", Text: "hi", CreatedAt: 10}
	c.HandleInbound(p)
	c.HandleInbound(p)
	if c.Log().Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Log().Len())
	}
	if em.count(EventDelivered) != 1 {
		t.Fatalf("delivered acks = %d, want 1", em.count(EventDelivered))
	}

	// Our own message echoed back is stored but not acked.
	c.HandleInbound(MessagePayload{ConversationID: "c1", ID: "m2", SenderID: "me", Text: "yo", CreatedAt: 20})
	if em.count(EventDelivered) != 1 {
		t.Fatal("acked our own message")
	}
}

func TestEventsForOtherConversationsIgnored(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})
	c.HandleInbound(MessagePayload{ConversationID: "other", ID: "m1", SenderID: "peer", CreatedAt: 10})
	c.HandleServerAck(AckPayload{ConversationID: "other", ID: "m2"})
	c.HandleDeliveryReceipt(ReceiptPayload{ConversationID: "other", ID: "m1"})
	if c.Log().Len() != 0 {
		t.Fatal("foreign event landed in the log")
	}
}

func TestEditDeleteBroadcastIdempotent(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})
	c.HandleInbound(MessagePayload{ConversationID: "c1", ID: "m1", SenderID: "peer", Text: "old", CreatedAt: 10})

	c.HandleEdited(EditPayload{ConversationID: "c1", ID: "m1", Text: "new"})
	c.HandleEdited(EditPayload{ConversationID: "c1", ID: "m1", Text: "new"})
	m, _ := c.Log().Get("m1")
	if m.Text != "new" || !m.IsEdited {
		t.Fatalf("after edit: %+v", m)
	}

	c.HandleDeleted(DeletePayload{ConversationID: "c1", ID: "m1"})
	c.HandleDeleted(DeletePayload{ConversationID: "c1", ID: "m1"})
	m, _ = c.Log().Get("m1")
	if !m.IsDeleted {
		t.Fatal("not tombstoned")
	}
}

func TestLocalEditEmitsAndFlags(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})
	c.HandleInbound(MessagePayload{ConversationID: "c1", ID: "m1", SenderID: "me", Text: "old", CreatedAt: 10})

	if err := c.EditMessage("m1", "new"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if em.count(EventEdit) != 1 {
		t.Fatal("edit not emitted")
	}
	if err := c.EditMessage("missing", "x"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("edit of unknown id: %v", err)
	}

	if err := c.DeleteMessage("m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if em.count(EventDelete) != 1 {
		t.Fatal("delete not emitted")
	}
}

func TestLoadOlderLatchesHasMore(t *testing.T) {
	em := &fakeEmitter{}
	hist := &fakeHistory{pages: [][]store.Message{
		{msg("m1", 10, store.StatusSent)},
		{},
	}}
	c, err := Open(Config{
		ConversationID: "c1",
		SelfID:         "me",
		Emitter:        em,
		Gate:           &fakeGate{},
		History:        hist,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	added, err := c.LoadOlder(context.Background())
	if err != nil || added != 1 {
		t.Fatalf("first page: added=%d err=%v", added, err)
	}
	if !c.HasMore() {
		t.Fatal("hasMore latched too early")
	}

	if _, err := c.LoadOlder(context.Background()); err != nil {
		t.Fatalf("empty page: %v", err)
	}
	if c.HasMore() {
		t.Fatal("empty page did not latch hasMore=false")
	}

	calls := hist.calls
	if _, err := c.LoadOlder(context.Background()); err != nil {
		t.Fatalf("after latch: %v", err)
	}
	if hist.calls != calls {
		t.Fatal("fetched past the latch")
	}
}

func TestHandleHistoryMerges(t *testing.T) {
	em := &fakeEmitter{}
	c := openConv(t, em, &fakeGate{})
	c.HandleInbound(MessagePayload{ConversationID: "c1", ID: "m2", SenderID: "peer", Text: "b", CreatedAt: 20})

	c.HandleHistory(HistoryPayload{
		ConversationID: "c1",
		Messages: []MessagePayload{
			{ID: "m1", SenderID: "peer", Text: "a", CreatedAt: 10},
			{ID: "m2", SenderID: "peer", Text: "b", CreatedAt: 20},
			{SenderID: "peer", Text: "no id", CreatedAt: 30},
		},
	})
	got := c.Messages()
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("merged log = %+v", got)
	}
}
