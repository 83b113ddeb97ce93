package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/chat"
	"github.com/emberapp/ember/internal/gating"
	"github.com/emberapp/ember/internal/match"
	"github.com/emberapp/ember/internal/reaction"
	"github.com/emberapp/ember/internal/socket"
)

type fakeConn struct {
	in   chan socket.Frame
	once sync.Once

	mu     sync.Mutex
	writes []socket.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan socket.Frame, 16)}
}

func (f *fakeConn) ReadJSON(v any) error {
	frame, ok := <-f.in
	if !ok {
		return errors.New("connection closed")
	}
	*(v.(*socket.Frame)) = frame
	return nil
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v.(socket.Frame))
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.in) })
	return nil
}

func (f *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.in <- socket.Frame{Event: event, Payload: raw}
}

func (f *fakeConn) wrote(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w.Event == event {
			return true
		}
	}
	return false
}

type fakeRel struct {
	mu    sync.Mutex
	calls int
	snap  gating.Snapshot
}

func (f *fakeRel) Relationship(context.Context, string) (gating.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snap, nil
}

func (f *fakeRel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	sock    *socket.Manager
	machine *match.Machine
	router  *Router
	rel     *fakeRel
	conns   []*fakeConn
	mu      sync.Mutex
	next    int
}

func newHarness(t *testing.T, connCount int) *harness {
	t.Helper()
	h := &harness{rel: &fakeRel{snap: gating.Snapshot{Friendship: gating.FriendshipFriends}}}
	for i := 0; i < connCount; i++ {
		h.conns = append(h.conns, newFakeConn())
	}
	dial := func(context.Context, string, string) (socket.Conn, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.next >= len(h.conns) {
			return nil, errors.New("no more connections")
		}
		c := h.conns[h.next]
		h.next++
		return c, nil
	}
	h.sock = socket.NewManager("ws://test", "tok", 5*time.Millisecond, dial, nil, nil)
	h.machine = match.NewMachine(h.sock, nil, nil)
	h.router = NewRouter(h.sock, h.machine, h.rel, time.Millisecond, bus.New(), nil)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(h.sock.Close)
	t.Cleanup(h.router.Stop)
	h.router.Start(ctx)
	h.sock.Connect(ctx)
	waitFor(t, "connect", func() bool { return h.sock.State() == socket.StateConnected })
}

func (h *harness) attachConversation(t *testing.T, id, peerID string) *chat.Conversation {
	t.Helper()
	conv, err := chat.Open(chat.Config{
		ConversationID: id,
		SelfID:         "me",
		Emitter:        h.sock,
		Gate:           &alwaysOpenGate{},
	})
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	eng := reaction.NewEngine(id, "me", conv.Log(), h.sock, nil, nil, nil)
	pol := gating.NewPolicy(peerID, nil, nil)
	h.router.Attach(conv, eng, pol)
	return conv
}

type alwaysOpenGate struct{}

func (alwaysOpenGate) Check() error { return nil }

func TestRoutesEventsByConversation(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)
	conv := h.attachConversation(t, "c1", "peer")
	conn := h.conns[0]

	conn.push(t, chat.EventMessage, chat.MessagePayload{
		ConversationID: "c1", ID: "m1", SenderID: "peer", Text: "hi", CreatedAt: 10,
	})
	waitFor(t, "message routed", func() bool {
		_, ok := conv.Log().Get("m1")
		return ok
	})

	// Unattached conversations and malformed payloads are dropped quietly.
	conn.push(t, chat.EventMessage, chat.MessagePayload{
		ConversationID: "nobody", ID: "m2", SenderID: "peer", CreatedAt: 20,
	})
	conn.push(t, chat.EventMessage, map[string]any{"conversationId": 42})
	conn.push(t, reaction.EventAdded, reaction.BroadcastPayload{
		ConversationID: "c1", MessageID: "m1", ReactionID: "r1", UserID: "peer", Emoji: "😂",
	})
	waitFor(t, "reaction routed", func() bool {
		m, _ := conv.Log().Get("m1")
		return m.HasReaction("peer", "😂")
	})
	if _, ok := conv.Log().Get("m2"); ok {
		t.Fatal("foreign conversation event landed in the log")
	}
}

func TestRoutesMatchmakingEvents(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)
	conn := h.conns[0]

	conn.push(t, match.EventSearchingStarted, nil)
	waitFor(t, "searching", func() bool { return h.machine.Current() == match.StateSearching })

	conn.push(t, match.EventProposal, match.ProposalPayload{
		ProposalID: "p1", Counterpart: match.Counterpart{ID: "u9"},
	})
	waitFor(t, "proposal", func() bool { return h.machine.Current() == match.StateProposal })

	conn.push(t, match.EventMatched, match.MatchedPayload{ProposalID: "p1", ChatID: "chat7"})
	waitFor(t, "matched", func() bool { return h.machine.Current() == match.StateMatched })
}

func TestRoutesFriendEventsByPeer(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)
	h.attachConversation(t, "c1", "peer")
	pol := h.router.convs["c1"].policy
	conn := h.conns[0]

	conn.push(t, gating.EventRequestAccepted, map[string]string{"userId": "peer"})
	waitFor(t, "friend event", func() bool {
		return pol.Snapshot().Friendship == gating.FriendshipFriends
	})

	conn.push(t, gating.EventUnfriended, map[string]string{"userId": "someone-else"})
	conn.push(t, gating.EventUnfriended, map[string]string{"userId": "peer"})
	waitFor(t, "unfriend", func() bool {
		return pol.Snapshot().Friendship == gating.FriendshipNotFriends
	})
}

func TestResyncAfterReconnect(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	h.attachConversation(t, "c1", "peer")
	h.conns[0].push(t, match.EventSearchingStarted, nil)
	waitFor(t, "searching", func() bool { return h.machine.Current() == match.StateSearching })

	baseline := h.rel.callCount()
	h.conns[0].Close()
	waitFor(t, "reconnect", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.next == 2 && h.sock.State() == socket.StateConnected
	})

	waitFor(t, "re-join", func() bool { return h.conns[1].wrote(chat.EventJoin) })
	waitFor(t, "relationship refetch", func() bool { return h.rel.callCount() > baseline })
	// The server released the search on disconnect; the mirror follows.
	waitFor(t, "search dropped", func() bool { return h.machine.Current() == match.StateIdle })
}

func TestFirstConnectJoinsEarlyConversations(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(h.sock.Close)
	t.Cleanup(h.router.Stop)
	h.router.Start(ctx)

	// Opened before the channel has ever been up: the open-time join is
	// lost to TransportDown and only the first-connect sync can replay it.
	h.attachConversation(t, "c1", "peer")

	h.sock.Connect(ctx)
	waitFor(t, "connect", func() bool { return h.sock.State() == socket.StateConnected })
	waitFor(t, "join after first connect", func() bool { return h.conns[0].wrote(chat.EventJoin) })
	waitFor(t, "relationship resolved", func() bool { return h.rel.callCount() > 0 })
}

func TestDetachStopsRouting(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)
	conv := h.attachConversation(t, "c1", "peer")
	conn := h.conns[0]

	h.router.Detach("c1")
	waitFor(t, "leave emitted", func() bool { return conn.wrote(chat.EventLeave) })

	conn.push(t, chat.EventMessage, chat.MessagePayload{
		ConversationID: "c1", ID: "m1", SenderID: "peer", CreatedAt: 10,
	})
	conn.push(t, chat.EventTyping, chat.TypingPayload{ConversationID: "c1", UserID: "peer", IsTyping: true})
	waitFor(t, "typing drained", func() bool { return len(conn.in) == 0 })
	if _, ok := conv.Log().Get("m1"); ok {
		t.Fatal("detached conversation still receives events")
	}
}

func TestStopUnregistersHandlers(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)
	conn := h.conns[0]

	h.router.Stop()
	conn.push(t, match.EventSearchingStarted, nil)
	conn.push(t, chat.EventTyping, chat.TypingPayload{ConversationID: "c1", IsTyping: true})
	waitFor(t, "frames drained", func() bool { return len(conn.in) == 0 })
	if h.machine.Current() != match.StateIdle {
		t.Fatal("stopped router still routes")
	}
}

func TestTypingRepublishedOnBus(t *testing.T) {
	h := newHarness(t, 1)
	b := bus.New()
	h.router.bus = b
	ch, off := b.Subscribe(bus.KindTyping, 4)
	defer off()
	h.start(t)

	h.conns[0].push(t, chat.EventTyping, chat.TypingPayload{ConversationID: "c1", UserID: "peer", IsTyping: true})
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindTyping {
			t.Fatalf("kind = %q", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing event never reached the bus")
	}
}
