// Package socket owns the persistent bidirectional event channel to the
// ember backend. One Manager per authenticated credential; all stores
// share it via dependency injection.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/errs"
)

// State is the connection state of the event channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Frame is the JSON wire envelope for every event in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives the raw payload of one inbound event. Handlers run
// synchronously in arrival order; the channel never reorders events.
type Handler func(payload json.RawMessage)

// Conn is the minimal transport surface the manager needs. The real
// implementation is a gorilla websocket connection; tests inject fakes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a transport connection for the given credential.
type Dialer func(ctx context.Context, url, token string) (Conn, error)

// DialWebsocket is the production dialer.
func DialWebsocket(ctx context.Context, url, token string) (Conn, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type stateListener func(prev, next State)

// Manager maintains the event channel: it dials, pumps inbound frames to
// registered handlers, and on transport loss retries on a fixed interval
// until the connection is restored. There is no event replay; subscribers
// observing reconnecting -> connected must request their own resync.
type Manager struct {
	url      string
	token    string
	dial     Dialer
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      Conn
	state     State
	started   bool
	cancel    context.CancelFunc
	handlers  map[string]map[int]Handler
	nextID    int
	stateSubs map[int]stateListener
	nextSub   int
}

// NewManager creates a manager for one credential. A nil dial falls back
// to the production websocket dialer.
func NewManager(url, token string, interval time.Duration, dial Dialer, b *bus.Bus, logger *zap.Logger) *Manager {
	if dial == nil {
		dial = DialWebsocket
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		url:       url,
		token:     token,
		dial:      dial,
		interval:  interval,
		bus:       b,
		logger:    logger,
		state:     StateDisconnected,
		handlers:  make(map[string]map[int]Handler),
		stateSubs: make(map[int]stateListener),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. Repeated calls are no-ops: the
// channel is shared, never duplicated.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
}

// Close tears the channel down and stops reconnecting.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.setState(StateDisconnected)
}

func (m *Manager) run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := m.dial(ctx, m.url, m.token)
		if err != nil {
			if first {
				first = false
				m.setState(StateReconnecting)
			}
			m.logger.Warn("dial failed, retrying", zap.Error(err), zap.Duration("interval", m.interval))
			select {
			case <-time.After(m.interval):
				continue
			case <-ctx.Done():
				return
			}
		}
		first = false

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected)

		err = m.pump(ctx, conn)
		_ = conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("channel lost, reconnecting", zap.Error(err))
		m.setState(StateReconnecting)
		select {
		case <-time.After(m.interval):
		case <-ctx.Done():
			return
		}
	}
}

// pump reads frames until the transport fails, dispatching each frame
// synchronously so per-conversation ordering is preserved.
func (m *Manager) pump(ctx context.Context, conn Conn) error {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frame.Event == "" {
			// Malformed frame; drop it rather than die.
			m.logger.Debug("dropping frame without event name")
			continue
		}
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame Frame) {
	m.mu.Lock()
	var hs []Handler
	for _, h := range m.handlers[frame.Event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(frame.Payload)
	}
}

// On registers a handler for an inbound event name. The returned function
// unregisters it; stores must call it on teardown so no handler outlives
// its conversation or session.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.handlers[event][id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

// OnStateChange registers a listener notified synchronously on every
// connection-state transition. Returns an unregister function.
func (m *Manager) OnStateChange(fn func(prev, next State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.stateSubs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// Emit sends one event to the server. Returns a transport error when the
// channel is down; the caller decides what optimistic state to fail.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		return errs.TransportDown("channel is "+string(state), nil)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidArgument, "encode payload", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(Frame{Event: event, Payload: raw}); err != nil {
		return errs.TransportDown("emit "+event, err)
	}
	return nil
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	var subs []stateListener
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	// Listeners are informed synchronously on every transition.
	for _, fn := range subs {
		fn(prev, next)
	}
	if m.bus != nil {
		m.bus.Publish(bus.KindConnStateChanged, next)
	}
	m.logger.Info("connection state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
}
