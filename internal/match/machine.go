// Package match mirrors the server-driven matchmaking session: the client
// requests transitions, server events perform them.
package match

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/errs"
)

// Socket event names for the matchmaking domain.
const (
	EventStart  = "matchmaking:start"
	EventDecide = "matchmaking:decide"
	EventCancel = "matchmaking:cancel"

	EventSearchingStarted = "matchmaking:searching_started"
	EventProposal         = "matchmaking:proposal"
	EventAcceptedByOther  = "matchmaking:accepted_by_other"
	EventPassedByOther    = "matchmaking:passed_by_other"
	EventMatched          = "matchmaking:matched"
	EventCancelled        = "matchmaking:cancelled"
)

// DecidePayload is the outbound accept/pass decision.
type DecidePayload struct {
	ProposalID string `json:"proposalId"`
	Decision   string `json:"decision"` // "accept" or "pass"
}

// Counterpart is the proposed match's public identity.
type Counterpart struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ProposalPayload is the inbound candidate-match offer.
type ProposalPayload struct {
	ProposalID  string      `json:"proposalId"`
	Counterpart Counterpart `json:"other"`
}

// MatchedPayload carries the chat created for a completed match.
type MatchedPayload struct {
	ProposalID string `json:"proposalId,omitempty"`
	ChatID     string `json:"chatId"`
}

// State is the client-side matchmaking session state. A server `cancelled`
// event returns the mirror to idle; the user must restart explicitly.
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateProposal  State = "proposal"
	StateMatched   State = "matched"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateIdle:      {StateSearching},
	StateSearching: {StateProposal, StateMatched, StateIdle},
	StateProposal:  {StateSearching, StateMatched, StateIdle},
	StateMatched:   {},
}

// Proposal is the single live candidate match, if any.
type Proposal struct {
	ID              string
	Counterpart     Counterpart
	AcceptedByMe    bool
	AcceptedByOther bool
}

// Emitter sends one event over the channel.
type Emitter interface {
	Emit(event string, payload any) error
}

// Snapshot is a copy of the session for inspection.
type Snapshot struct {
	State    State
	Proposal *Proposal
	ChatID   string
}

// Machine tracks the matchmaking session. All inbound handlers tolerate
// duplicate delivery and out-of-order leftovers from a previous session.
type Machine struct {
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	proposal *Proposal
	chatID   string
}

// NewMachine creates a session mirror starting in idle.
func NewMachine(emitter Emitter, b *bus.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		emitter: emitter,
		bus:     b,
		logger:  logger,
		state:   StateIdle,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, ChatID: m.chatID}
	if m.proposal != nil {
		p := *m.proposal
		snap.Proposal = &p
	}
	return snap
}

// Start requests a search. The state does not change until the server
// confirms with searching_started; the request alone proves nothing.
// A matched session is cleared first: the chat already exists and the
// user is asking for the next one.
func (m *Machine) Start() error {
	m.mu.Lock()
	cleared := false
	if m.state == StateMatched {
		m.state = StateIdle
		m.proposal = nil
		m.chatID = ""
		cleared = true
	}
	state := m.state
	m.mu.Unlock()
	if cleared {
		m.publish()
	}
	if state != StateIdle {
		return errs.InvalidArg("session already active")
	}
	return m.emitter.Emit(EventStart, struct{}{})
}

// Decide accepts or passes on the live proposal. Accept marks the local
// flag and waits for the server; if the other side already accepted, the
// server responds with matched directly. Pass returns to searching
// immediately: the server implicitly begins a new search.
func (m *Machine) Decide(accept bool) error {
	m.mu.Lock()
	if m.state != StateProposal || m.proposal == nil {
		m.mu.Unlock()
		return errs.InvalidArg("no live proposal")
	}
	proposalID := m.proposal.ID
	m.mu.Unlock()

	decision := "pass"
	if accept {
		decision = "accept"
	}
	if err := m.emitter.Emit(EventDecide, DecidePayload{ProposalID: proposalID, Decision: decision}); err != nil {
		return err
	}

	m.mu.Lock()
	if accept {
		if m.proposal != nil && m.proposal.ID == proposalID {
			m.proposal.AcceptedByMe = true
		}
		m.mu.Unlock()
		m.publish()
		return nil
	}
	m.proposal = nil
	m.transitionLocked(StateSearching)
	m.mu.Unlock()
	m.publish()
	return nil
}

// Cancel releases the session. Fire-and-forget: local state is cleared
// immediately without waiting for an acknowledgment.
func (m *Machine) Cancel() {
	m.mu.Lock()
	if m.state != StateSearching && m.state != StateProposal {
		m.mu.Unlock()
		return
	}
	m.proposal = nil
	m.transitionLocked(StateIdle)
	m.mu.Unlock()
	m.publish()

	if err := m.emitter.Emit(EventCancel, struct{}{}); err != nil {
		m.logger.Debug("cancel emit failed", zap.Error(err))
	}
}

// EnterBackground releases an active session when the app leaves the
// foreground. Returning to foreground does not auto-resume.
func (m *Machine) EnterBackground() {
	m.Cancel()
}

// HandleSearchingStarted is the authoritative entry into searching. It
// also invalidates any proposal left over from before a retry.
func (m *Machine) HandleSearchingStarted() {
	m.mu.Lock()
	if m.state == StateSearching || m.state == StateMatched {
		m.mu.Unlock()
		return
	}
	m.proposal = nil
	m.transitionLocked(StateSearching)
	m.mu.Unlock()
	m.publish()
}

// HandleProposal holds a new candidate match. A duplicate for the held
// proposal with the same counterpart is ignored; a different counterpart
// replaces the held proposal outright.
func (m *Machine) HandleProposal(p ProposalPayload) {
	if p.ProposalID == "" || p.Counterpart.ID == "" {
		return
	}
	m.mu.Lock()
	if m.state != StateSearching && m.state != StateProposal {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("proposal ignored in state", zap.String("state", string(state)))
		return
	}
	if m.proposal != nil && m.proposal.ID == p.ProposalID && m.proposal.Counterpart.ID == p.Counterpart.ID {
		m.mu.Unlock()
		m.logger.Debug("duplicate proposal ignored", zap.String("proposal", p.ProposalID))
		return
	}
	m.proposal = &Proposal{ID: p.ProposalID, Counterpart: p.Counterpart}
	if m.state != StateProposal {
		m.transitionLocked(StateProposal)
	}
	m.mu.Unlock()
	m.publish()
}

// HandleAcceptedByOther records that the counterpart accepted. The session
// stays non-terminal until the local user also accepts.
func (m *Machine) HandleAcceptedByOther(p ProposalPayload) {
	m.mu.Lock()
	if m.state != StateProposal || m.proposal == nil {
		m.mu.Unlock()
		return
	}
	if p.ProposalID != "" && p.ProposalID != m.proposal.ID {
		m.mu.Unlock()
		return
	}
	m.proposal.AcceptedByOther = true
	m.mu.Unlock()
	m.publish()
}

// HandlePassedByOther drops the proposal and resumes searching with all
// acceptance flags cleared.
func (m *Machine) HandlePassedByOther() {
	m.mu.Lock()
	if m.state != StateProposal {
		m.mu.Unlock()
		return
	}
	m.proposal = nil
	m.transitionLocked(StateSearching)
	m.mu.Unlock()
	m.publish()
}

// HandleMatched completes the session. Terminal: a duplicate delivery
// after the UI navigated away is a no-op.
func (m *Machine) HandleMatched(p MatchedPayload) {
	if p.ChatID == "" {
		return
	}
	m.mu.Lock()
	if m.state != StateSearching && m.state != StateProposal {
		m.mu.Unlock()
		m.logger.Debug("duplicate matched ignored", zap.String("chat", p.ChatID))
		return
	}
	m.chatID = p.ChatID
	m.proposal = nil
	m.transitionLocked(StateMatched)
	m.mu.Unlock()
	m.publish()
}

// HandleCancelled returns the mirror to idle on the server's authority.
func (m *Machine) HandleCancelled() {
	m.mu.Lock()
	if m.state != StateSearching && m.state != StateProposal {
		m.mu.Unlock()
		return
	}
	m.proposal = nil
	m.transitionLocked(StateIdle)
	m.mu.Unlock()
	m.publish()
}

// Reset clears a terminal session so a new search can start, e.g. after
// the UI consumed the matched chat id or after a reconnect resync.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.proposal = nil
	m.chatID = ""
	m.mu.Unlock()
	m.publish()
}

// transitionLocked moves to a new state, enforcing the transition table.
// Callers hold m.mu and only request legal moves; an illegal one is a bug
// logged loudly rather than a crash.
func (m *Machine) transitionLocked(to State) {
	allowed := validTransitions[m.state]
	if !slices.Contains(allowed, to) {
		m.logger.Error("invalid matchmaking transition", zap.String("from", string(m.state)), zap.String("to", string(to)))
		return
	}
	m.state = to
}

func (m *Machine) publish() {
	if m.bus != nil {
		m.bus.Publish(bus.KindMatchStateChanged, m.Snapshot())
	}
}
