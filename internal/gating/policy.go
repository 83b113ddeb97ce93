// Package gating decides whether sending into a conversation is currently
// permitted, from block status and friendship status.
package gating

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/errs"
)

// FriendshipStatus is a tagged enum with unknown as a first-class state,
// distinct from not_friends: an unresolved trust state is non-sendable.
type FriendshipStatus string

const (
	FriendshipUnknown    FriendshipStatus = "unknown"
	FriendshipFriends    FriendshipStatus = "friends"
	FriendshipNotFriends FriendshipStatus = "not_friends"
)

// Snapshot is one observation of the relationship with a peer.
type Snapshot struct {
	Blocked    bool
	BlockedBy  bool
	Friendship FriendshipStatus
}

// CanSend is the gating rule. It is a pure function of the snapshot.
func (s Snapshot) CanSend() bool {
	return !s.Blocked && !s.BlockedBy && s.Friendship == FriendshipFriends
}

// Source resolves the current relationship with a peer, typically via REST.
type Source interface {
	Relationship(ctx context.Context, peerID string) (Snapshot, error)
}

// Policy holds the latest relationship snapshot for one peer and
// recomputes the gating result whenever an input changes.
type Policy struct {
	peerID string
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewPolicy starts in the unknown friendship state, which blocks sending
// until the first resolution.
func NewPolicy(peerID string, b *bus.Bus, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		peerID: peerID,
		bus:    b,
		logger: logger,
		snap:   Snapshot{Friendship: FriendshipUnknown},
	}
}

// PeerID returns the peer this policy gates.
func (p *Policy) PeerID() string { return p.peerID }

// Snapshot returns the current observation.
func (p *Policy) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// CanSend reports whether a send is currently permitted.
func (p *Policy) CanSend() bool {
	return p.Snapshot().CanSend()
}

// Check returns a GatingError when sending is not permitted.
func (p *Policy) Check() error {
	snap := p.Snapshot()
	switch {
	case snap.Blocked:
		return errs.GatingDenied("you have blocked this user")
	case snap.BlockedBy:
		return errs.GatingDenied("this user has blocked you")
	case snap.Friendship == FriendshipUnknown:
		return errs.GatingDenied("friendship status not yet resolved")
	case snap.Friendship != FriendshipFriends:
		return errs.GatingDenied("you are not friends with this user")
	}
	return nil
}

// Set replaces the snapshot and publishes friend.updated on change.
func (p *Policy) Set(snap Snapshot) {
	p.mu.Lock()
	changed := p.snap != snap
	p.snap = snap
	p.mu.Unlock()

	if changed && p.bus != nil {
		p.bus.Publish(bus.KindFriendUpdated, snap)
	}
}

// Friend event names delivered over the channel that mutate the policy.
const (
	EventUnfriended      = "friend:unfriended"
	EventRequestAccepted = "friend:request:accepted"
	EventAutoAdded       = "friend:auto_added"
)

// ApplyFriendEvent folds an inbound friend event into the snapshot.
// Unrecognized events are ignored.
func (p *Policy) ApplyFriendEvent(event string) {
	snap := p.Snapshot()
	switch event {
	case EventUnfriended:
		snap.Friendship = FriendshipNotFriends
	case EventRequestAccepted, EventAutoAdded:
		snap.Friendship = FriendshipFriends
	default:
		return
	}
	p.Set(snap)
}

// Resolve refetches the relationship until friendship leaves unknown, up
// to attempts tries spaced by interval. After the window the status stays
// unknown, still non-sendable, until the next inbound friend event or an
// explicit Resolve.
func (p *Policy) Resolve(ctx context.Context, src Source, interval time.Duration, attempts int) {
	for i := 0; i < attempts; i++ {
		snap, err := src.Relationship(ctx, p.peerID)
		if err == nil {
			p.Set(snap)
			if snap.Friendship != FriendshipUnknown {
				return
			}
		} else {
			p.logger.Warn("relationship lookup failed", zap.String("peer", p.peerID), zap.Error(err))
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}
