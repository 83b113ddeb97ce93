package chat

import (
	"sort"
	"sync"

	"github.com/emberapp/ember/internal/store"
)

// Log is the in-memory ordered message log for one conversation: ascending
// by CreatedAt, deduplicated by id. It is the reconciliation source of
// truth; sqlite mirrors it and the UI renders a bounded window over it.
// All methods are safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	msgs    []store.Message
	index   map[string]int
	hasMore bool
}

// NewLog creates an empty log that assumes older history exists until a
// pagination fetch proves otherwise.
func NewLog() *Log {
	return &Log{
		index:   make(map[string]int),
		hasMore: true,
	}
}

// Len returns the number of messages held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// HasMore reports whether older history may still be fetched.
func (l *Log) HasMore() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasMore
}

// SetHasMore records the pagination sentinel.
func (l *Log) SetHasMore(v bool) {
	l.mu.Lock()
	l.hasMore = v
	l.mu.Unlock()
}

// Messages returns a copy of the full log in ascending CreatedAt order.
func (l *Log) Messages() []store.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]store.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Window returns a copy of the newest n messages.
func (l *Log) Window(n int) []store.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.msgs) {
		n = len(l.msgs)
	}
	out := make([]store.Message, n)
	copy(out, l.msgs[len(l.msgs)-n:])
	return out
}

// Get returns a copy of the message with the given id.
func (l *Log) Get(id string) (store.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return store.Message{}, false
	}
	return l.msgs[i], true
}

// Append inserts a message in CreatedAt order. Returns false if the id is
// already present (duplicate delivery).
func (l *Log) Append(m store.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.index[m.ID]; dup {
		return false
	}
	l.insertLocked(m)
	return true
}

// PrependPage merges a page of older messages, skipping ids already held.
// Returns the number of messages actually added.
func (l *Log) PrependPage(page []store.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, m := range page {
		if _, dup := l.index[m.ID]; dup {
			continue
		}
		l.insertLocked(m)
		added++
	}
	return added
}

// insertLocked places m at its CreatedAt position and reindexes the tail.
func (l *Log) insertLocked(m store.Message) {
	i := sort.Search(len(l.msgs), func(i int) bool {
		return l.msgs[i].CreatedAt > m.CreatedAt
	})
	l.msgs = append(l.msgs, store.Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	for j := i; j < len(l.msgs); j++ {
		l.index[l.msgs[j].ID] = j
	}
}

// ResolveAck rewrites a temporary id to the server-issued canonical id and
// upgrades the message to sent. Matching order: the echoed client id hint
// when it names a sending message, otherwise the oldest message still in
// sending state (acks arrive in send order). Failed messages never match.
// If the canonical id is already present the ack is a duplicate no-op.
func (l *Log) ResolveAck(hintID, canonicalID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.index[canonicalID]; done {
		return "", false
	}

	pos := -1
	if hintID != "" {
		if i, ok := l.index[hintID]; ok && l.msgs[i].Status == store.StatusSending {
			pos = i
		}
	}
	if pos < 0 {
		for i := range l.msgs {
			if l.msgs[i].Status == store.StatusSending {
				pos = i
				break
			}
		}
	}
	if pos < 0 {
		return "", false
	}

	oldID := l.msgs[pos].ID
	delete(l.index, oldID)
	l.msgs[pos].ID = canonicalID
	l.msgs[pos].Status = store.StatusSent
	l.index[canonicalID] = pos
	return oldID, true
}

// ApplyStatus upgrades a message's status. Downgrades and unknown ids are
// no-ops; a read receipt arriving before delivered still lands on read.
func (l *Log) ApplyStatus(id string, status store.Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	if !l.msgs[i].Status.Upgrades(status) {
		return false
	}
	l.msgs[i].Status = status
	return true
}

// Fail marks a sending message as failed. Terminal: retrying is a fresh
// send with a new temporary id.
func (l *Log) Fail(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok || l.msgs[i].Status != store.StatusSending {
		return false
	}
	l.msgs[i].Status = store.StatusFailed
	return true
}

// ApplyEdit rewrites text and sets the edited flag. Re-applying an
// identical edit is a no-op.
func (l *Log) ApplyEdit(id, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	if l.msgs[i].IsEdited && l.msgs[i].Text == text {
		return false
	}
	l.msgs[i].Text = text
	l.msgs[i].IsEdited = true
	return true
}

// ApplyDelete tombstones a message in place. Idempotent.
func (l *Log) ApplyDelete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok || l.msgs[i].IsDeleted {
		return false
	}
	l.msgs[i].IsDeleted = true
	return true
}

// AddReaction adds a (user, emoji) membership. Duplicates by pair, or by
// server reaction id, are rejected. A server id on an existing optimistic
// pair is filled in without duplicating.
func (l *Log) AddReaction(id string, r store.Reaction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	m := &l.msgs[i]
	for j := range m.Reactions {
		held := &m.Reactions[j]
		if r.ID != "" && held.ID == r.ID {
			return false
		}
		if held.UserID == r.UserID && held.Emoji == r.Emoji {
			if held.ID == "" && r.ID != "" {
				held.ID = r.ID
			}
			return false
		}
	}
	m.Reactions = append(m.Reactions, r)
	return true
}

// RemoveReaction drops a (user, emoji) membership. Idempotent.
func (l *Log) RemoveReaction(id, userID, emoji string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	m := &l.msgs[i]
	for j := range m.Reactions {
		if m.Reactions[j].UserID == userID && m.Reactions[j].Emoji == emoji {
			m.Reactions = append(m.Reactions[:j], m.Reactions[j+1:]...)
			return true
		}
	}
	return false
}

// SetMedia fills the uploaded object reference on a placeholder message.
func (l *Log) SetMedia(id, url, mediaType, thumbnail string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.msgs[i].MediaURL = url
	l.msgs[i].MediaType = mediaType
	if thumbnail != "" {
		l.msgs[i].Thumbnail = thumbnail
	}
	return true
}

// OldestTimestamp returns the CreatedAt of the oldest held message, or 0
// when the log is empty.
func (l *Log) OldestTimestamp() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.msgs) == 0 {
		return 0
	}
	return l.msgs[0].CreatedAt
}
