package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/emberapp/ember/internal/gating"
)

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("before"); got != "5000" {
			t.Errorf("before = %s, want 5000", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"m1","senderId":"u2","text":"hey","createdAt":1000},
			{"id":"","text":"malformed"},
			{"id":"m2","senderId":"u1","text":"hi","createdAt":2000}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	msgs, err := c.History(context.Background(), "c1", 5000, 50)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (malformed entry dropped)", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].ConversationID != "c1" {
		t.Errorf("first message = %+v", msgs[0])
	}
}

func TestRelationship(t *testing.T) {
	tests := []struct {
		name string
		body string
		want gating.Snapshot
	}{
		{
			"friends",
			`{"isBlocked":false,"isBlockedBy":false,"friendshipStatus":"friends"}`,
			gating.Snapshot{Friendship: gating.FriendshipFriends},
		},
		{
			"legacy none spelling",
			`{"friendshipStatus":"none"}`,
			gating.Snapshot{Friendship: gating.FriendshipNotFriends},
		},
		{
			"blocked",
			`{"isBlocked":true,"friendshipStatus":"friends"}`,
			gating.Snapshot{Blocked: true, Friendship: gating.FriendshipFriends},
		},
		{
			"missing status maps to unknown",
			`{}`,
			gating.Snapshot{Friendship: gating.FriendshipUnknown},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			snap, err := New(srv.URL, "").Relationship(context.Background(), "u2")
			if err != nil {
				t.Fatalf("Relationship() error = %v", err)
			}
			if snap != tt.want {
				t.Errorf("snapshot = %+v, want %+v", snap, tt.want)
			}
		})
	}
}

func TestRelationshipServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	snap, err := New(srv.URL, "").Relationship(context.Background(), "u2")
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if snap.Friendship != gating.FriendshipUnknown {
		t.Errorf("failed lookup must report unknown, got %s", snap.Friendship)
	}
}
