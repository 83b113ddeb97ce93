package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", ID: "m1", SenderID: "u1", Text: "v1", Status: StatusSent, CreatedAt: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Text = "v2"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "v2" {
		t.Errorf("text = %q, want v2", msgs[0].Text)
	}
}

func TestRenameMessage(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", ID: "temp-1", Status: StatusSending, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.RenameMessage("c1", "temp-1", "m42", StatusSent); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m42" || msgs[0].Status != StatusSent {
		t.Errorf("got %+v, want single m42/sent", msgs)
	}

	// A duplicate rename finds nothing to update and must not error.
	if err := db.RenameMessage("c1", "temp-1", "m42", StatusSent); err != nil {
		t.Errorf("duplicate rename error = %v", err)
	}
}

func TestListMessagesKeyset(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 2000, 3000} {
		if err := db.UpsertMessage(&Message{
			ConversationID: "c1", ID: "m" + string(rune('a'+i)),
			Status: StatusSent, CreatedAt: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("c1", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d messages before ts=3000, want 2", len(page))
	}
	if page[0].CreatedAt != 2000 {
		t.Errorf("first page entry created_at = %d, want 2000 (newest first)", page[0].CreatedAt)
	}
}

func TestConversationFilter(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(&Message{ConversationID: "c1", ID: "m1", Status: StatusSent, CreatedAt: 1000})
	_ = db.UpsertMessage(&Message{ConversationID: "c2", ID: "m2", Status: StatusSent, CreatedAt: 1000})

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("conversation filter leaked: %+v", msgs)
	}
}

func TestAddReactionIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.AddReaction("c1", "m1", "u1", "🔥", ""); err != nil {
		t.Fatal(err)
	}
	// Second apply with a server reaction id fills it in without duplicating.
	if err := db.AddReaction("c1", "m1", "u1", "🔥", "r9"); err != nil {
		t.Fatal(err)
	}

	reactions, err := db.ListReactions("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reactions) != 1 {
		t.Fatalf("got %d reactions, want 1", len(reactions))
	}
	if reactions[0].ID != "r9" {
		t.Errorf("reaction_id = %q, want r9", reactions[0].ID)
	}
}

func TestRemoveReactionAbsent(t *testing.T) {
	db := testDB(t)
	if err := db.RemoveReaction("m1", "u1", "🔥"); err != nil {
		t.Errorf("RemoveReaction on absent row error = %v", err)
	}
}

func TestUpsertConversationPreview(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertConversation(&Conversation{ID: "c1", PeerID: "u2", LastMessageAt: 2000, LastMessagePreview: "newer"})
	_ = db.UpsertConversation(&Conversation{ID: "c1", LastMessageAt: 1000, LastMessagePreview: "older"})

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("conversation missing")
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" {
		t.Errorf("stale preview won: %+v", c)
	}
	if c.PeerID != "u2" {
		t.Errorf("peer_id = %q, want u2 (empty update must not clear)", c.PeerID)
	}
}

func TestMarkEditedAndDeleted(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(&Message{ConversationID: "c1", ID: "m1", Text: "orig", Status: StatusSent, CreatedAt: 1000})
	if err := db.MarkEdited("c1", "m1", "edited"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkDeleted("c1", "m1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatal("tombstoned message must stay in the log")
	}
	if !msgs[0].IsEdited || !msgs[0].IsDeleted || msgs[0].Text != "edited" {
		t.Errorf("flags not applied: %+v", msgs[0])
	}
}
