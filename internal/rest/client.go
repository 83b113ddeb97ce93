// Package rest is the client for the backend's REST surface: paginated
// message history and relationship (block/friendship) lookups.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/emberapp/ember/internal/gating"
	"github.com/emberapp/ember/internal/store"
)

// Client talks to the ember REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a REST client. baseURL has no trailing slash.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type historyResponse struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
	Thumbnail string `json:"thumbnail"`
	CreatedAt int64  `json:"createdAt"`
	IsEdited  bool   `json:"isEdited"`
	IsDeleted bool   `json:"isDeleted"`
}

// History fetches one page of messages older than the `before` timestamp.
// An empty slice means the log's beginning was reached.
func (c *Client) History(ctx context.Context, conversationID string, before int64, limit int) ([]store.Message, error) {
	q := url.Values{}
	q.Set("before", strconv.FormatInt(before, 10))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?%s", c.baseURL, url.PathEscape(conversationID), q.Encode())

	var resp historyResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		if w.ID == "" {
			continue
		}
		msgs = append(msgs, store.Message{
			ID:             w.ID,
			ConversationID: conversationID,
			SenderID:       w.SenderID,
			Text:           w.Text,
			MediaURL:       w.MediaURL,
			MediaType:      w.MediaType,
			Thumbnail:      w.Thumbnail,
			CreatedAt:      w.CreatedAt,
			IsEdited:       w.IsEdited,
			IsDeleted:      w.IsDeleted,
			Status:         store.StatusSent,
		})
	}
	return msgs, nil
}

type relationshipResponse struct {
	IsBlocked        bool   `json:"isBlocked"`
	IsBlockedBy      bool   `json:"isBlockedBy"`
	FriendshipStatus string `json:"friendshipStatus"`
}

// Relationship resolves the block/friendship snapshot with a peer. An
// unrecognized or missing friendship status maps to unknown, which the
// gating policy treats as non-sendable.
func (c *Client) Relationship(ctx context.Context, peerID string) (gating.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/relationships/%s", c.baseURL, url.PathEscape(peerID))

	var resp relationshipResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return gating.Snapshot{Friendship: gating.FriendshipUnknown}, err
	}

	snap := gating.Snapshot{
		Blocked:   resp.IsBlocked,
		BlockedBy: resp.IsBlockedBy,
	}
	switch resp.FriendshipStatus {
	case "friends":
		snap.Friendship = gating.FriendshipFriends
	case "not_friends", "none":
		// The backend historically answers both spellings.
		snap.Friendship = gating.FriendshipNotFriends
	default:
		snap.Friendship = gating.FriendshipUnknown
	}
	return snap, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
