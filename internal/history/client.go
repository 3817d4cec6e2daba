// Package history is the REST collaborator for chat transcripts and user
// profiles. It is read-only from the client's perspective; the realtime layer
// owns everything live.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bizlink/bizlink-realtime/internal/chat"
)

// TokenFunc supplies the current bearer token for each request.
type TokenFunc func() string

// Profile is the marketplace user record the chat layer cares about.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Client talks to the marketplace REST API. Profile lookups are cached in an
// LRU because the support interface resolves the same counterparts
// repeatedly.
type Client struct {
	base     string
	http     *http.Client
	token    TokenFunc
	profiles *lru.Cache[string, Profile]
	log      *slog.Logger
}

// New creates a Client for the given API base URL. cacheSize 0 means 128.
func New(base string, token TokenFunc, cacheSize int, log *slog.Logger) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, Profile](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: 10 * time.Second},
		token:    token,
		profiles: cache,
		log:      log,
	}, nil
}

// Messages retrieves the stored transcript with a counterpart, optionally
// scoped to a product inquiry. Satisfies chat.HistoryLoader.
func (c *Client) Messages(ctx context.Context, recipientID, productID string) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("recipientId", recipientID)
	if productID != "" {
		q.Set("productId", productID)
	}
	var out []chat.Message
	if err := c.get(ctx, "/api/chat/history?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	return out, nil
}

// Profile retrieves a user profile, served from cache when possible.
func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	if p, ok := c.profiles.Get(userID); ok {
		return p, nil
	}
	var p Profile
	if err := c.get(ctx, "/api/users/"+url.PathEscape(userID)+"/profile", &p); err != nil {
		return Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	c.profiles.Add(userID, p)
	return p, nil
}

// CurrentProfile retrieves the authenticated user's own profile.
func (c *Client) CurrentProfile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.get(ctx, "/api/user/profile", &p); err != nil {
		return Profile{}, fmt.Errorf("load current profile: %w", err)
	}
	return p, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
