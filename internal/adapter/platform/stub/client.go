// Package stub is a deterministic in-memory PlatformClient for development
// and tests. Results are derived from the inputs only, so runs are
// reproducible; failure injection is keyed by magic target values.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/roost/internal/domain"
)

// Client implements domain.PlatformClient without network I/O.
type Client struct {
	host string
	seq  atomic.Int64

	mu sync.Mutex
	// fail maps a target id to an injected error, consumed on first use
	// unless sticky.
	fail map[string]injected
	// warn maps a target id to a proxy-style warning emitted alongside an
	// otherwise successful response, consumed on first use.
	warn map[string]string

	now func() time.Time
}

type injected struct {
	err    error
	sticky bool
}

// New constructs a stub client for the given platform host.
func New(host string) *Client {
	if host == "" {
		host = "x.com"
	}
	return &Client{host: host, fail: map[string]injected{}, warn: map[string]string{}, now: time.Now}
}

// FailNext injects an error for the next call touching target.
func (c *Client) FailNext(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[target] = injected{err: err}
}

// FailAlways injects a sticky error for every call touching target.
func (c *Client) FailAlways(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[target] = injected{err: err, sticky: true}
}

// WarnNext attaches a warning to the next call touching target. The call
// still succeeds; a warning beside a parseable body never fails the
// operation.
func (c *Client) WarnNext(target, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warn[target] = msg
}

func (c *Client) injectedErr(target string) error {
	c.mu.Lock()
	msg, warned := c.warn[target]
	if warned {
		delete(c.warn, target)
	}
	in, ok := c.fail[target]
	if ok && !in.sticky {
		delete(c.fail, target)
	}
	c.mu.Unlock()
	if warned {
		slog.Warn("platform warning ignored",
			slog.String("target", target),
			slog.String("warning", msg))
	}
	if !ok {
		return nil
	}
	return in.err
}

func (c *Client) nextID() string {
	return fmt.Sprintf("1%012d", c.seq.Add(1))
}

func (c *Client) rateInfo() *domain.RateLimitInfo {
	return &domain.RateLimitInfo{Limit: 96, Remaining: 95, ResetAt: c.now().UTC().Add(15 * time.Minute)}
}

func (c *Client) mutate(target string) (domain.MutationResult, error) {
	if err := c.injectedErr(target); err != nil {
		return domain.MutationResult{}, err
	}
	id := c.nextID()
	raw, _ := json.Marshal(map[string]string{"id": id})
	return domain.MutationResult{ID: id, RateLimit: c.rateInfo(), Raw: raw}, nil
}

// ScrapeProfile returns a synthetic profile for the username.
func (c *Client) ScrapeProfile(_ context.Context, _ domain.Account, username string) (json.RawMessage, error) {
	if err := c.injectedErr(username); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"username":  username,
		"name":      strings.ToUpper(username[:1]) + username[1:],
		"followers": len(username) * 100,
		"bio":       fmt.Sprintf("synthetic profile for %s", username),
	})
}

// ScrapePosts returns count synthetic posts for the username.
func (c *Client) ScrapePosts(_ context.Context, _ domain.Account, username string, count, hours, maxReplies int) (json.RawMessage, error) {
	if err := c.injectedErr(username); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 10
	}
	posts := make([]map[string]any, count)
	for i := range posts {
		posts[i] = map[string]any{
			"id":   fmt.Sprintf("9%06d%03d", len(username), i),
			"text": fmt.Sprintf("post %d by %s", i, username),
		}
	}
	return json.Marshal(map[string]any{"username": username, "hours": hours, "max_replies": maxReplies, "posts": posts})
}

// SearchTrending returns a fixed trending list.
func (c *Client) SearchTrending(_ context.Context, _ domain.Account) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"trends": []string{"#go", "#distributed", "#observability"}})
}

// SearchPosts returns count synthetic hits for the query.
func (c *Client) SearchPosts(_ context.Context, _ domain.Account, query string, count int) (json.RawMessage, error) {
	if err := c.injectedErr(query); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 20
	}
	hits := make([]map[string]string, count)
	for i := range hits {
		hits[i] = map[string]string{"id": fmt.Sprintf("8%06d%03d", len(query), i), "text": query}
	}
	return json.Marshal(map[string]any{"query": query, "posts": hits})
}

// SearchUsers returns count synthetic users matching the query.
func (c *Client) SearchUsers(_ context.Context, _ domain.Account, query string, count int) (json.RawMessage, error) {
	if err := c.injectedErr(query); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 20
	}
	users := make([]map[string]string, count)
	for i := range users {
		users[i] = map[string]string{"handle": fmt.Sprintf("%s_%d", query, i)}
	}
	return json.Marshal(map[string]any{"query": query, "users": users})
}

// Like acknowledges a like of the tweet.
func (c *Client) Like(_ context.Context, _ domain.Account, tweetID string) (domain.MutationResult, error) {
	if err := c.injectedErr(tweetID); err != nil {
		return domain.MutationResult{}, err
	}
	raw, _ := json.Marshal(map[string]string{"liked": tweetID})
	return domain.MutationResult{ID: tweetID, RateLimit: c.rateInfo(), Raw: raw}, nil
}

// Retweet acknowledges a retweet of the tweet.
func (c *Client) Retweet(_ context.Context, _ domain.Account, tweetID string) (domain.MutationResult, error) {
	if err := c.injectedErr(tweetID); err != nil {
		return domain.MutationResult{}, err
	}
	raw, _ := json.Marshal(map[string]string{"retweeted": tweetID})
	return domain.MutationResult{ID: tweetID, RateLimit: c.rateInfo(), Raw: raw}, nil
}

// Reply creates a synthetic reply and returns its id.
func (c *Client) Reply(_ context.Context, _ domain.Account, tweetID, text, mediaPath string) (domain.MutationResult, error) {
	return c.mutate(tweetID)
}

// Quote creates a synthetic quote post and returns its id.
func (c *Client) Quote(_ context.Context, _ domain.Account, tweetID, text, mediaPath string) (domain.MutationResult, error) {
	return c.mutate(tweetID)
}

// CreatePost creates a synthetic post and returns its id.
func (c *Client) CreatePost(_ context.Context, _ domain.Account, text, mediaPath string) (domain.MutationResult, error) {
	return c.mutate(text)
}

// Follow acknowledges following the handle.
func (c *Client) Follow(_ context.Context, _ domain.Account, handle string) (domain.MutationResult, error) {
	if err := c.injectedErr(handle); err != nil {
		return domain.MutationResult{}, err
	}
	raw, _ := json.Marshal(map[string]string{"followed": handle})
	return domain.MutationResult{RateLimit: c.rateInfo(), Raw: raw}, nil
}

// DirectMessage sends a synthetic DM and returns its id.
func (c *Client) DirectMessage(_ context.Context, _ domain.Account, handle, text string) (domain.MutationResult, error) {
	return c.mutate(handle)
}

// UpdateProfile acknowledges the profile mutation.
func (c *Client) UpdateProfile(_ context.Context, acct domain.Account, fields domain.ProfileFields) (domain.MutationResult, error) {
	if err := c.injectedErr(acct.Handle); err != nil {
		return domain.MutationResult{}, err
	}
	raw, _ := json.Marshal(fields)
	return domain.MutationResult{RateLimit: c.rateInfo(), Raw: raw}, nil
}

var _ domain.PlatformClient = (*Client)(nil)
