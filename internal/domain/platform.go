package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// MutationResult is the outcome of a successful mutating platform call.
type MutationResult struct {
	// ID is the platform-assigned identifier of the created object
	// (post id, DM id) when the operation produces one.
	ID        string
	RateLimit *RateLimitInfo
	Raw       json.RawMessage
}

// PlatformClient is the opaque upstream adapter. Its contract is the union of
// methods the action processor invokes; the wire protocol behind it is out of
// scope for the core.
//
// A call that yields a parseable success body is a success. Adapters must
// return a nil error even when the transport or an intermediate proxy emitted
// a warning alongside the response; such warnings are logged at most, never
// surfaced as failures.
type PlatformClient interface {
	ScrapeProfile(ctx context.Context, acct Account, username string) (json.RawMessage, error)
	ScrapePosts(ctx context.Context, acct Account, username string, count, hours, maxReplies int) (json.RawMessage, error)
	SearchTrending(ctx context.Context, acct Account) (json.RawMessage, error)
	SearchPosts(ctx context.Context, acct Account, query string, count int) (json.RawMessage, error)
	SearchUsers(ctx context.Context, acct Account, query string, count int) (json.RawMessage, error)
	Like(ctx context.Context, acct Account, tweetID string) (MutationResult, error)
	Retweet(ctx context.Context, acct Account, tweetID string) (MutationResult, error)
	Reply(ctx context.Context, acct Account, tweetID, text, mediaPath string) (MutationResult, error)
	Quote(ctx context.Context, acct Account, tweetID, text, mediaPath string) (MutationResult, error)
	CreatePost(ctx context.Context, acct Account, text, mediaPath string) (MutationResult, error)
	Follow(ctx context.Context, acct Account, handle string) (MutationResult, error)
	DirectMessage(ctx context.Context, acct Account, handle, text string) (MutationResult, error)
	UpdateProfile(ctx context.Context, acct Account, fields ProfileFields) (MutationResult, error)
}

// PlatformError is a structured upstream failure. Adapters should return it
// for any non-2xx response so the processor can classify the outcome.
type PlatformError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	RateLimit  *RateLimitInfo
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform: status=%d %s", e.StatusCode, e.Message)
}

// ErrorKind partitions failures by how the processor must react.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindAuth
	KindPermanent
)

// ClassifyError maps an execution error onto the retry taxonomy:
// 429 and rate-limit text are rate-limited; 401/403 are auth failures;
// timeouts, connection resets and 5xx are transient; other 4xx and
// structured business errors are permanent.
func ClassifyError(err error) ErrorKind {
	var pe *PlatformError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 429:
			return KindRateLimited
		case pe.StatusCode == 401 || pe.StatusCode == 403:
			return KindAuth
		case pe.StatusCode >= 500:
			return KindTransient
		}
		if strings.Contains(strings.ToLower(pe.Message), "rate limit") {
			return KindRateLimited
		}
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout) {
		return KindTransient
	}
	if errors.Is(err, ErrUpstreamRateLimit) || errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}
	if errors.Is(err, ErrUnauthorized) {
		return KindAuth
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"):
		return KindTransient
	}
	return KindPermanent
}

// StatusURL derives the canonical URL of a created post.
func StatusURL(host, handle, id string) string {
	return fmt.Sprintf("https://%s/%s/status/%s", host, handle, id)
}
