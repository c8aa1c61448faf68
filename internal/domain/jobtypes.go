package domain

import (
	"fmt"
	"strings"
)

// JobType is the closed set of operations callers may submit.
type JobType string

const (
	JobScrapeProfile  JobType = "scrape_profile"
	JobScrapePosts    JobType = "scrape_posts"
	JobSearchTrending JobType = "search_trending"
	JobSearchPosts    JobType = "search_posts"
	JobSearchUsers    JobType = "search_users"
	JobBatchSearch    JobType = "batch_search"
	JobLike           JobType = "like"
	JobRetweet        JobType = "retweet"
	JobReply          JobType = "reply"
	JobQuote          JobType = "quote"
	JobCreatePost     JobType = "create_post"
	JobFollow         JobType = "follow"
	JobDirectMessage  JobType = "direct_message"
	JobUpdateProfile  JobType = "update_profile"
)

// ActionClass is a rate-limiting bucket grouping similar operations.
// reply, quote and create_post share the post class and its daily budget.
type ActionClass string

const (
	ClassLike          ActionClass = "like"
	ClassRetweet       ActionClass = "retweet"
	ClassPost          ActionClass = "post"
	ClassFollow        ActionClass = "follow"
	ClassDM            ActionClass = "dm"
	ClassProfileUpdate ActionClass = "profile_update"
	ClassRead          ActionClass = "read"
)

var typeClass = map[JobType]ActionClass{
	JobScrapeProfile:  ClassRead,
	JobScrapePosts:    ClassRead,
	JobSearchTrending: ClassRead,
	JobSearchPosts:    ClassRead,
	JobSearchUsers:    ClassRead,
	JobBatchSearch:    ClassRead,
	JobLike:           ClassLike,
	JobRetweet:        ClassRetweet,
	JobReply:          ClassPost,
	JobQuote:          ClassPost,
	JobCreatePost:     ClassPost,
	JobFollow:         ClassFollow,
	JobDirectMessage:  ClassDM,
	JobUpdateProfile:  ClassProfileUpdate,
}

// Class maps a job type to its rate-limit bucket.
func (t JobType) Class() ActionClass { return typeClass[t] }

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool { _, ok := typeClass[t]; return ok }

// Mutating reports whether jobs of this type produce a durable Action.
func (t JobType) Mutating() bool { return typeClass[t] != ClassRead }

// PostClasses is the union evaluated for the shared post daily budget.
var PostClasses = []ActionClass{ClassPost}

// ParseJobType resolves external aliases (CSV task_type column and API input)
// to internal types. Reserved aliases like user_profile are accepted for
// forward compatibility but currently map to read scrapes.
func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "like":
		return JobLike, nil
	case "rt", "retweet":
		return JobRetweet, nil
	case "reply":
		return JobReply, nil
	case "quote":
		return JobQuote, nil
	case "post", "create_post":
		return JobCreatePost, nil
	case "follow":
		return JobFollow, nil
	case "dm", "direct_message":
		return JobDirectMessage, nil
	case "update_profile":
		return JobUpdateProfile, nil
	case "scrape_profile", "user_profile":
		return JobScrapeProfile, nil
	case "scrape_posts", "user_tweets":
		return JobScrapePosts, nil
	case "search_trending":
		return JobSearchTrending, nil
	case "search_posts":
		return JobSearchPosts, nil
	case "search_users":
		return JobSearchUsers, nil
	case "batch_search":
		return JobBatchSearch, nil
	}
	return "", fmt.Errorf("%w: unknown job type %q", ErrInvalidArgument, s)
}

// APIMethod selects the upstream call style for imported actions.
const (
	APIMethodGraphQL = "graphql"
	APIMethodREST    = "rest"
)

// ProfileFields carries the mutable profile attributes for update_profile.
type ProfileFields struct {
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Location    string `json:"location,omitempty"`
	Website     string `json:"website,omitempty"`
	AvatarPath  string `json:"avatar_path,omitempty"`
	BannerPath  string `json:"banner_path,omitempty"`
}

// JobParams is the per-type input variant. It is persisted as opaque JSON;
// Validate enforces the fields each type requires.
type JobParams struct {
	AccountID string `json:"account_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Target    string `json:"target,omitempty"`
	Text      string `json:"text,omitempty"`
	Media     string `json:"media,omitempty"`
	Query     string `json:"query,omitempty"`
	Queries   []string `json:"queries,omitempty"`
	Count      int `json:"count,omitempty"`
	Hours      int `json:"hours,omitempty"`
	MaxReplies int `json:"max_replies,omitempty"`
	APIMethod string         `json:"api_method,omitempty"`
	Profile   *ProfileFields `json:"profile,omitempty"`
}

// Validate checks the required fields for the given job type.
func (p JobParams) Validate(t JobType) error {
	missing := func(f string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidArgument, t, f)
	}
	switch t {
	case JobScrapeProfile:
		if p.Username == "" {
			return missing("username")
		}
	case JobScrapePosts:
		if p.Username == "" {
			return missing("username")
		}
	case JobSearchPosts, JobSearchUsers:
		if p.Query == "" {
			return missing("query")
		}
	case JobBatchSearch:
		if len(p.Queries) == 0 {
			return missing("queries")
		}
	case JobSearchTrending:
		// no required params
	case JobLike, JobRetweet:
		if p.AccountID == "" {
			return missing("account_id")
		}
		if p.Target == "" {
			return missing("target")
		}
	case JobReply, JobQuote:
		if p.AccountID == "" {
			return missing("account_id")
		}
		if p.Target == "" {
			return missing("target")
		}
		if p.Text == "" {
			return missing("text")
		}
	case JobCreatePost:
		if p.AccountID == "" {
			return missing("account_id")
		}
		if p.Text == "" {
			return missing("text")
		}
	case JobFollow:
		if p.AccountID == "" {
			return missing("account_id")
		}
		if p.Target == "" {
			return missing("target (user handle)")
		}
	case JobDirectMessage:
		if p.AccountID == "" {
			return missing("account_id")
		}
		if p.Target == "" {
			return missing("target (user handle)")
		}
		if p.Text == "" {
			return missing("text")
		}
	case JobUpdateProfile:
		if p.AccountID == "" {
			return missing("account_id")
		}
		if p.Profile == nil {
			return missing("profile")
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidArgument, t)
	}
	if p.APIMethod != "" && p.APIMethod != APIMethodGraphQL && p.APIMethod != APIMethodREST {
		return fmt.Errorf("%w: api_method must be graphql or rest", ErrInvalidArgument)
	}
	return nil
}

// DedupTarget returns the identifier the uniqueness invariant keys on, or ""
// when the type is not duplicate-sensitive.
func (p JobParams) DedupTarget(t JobType) string {
	switch t {
	case JobLike, JobRetweet, JobReply, JobQuote, JobFollow, JobDirectMessage:
		return p.Target
	}
	return ""
}
