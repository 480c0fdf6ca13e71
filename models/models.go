package models

import (
	"time"
)

// Relationship describes how an account relates to the archive owner.
type Relationship int

const (
	// RelationNone means the account is referenced but has no follow edge.
	RelationNone Relationship = iota
	// RelationFollowsUser means the account follows the archive owner.
	RelationFollowsUser
	// RelationFollowedByUser means the archive owner follows the account.
	RelationFollowedByUser
	// RelationMutual means both follow edges exist.
	RelationMutual
)

// String returns the wire name used in reports and logs.
func (r Relationship) String() string {
	switch r {
	case RelationFollowsUser:
		return "follows_user"
	case RelationFollowedByUser:
		return "followed_by_user"
	case RelationMutual:
		return "mutual"
	default:
		return "none"
	}
}

// Counts holds the engagement counters for a post.
type Counts struct {
	Favorites int `json:"favorites"`
	Reshares  int `json:"reshares"`
	Replies   int `json:"replies"`
}

// LiveCounts is a Counts observation taken from the live API at a known time.
type LiveCounts struct {
	Counts
	ObservedAt time.Time `json:"observed_at"`
}

// Post is one archived post, optionally enriched with a live observation.
// The archived text and identity fields are authoritative for the run; only
// the live counters and the deleted flag may be written after construction.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Text      string    `json:"text"`

	Archived Counts      `json:"archived_counts"`
	Live     *LiveCounts `json:"live_counts,omitempty"`

	IsReshare       bool `json:"is_reshare"`
	IsReply         bool `json:"is_reply"`
	DeletedUpstream bool `json:"deleted_upstream"`
}

// Favorites returns the freshest favorite count, live winning over archived.
func (p *Post) Favorites() int {
	if p.Live != nil {
		return p.Live.Favorites
	}
	return p.Archived.Favorites
}

// Reshares returns the freshest reshare count.
func (p *Post) Reshares() int {
	if p.Live != nil {
		return p.Live.Reshares
	}
	return p.Archived.Reshares
}

// Replies returns the freshest reply count.
func (p *Post) Replies() int {
	if p.Live != nil {
		return p.Live.Replies
	}
	return p.Archived.Replies
}

// Engagement is the raw composite used for tie-breaking, favorites plus
// reshares plus replies with live values winning.
func (p *Post) Engagement() int {
	return p.Favorites() + p.Reshares() + p.Replies()
}

// Account is one account referenced by the archive or discovered live.
// Optional fields stay nil until observed so "unknown" is distinct from zero.
type Account struct {
	ID          string `json:"id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	FollowerCount  *int  `json:"follower_count,omitempty"`
	FollowingCount *int  `json:"following_count,omitempty"`
	Verified       *bool `json:"verified,omitempty"`

	Relation Relationship `json:"relation"`

	// LiveObservedAt is set when any live field has been merged in.
	LiveObservedAt time.Time `json:"live_observed_at,omitempty"`
}

// Followers returns the follower count, or 0 and false when never observed.
func (a *Account) Followers() (int, bool) {
	if a.FollowerCount == nil {
		return 0, false
	}
	return *a.FollowerCount, true
}

// IsVerified reports the verified flag, treating unobserved as false.
func (a *Account) IsVerified() bool {
	return a.Verified != nil && *a.Verified
}

// Profile identifies the archive owner.
type Profile struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
}

// FetchCheckpoint records how far a paginated resource fetch has progressed
// so an interrupted run can resume at the next page instead of page one.
type FetchCheckpoint struct {
	Resource  string    `json:"resource"`
	Cursor    string    `json:"cursor"`
	Sequence  int       `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Factor is one weighted feature contribution inside a ScoreEntry.
type Factor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Raw          float64 `json:"raw"`
	Normalized   float64 `json:"normalized"`
	Contribution float64 `json:"contribution"`
}

// ScoreEntry is one ranked entity together with its score breakdown.
type ScoreEntry struct {
	EntityID string   `json:"entity_id"`
	Score    float64  `json:"score"`
	Factors  []Factor `json:"factors"`
}

// ResourceStatus reports how far enrichment got for a single resource.
type ResourceStatus string

const (
	ResourceFull    ResourceStatus = "full"
	ResourcePartial ResourceStatus = "partial"
	ResourceSkipped ResourceStatus = "skipped"
)

// Report is the final pipeline output handed to the renderer.
type Report struct {
	Owner         Profile                   `json:"owner"`
	TopPosts      []ScoreEntry              `json:"top_posts"`
	TopAccounts   []ScoreEntry              `json:"top_accounts"`
	Resources     map[string]ResourceStatus `json:"resources"`
	ParseWarnings int                       `json:"parse_warnings"`
	GeneratedAt   time.Time                 `json:"generated_at"`
}
