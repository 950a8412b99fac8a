package models

import (
	"time"
)

// Kind identifies which sort of entity a like targets.
type Kind string

const (
	KindPost    Kind = "post"
	KindComment Kind = "comment"
)

// Karma weights mirror the server's scoring: a like on a post is worth 5
// karma to its author, a like on a comment is worth 1.
const (
	PostKarmaWeight    = 5
	CommentKarmaWeight = 1
)

// KarmaWeight returns the karma value of a single like on the given kind.
func KarmaWeight(kind Kind) int {
	if kind == KindPost {
		return PostKarmaWeight
	}
	return CommentKarmaWeight
}

// AuthorSummary is the denormalized author block embedded in posts and
// comments. Instances are shared by pointer wherever the same user appears;
// TotalKarma is the only field mutated after construction.
type AuthorSummary struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	TotalKarma int       `json:"total_karma"`
	DateJoined time.Time `json:"date_joined"`
}

// Post represents a feed post
type Post struct {
	ID        int64          `json:"id"`
	Author    *AuthorSummary `json:"author"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	LikeCount int            `json:"like_count"`
	LikedByMe bool           `json:"-"`
}

// Comment represents one node of a threaded comment tree. ParentID is nil
// for roots; Children are ordered by creation time ascending.
type Comment struct {
	ID        int64          `json:"id"`
	PostID    int64          `json:"-"`
	ParentID  *int64         `json:"parent_id"`
	Author    *AuthorSummary `json:"author"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Level     int            `json:"level"`
	LikeCount int            `json:"like_count"`
	LikedByMe bool           `json:"-"`
	Children  []*Comment     `json:"children"`
}

// LikeResult is the server's confirmation of a toggle-like call.
type LikeResult struct {
	Liked     bool   `json:"liked"`
	Action    string `json:"action,omitempty"`
	LikeCount int    `json:"like_count"`
}

// LeaderboardEntry is one row of the server-computed trailing-24h ranking.
// Entries are never mutated client-side; the whole leaderboard is replaced
// wholesale on every refresh because the window math lives on the server.
type LeaderboardEntry struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	TotalKarma int    `json:"total_karma"`
	Karma24h   int    `json:"karma_24h"`
}

// Leaderboard is the full leaderboard payload.
type Leaderboard struct {
	Users       []LeaderboardEntry `json:"users"`
	GeneratedAt time.Time          `json:"generated_at"`
	Period      string             `json:"period,omitempty"`
}

// User is the authenticated account returned by login/register/profile.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	TotalKarma int       `json:"total_karma"`
	DateJoined time.Time `json:"date_joined"`
}
