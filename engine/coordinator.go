// Package engine coordinates mutations against the feed server. Every
// mutation is confirm-then-apply: the store is only touched after the
// server has accepted the change, so a failed call leaves local state
// exactly as it was and nothing ever needs rolling back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mlowery/feedmirror/bus"
	"github.com/mlowery/feedmirror/models"
	"github.com/mlowery/feedmirror/store"
	"github.com/mlowery/feedmirror/thread"
)

var (
	// ErrConcurrentMutation is returned when a mutation is attempted on an
	// entity that already has one in flight. Callers disable the control
	// and surface the refusal; the request is never queued.
	ErrConcurrentMutation = errors.New("mutation already in flight for this entity")

	// ErrUnauthenticated is returned when a mutation is attempted without
	// a session. Checked before any network dispatch.
	ErrUnauthenticated = errors.New("not authenticated")
)

// Server is the slice of the API client the coordinator needs.
type Server interface {
	HasSession() bool
	ListPosts(ctx context.Context) ([]*models.Post, error)
	CreatePost(ctx context.Context, content string) (*models.Post, error)
	GetThreadedComments(ctx context.Context, postID int64) ([]*models.Comment, error)
	CreateComment(ctx context.Context, postID int64, parentID *int64, content string) (*models.Comment, error)
	ToggleLike(ctx context.Context, kind models.Kind, id int64) (models.LikeResult, error)
	GetLikeStatus(ctx context.Context, postIDs []int64) (map[int64]bool, error)
}

type mutationOp string

const (
	opToggleLike    mutationOp = "toggle-like"
	opCreateComment mutationOp = "create-comment"
	opCreatePost    mutationOp = "create-post"
)

type mutationKey struct {
	op   mutationOp
	kind models.Kind
	id   int64
}

// Coordinator executes logical mutations, applies confirmed results to the
// store and broadcasts the resulting karma deltas.
type Coordinator struct {
	server Server
	store  *store.EntityStore
	bus    *bus.Bus
	log    *logrus.Logger

	mu       sync.Mutex
	inFlight map[mutationKey]bool
}

// NewCoordinator wires a coordinator to its collaborators.
func NewCoordinator(server Server, st *store.EntityStore, b *bus.Bus, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		server:   server,
		store:    st,
		bus:      b,
		log:      log,
		inFlight: make(map[mutationKey]bool),
	}
}

// acquire marks a mutation key as pending. At most one mutation may be in
// flight per key; a second attempt is refused rather than queued, which
// keeps like toggles on one target strictly ordered.
func (c *Coordinator) acquire(key mutationKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[key] {
		return ErrConcurrentMutation
	}
	c.inFlight[key] = true
	return nil
}

func (c *Coordinator) release(key mutationKey) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}

// ToggleLike flips the session user's like on the target, applies the
// confirmed counters to the store and broadcasts the karma delta for the
// target's author plus a like-activity signal.
func (c *Coordinator) ToggleLike(ctx context.Context, kind models.Kind, id int64) (models.LikeResult, error) {
	if !c.server.HasSession() {
		return models.LikeResult{}, ErrUnauthenticated
	}

	key := mutationKey{op: opToggleLike, kind: kind, id: id}
	if err := c.acquire(key); err != nil {
		return models.LikeResult{}, err
	}
	defer c.release(key)

	res, err := c.server.ToggleLike(ctx, kind, id)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"kind": kind,
			"id":   id,
		}).Warn("Toggle like failed")
		return models.LikeResult{}, fmt.Errorf("toggle like on %s %d: %w", kind, id, err)
	}

	c.store.ApplyLikeResult(kind, id, res)

	delta := models.KarmaWeight(kind)
	if !res.Liked {
		delta = -delta
	}
	if authorID, ok := c.store.AuthorOf(kind, id); ok {
		c.bus.PublishKarma(bus.KarmaChanged{UserID: authorID, Delta: delta})
	} else {
		c.log.WithFields(logrus.Fields{
			"kind": kind,
			"id":   id,
		}).Debug("Like target not materialized, skipping karma broadcast")
	}
	c.bus.PublishLikeActivity()

	return res, nil
}

// CreateComment creates a root comment (parentID nil) or a reply and
// splices the confirmed comment into the stored tree. When the parent is
// not materialized locally the whole thread is re-fetched instead: the
// local tree is stale, and dropping the reply silently is not an option.
func (c *Coordinator) CreateComment(ctx context.Context, postID int64, parentID *int64, content string) (*models.Comment, error) {
	if !c.server.HasSession() {
		return nil, ErrUnauthenticated
	}

	key := mutationKey{op: opCreateComment, id: postID}
	if err := c.acquire(key); err != nil {
		return nil, err
	}
	defer c.release(key)

	comment, err := c.server.CreateComment(ctx, postID, parentID, content)
	if err != nil {
		return nil, fmt.Errorf("create comment on post %d: %w", postID, err)
	}

	if err := c.store.InsertReply(postID, parentID, comment); err != nil {
		var pnf *thread.ParentNotFoundError
		if !errors.As(err, &pnf) {
			return nil, err
		}
		c.log.WithFields(logrus.Fields{
			"post_id":   postID,
			"parent_id": pnf.ParentID,
		}).Info("Reply parent missing locally, re-fetching thread")
		if err := c.LoadThread(ctx, postID); err != nil {
			return nil, fmt.Errorf("re-fetch after missing parent: %w", err)
		}
	}

	return comment, nil
}

// CreatePost publishes a new post and adds it to the stored feed. Posting
// itself moves no karma, so nothing is broadcast.
func (c *Coordinator) CreatePost(ctx context.Context, content string) (*models.Post, error) {
	if !c.server.HasSession() {
		return nil, ErrUnauthenticated
	}

	key := mutationKey{op: opCreatePost}
	if err := c.acquire(key); err != nil {
		return nil, err
	}
	defer c.release(key)

	post, err := c.server.CreatePost(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	c.store.UpsertPost(post)
	return post, nil
}

// LoadFeed fetches the post list, replaces the stored feed and, when a
// session is held, hydrates the like-status map for every listed post.
func (c *Coordinator) LoadFeed(ctx context.Context) error {
	posts, err := c.server.ListPosts(ctx)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}
	c.store.UpsertPosts(posts)

	if !c.server.HasSession() || len(posts) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	status, err := c.server.GetLikeStatus(ctx, ids)
	if err != nil {
		// the feed itself loaded fine; only the like flags are stale
		c.log.WithError(err).Warn("Failed to hydrate like status")
		return nil
	}
	c.store.SetLikeStatus(status)
	return nil
}

// LoadThread fetches, validates and stores the full comment tree for a
// post. A payload that violates the tree invariants is rejected whole; the
// previously stored tree stays in place.
func (c *Coordinator) LoadThread(ctx context.Context, postID int64) error {
	payload, err := c.server.GetThreadedComments(ctx, postID)
	if err != nil {
		return fmt.Errorf("fetch thread for post %d: %w", postID, err)
	}
	roots, err := thread.Build(payload)
	if err != nil {
		return fmt.Errorf("validate thread for post %d: %w", postID, err)
	}
	c.store.UpsertCommentTree(postID, roots)
	return nil
}
