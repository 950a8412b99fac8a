// Package store holds the client's current belief about posts, comment
// trees, like state and author karma. It is the single place views read
// from; nothing in here talks to the network.
package store

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mlowery/feedmirror/models"
	"github.com/mlowery/feedmirror/thread"
)

// EntityStore is the normalized in-memory projection of server state.
// Counters and liked-by-me flags are mutated only through confirmed
// mutation results; fetches replace their slice wholesale.
type EntityStore struct {
	mu    sync.RWMutex
	log   *logrus.Logger
	posts map[int64]*models.Post
	order []int64 // post ids in fetch order

	trees    map[int64][]*models.Comment // post id -> comment forest
	comments map[int64]*models.Comment   // comment id -> node in its tree

	likeStatus map[int64]bool // post id -> liked by current session

	// authors is the reverse index user id -> every AuthorSummary currently
	// materialized for that user. Karma display is denormalized into each
	// copy, so delta application must reach all of them; the index keeps
	// that O(occurrences) instead of a scan over every entity.
	authors map[int64]map[*models.AuthorSummary]struct{}
}

// NewEntityStore creates an empty store.
func NewEntityStore(log *logrus.Logger) *EntityStore {
	return &EntityStore{
		log:        log,
		posts:      make(map[int64]*models.Post),
		trees:      make(map[int64][]*models.Comment),
		comments:   make(map[int64]*models.Comment),
		likeStatus: make(map[int64]bool),
		authors:    make(map[int64]map[*models.AuthorSummary]struct{}),
	}
}

// UpsertPosts replaces the stored feed with a freshly fetched page.
func (s *EntityStore) UpsertPosts(posts []*models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, old := range s.posts {
		s.deindexAuthor(old.Author)
	}
	s.posts = make(map[int64]*models.Post, len(posts))
	s.order = s.order[:0]

	for _, p := range posts {
		s.posts[p.ID] = p
		s.order = append(s.order, p.ID)
		s.indexAuthor(p.Author)
		if liked, ok := s.likeStatus[p.ID]; ok {
			p.LikedByMe = liked
		}
	}
}

// UpsertPost inserts or replaces a single post, appending new posts at the
// end of the feed order.
func (s *EntityStore) UpsertPost(post *models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.posts[post.ID]; ok {
		s.deindexAuthor(old.Author)
	} else {
		s.order = append(s.order, post.ID)
	}
	s.posts[post.ID] = post
	s.indexAuthor(post.Author)
	if liked, ok := s.likeStatus[post.ID]; ok {
		post.LikedByMe = liked
	}
}

// UpsertCommentTree replaces the comment forest held for a post. The tree
// must already have passed thread.Build validation.
func (s *EntityStore) UpsertCommentTree(postID int64, roots []*models.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceTreeLocked(postID, roots)
}

func (s *EntityStore) replaceTreeLocked(postID int64, roots []*models.Comment) {
	if old, ok := s.trees[postID]; ok {
		thread.Walk(old, func(c *models.Comment) {
			s.deindexAuthor(c.Author)
			delete(s.comments, c.ID)
		})
	}
	s.trees[postID] = roots
	thread.Walk(roots, func(c *models.Comment) {
		c.PostID = postID
		s.comments[c.ID] = c
		s.indexAuthor(c.Author)
	})
}

// InsertReply appends a confirmed reply into the stored tree for postID
// using copy-on-write insertion. Returns thread.ParentNotFoundError when
// the parent is not materialized locally; the caller is expected to
// re-fetch the whole thread in that case.
func (s *EntityStore) InsertReply(postID int64, parentID *int64, reply *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roots, err := thread.InsertReply(s.trees[postID], parentID, reply)
	if err != nil {
		return err
	}
	s.replaceTreeLocked(postID, roots)
	return nil
}

// ApplyLikeResult commits a confirmed toggle-like response. Applying the
// same result twice leaves the store unchanged, which guards against
// duplicate responses from retried requests.
func (s *EntityStore) ApplyLikeResult(kind models.Kind, id int64, res models.LikeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := res.LikeCount
	if count < 0 {
		count = 0
	}

	switch kind {
	case models.KindPost:
		s.likeStatus[id] = res.Liked
		if p, ok := s.posts[id]; ok {
			p.LikedByMe = res.Liked
			p.LikeCount = count
		}
	case models.KindComment:
		if c, ok := s.comments[id]; ok {
			c.LikedByMe = res.Liked
			c.LikeCount = count
		}
	default:
		s.log.WithField("kind", kind).Warn("Ignoring like result for unknown kind")
	}
}

// ApplyKarmaDelta adds delta to every materialized AuthorSummary for
// userID. Deltas commute, so arrival order does not matter.
func (s *EntityStore) ApplyKarmaDelta(userID int64, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	occurrences := s.authors[userID]
	for a := range occurrences {
		a.TotalKarma += delta
	}
	s.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"delta":       delta,
		"occurrences": len(occurrences),
	}).Debug("Applied karma delta")
}

// SetLikeStatus seeds the session like map from a bulk like-status fetch
// and reflects it onto the posts currently held.
func (s *EntityStore) SetLikeStatus(status map[int64]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, liked := range status {
		s.likeStatus[id] = liked
		if p, ok := s.posts[id]; ok {
			p.LikedByMe = liked
		}
	}
}

// ClearSession wipes all liked-by-me state. Called on logout so that the
// next account never sees the previous account's like flags.
func (s *EntityStore) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.likeStatus = make(map[int64]bool)
	for _, p := range s.posts {
		p.LikedByMe = false
	}
	for _, c := range s.comments {
		c.LikedByMe = false
	}
}

// Posts returns a snapshot of the feed in fetch order. Post values and
// their author summaries are copied so callers cannot mutate shared state.
func (s *EntityStore) Posts() []models.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Post, 0, len(s.order))
	for _, id := range s.order {
		p, ok := s.posts[id]
		if !ok {
			continue
		}
		cp := *p
		if p.Author != nil {
			author := *p.Author
			cp.Author = &author
		}
		out = append(out, cp)
	}
	return out
}

// Post returns a copy of one post and whether it is held.
func (s *EntityStore) Post(id int64) (models.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return models.Post{}, false
	}
	cp := *p
	if p.Author != nil {
		author := *p.Author
		cp.Author = &author
	}
	return cp, true
}

// Comment returns the live node for a comment id and whether it is held.
func (s *EntityStore) Comment(id int64) (*models.Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comments[id]
	return c, ok
}

// CommentTree returns the current forest snapshot for a post. Insertions
// are copy-on-write, so the returned slice is stable against later replies.
func (s *EntityStore) CommentTree(postID int64) []*models.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trees[postID]
}

// LikedByMe reports the session like flag for a post.
func (s *EntityStore) LikedByMe(postID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.likeStatus[postID]
}

// AuthorOf returns the author id for a like target, used to attribute
// karma deltas. ok is false when the entity is not materialized.
func (s *EntityStore) AuthorOf(kind models.Kind, id int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch kind {
	case models.KindPost:
		if p, ok := s.posts[id]; ok && p.Author != nil {
			return p.Author.ID, true
		}
	case models.KindComment:
		if c, ok := s.comments[id]; ok && c.Author != nil {
			return c.Author.ID, true
		}
	}
	return 0, false
}

func (s *EntityStore) indexAuthor(a *models.AuthorSummary) {
	if a == nil {
		return
	}
	set, ok := s.authors[a.ID]
	if !ok {
		set = make(map[*models.AuthorSummary]struct{})
		s.authors[a.ID] = set
	}
	set[a] = struct{}{}
}

func (s *EntityStore) deindexAuthor(a *models.AuthorSummary) {
	if a == nil {
		return
	}
	set, ok := s.authors[a.ID]
	if !ok {
		return
	}
	delete(set, a)
	if len(set) == 0 {
		delete(s.authors, a.ID)
	}
}
