package store

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mlowery/feedmirror/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func int64p(v int64) *int64 { return &v }

func post(id int64, author *models.AuthorSummary, likeCount int) *models.Post {
	return &models.Post{ID: id, Author: author, LikeCount: likeCount}
}

func TestApplyLikeResultIdempotent(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertPosts([]*models.Post{post(1, &models.AuthorSummary{ID: 10}, 3)})

	res := models.LikeResult{Liked: true, LikeCount: 4}
	s.ApplyLikeResult(models.KindPost, 1, res)
	first, _ := s.Post(1)

	// a duplicate confirmation (e.g. a retried request's response) must be a no-op
	s.ApplyLikeResult(models.KindPost, 1, res)
	second, _ := s.Post(1)

	if first.LikeCount != 4 || !first.LikedByMe {
		t.Fatalf("after first apply: likeCount=%d likedByMe=%v; want 4 true", first.LikeCount, first.LikedByMe)
	}
	if second.LikeCount != first.LikeCount || second.LikedByMe != first.LikedByMe {
		t.Errorf("duplicate apply changed state: %+v vs %+v", second, first)
	}
	if !s.LikedByMe(1) {
		t.Error("LikedByMe(1) = false; want true")
	}
}

func TestApplyLikeResultNeverNegative(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertPosts([]*models.Post{post(1, nil, 0)})

	s.ApplyLikeResult(models.KindPost, 1, models.LikeResult{Liked: false, LikeCount: -2})

	p, _ := s.Post(1)
	if p.LikeCount != 0 {
		t.Errorf("LikeCount = %d; want 0", p.LikeCount)
	}
}

func TestApplyKarmaDeltaCommutes(t *testing.T) {
	deltaSets := [][]int{
		{5, -5, 1},
		{1, 5, -5},
		{-5, 1, 5},
	}

	var totals []int
	for _, deltas := range deltaSets {
		s := NewEntityStore(testLogger())
		s.UpsertPosts([]*models.Post{post(1, &models.AuthorSummary{ID: 10, TotalKarma: 20}, 0)})
		for _, d := range deltas {
			s.ApplyKarmaDelta(10, d)
		}
		p, _ := s.Post(1)
		totals = append(totals, p.Author.TotalKarma)
	}

	for _, total := range totals {
		if total != 21 {
			t.Fatalf("totals across orderings = %v; want all 21", totals)
		}
	}
}

func TestApplyKarmaDeltaReachesEveryOccurrence(t *testing.T) {
	s := NewEntityStore(testLogger())

	// the same user authors a post, a root comment on another post and a
	// nested reply; each materialized summary is an independent copy
	s.UpsertPosts([]*models.Post{
		post(1, &models.AuthorSummary{ID: 10, TotalKarma: 0}, 0),
		post(2, &models.AuthorSummary{ID: 99, TotalKarma: 7}, 0),
	})
	s.UpsertCommentTree(2, []*models.Comment{
		{
			ID:     100,
			Author: &models.AuthorSummary{ID: 10, TotalKarma: 0},
			Children: []*models.Comment{
				{ID: 101, ParentID: int64p(100), Author: &models.AuthorSummary{ID: 10, TotalKarma: 0}},
			},
		},
	})

	s.ApplyKarmaDelta(10, 5)

	p1, _ := s.Post(1)
	if p1.Author.TotalKarma != 5 {
		t.Errorf("post author karma = %d; want 5", p1.Author.TotalKarma)
	}
	root, _ := s.Comment(100)
	if root.Author.TotalKarma != 5 {
		t.Errorf("root comment author karma = %d; want 5", root.Author.TotalKarma)
	}
	reply, _ := s.Comment(101)
	if reply.Author.TotalKarma != 5 {
		t.Errorf("nested reply author karma = %d; want 5", reply.Author.TotalKarma)
	}

	// unrelated author untouched
	p2, _ := s.Post(2)
	if p2.Author.TotalKarma != 7 {
		t.Errorf("unrelated author karma = %d; want 7", p2.Author.TotalKarma)
	}
}

func TestUpsertCommentTreeReplacesWholesale(t *testing.T) {
	s := NewEntityStore(testLogger())

	s.UpsertCommentTree(1, []*models.Comment{
		{ID: 100, Author: &models.AuthorSummary{ID: 10}},
	})
	s.UpsertCommentTree(1, []*models.Comment{
		{ID: 200, Author: &models.AuthorSummary{ID: 11}},
	})

	if _, ok := s.Comment(100); ok {
		t.Error("comment from replaced tree still materialized")
	}
	if _, ok := s.Comment(200); !ok {
		t.Error("comment from new tree not materialized")
	}

	// the replaced tree's author must have left the reverse index
	s.ApplyKarmaDelta(10, 5)
	if c, _ := s.Comment(200); c.Author.TotalKarma != 0 {
		t.Errorf("new tree author karma = %d; want 0", c.Author.TotalKarma)
	}
}

func TestInsertReplyThroughStore(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertCommentTree(1, []*models.Comment{
		{ID: 100, Author: &models.AuthorSummary{ID: 10}},
	})

	reply := &models.Comment{ID: 101, ParentID: int64p(100), Author: &models.AuthorSummary{ID: 11}}
	if err := s.InsertReply(1, int64p(100), reply); err != nil {
		t.Fatalf("InsertReply() error = %v", err)
	}

	tree := s.CommentTree(1)
	if len(tree) != 1 || len(tree[0].Children) != 1 || tree[0].Children[0].ID != 101 {
		t.Fatalf("tree after reply = %+v; want [100 -> [101]]", tree)
	}

	// the reply's author is now karma-reachable
	s.ApplyKarmaDelta(11, 1)
	c, _ := s.Comment(101)
	if c.Author.TotalKarma != 1 {
		t.Errorf("reply author karma = %d; want 1", c.Author.TotalKarma)
	}
}

func TestInsertReplyMissingParent(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertCommentTree(1, []*models.Comment{{ID: 100}})

	reply := &models.Comment{ID: 101, ParentID: int64p(999)}
	if err := s.InsertReply(1, int64p(999), reply); err == nil {
		t.Fatal("InsertReply() error = nil; want ParentNotFoundError")
	}

	// nothing applied
	if _, ok := s.Comment(101); ok {
		t.Error("reply materialized despite missing parent")
	}
}

func TestSetLikeStatusAndClearSession(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertPosts([]*models.Post{post(1, nil, 0), post(2, nil, 0)})
	s.UpsertCommentTree(1, []*models.Comment{{ID: 100, LikedByMe: false}})
	s.ApplyLikeResult(models.KindComment, 100, models.LikeResult{Liked: true, LikeCount: 1})

	s.SetLikeStatus(map[int64]bool{1: true, 2: false})

	if !s.LikedByMe(1) || s.LikedByMe(2) {
		t.Fatalf("like status = (%v, %v); want (true, false)", s.LikedByMe(1), s.LikedByMe(2))
	}
	p1, _ := s.Post(1)
	if !p1.LikedByMe {
		t.Error("post 1 LikedByMe not reflected from status map")
	}

	s.ClearSession()

	if s.LikedByMe(1) {
		t.Error("like status survived ClearSession")
	}
	p1, _ = s.Post(1)
	if p1.LikedByMe {
		t.Error("post LikedByMe flag survived ClearSession")
	}
	c, _ := s.Comment(100)
	if c.LikedByMe {
		t.Error("comment LikedByMe flag survived ClearSession")
	}
	// counters are server truth and stay put
	if c.LikeCount != 1 {
		t.Errorf("comment LikeCount = %d; want 1", c.LikeCount)
	}
}

func TestLikeStatusSurvivesFeedRefetch(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertPosts([]*models.Post{post(1, nil, 0)})
	s.SetLikeStatus(map[int64]bool{1: true})

	// a wholesale feed replace must not lose the session's like flags
	s.UpsertPosts([]*models.Post{post(1, nil, 2), post(2, nil, 0)})

	p, _ := s.Post(1)
	if !p.LikedByMe {
		t.Error("LikedByMe lost across feed refetch")
	}
	if p.LikeCount != 2 {
		t.Errorf("LikeCount = %d; want server value 2", p.LikeCount)
	}
}

func TestPostsSnapshotIsolation(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertPosts([]*models.Post{post(1, &models.AuthorSummary{ID: 10, TotalKarma: 3}, 0)})

	snap := s.Posts()
	snap[0].LikeCount = 99
	snap[0].Author.TotalKarma = 99

	p, _ := s.Post(1)
	if p.LikeCount != 0 || p.Author.TotalKarma != 3 {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestAuthorOf(t *testing.T) {
	s := NewEntityStore(testLogger())
	s.UpsertPosts([]*models.Post{post(1, &models.AuthorSummary{ID: 10}, 0)})
	s.UpsertCommentTree(1, []*models.Comment{{ID: 100, Author: &models.AuthorSummary{ID: 11}}})

	tests := []struct {
		name   string
		kind   models.Kind
		id     int64
		wantID int64
		wantOK bool
	}{
		{"Post author", models.KindPost, 1, 10, true},
		{"Comment author", models.KindComment, 100, 11, true},
		{"Unknown post", models.KindPost, 5, 0, false},
		{"Unknown comment", models.KindComment, 5, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := s.AuthorOf(tc.kind, tc.id)
			if id != tc.wantID || ok != tc.wantOK {
				t.Errorf("AuthorOf(%s, %d) = (%d, %v); want (%d, %v)",
					tc.kind, tc.id, id, ok, tc.wantID, tc.wantOK)
			}
		})
	}
}
