package journal

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/mlowery/feedmirror/bus"
	"github.com/mlowery/feedmirror/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndSumKarma(t *testing.T) {
	j := newTestJournal(t)

	assert.NoError(t, j.RecordKarma(10, 5))
	assert.NoError(t, j.RecordKarma(10, -5))
	assert.NoError(t, j.RecordKarma(10, 1))
	assert.NoError(t, j.RecordKarma(11, 5))

	total, err := j.UserKarmaTotal(10)
	assert.NoError(t, err)
	assert.Equal(t, 1, total)

	total, err = j.UserKarmaTotal(11)
	assert.NoError(t, err)
	assert.Equal(t, 5, total)

	// no events for this user
	total, err = j.UserKarmaTotal(99)
	assert.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestKarmaEventsNewestFirst(t *testing.T) {
	j := newTestJournal(t)

	assert.NoError(t, j.RecordKarma(1, 5))
	assert.NoError(t, j.RecordKarma(2, 1))
	assert.NoError(t, j.RecordKarma(3, -5))

	events, err := j.KarmaEvents(2)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].UserID)
	assert.Equal(t, int64(2), events[1].UserID)
}

func TestAttachRecordsBroadcastDeltas(t *testing.T) {
	j := newTestJournal(t)
	b := bus.New(testLogger())

	unsubscribe := j.Attach(b)

	b.PublishKarma(bus.KarmaChanged{UserID: 10, Delta: 5})
	b.PublishKarma(bus.KarmaChanged{UserID: 10, Delta: -5})

	total, err := j.UserKarmaTotal(10)
	assert.NoError(t, err)
	assert.Equal(t, 0, total)

	events, err := j.KarmaEvents(10)
	assert.NoError(t, err)
	assert.Len(t, events, 2)

	unsubscribe()
	b.PublishKarma(bus.KarmaChanged{UserID: 10, Delta: 1})
	events, err = j.KarmaEvents(10)
	assert.NoError(t, err)
	assert.Len(t, events, 2, "detached journal must not record")
}

func TestRecordLikeEvents(t *testing.T) {
	j := newTestJournal(t)

	assert.NoError(t, j.RecordLike(models.KindPost, 1, models.LikeResult{Liked: true, LikeCount: 4}))
	assert.NoError(t, j.RecordLike(models.KindComment, 100, models.LikeResult{Liked: false, LikeCount: 0}))

	events, err := j.LikeEvents(10)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, models.KindComment, events[0].Kind)
	assert.False(t, events[0].Liked)
	assert.Equal(t, models.KindPost, events[1].Kind)
	assert.Equal(t, 4, events[1].LikeCount)
}

func TestRecordLeaderboardSnapshot(t *testing.T) {
	j := newTestJournal(t)

	board := &models.Leaderboard{
		Users: []models.LeaderboardEntry{
			{ID: 1, Username: "ada", TotalKarma: 50, Karma24h: 11},
		},
		Period: "24_hours",
	}
	assert.NoError(t, j.RecordLeaderboard(board))
	assert.NoError(t, j.RecordLeaderboard(nil), "nil snapshot is ignored")
}
