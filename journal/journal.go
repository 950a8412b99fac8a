// Package journal records the engine's confirmed mutation effects in a
// local SQLite file: like events, karma deltas and leaderboard snapshots.
// It is append-only observability for the status API; nothing in it is
// ever read back into the entity store.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/mlowery/feedmirror/bus"
	"github.com/mlowery/feedmirror/models"
)

// Journal provides methods for recording and querying engine events.
type Journal struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// KarmaEvent is one recorded karma delta.
type KarmaEvent struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Delta      int       `json:"delta"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LikeEvent is one recorded confirmed like toggle.
type LikeEvent struct {
	ID         int64       `json:"id"`
	Kind       models.Kind `json:"kind"`
	TargetID   int64       `json:"target_id"`
	Liked      bool        `json:"liked"`
	LikeCount  int         `json:"like_count"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// New opens (or creates) the journal database at path.
func New(path string, log *logrus.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	j := &Journal{
		db:  db,
		log: log,
	}

	if err := j.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.db.Close()
}

// initTables creates the necessary tables if they don't exist
func (j *Journal) initTables() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	query := `
	CREATE TABLE IF NOT EXISTS karma_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_karma_events_user ON karma_events(user_id);

	CREATE TABLE IF NOT EXISTS like_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		target_id INTEGER NOT NULL,
		liked BOOLEAN NOT NULL,
		like_count INTEGER NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		generated_at TIMESTAMP,
		payload TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);
	`

	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Attach subscribes the journal to the bus so every broadcast karma delta
// is recorded in delivery order. Returns the unsubscribe function.
func (j *Journal) Attach(b *bus.Bus) func() {
	return b.SubscribeKarma(func(ev bus.KarmaChanged) {
		if err := j.RecordKarma(ev.UserID, ev.Delta); err != nil {
			j.log.WithError(err).Error("Failed to journal karma event")
		}
	})
}

// RecordKarma appends one karma delta.
func (j *Journal) RecordKarma(userID int64, delta int) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO karma_events (user_id, delta, recorded_at) VALUES (?, ?, ?)`,
		userID, delta, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record karma event: %w", err)
	}
	return nil
}

// RecordLike appends one confirmed like toggle.
func (j *Journal) RecordLike(kind models.Kind, targetID int64, res models.LikeResult) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO like_events (kind, target_id, liked, like_count, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), targetID, res.Liked, res.LikeCount, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record like event: %w", err)
	}
	return nil
}

// RecordLeaderboard appends a leaderboard snapshot as JSON.
func (j *Journal) RecordLeaderboard(board *models.Leaderboard) error {
	if board == nil {
		return nil
	}

	payload, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("failed to encode leaderboard snapshot: %w", err)
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	_, err = j.db.Exec(
		`INSERT INTO leaderboard_snapshots (generated_at, payload, recorded_at) VALUES (?, ?, ?)`,
		board.GeneratedAt.UTC().Format(time.RFC3339), string(payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record leaderboard snapshot: %w", err)
	}
	return nil
}

// KarmaEvents returns the most recent karma events, newest first.
func (j *Journal) KarmaEvents(limit int) ([]KarmaEvent, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()

	rows, err := j.db.Query(
		`SELECT id, user_id, delta, recorded_at FROM karma_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query karma events: %w", err)
	}
	defer rows.Close()

	events := make([]KarmaEvent, 0, limit)
	for rows.Next() {
		var ev KarmaEvent
		var recordedAt string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Delta, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan karma event: %w", err)
		}
		ev.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// UserKarmaTotal sums every recorded delta for one user. Because deltas
// commute, this matches the server's accounting for the same accepted
// toggles observed by this session.
func (j *Journal) UserKarmaTotal(userID int64) (int, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()

	var total sql.NullInt64
	err := j.db.QueryRow(
		`SELECT SUM(delta) FROM karma_events WHERE user_id = ?`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum karma for user %d: %w", userID, err)
	}
	return int(total.Int64), nil
}

// LikeEvents returns the most recent like events, newest first.
func (j *Journal) LikeEvents(limit int) ([]LikeEvent, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()

	rows, err := j.db.Query(
		`SELECT id, kind, target_id, liked, like_count, recorded_at FROM like_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query like events: %w", err)
	}
	defer rows.Close()

	events := make([]LikeEvent, 0, limit)
	for rows.Next() {
		var ev LikeEvent
		var kind string
		var recordedAt string
		if err := rows.Scan(&ev.ID, &kind, &ev.TargetID, &ev.Liked, &ev.LikeCount, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan like event: %w", err)
		}
		ev.Kind = models.Kind(kind)
		ev.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}
