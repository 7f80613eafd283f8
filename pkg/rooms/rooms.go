// Package rooms persists the collaboration rooms created for matches.
package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.od2.network/matchmaker/pkg/matchqueue"
)

// Room statuses.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("room not found")

// Room is the record of a match and its collaboration session.
type Room struct {
	MatchID    string         `db:"match_id"`
	SessionID  string         `db:"session_id"`
	Category   string         `db:"category"`
	Difficulty string         `db:"difficulty"`
	QuestionID sql.NullString `db:"question_id"`
	Status     string         `db:"status"`
	CreatedAt  time.Time      `db:"created_at"`
	ClosedAt   sql.NullTime   `db:"closed_at"`

	UserA    string `db:"user_a"`
	ConnA    string `db:"conn_a"`
	NameA    string `db:"name_a"`
	ContactA string `db:"contact_a"`
	UserB    string `db:"user_b"`
	ConnB    string `db:"conn_b"`
	NameB    string `db:"name_b"`
	ContactB string `db:"contact_b"`
}

// Participant is one side of a room.
type Participant struct {
	UserID       string
	ConnectionID string
	DisplayName  string
	ContactInfo  string
}

// Participants returns both sides of the room.
func (r *Room) Participants() [2]Participant {
	return [2]Participant{
		{r.UserA, r.ConnA, r.NameA, r.ContactA},
		{r.UserB, r.ConnB, r.NameB, r.ContactB},
	}
}

// NewRoom builds the open room of a match event.
func NewRoom(ev *matchqueue.MatchEvent, sessionID string, now time.Time) *Room {
	return &Room{
		MatchID:    ev.MatchID,
		SessionID:  sessionID,
		Category:   ev.Category,
		Difficulty: ev.Difficulty,
		Status:     StatusOpen,
		CreatedAt:  now,
		UserA:      ev.RequestA.UserID,
		ConnA:      ev.RequestA.ConnectionID,
		NameA:      ev.RequestA.DisplayName,
		ContactA:   ev.RequestA.ContactInfo,
		UserB:      ev.RequestB.UserID,
		ConnB:      ev.RequestB.ConnectionID,
		NameB:      ev.RequestB.DisplayName,
		ContactB:   ev.RequestB.ContactInfo,
	}
}

// Store stores rooms in a MariaDB table.
type Store struct {
	DB        *sqlx.DB
	TableName string
}

// DefaultTableName is the rooms table used when none is configured.
const DefaultTableName = "rooms"

// CreateTable creates the rooms table if it does not exist.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = `CREATE TABLE IF NOT EXISTS %s (
	match_id CHAR(36) NOT NULL PRIMARY KEY,
	session_id CHAR(36) NOT NULL,
	category VARCHAR(64) NOT NULL,
	difficulty VARCHAR(64) NOT NULL,
	question_id VARCHAR(128),
	status VARCHAR(16) NOT NULL,
	created_at DATETIME(3) NOT NULL,
	closed_at DATETIME(3),
	user_a VARCHAR(128) NOT NULL,
	conn_a VARCHAR(128) NOT NULL,
	name_a VARCHAR(256) NOT NULL,
	contact_a VARCHAR(256) NOT NULL,
	user_b VARCHAR(128) NOT NULL,
	conn_b VARCHAR(128) NOT NULL,
	name_b VARCHAR(256) NOT NULL,
	contact_b VARCHAR(256) NOT NULL,
	INDEX (status, created_at)
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName))
	return err
}

// Create inserts a room. Creating the same match twice keeps the first room.
func (s *Store) Create(ctx context.Context, room *Room) error {
	// language=MariaDB
	const stmt = `INSERT IGNORE INTO %s (
	match_id, session_id, category, difficulty, question_id, status, created_at, closed_at,
	user_a, conn_a, name_a, contact_a, user_b, conn_b, name_b, contact_b
) VALUES (
	:match_id, :session_id, :category, :difficulty, :question_id, :status, :created_at, :closed_at,
	:user_a, :conn_a, :name_a, :contact_a, :user_b, :conn_b, :name_b, :contact_b
);`
	_, err := s.DB.NamedExecContext(ctx, fmt.Sprintf(stmt, s.TableName), room)
	return err
}

// Get returns a room by match ID.
func (s *Store) Get(ctx context.Context, matchID string) (*Room, error) {
	// language=MariaDB
	const stmt = `SELECT * FROM %s WHERE match_id = ?;`
	room := new(Room)
	err := s.DB.GetContext(ctx, room, fmt.Sprintf(stmt, s.TableName), matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return room, nil
}

// SetQuestion attaches the selected question to an open room.
// Only the first question is kept, repeated replies report false.
func (s *Store) SetQuestion(ctx context.Context, matchID string, questionID string) (bool, error) {
	// language=MariaDB
	const stmt = `UPDATE %s SET question_id = ?
WHERE match_id = ? AND question_id IS NULL AND status = ?;`
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(stmt, s.TableName), questionID, matchID, StatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close ends a room. Closing a closed room is a no-op.
func (s *Store) Close(ctx context.Context, matchID string, at time.Time) (bool, error) {
	// language=MariaDB
	const stmt = `UPDATE %s SET status = ?, closed_at = ? WHERE match_id = ? AND status = ?;`
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(stmt, s.TableName), StatusClosed, at, matchID, StatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CloseExpired closes all open rooms created before the cutoff.
// Returns the number of closed rooms.
func (s *Store) CloseExpired(ctx context.Context, cutoff time.Time, at time.Time) (int64, error) {
	// language=MariaDB
	const stmt = `UPDATE %s SET status = ?, closed_at = ? WHERE status = ? AND created_at < ?;`
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(stmt, s.TableName), StatusClosed, at, StatusOpen, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
