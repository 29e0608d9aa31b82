package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by MarkSeen for an unknown notification.
var ErrNotFound = errors.New("notification: not found")

// DefaultListLimit caps ListByUser when the caller passes a non-positive limit.
const DefaultListLimit = 100

// MaxListLimit is the largest page ListByUser returns.
const MaxListLimit = 500

// Store persists notifications in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new notification store backed by the given database
// handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts rec, filling in ID and CreatedAt when unset. Seen is always
// stored as false.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Seen = false

	const query = `
		INSERT INTO notifications (id, user_id, sender_id, type, post_id, message, seen, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, FALSE, $7)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.SenderID,
		rec.Type,
		rec.PostID,
		rec.Message,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notification: insert: %w", err)
	}
	return nil
}

// ListByUser returns userID's notifications, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	const query = `
		SELECT id, user_id, sender_id, type, COALESCE(post_id, ''), message, seen, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	recs := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.SenderID, &r.Type, &r.PostID, &r.Message, &r.Seen, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("notification: list scan: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: list rows: %w", err)
	}
	return recs, nil
}

// MarkSeen flags one of userID's notifications as seen.
func (s *Store) MarkSeen(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	const query = `UPDATE notifications SET seen = TRUE WHERE id = $1 AND user_id = $2`

	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("notification: mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notification: mark seen rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
