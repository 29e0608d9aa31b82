// Package social provides PostgreSQL-backed access to the relationship graph:
// accepted friend requests, which drive presence visibility, and the
// directional block list, which gates private messages.
package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrSelfBlock is returned when a user tries to block themselves.
	ErrSelfBlock = errors.New("social: cannot block yourself")
	// ErrAlreadyBlocked is returned when the block already exists.
	ErrAlreadyBlocked = errors.New("social: user is already blocked")
	// ErrNotBlocked is returned by Unblock when there is nothing to remove.
	ErrNotBlocked = errors.New("social: user is not blocked")
)

// Store reads friendships and manages blocks in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new social store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Friends returns the distinct counterparts of every accepted friend request
// involving userID, in either direction. userID itself is never included.
func (s *Store) Friends(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT DISTINCT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS friend_id
		FROM friend_requests
		WHERE status = 'accepted'
		  AND (sender_id = $1 OR receiver_id = $1)
		  AND sender_id <> receiver_id
		ORDER BY friend_id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("social: friends: %w", err)
	}
	defer rows.Close()

	friends := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("social: friends scan: %w", err)
		}
		friends = append(friends, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("social: friends rows: %w", err)
	}
	return friends, nil
}

// IsBlocked reports whether blocker has blocked blocked. The relation is
// directional.
func (s *Store) IsBlocked(ctx context.Context, blocker, blocked string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = $2
		)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, blocker, blocked).Scan(&exists); err != nil {
		return false, fmt.Errorf("social: is blocked: %w", err)
	}
	return exists, nil
}

// Block records that blocker blocked blocked. Self blocks and duplicates are
// rejected with ErrSelfBlock and ErrAlreadyBlocked.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	if blocker == blocked {
		return ErrSelfBlock
	}

	const query = `
		INSERT INTO blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT (blocker_id, blocked_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, blocker, blocked)
	if err != nil {
		return fmt.Errorf("social: block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("social: block rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyBlocked
	}
	return nil
}

// Unblock removes a block. It returns ErrNotBlocked if none existed.
func (s *Store) Unblock(ctx context.Context, blocker, blocked string) error {
	const query = `DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`

	res, err := s.db.ExecContext(ctx, query, blocker, blocked)
	if err != nil {
		return fmt.Errorf("social: unblock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("social: unblock rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotBlocked
	}
	return nil
}

// BlockedUsers lists the users blocker has blocked, most recent first.
func (s *Store) BlockedUsers(ctx context.Context, blocker string) ([]string, error) {
	const query = `
		SELECT blocked_id FROM blocks
		WHERE blocker_id = $1
		ORDER BY created_at DESC, blocked_id`

	rows, err := s.db.QueryContext(ctx, query, blocker)
	if err != nil {
		return nil, fmt.Errorf("social: blocked users: %w", err)
	}
	defer rows.Close()

	blocked := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("social: blocked users scan: %w", err)
		}
		blocked = append(blocked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("social: blocked users rows: %w", err)
	}
	return blocked, nil
}
