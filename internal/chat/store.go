package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DefaultHistoryLimit caps History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// MaxHistoryLimit is the largest page History returns.
const MaxHistoryLimit = 500

// Store persists private messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts msg. A missing ID or SentAt is filled in before the insert.
func (s *Store) Save(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}

	const query = `
		INSERT INTO chat_messages (id, sender_id, receiver_id, message, attachments, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Message,
		pq.Array(msg.Attachments),
		msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// History returns the latest limit messages exchanged between userA and
// userB in either direction, oldest first.
func (s *Store) History(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	const query = `
		SELECT id, sender_id, receiver_id, message, attachments, sent_at FROM (
			SELECT id, sender_id, receiver_id, message, attachments, sent_at
			FROM chat_messages
			WHERE (sender_id = $1 AND receiver_id = $2)
			   OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY sent_at DESC
			LIMIT $3
		) latest
		ORDER BY sent_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userA, userB, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Message, pq.Array(&m.Attachments), &m.SentAt); err != nil {
			return nil, fmt.Errorf("chat: history scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: history rows: %w", err)
	}
	return msgs, nil
}
