package api

import (
	"time"

	"github.com/whisper/social-realtime/internal/chat"
	"github.com/whisper/social-realtime/internal/notification"
)

// Message is a stored private message as returned by the history endpoint.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Message     string    `json:"message"`
	Attachments []string  `json:"attachments"`
	SentAt      time.Time `json:"sentAt"`
}

// Notification is a stored notification.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SenderID  string    `json:"senderId"`
	Type      string    `json:"type"`
	PostID    string    `json:"postId,omitempty"`
	Message   string    `json:"message"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
}

func messagesFrom(in []chat.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		attachments := m.Attachments
		if attachments == nil {
			attachments = []string{}
		}
		out = append(out, Message{
			ID:          m.ID,
			SenderID:    m.SenderID,
			ReceiverID:  m.ReceiverID,
			Message:     m.Message,
			Attachments: attachments,
			SentAt:      m.SentAt,
		})
	}
	return out
}

func notificationsFrom(in []notification.Record) []Notification {
	out := make([]Notification, 0, len(in))
	for _, r := range in {
		out = append(out, Notification{
			ID:        r.ID,
			UserID:    r.UserID,
			SenderID:  r.SenderID,
			Type:      r.Type,
			PostID:    r.PostID,
			Message:   r.Message,
			Seen:      r.Seen,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
