// Package notification stores user notifications and pushes them to the
// target user's live connections.
package notification

import (
	"time"

	"github.com/whisper/social-realtime/internal/protocol"
)

// Notification types accepted by the store.
const (
	TypeFollowRequest  = "follow-request"
	TypeFollowAccepted = "follow-accepted"
	TypeLike           = "like"
	TypeComment        = "comment"
	TypeMessage        = "message"
)

var validTypes = map[string]bool{
	TypeFollowRequest:  true,
	TypeFollowAccepted: true,
	TypeLike:           true,
	TypeComment:        true,
	TypeMessage:        true,
}

// ValidType reports whether t is a known notification type.
func ValidType(t string) bool {
	return validTypes[t]
}

// Request asks for UserID to be notified. It is also the JSON body of the
// notify.request NATS subject.
type Request struct {
	UserID   string `json:"userId"`
	SenderID string `json:"senderId"`
	Type     string `json:"type"`
	PostID   string `json:"postId,omitempty"`
	Message  string `json:"message"`
}

// Record is a stored notification.
type Record struct {
	ID        string
	UserID    string
	SenderID  string
	Type      string
	PostID    string
	Message   string
	Seen      bool
	CreatedAt time.Time
}

// Out converts the record into its wire representation.
func (r *Record) Out() protocol.NotificationOut {
	return protocol.NotificationOut{
		ID:        r.ID,
		UserID:    r.UserID,
		SenderID:  r.SenderID,
		Type:      r.Type,
		PostID:    r.PostID,
		Message:   r.Message,
		Seen:      r.Seen,
		CreatedAt: r.CreatedAt,
	}
}
