// Package chat implements private one-to-one messaging: text relay between
// users, attachment ingestion and the PostgreSQL message history.
package chat

import (
	"time"

	"github.com/whisper/social-realtime/internal/protocol"
)

// Message is a stored private message. It is immutable once saved.
type Message struct {
	ID          string
	SenderID    string
	ReceiverID  string
	Message     string
	Attachments []string // relative URLs of stored files
	SentAt      time.Time
}

// Out converts the message into its wire representation.
func (m *Message) Out() protocol.PrivateMessageOut {
	return protocol.PrivateMessageOut{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Message:     m.Message,
		Attachments: m.Attachments,
		SentAt:      m.SentAt,
	}
}
