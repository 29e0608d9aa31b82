// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegisterUser     = "registerUser"
	TypeBlockUser        = "blockUser"
	TypeUnblockUser      = "unblockUser"
	TypePrivateMessage   = "privateMessage"
	TypePrivateFile      = "privateFile"
	TypeSendNotification = "sendNotification"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeConnected             = "connected"
	TypeOnlineFriends         = "onlineFriends"
	TypeUserBlocked           = "userBlocked"
	TypeUserUnblocked         = "userUnblocked"
	TypeMessageBlocked        = "messageBlocked"
	TypeReceivePrivateMessage = "receivePrivateMessage"
	TypeNewPrivateMessage     = "newPrivateMessage"
	TypePrivateFileAck        = "privateFileAck"
	TypeNewNotification       = "newNotification"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

var (
	// ErrUnknownType is returned for message types the server does not accept.
	ErrUnknownType = errors.New("protocol: unknown client message type")
	// ErrInvalidPayload is returned when a message fails boundary validation.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every inbound message struct. The concrete
// type is the variant tag handlers switch on.
type ClientMessage interface {
	MessageType() string
}

// RegisterUserMsg announces which user owns the connection.
type RegisterUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId" validate:"required,max=128"`
}

// BlockUserMsg blocks another user on behalf of the registered user.
type BlockUserMsg struct {
	Type      string `json:"type"`
	BlockedID string `json:"blockedId" validate:"required,max=128"`
}

// UnblockUserMsg removes a block created with BlockUserMsg.
type UnblockUserMsg struct {
	Type      string `json:"type"`
	BlockedID string `json:"blockedId" validate:"required,max=128"`
}

// PrivateMessageMsg is a text message to another user.
type PrivateMessageMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId" validate:"required,max=128"`
	ReceiverID string `json:"receiverId" validate:"required,max=128"`
	Message    string `json:"message"`
}

// PrivateFileMsg carries a file attachment. Data is base64 in JSON. AckID is
// echoed back in the privateFileAck reply.
type PrivateFileMsg struct {
	Type       string `json:"type"`
	AckID      string `json:"ackId" validate:"max=64"`
	SenderID   string `json:"senderId" validate:"required,max=128"`
	ReceiverID string `json:"receiverId" validate:"required,max=128"`
	Filename   string `json:"filename" validate:"required,max=255"`
	Filetype   string `json:"filetype" validate:"max=255"`
	Data       []byte `json:"data" validate:"required"`
}

// NotificationPayload is the notification body of SendNotificationMsg.
type NotificationPayload struct {
	SenderID string `json:"senderId" validate:"required,max=128"`
	Type     string `json:"type" validate:"required"`
	Message  string `json:"message" validate:"max=1000"`
	PostID   string `json:"postId,omitempty" validate:"max=128"`
}

// SendNotificationMsg asks the server to notify UserID.
type SendNotificationMsg struct {
	Type         string              `json:"type"`
	UserID       string              `json:"userId" validate:"required,max=128"`
	Notification NotificationPayload `json:"notification"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (RegisterUserMsg) MessageType() string     { return TypeRegisterUser }
func (BlockUserMsg) MessageType() string        { return TypeBlockUser }
func (UnblockUserMsg) MessageType() string      { return TypeUnblockUser }
func (PrivateMessageMsg) MessageType() string   { return TypePrivateMessage }
func (PrivateFileMsg) MessageType() string      { return TypePrivateFile }
func (SendNotificationMsg) MessageType() string { return TypeSendNotification }
func (PingMsg) MessageType() string             { return TypePing }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after the WebSocket upgrade.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// OnlineFriendsMsg is the recipient's current list of online friends.
type OnlineFriendsMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UserBlockedMsg confirms a block.
type UserBlockedMsg struct {
	Type      string `json:"type"`
	BlockedID string `json:"blockedId"`
}

// UserUnblockedMsg confirms an unblock.
type UserUnblockedMsg struct {
	Type      string `json:"type"`
	BlockedID string `json:"blockedId"`
}

// MessageBlockedMsg tells the sender the receiver has blocked them.
type MessageBlockedMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
}

// PrivateMessageOut is the payload of receivePrivateMessage and
// newPrivateMessage.
type PrivateMessageOut struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Message     string    `json:"message"`
	Attachments []string  `json:"attachments,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// PrivateFileAckMsg answers a privateFile request.
type PrivateFileAckMsg struct {
	Type    string `json:"type"`
	AckID   string `json:"ackId,omitempty"`
	Status  string `json:"status"`
	FileURL string `json:"fileUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NotificationOut is a stored notification record as seen by clients.
type NotificationOut struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SenderID  string    `json:"senderId"`
	Type      string    `json:"type"`
	PostID    string    `json:"postId,omitempty"`
	Message   string    `json:"message"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewNotificationMsg wraps a notification record. The record sits under its
// own key because it carries a "type" field of its own.
type NewNotificationMsg struct {
	Type         string          `json:"type"`
	Notification NotificationOut `json:"notification"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated
// client message. Unknown types wrap ErrUnknownType and validation failures
// wrap ErrInvalidPayload.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg ClientMessage
	var err error

	switch env.Type {
	case TypeRegisterUser:
		msg, err = decode[RegisterUserMsg](env.Raw)
	case TypeBlockUser:
		msg, err = decode[BlockUserMsg](env.Raw)
	case TypeUnblockUser:
		msg, err = decode[UnblockUserMsg](env.Raw)
	case TypePrivateMessage:
		msg, err = decode[PrivateMessageMsg](env.Raw)
	case TypePrivateFile:
		msg, err = decode[PrivateFileMsg](env.Raw)
	case TypeSendNotification:
		msg, err = decode[SendNotificationMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: %q: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decode[T ClientMessage](raw json.RawMessage) (T, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := Validate(m); err != nil {
		return m, err
	}
	return m, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
