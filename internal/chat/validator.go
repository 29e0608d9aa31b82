package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("chat: invalid request")

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrInvalid)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalid, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalid)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalid, MaxTextChars)
	}
	return nil
}

// validateParties checks the sender and receiver of a message or upload.
func validateParties(senderID, receiverID string) error {
	if senderID == "" || receiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalid)
	}
	if senderID == receiverID {
		return fmt.Errorf("%w: cannot message yourself", ErrInvalid)
	}
	return nil
}
