package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"simple", "hello", false},
		{"multibyte at limit", strings.Repeat("é", MaxTextChars), false},
		{"empty", "", true},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), true},
		{"too many runes", strings.Repeat("é", MaxTextChars+1), true},
		{"invalid utf8", "bad \xff byte", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("ValidateMessage() error = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateMessage() unexpected error: %v", err)
			}
		})
	}
}
