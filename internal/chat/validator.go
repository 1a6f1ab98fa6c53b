package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes  = 4096 // max encoded text size
	MaxTextChars     = 2000 // max character count
	MaxUserNameChars = 64   // max display-name character count
)

// ValidateText checks that a chat message body meets content requirements.
// Content is otherwise passed through verbatim; only size and encoding are
// enforced here.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateUserName checks a requester-supplied display name. Names are
// untrusted and displayed as-is by clients, so only size and encoding are
// checked.
func ValidateUserName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("user name is empty")
	}
	if utf8.RuneCountInString(name) > MaxUserNameChars {
		return fmt.Errorf("user name exceeds %d character limit", MaxUserNameChars)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("user name contains invalid UTF-8")
	}
	return nil
}
