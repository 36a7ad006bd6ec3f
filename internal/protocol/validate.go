package protocol

import (
	"fmt"
	"unicode/utf8"
)

// Chat text limits. Text must satisfy both.
const (
	MaxMessageBytes = 4096 // encoded size of the text in bytes
	MaxTextChars    = 2000 // length of the text in runes
)

// ValidateChatText checks that chat text is non-empty, within the size
// limits and valid UTF-8.
func ValidateChatText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
