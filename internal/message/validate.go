package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max payload size on the wire
	MaxContentChars = 2000 // max character count
)

// ErrEmpty is returned for content that is empty after trimming. It is
// rejected before any I/O happens, so a failed validation has no side
// effects.
var ErrEmpty = errors.New("message: content is empty")

// Validate checks that trimmed message content meets content requirements.
func Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmpty
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message: content contains invalid UTF-8")
	}
	return nil
}
