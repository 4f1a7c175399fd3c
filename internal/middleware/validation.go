package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength bounds the text of a chat message in bytes.
const MaxMessageLength = 100000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateOptionalConversationID accepts an empty ID, meaning a new
// conversation.
func ValidateOptionalConversationID(id string) error {
	if id == "" {
		return nil
	}
	return ValidateConversationID(id)
}

// ValidateTaskID validates a scheduled task ID.
func ValidateTaskID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid task ID format")
	}
	return nil
}

// ValidateMemoryID validates a memory ID. Memory IDs are opaque to the
// gateway.
func ValidateMemoryID(id string) error {
	if id == "" {
		return errors.New("memory ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("memory ID exceeds maximum length")
	}
	return nil
}

// ValidateModel validates an optional model name.
func ValidateModel(name string) error {
	if len(name) > 128 {
		return errors.New("model name exceeds maximum length")
	}
	return nil
}

// ValidateSearchQuery validates a memory search query.
func ValidateSearchQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return errors.New("query cannot be empty")
	}
	if len(q) > 1024 {
		return errors.New("query exceeds maximum length")
	}
	return nil
}
