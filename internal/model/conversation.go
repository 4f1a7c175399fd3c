// Package model defines the records exchanged with the assistant backend.
package model

import (
	"time"
)

// Conversation represents a conversation thread.
type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	Title     *string   `json:"title" yaml:"title"`
	Model     string    `json:"model" yaml:"model"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// Messages is only populated by the detail endpoint.
	Messages []Message `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// DisplayTitle returns the title, or a placeholder for untitled conversations.
func (c *Conversation) DisplayTitle() string {
	if c.Title == nil || *c.Title == "" {
		return "New conversation"
	}
	return *c.Title
}

// ModelInfo describes a model the backend can route to.
type ModelInfo struct {
	ID      string `json:"id" yaml:"id"`
	OwnedBy string `json:"owned_by" yaml:"owned_by"`
}

// ListModelsResponse is the response for listing models.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// MemoryItem is a long-term memory the assistant keeps about the user.
type MemoryItem struct {
	ID        string         `json:"id" yaml:"id"`
	Memory    string         `json:"memory" yaml:"memory"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt *string        `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt *string        `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}
