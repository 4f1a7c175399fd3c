package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a conversation message.
type Message struct {
	ID         string    `json:"id" yaml:"id"`
	Role       Role      `json:"role" yaml:"role"`
	Content    string    `json:"content" yaml:"content"`
	Model      *string   `json:"model,omitempty" yaml:"model,omitempty"`
	TokenUsage *int      `json:"token_usage,omitempty" yaml:"token_usage,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

// ChatResponse is the response of the non-streaming chat endpoint.
type ChatResponse struct {
	ConversationID string  `json:"conversation_id" yaml:"conversation_id"`
	Message        Message `json:"message" yaml:"message"`
}

// ToolCallStatus is the lifecycle state of a tool call within a session.
type ToolCallStatus string

const (
	ToolCallCalling ToolCallStatus = "calling"
	ToolCallDone    ToolCallStatus = "done"
)

// ToolCallInfo is a tool invocation as tracked while a reply streams.
type ToolCallInfo struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Status    ToolCallStatus `json:"status"`
	Result    string         `json:"result,omitempty"`
}
