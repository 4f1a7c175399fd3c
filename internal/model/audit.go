package model

import (
	"encoding/json"
	"time"
)

// AuditRecord is one relayed stream event as kept in the session audit log.
type AuditRecord struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Kind           EventKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`

	// Sequence is assigned by the log and set on replay.
	Sequence uint64 `json:"sequence,omitempty"`
}

// ReplayResponse is a page of audit records for one conversation.
type ReplayResponse struct {
	Records      []AuditRecord `json:"records"`
	LastSequence uint64        `json:"last_sequence"`
	HasMore      bool          `json:"has_more"`
}
