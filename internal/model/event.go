package model

// EventKind names a stream event on the wire.
type EventKind string

const (
	EventKindMessage    EventKind = "message"
	EventKindMetadata   EventKind = "metadata"
	EventKindToolCall   EventKind = "tool_call"
	EventKindToolResult EventKind = "tool_result"
	EventKindDone       EventKind = "done"
	EventKindError      EventKind = "error"
)

// StreamEvent is one decoded event of a chat stream. The concrete types are
// MessageDelta, Metadata, ToolCall, ToolResult, Done and Error.
type StreamEvent interface {
	Kind() EventKind
}

// MessageDelta carries incremental assistant text.
type MessageDelta struct {
	Content string `json:"content"`
}

// Metadata identifies the session. Emitted once near the start of a stream.
type Metadata struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
}

// ToolCall reports that the assistant invoked a tool.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries the output of a previously reported tool call.
type ToolResult struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// Done is the terminal success signal.
type Done struct {
	MessageID string `json:"message_id"`
}

// Error is either a terminal failure sent by the backend or, when
// Recoverable is set, a notice that a single frame could not be decoded.
type Error struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"-"`
}

func (MessageDelta) Kind() EventKind { return EventKindMessage }
func (Metadata) Kind() EventKind     { return EventKindMetadata }
func (ToolCall) Kind() EventKind     { return EventKindToolCall }
func (ToolResult) Kind() EventKind   { return EventKindToolResult }
func (Done) Kind() EventKind         { return EventKindDone }
func (Error) Kind() EventKind        { return EventKindError }

// IsTerminal reports whether ev ends a session.
func IsTerminal(ev StreamEvent) bool {
	switch e := ev.(type) {
	case Done:
		return true
	case Error:
		return !e.Recoverable
	default:
		return false
	}
}
