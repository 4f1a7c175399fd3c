// Package chatview holds the view state of one chat window and updates it
// from session handler callbacks.
package chatview

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/session"
)

// tempIDPrefix marks messages that exist only locally.
const tempIDPrefix = "temp-"

// View is a point-in-time copy of the state.
type View struct {
	ConversationID string
	Model          string
	Messages       []model.Message
	StreamingText  string
	ToolCalls      []model.ToolCallInfo
	Streaming      bool
	LastError      string
}

// State is the chat window state. It is safe for concurrent use: handlers
// run on the session goroutine while readers take snapshots.
type State struct {
	mu sync.Mutex

	conversationID string
	model          string
	messages       []model.Message
	buf            strings.Builder
	toolCalls      []model.ToolCallInfo
	streaming      bool
	lastError      string

	observer session.Handlers
	now      func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithObserver registers handlers that run after each state update, for
// rendering.
func WithObserver(h session.Handlers) Option {
	return func(s *State) {
		s.observer = h
	}
}

// WithClock overrides the time source used for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// New creates an empty state that sends requests with modelName.
func New(modelName string, opts ...Option) *State {
	s := &State{model: modelName, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin appends the user's message optimistically, resets the streaming
// buffers and returns the request to send.
func (s *State) Begin(text string) model.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, model.Message{
		ID:        tempIDPrefix + uuid.NewString(),
		Role:      model.RoleUser,
		Content:   text,
		CreatedAt: s.now(),
	})
	s.clearStreamingLocked()
	s.streaming = true
	s.lastError = ""

	return model.ChatRequest{
		Message:        text,
		ConversationID: s.conversationID,
		Model:          s.model,
	}
}

// Fail ends a turn that never reached the stream.
func (s *State) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearStreamingLocked()
	s.streaming = false
	if err != nil {
		s.lastError = err.Error()
	}
}

// Handlers returns session handlers bound to this state.
func (s *State) Handlers() session.Handlers {
	return session.Handlers{
		OnDelta: func(content string) {
			s.mu.Lock()
			s.buf.WriteString(content)
			s.mu.Unlock()
			if s.observer.OnDelta != nil {
				s.observer.OnDelta(content)
			}
		},
		OnMetadata: func(meta model.Metadata) {
			s.mu.Lock()
			s.conversationID = meta.ConversationID
			if meta.Model != "" {
				s.model = meta.Model
			}
			s.mu.Unlock()
			if s.observer.OnMetadata != nil {
				s.observer.OnMetadata(meta)
			}
		},
		OnToolCall: func(call model.ToolCallInfo) {
			s.mu.Lock()
			s.toolCalls = append(s.toolCalls, call)
			s.mu.Unlock()
			if s.observer.OnToolCall != nil {
				s.observer.OnToolCall(call)
			}
		},
		OnToolResult: func(call model.ToolCallInfo) {
			s.mu.Lock()
			for i := len(s.toolCalls) - 1; i >= 0; i-- {
				tc := s.toolCalls[i]
				if tc.Tool == call.Tool && tc.Status == model.ToolCallCalling {
					s.toolCalls[i] = call
					break
				}
			}
			s.mu.Unlock()
			if s.observer.OnToolResult != nil {
				s.observer.OnToolResult(call)
			}
		},
		OnDone: func(done model.Done) {
			s.mu.Lock()
			msg := model.Message{
				ID:        done.MessageID,
				Role:      model.RoleAssistant,
				Content:   s.buf.String(),
				CreatedAt: s.now(),
			}
			if s.model != "" {
				m := s.model
				msg.Model = &m
			}
			s.messages = append(s.messages, msg)
			s.clearStreamingLocked()
			s.streaming = false
			s.mu.Unlock()
			if s.observer.OnDone != nil {
				s.observer.OnDone(done)
			}
		},
		OnError: func(message string) {
			s.mu.Lock()
			s.clearStreamingLocked()
			s.streaming = false
			s.lastError = message
			s.mu.Unlock()
			if s.observer.OnError != nil {
				s.observer.OnError(message)
			}
		},
		OnDecodeError: func(message string) {
			// The reply keeps streaming; only the notice is recorded.
			s.mu.Lock()
			s.lastError = message
			s.mu.Unlock()
			switch {
			case s.observer.OnDecodeError != nil:
				s.observer.OnDecodeError(message)
			case s.observer.OnError != nil:
				s.observer.OnError(message)
			}
		},
	}
}

// Reset starts a new conversation.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversationID = ""
	s.messages = nil
	s.clearStreamingLocked()
	s.streaming = false
	s.lastError = ""
}

// Load replaces the state with a stored conversation.
func (s *State) Load(conv *model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversationID = conv.ID
	s.messages = append([]model.Message(nil), conv.Messages...)
	if conv.Model != "" {
		s.model = conv.Model
	}
	s.clearStreamingLocked()
	s.streaming = false
	s.lastError = ""
}

// SetModel changes the model used for the next request.
func (s *State) SetModel(name string) {
	s.mu.Lock()
	s.model = name
	s.mu.Unlock()
}

// ConversationID returns the active conversation id, empty for a new chat.
func (s *State) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Snapshot copies the current state.
func (s *State) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	return View{
		ConversationID: s.conversationID,
		Model:          s.model,
		Messages:       append([]model.Message(nil), s.messages...),
		StreamingText:  s.buf.String(),
		ToolCalls:      append([]model.ToolCallInfo(nil), s.toolCalls...),
		Streaming:      s.streaming,
		LastError:      s.lastError,
	}
}

// IsLocal reports whether msg was added by Begin and not yet replaced by a
// stored copy.
func IsLocal(msg model.Message) bool {
	return strings.HasPrefix(msg.ID, tempIDPrefix)
}

func (s *State) clearStreamingLocked() {
	s.buf.Reset()
	s.toolCalls = nil
}
