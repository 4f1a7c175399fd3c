// Package session drives one chat streaming request from send to terminal
// event and reports it through ordered handler callbacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/sse"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
	"github.com/capitalize-ai/assistant-client/pkg/metrics"
	"github.com/capitalize-ai/assistant-client/pkg/tracing"
)

var (
	// ErrRequestFailed wraps any failure to open the stream. It is returned
	// from Run and Wait and is never reported through OnError.
	ErrRequestFailed = errors.New("request failed")

	// ErrEmptyMessage is returned when the message text is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrStreamTruncated is the result error when the stream closes before a
	// terminal event.
	ErrStreamTruncated = errors.New("stream ended before completion")

	// ErrConnection is the result error when reading the stream fails.
	ErrConnection = errors.New("stream connection failed")
)

// BackendError is the result error of a session ended by an error event.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "backend error: " + e.Message
}

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Opener opens the chat event stream for a request. Implementations return
// an error, and no body, when the response status is not successful.
type Opener interface {
	OpenStream(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error)
}

// Handlers receive session events in arrival order. Nil handlers are skipped.
// Handlers for one session never run concurrently with each other.
type Handlers struct {
	OnDelta      func(content string)
	OnMetadata   func(meta model.Metadata)
	OnToolCall   func(call model.ToolCallInfo)
	OnToolResult func(call model.ToolCallInfo)
	OnDone       func(done model.Done)
	OnError      func(message string)

	// OnDecodeError receives frames that could not be decoded. The session
	// keeps streaming afterwards. When nil, the notice goes to OnError.
	OnDecodeError func(message string)
}

// Result summarizes a finished session.
type Result struct {
	State          State
	ConversationID string
	Model          string
	MessageID      string
	ToolCalls      []model.ToolCallInfo
	Duration       time.Duration

	// Err is nil for a completed session.
	Err error
}

// Controller starts sessions against an Opener.
type Controller struct {
	opener     Opener
	logger     *logger.Logger
	decodeOpts []sse.Option
}

// NewController creates a new session controller.
func NewController(opener Opener, log *logger.Logger, decodeOpts ...sse.Option) *Controller {
	log = logger.OrGlobal(log)
	return &Controller{
		opener:     opener,
		logger:     log,
		decodeOpts: append([]sse.Option{sse.WithLogger(log)}, decodeOpts...),
	}
}

// Run executes a session on the calling goroutine and returns once it ends.
// The error is non-nil only when the session never started streaming; every
// failure after that is reported through h.OnError and Result.Err. Cancelling
// ctx abandons the session: no handler starts afterwards.
func (c *Controller) Run(ctx context.Context, req model.ChatRequest, h Handlers) (*Result, error) {
	s := c.newSession(ctx, req, h)
	s.run()
	return s.result, s.err
}

// Start executes a session on a new goroutine.
func (c *Controller) Start(ctx context.Context, req model.ChatRequest, h Handlers) *Session {
	s := c.newSession(ctx, req, h)
	go s.run()
	return s
}

func (c *Controller) newSession(ctx context.Context, req model.ChatRequest, h Handlers) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:        ctx,
		cancel:     cancel,
		req:        req,
		h:          h,
		opener:     c.opener,
		decodeOpts: c.decodeOpts,
		logger: c.logger.With(
			zap.String("conversation_id", req.ConversationID),
			zap.String("model", req.Model),
		),
		done: make(chan struct{}),
	}
}

// Session is one streaming exchange.
type Session struct {
	ctx        context.Context
	cancel     context.CancelFunc
	req        model.ChatRequest
	h          Handlers
	opener     Opener
	decodeOpts []sse.Option
	logger     *logger.Logger

	state     atomic.Int32
	abandoned atomic.Bool
	done      chan struct{}

	// handlerMu is held for reading while a handler runs.
	handlerMu sync.RWMutex

	bodyMu    sync.Mutex
	body      io.ReadCloser
	closeOnce sync.Once

	// Owned by the run goroutine until done is closed.
	started     time.Time
	sawMetadata bool
	toolCalls   []model.ToolCallInfo
	result      *Result
	err         error
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns the same values as
// Controller.Run.
func (s *Session) Wait() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// Abandon stops the session. A handler already running is allowed to finish
// and Abandon waits for it; no handler starts after Abandon returns. OnError
// is not called. Abandon must not be called from inside a handler; cancel the
// session's context there instead.
func (s *Session) Abandon() {
	if s.abandoned.Swap(true) {
		return
	}
	s.cancel()
	s.closeBody()

	// Wait out a running handler.
	s.handlerMu.Lock()
	s.handlerMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	s.started = time.Now()
	s.result = &Result{}

	ctx, span := tracing.Tracer().Start(s.ctx, "session.run", trace.WithAttributes(
		attribute.String("conversation_id", s.req.ConversationID),
		attribute.String("model", s.req.Model),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("state", s.result.State.String()),
			attribute.Int("tool_calls", len(s.result.ToolCalls)),
		)
		if s.result.Err != nil {
			span.RecordError(s.result.Err)
			span.SetStatus(codes.Error, s.result.Err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(s.req.Message) == "" {
		s.reject(ErrEmptyMessage)
		return
	}

	s.state.Store(int32(StateRequesting))
	body, err := s.opener.OpenStream(ctx, s.req)
	if err != nil {
		s.reject(fmt.Errorf("%w: %w", ErrRequestFailed, err))
		return
	}
	s.setBody(body)
	defer s.closeBody()

	// Bodies that ignore ctx still unblock once closed.
	stop := context.AfterFunc(s.ctx, s.closeBody)
	defer stop()

	s.state.Store(int32(StateStreaming))
	s.logger.Debug("stream opened")

	dec := sse.NewDecoder(body, s.decodeOpts...)
	defer dec.Close()

	for {
		ev, err := dec.Next()
		if s.gone() {
			s.finish(StateFailed, context.Canceled, "abandoned")
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if s.dispatch(ev) {
			return
		}
	}
}

// gone reports whether the caller abandoned the session.
func (s *Session) gone() bool {
	return s.abandoned.Load() || s.ctx.Err() != nil
}

func (s *Session) reject(err error) {
	s.logger.Warn("chat request rejected", zap.Error(err))
	s.finish(StateFailed, err, "rejected")
	s.err = err
}

// fail ends a streaming session on a decoder or transport fault.
func (s *Session) fail(err error) {
	var resultErr error
	var message string
	switch {
	case errors.Is(err, io.EOF):
		resultErr = ErrStreamTruncated
		message = ErrStreamTruncated.Error()
	case errors.Is(err, sse.ErrLineTooLong):
		resultErr = err
		message = err.Error()
	default:
		resultErr = fmt.Errorf("%w: %w", ErrConnection, err)
		message = ErrConnection.Error()
	}

	s.logger.Warn("stream ended without terminal event", zap.Error(err))
	s.finish(StateFailed, resultErr, "failed")
	s.invoke(model.EventKindError, func() {
		if s.h.OnError != nil {
			s.h.OnError(message)
		}
	})
}

// dispatch routes one event to its handler. It reports true once the session
// has ended.
func (s *Session) dispatch(ev model.StreamEvent) bool {
	switch e := ev.(type) {
	case model.MessageDelta:
		s.invoke(e.Kind(), func() {
			if s.h.OnDelta != nil {
				s.h.OnDelta(e.Content)
			}
		})

	case model.Metadata:
		if s.sawMetadata {
			s.logger.Warn("dropping duplicate metadata event", zap.String("event_conversation_id", e.ConversationID))
			metrics.RecordAnomaly(metrics.AnomalyDuplicateMeta)
			return false
		}
		s.sawMetadata = true
		s.result.ConversationID = e.ConversationID
		s.result.Model = e.Model
		s.invoke(e.Kind(), func() {
			if s.h.OnMetadata != nil {
				s.h.OnMetadata(e)
			}
		})

	case model.ToolCall:
		call := model.ToolCallInfo{
			Tool:      e.Tool,
			Arguments: e.Arguments,
			Status:    model.ToolCallCalling,
		}
		s.toolCalls = append(s.toolCalls, call)
		s.invoke(e.Kind(), func() {
			if s.h.OnToolCall != nil {
				s.h.OnToolCall(call)
			}
		})

	case model.ToolResult:
		i := s.openToolCall(e.Tool)
		if i < 0 {
			s.logger.Warn("dropping tool result without open call", zap.String("tool", e.Tool))
			metrics.RecordAnomaly(metrics.AnomalyOrphanResult)
			return false
		}
		s.toolCalls[i].Status = model.ToolCallDone
		s.toolCalls[i].Result = e.Result
		call := s.toolCalls[i]
		s.invoke(e.Kind(), func() {
			if s.h.OnToolResult != nil {
				s.h.OnToolResult(call)
			}
		})

	case model.Done:
		s.result.MessageID = e.MessageID
		s.finish(StateCompleted, nil, "completed")
		s.invoke(e.Kind(), func() {
			if s.h.OnDone != nil {
				s.h.OnDone(e)
			}
		})
		return true

	case model.Error:
		if e.Recoverable {
			s.logger.Warn("undecodable stream event", zap.String("detail", e.Message))
			s.invoke(e.Kind(), func() {
				switch {
				case s.h.OnDecodeError != nil:
					s.h.OnDecodeError(e.Message)
				case s.h.OnError != nil:
					s.h.OnError(e.Message)
				}
			})
			return false
		}
		s.finish(StateFailed, &BackendError{Message: e.Message}, "failed")
		s.invoke(e.Kind(), func() {
			if s.h.OnError != nil {
				s.h.OnError(e.Message)
			}
		})
		return true
	}

	return false
}

// openToolCall returns the index of the most recent call to tool that is
// still waiting for its result, or -1.
func (s *Session) openToolCall(tool string) int {
	for i := len(s.toolCalls) - 1; i >= 0; i-- {
		if s.toolCalls[i].Tool == tool && s.toolCalls[i].Status == model.ToolCallCalling {
			return i
		}
	}
	return -1
}

func (s *Session) invoke(kind model.EventKind, fn func()) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()

	if s.gone() {
		return
	}
	metrics.RecordStreamEvent(string(kind))
	fn()
}

func (s *Session) finish(state State, err error, outcome string) {
	s.state.Store(int32(state))

	s.result.State = state
	s.result.Err = err
	s.result.Duration = time.Since(s.started)
	s.result.ToolCalls = append([]model.ToolCallInfo(nil), s.toolCalls...)

	metrics.RecordSession(outcome, s.result.Duration.Seconds())
	fields := []zap.Field{
		zap.String("state", state.String()),
		zap.Duration("duration", s.result.Duration),
		zap.String("message_id", s.result.MessageID),
		zap.Int("tool_calls", len(s.toolCalls)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Info("session ended", fields...)
}

func (s *Session) setBody(body io.ReadCloser) {
	s.bodyMu.Lock()
	s.body = body
	s.bodyMu.Unlock()

	if s.abandoned.Load() {
		s.closeBody()
	}
}

func (s *Session) closeBody() {
	s.bodyMu.Lock()
	body := s.body
	s.bodyMu.Unlock()

	if body == nil {
		return
	}
	s.closeOnce.Do(func() {
		if err := body.Close(); err != nil {
			s.logger.Debug("closing stream body", zap.Error(err))
		}
	})
}
