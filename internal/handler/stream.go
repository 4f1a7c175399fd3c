package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/backend"
	"github.com/capitalize-ai/assistant-client/internal/middleware"
	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/session"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
	"github.com/capitalize-ai/assistant-client/pkg/metrics"
)

// SessionHeader carries the relay's session ID.
const SessionHeader = "X-Session-ID"

const auditFlushTimeout = 5 * time.Second

// SessionStarter starts streaming sessions. *session.Controller satisfies it.
type SessionStarter interface {
	Start(ctx context.Context, req model.ChatRequest, h session.Handlers) *session.Session
}

// StreamHandler relays chat streams from the backend. Downstream clients see
// the backend's wire format after the session controller has filtered it:
// malformed frames and orphan results are dropped, metadata appears at most
// once and every stream ends with exactly one done or error event.
type StreamHandler struct {
	sessions     SessionStarter
	audit        AuditLog
	defaultModel string
	heartbeat    time.Duration
	logger       *logger.Logger
}

// NewStreamHandler creates a new stream handler. audit may be nil.
func NewStreamHandler(sessions SessionStarter, audit AuditLog, defaultModel string, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamHandler{
		sessions:     sessions,
		audit:        audit,
		defaultModel: defaultModel,
		heartbeat:    heartbeat,
		logger:       log,
	}
}

// Stream handles POST /api/chat/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := decodeChatRequest(w, r, h.defaultModel)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionID := uuid.NewString()
	log := middleware.RequestLogger(ctx, h.logger).With(zap.String("session_id", sessionID))
	w.Header().Set(SessionHeader, sessionID)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	out := &sseWriter{w: w, flusher: flusher}
	trail := &auditTrail{
		sessionID:      sessionID,
		userID:         middleware.GetUserID(ctx),
		conversationID: req.ConversationID,
	}

	// Written on the session goroutine, read after it ends.
	var lastError string

	relay := func(ev model.StreamEvent) {
		if err := out.send(string(ev.Kind()), ev); err != nil {
			log.Debug("failed to write event", zap.Error(err))
		}
		trail.add(ev)
	}

	sess := h.sessions.Start(ctx, req, session.Handlers{
		OnDelta: func(content string) {
			relay(model.MessageDelta{Content: content})
		},
		OnMetadata: func(meta model.Metadata) {
			trail.assign(meta.ConversationID)
			relay(meta)
		},
		OnToolCall: func(call model.ToolCallInfo) {
			relay(model.ToolCall{Tool: call.Tool, Arguments: call.Arguments})
		},
		OnToolResult: func(call model.ToolCallInfo) {
			relay(model.ToolResult{Tool: call.Tool, Result: call.Result})
		},
		OnDone: func(done model.Done) {
			relay(done)
		},
		OnError: func(message string) {
			// Only the final error is relayed, once the session has ended.
			lastError = message
		},
		OnDecodeError: func(message string) {
			log.Warn("dropped undecodable upstream frame", zap.String("detail", message))
		},
	})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-sess.Done():
			break wait
		case <-ticker.C:
			out.keepAlive()
		}
	}

	result, err := sess.Wait()
	if err != nil {
		if out.wroteHeader() {
			return
		}
		var se *backend.StatusError
		switch {
		case errors.Is(err, session.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled):
		case errors.As(err, &se):
			log.Warn("backend rejected stream", zap.Int("status", se.StatusCode))
			writeError(w, http.StatusBadGateway, "backend request failed")
		default:
			log.Error("failed to open backend stream", zap.Error(err))
			writeError(w, http.StatusBadGateway, "backend request failed")
		}
		return
	}

	switch {
	case result.State == session.StateFailed && errors.Is(result.Err, context.Canceled):
		log.Info("client disconnected")
	case result.State == session.StateFailed:
		if lastError == "" && result.Err != nil {
			lastError = result.Err.Error()
		}
		relay(model.Error{Message: lastError})
	}

	h.flushAudit(ctx, trail, log)
}

func (h *StreamHandler) flushAudit(ctx context.Context, trail *auditTrail, log *logger.Logger) {
	if h.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditFlushTimeout)
	defer cancel()

	for _, rec := range trail.drain() {
		if _, err := h.audit.Publish(ctx, rec); err != nil {
			log.Warn("failed to publish audit record", zap.String("kind", string(rec.Kind)), zap.Error(err))
			return
		}
	}
}

// sseWriter serializes writes from the session goroutine and the heartbeat
// loop. Headers are sent with the first event so that a failed request can
// still be answered with a plain JSON error.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startLocked()
	return sendSSEEvent(s.w, s.flusher, event, data)
}

func (s *sseWriter) keepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	_, _ = fmt.Fprint(s.w, ": keep-alive\n\n")
	s.flusher.Flush()
}

func (s *sseWriter) wroteHeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseWriter) startLocked() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// auditTrail collects the relayed events of one session. Records are
// published when the session ends, once the conversation is known.
type auditTrail struct {
	mu             sync.Mutex
	sessionID      string
	userID         string
	conversationID string
	records        []*model.AuditRecord
}

func (t *auditTrail) assign(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
}

func (t *auditTrail) add(ev model.StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, &model.AuditRecord{
		ID:        uuid.NewString(),
		SessionID: t.sessionID,
		UserID:    t.userID,
		Kind:      ev.Kind(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// drain returns the collected records stamped with the final conversation.
func (t *auditTrail) drain() []*model.AuditRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.records
	t.records = nil
	for _, rec := range records {
		rec.ConversationID = t.conversationID
	}
	return records
}
