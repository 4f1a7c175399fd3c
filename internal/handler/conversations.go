package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/middleware"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	backend Backend
	audit   AuditLog
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler. audit may be
// nil when the audit log is disabled.
func NewConversationHandler(backend Backend, audit AuditLog, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		backend: backend,
		audit:   audit,
		logger:  log,
	}
}

// List handles GET /api/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.backend.ListConversations(r.Context())
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// Get handles GET /api/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.backend.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.backend.DeleteConversation(r.Context(), conversationID); err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /api/conversations/:id/events
// Supports ?after_sequence=N&limit=M for paging through the audit log.
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}

	var afterSequence uint64
	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		parsed, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = parsed
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	resp, err := h.audit.Replay(r.Context(), conversationID, afterSequence, limit)
	if err != nil {
		middleware.RequestLogger(r.Context(), h.logger).Error("failed to replay audit log",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to replay events")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
