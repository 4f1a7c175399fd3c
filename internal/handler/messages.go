package handler

import (
	"net/http"

	"github.com/capitalize-ai/assistant-client/internal/middleware"
	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

// MessageHandler handles the non-streaming chat endpoint.
type MessageHandler struct {
	backend      Backend
	defaultModel string
	logger       *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(backend Backend, defaultModel string, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		backend:      backend,
		defaultModel: defaultModel,
		logger:       log,
	}
}

// Send handles POST /api/chat
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r, h.defaultModel)
	if !ok {
		return
	}

	resp, err := h.backend.SendMessage(r.Context(), req)
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "conversation")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeChatRequest reads and validates a chat request body, writing a 400
// on failure.
func decodeChatRequest(w http.ResponseWriter, r *http.Request, defaultModel string) (model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}

	for _, err := range []error{
		middleware.ValidateMessageContent(req.Message),
		middleware.ValidateOptionalConversationID(req.ConversationID),
		middleware.ValidateModel(req.Model),
	} {
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return req, false
		}
	}

	if req.Model == "" {
		req.Model = defaultModel
	}
	return req, true
}
