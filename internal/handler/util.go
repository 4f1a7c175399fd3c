// Package handler provides the gateway's HTTP handlers.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/backend"
	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

// maxBodyBytes bounds request bodies read by the gateway.
const maxBodyBytes = 1 << 20

// Backend is the subset of backend.Client the gateway proxies to.
type Backend interface {
	SendMessage(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
	ListMemories(ctx context.Context) ([]model.MemoryItem, error)
	SearchMemories(ctx context.Context, query string) ([]model.MemoryItem, error)
	DeleteMemory(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]model.ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
	SetTaskActive(ctx context.Context, id string, active bool) (*model.ScheduledTask, error)
	ListTaskExecutions(ctx context.Context, taskID string) ([]model.TaskExecution, error)
}

// AuditLog stores relayed stream events.
type AuditLog interface {
	Publish(ctx context.Context, rec *model.AuditRecord) (uint64, error)
	Replay(ctx context.Context, conversationID string, afterSequence uint64, limit int) (*model.ReplayResponse, error)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// writeBackendError maps a failed backend call onto a gateway response.
// Client errors from the backend keep their status; anything else is a 502.
func writeBackendError(w http.ResponseWriter, log *logger.Logger, err error, what string) {
	var se *backend.StatusError
	switch {
	case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500:
		writeError(w, se.StatusCode, http.StatusText(se.StatusCode))
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the response.
	default:
		log.Error("backend call failed", zap.String("resource", what), zap.Error(err))
		writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}
