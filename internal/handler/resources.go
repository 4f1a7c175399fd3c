package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/assistant-client/internal/middleware"
	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/schedule"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

// TaskView is a scheduled task annotated with a locally computed schedule
// preview.
type TaskView struct {
	model.ScheduledTask
	NextRunPreview *time.Time `json:"next_run_preview,omitempty"`
	ScheduleError  string     `json:"schedule_error,omitempty"`
}

// ResourceHandler handles model, memory and task endpoints.
type ResourceHandler struct {
	backend Backend
	logger  *logger.Logger
	now     func() time.Time
}

// NewResourceHandler creates a new resource handler.
func NewResourceHandler(backend Backend, log *logger.Logger) *ResourceHandler {
	return &ResourceHandler{
		backend: backend,
		logger:  log,
		now:     time.Now,
	}
}

// Models handles GET /api/models
func (h *ResourceHandler) Models(w http.ResponseWriter, r *http.Request) {
	models, err := h.backend.ListModels(r.Context())
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "models")
		return
	}
	writeJSON(w, http.StatusOK, model.ListModelsResponse{Models: models})
}

// Memories handles GET /api/memories
func (h *ResourceHandler) Memories(w http.ResponseWriter, r *http.Request) {
	items, err := h.backend.ListMemories(r.Context())
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "memories")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// SearchMemories handles GET /api/memories/search?q=
func (h *ResourceHandler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if err := middleware.ValidateSearchQuery(q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := h.backend.SearchMemories(r.Context(), q)
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "memories")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// DeleteMemory handles DELETE /api/memories/:id
func (h *ResourceHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateMemoryID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.backend.DeleteMemory(r.Context(), id); err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "memory")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tasks handles GET /api/tasks
func (h *ResourceHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.backend.ListTasks(r.Context())
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "tasks")
		return
	}

	now := h.now()
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, annotateTask(t, now))
	}
	writeJSON(w, http.StatusOK, views)
}

// UpdateTask handles PUT /api/tasks/:id with {is_active}.
func (h *ResourceHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.backend.SetTaskActive(r.Context(), id, *req.IsActive)
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "task")
		return
	}
	writeJSON(w, http.StatusOK, annotateTask(*task, h.now()))
}

// DeleteTask handles DELETE /api/tasks/:id
func (h *ResourceHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.backend.DeleteTask(r.Context(), id); err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TaskExecutions handles GET /api/tasks/:id/executions
func (h *ResourceHandler) TaskExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := h.backend.ListTaskExecutions(r.Context(), id)
	if err != nil {
		writeBackendError(w, middleware.RequestLogger(r.Context(), h.logger), err, "task")
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// annotateTask previews the next run of active tasks.
func annotateTask(t model.ScheduledTask, now time.Time) TaskView {
	v := TaskView{ScheduledTask: t}
	if !t.IsActive {
		return v
	}
	next, err := schedule.NextRun(t.CronExpression, t.Timezone, now)
	if err != nil {
		v.ScheduleError = err.Error()
		return v
	}
	if !next.IsZero() {
		v.NextRunPreview = &next
	}
	return v
}
