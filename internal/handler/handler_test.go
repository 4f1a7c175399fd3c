package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/assistant-client/internal/backend"
	"github.com/capitalize-ai/assistant-client/internal/handler"
	"github.com/capitalize-ai/assistant-client/internal/middleware"
	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/session"
	"github.com/capitalize-ai/assistant-client/internal/sse"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

func TestHandler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handler Suite")
}

const (
	convID = "5f0b3c2a-9d1e-4c6b-8a7f-0e1d2c3b4a59"
	taskID = "9a8b7c6d-5e4f-4a3b-9c2d-1e0f9a8b7c6d"
)

type memoryAudit struct {
	mu      sync.Mutex
	records []model.AuditRecord
	err     error
}

func (a *memoryAudit) Publish(_ context.Context, rec *model.AuditRecord) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	r := *rec
	r.Sequence = uint64(len(a.records) + 1)
	a.records = append(a.records, r)
	return r.Sequence, nil
}

func (a *memoryAudit) Replay(_ context.Context, conversationID string, after uint64, limit int) (*model.ReplayResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp := &model.ReplayResponse{Records: []model.AuditRecord{}}
	for _, r := range a.records {
		if r.ConversationID != conversationID || r.Sequence <= after {
			continue
		}
		if len(resp.Records) == limit {
			resp.HasMore = true
			break
		}
		resp.Records = append(resp.Records, r)
		resp.LastSequence = r.Sequence
	}
	return resp, nil
}

func (a *memoryAudit) Records() []model.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.AuditRecord(nil), a.records...)
}

type brokerStatus bool

func (b brokerStatus) IsConnected() bool { return bool(b) }

func frame(kind, data string) string {
	return "event: " + kind + "\ndata: " + data + "\n\n"
}

func decodeAll(body io.Reader) []model.StreamEvent {
	dec := sse.NewDecoder(body)
	var events []model.StreamEvent
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		Expect(err).NotTo(HaveOccurred())
		events = append(events, ev)
	}
}

var _ = Describe("Gateway", func() {
	var (
		upstream *http.ServeMux
		server   *httptest.Server
		audit    *memoryAudit
		cfg      handler.RouterConfig
		router   http.Handler
	)

	BeforeEach(func() {
		upstream = http.NewServeMux()
		server = httptest.NewServer(upstream)
		DeferCleanup(server.Close)

		client, err := backend.New(server.URL, backend.WithLogger(logger.NewNop()))
		Expect(err).NotTo(HaveOccurred())

		audit = &memoryAudit{}
		cfg = handler.RouterConfig{
			Backend:         client,
			Sessions:        session.NewController(client, logger.NewNop()),
			Audit:           audit,
			DefaultModel:    "qwen-plus",
			StreamHeartbeat: time.Minute,
			Logger:          logger.NewNop(),
		}
	})

	JustBeforeEach(func() {
		router = handler.NewRouter(cfg)
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	Describe("health", func() {
		It("reports healthy", func() {
			Expect(do(http.MethodGet, "/health", "").Code).To(Equal(http.StatusOK))
		})

		It("is ready when the backend answers", func() {
			upstream.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"models":[]}`)
			})
			Expect(do(http.MethodGet, "/ready", "").Code).To(Equal(http.StatusOK))
		})

		It("is not ready when the backend fails", func() {
			upstream.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			})
			rec := do(http.MethodGet, "/ready", "")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.String()).To(ContainSubstring("backend unreachable"))
		})

		Context("with a disconnected broker", func() {
			BeforeEach(func() {
				cfg.NATS = brokerStatus(false)
			})

			It("is not ready", func() {
				rec := do(http.MethodGet, "/ready", "")
				Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
				Expect(rec.Body.String()).To(ContainSubstring("NATS"))
			})
		})
	})

	Describe("conversations", func() {
		It("proxies list, get and delete", func() {
			upstream.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `[{"id":"`+convID+`","title":"Trip","model":"m"}]`)
			})
			upstream.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"id":"`+r.PathValue("id")+`","title":null,"model":"m","messages":[]}`)
			})
			upstream.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})

			rec := do(http.MethodGet, "/api/conversations", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("Trip"))

			rec = do(http.MethodGet, "/api/conversations/"+convID, "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(convID))

			Expect(do(http.MethodDelete, "/api/conversations/"+convID, "").Code).To(Equal(http.StatusNoContent))
		})

		It("rejects malformed ids", func() {
			Expect(do(http.MethodGet, "/api/conversations/not-a-uuid", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("maps a backend 404", func() {
			upstream.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			})
			rec := do(http.MethodGet, "/api/conversations/"+convID, "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(rec.Body.String()).To(ContainSubstring("conversation not found"))
		})

		It("maps a backend failure to 502", func() {
			upstream.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			})
			Expect(do(http.MethodGet, "/api/conversations", "").Code).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("POST /api/chat", func() {
		It("applies the default model", func() {
			upstream.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
				var req model.ChatRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				Expect(req.Model).To(Equal("qwen-plus"))
				_, _ = io.WriteString(w, `{"conversation_id":"`+convID+`","message":{"id":"m","role":"assistant","content":"hi"}}`)
			})

			rec := do(http.MethodPost, "/api/chat", `{"message":"hello"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(convID))
		})

		It("validates the body", func() {
			Expect(do(http.MethodPost, "/api/chat", `{`).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPost, "/api/chat", `{"message":"  "}`).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPost, "/api/chat", `{"message":"hi","conversation_id":"x"}`).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPost, "/api/chat", `{"message":"hi"}{"message":"again"}`).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/chat/stream", func() {
		serveStream := func(stream string) {
			upstream.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, stream)
			})
		}

		It("relays a cleaned stream and audits it", func() {
			serveStream(frame("metadata", `{"conversation_id":"`+convID+`","model":"qwen"}`) +
				frame("message", `{"content":"Hel"}`) +
				"event: message\ndata: {not json\n\n" +
				frame("tool_result", `{"tool":"ghost","result":"r"}`) +
				frame("metadata", `{"conversation_id":"other","model":"m"}`) +
				frame("mystery", `{"a":1}`) +
				frame("tool_call", `{"tool":"search","arguments":{"q":"go"}}`) +
				frame("tool_result", `{"tool":"search","result":"ok"}`) +
				frame("message", `{"content":"lo"}`) +
				frame("done", `{"message_id":"m-1"}`))

			rec := do(http.MethodPost, "/api/chat/stream", `{"message":"hi"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("text/event-stream"))
			Expect(rec.Header().Get(handler.SessionHeader)).NotTo(BeEmpty())

			Expect(decodeAll(rec.Body)).To(Equal([]model.StreamEvent{
				model.Metadata{ConversationID: convID, Model: "qwen"},
				model.MessageDelta{Content: "Hel"},
				model.ToolCall{Tool: "search", Arguments: map[string]any{"q": "go"}},
				model.ToolResult{Tool: "search", Result: "ok"},
				model.MessageDelta{Content: "lo"},
				model.Done{MessageID: "m-1"},
			}))

			records := audit.Records()
			Expect(records).To(HaveLen(6))
			kinds := make([]model.EventKind, 0, len(records))
			for _, r := range records {
				Expect(r.ConversationID).To(Equal(convID))
				Expect(r.SessionID).To(Equal(rec.Header().Get(handler.SessionHeader)))
				kinds = append(kinds, r.Kind)
			}
			Expect(kinds).To(Equal([]model.EventKind{
				model.EventKindMetadata, model.EventKindMessage, model.EventKindToolCall,
				model.EventKindToolResult, model.EventKindMessage, model.EventKindDone,
			}))
			Expect(string(records[1].Payload)).To(MatchJSON(`{"content":"Hel"}`))
		})

		It("ends a truncated stream with one error event", func() {
			serveStream(frame("message", `{"content":"par"}`) + "event: message\ndata: {\"content\":\"tial")

			rec := do(http.MethodPost, "/api/chat/stream", `{"message":"hi"}`)
			Expect(decodeAll(rec.Body)).To(Equal([]model.StreamEvent{
				model.MessageDelta{Content: "par"},
				model.Error{Message: "stream ended before completion"},
			}))
		})

		It("reports the truncation rather than an earlier undecodable frame", func() {
			serveStream(frame("message", `{"content":"par"}`) +
				"event: message\ndata: {not json\n\n" +
				"event: message\ndata: {\"content\":\"tial")

			rec := do(http.MethodPost, "/api/chat/stream", `{"message":"hi"}`)
			Expect(decodeAll(rec.Body)).To(Equal([]model.StreamEvent{
				model.MessageDelta{Content: "par"},
				model.Error{Message: "stream ended before completion"},
			}))
		})

		It("relays a backend error event", func() {
			serveStream(frame("error", `{"message":"model overloaded"}`) + frame("message", `{"content":"late"}`))

			rec := do(http.MethodPost, "/api/chat/stream", `{"message":"hi"}`)
			Expect(decodeAll(rec.Body)).To(Equal([]model.StreamEvent{
				model.Error{Message: "model overloaded"},
			}))
		})

		It("answers 502 when the backend refuses the stream", func() {
			upstream.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			})

			rec := do(http.MethodPost, "/api/chat/stream", `{"message":"hi"}`)
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(audit.Records()).To(BeEmpty())
		})

		It("rejects an empty message before contacting the backend", func() {
			rec := do(http.MethodPost, "/api/chat/stream", `{"message":""}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("keeps streaming when the audit log fails", func() {
			audit.err = errors.New("broker down")
			serveStream(frame("done", `{"message_id":"m"}`))

			rec := do(http.MethodPost, "/api/chat/stream", `{"message":"hi"}`)
			Expect(decodeAll(rec.Body)).To(Equal([]model.StreamEvent{model.Done{MessageID: "m"}}))
		})

		It("abandons the upstream stream when the client disconnects", func() {
			released := make(chan struct{})
			upstream.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, frame("message", `{"content":"first"}`))
				w.(http.Flusher).Flush()
				<-r.Context().Done()
				close(released)
			})

			gateway := httptest.NewServer(router)
			DeferCleanup(gateway.Close)

			ctx, cancel := context.WithCancel(context.Background())
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.URL+"/api/chat/stream", strings.NewReader(`{"message":"hi"}`))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())

			dec := sse.NewDecoder(resp.Body)
			ev, err := dec.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(ev).To(Equal(model.MessageDelta{Content: "first"}))

			cancel()
			_ = resp.Body.Close()
			Eventually(released).Should(BeClosed())
		})
	})

	Describe("tasks", func() {
		It("annotates tasks with a schedule preview", func() {
			upstream.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `[
					{"id":"`+taskID+`","name":"digest","cron_expression":"0 9 * * *","timezone":"UTC","is_active":true},
					{"id":"t-2","name":"broken","cron_expression":"nope","timezone":"UTC","is_active":true},
					{"id":"t-3","name":"paused","cron_expression":"0 9 * * *","timezone":"UTC","is_active":false}
				]`)
			})

			rec := do(http.MethodGet, "/api/tasks", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var views []handler.TaskView
			Expect(json.Unmarshal(rec.Body.Bytes(), &views)).To(Succeed())
			Expect(views).To(HaveLen(3))
			Expect(views[0].NextRunPreview).NotTo(BeNil())
			Expect(views[0].NextRunPreview.Hour()).To(Equal(9))
			Expect(views[1].ScheduleError).To(ContainSubstring("invalid cron expression"))
			Expect(views[2].NextRunPreview).To(BeNil())
			Expect(views[2].ScheduleError).To(BeEmpty())
		})

		It("toggles a task", func() {
			upstream.HandleFunc("PUT /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"id":"`+taskID+`","name":"digest","cron_expression":"0 9 * * *","timezone":"UTC","is_active":false}`)
			})

			rec := do(http.MethodPut, "/api/tasks/"+taskID, `{"is_active":false}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"is_active":false`))

			Expect(do(http.MethodPut, "/api/tasks/"+taskID, `{}`).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPut, "/api/tasks/bad", `{"is_active":true}`).Code).To(Equal(http.StatusBadRequest))
		})

		It("lists executions", func() {
			upstream.HandleFunc("GET /api/tasks/{id}/executions", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `[{"id":"e","task_id":"`+taskID+`","status":"failed","error":"timeout"}]`)
			})

			rec := do(http.MethodGet, "/api/tasks/"+taskID+"/executions", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("timeout"))
		})
	})

	Describe("memories", func() {
		It("requires a search query", func() {
			Expect(do(http.MethodGet, "/api/memories/search", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("proxies search", func() {
			upstream.HandleFunc("GET /api/memories/search", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `[{"id":"mem","memory":"`+r.URL.Query().Get("q")+`"}]`)
			})

			rec := do(http.MethodGet, "/api/memories/search?q=tea", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("tea"))
		})
	})

	Describe("GET /api/conversations/{id}/events", func() {
		It("replays audited records", func() {
			_, _ = audit.Publish(context.Background(), &model.AuditRecord{ID: "a", ConversationID: convID, Kind: model.EventKindDone})
			_, _ = audit.Publish(context.Background(), &model.AuditRecord{ID: "b", ConversationID: "other", Kind: model.EventKindDone})

			rec := do(http.MethodGet, "/api/conversations/"+convID+"/events", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp model.ReplayResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Records).To(HaveLen(1))
			Expect(resp.LastSequence).To(Equal(uint64(1)))

			Expect(do(http.MethodGet, "/api/conversations/"+convID+"/events?after_sequence=x", "").Code).To(Equal(http.StatusBadRequest))
		})

		Context("without an audit log", func() {
			BeforeEach(func() {
				cfg.Audit = nil
			})

			It("is unavailable", func() {
				Expect(do(http.MethodGet, "/api/conversations/"+convID+"/events", "").Code).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Context("with authentication", func() {
		const secret = "s3cret"

		BeforeEach(func() {
			cfg.AuthEnabled = true
			cfg.JWTSecret = secret
		})

		bearer := func(scopes ...string) string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
				Scopes:           scopes,
			}).SignedString([]byte(secret))
			Expect(err).NotTo(HaveOccurred())
			return "Bearer " + token
		}

		It("requires a token on the API", func() {
			Expect(do(http.MethodGet, "/api/models", "").Code).To(Equal(http.StatusUnauthorized))
			Expect(do(http.MethodGet, "/health", "").Code).To(Equal(http.StatusOK))
		})

		It("requires the audit scope for replay", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+convID+"/events", nil)
			req.Header.Set("Authorization", bearer())
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusForbidden))

			req = httptest.NewRequest(http.MethodGet, "/api/conversations/"+convID+"/events", nil)
			req.Header.Set("Authorization", bearer(middleware.ScopeAudit))
			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("tags audit records with the user", func() {
			upstream.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, frame("done", `{"message_id":"m"}`))
			})

			req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hi","conversation_id":"`+convID+`"}`))
			req.Header.Set("Authorization", bearer())
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			records := audit.Records()
			Expect(records).To(HaveLen(1))
			Expect(records[0].UserID).To(Equal("user-1"))
			Expect(records[0].ConversationID).To(Equal(convID))
		})
	})
})
