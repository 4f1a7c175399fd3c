package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/session"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if c, ok := b.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *trackedBody) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeOpener struct {
	body  io.ReadCloser
	err   error
	calls int
	got   model.ChatRequest
}

func (f *fakeOpener) OpenStream(_ context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

// recorder logs every handler invocation in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) handlers() session.Handlers {
	return session.Handlers{
		OnDelta:    func(content string) { r.add("delta:%s", content) },
		OnMetadata: func(meta model.Metadata) { r.add("metadata:%s:%s", meta.ConversationID, meta.Model) },
		OnToolCall: func(call model.ToolCallInfo) { r.add("tool_call:%s:%s", call.Tool, call.Status) },
		OnToolResult: func(call model.ToolCallInfo) {
			r.add("tool_result:%s:%s:%s", call.Tool, call.Status, call.Result)
		},
		OnDone:  func(done model.Done) { r.add("done:%s", done.MessageID) },
		OnError: func(message string) { r.add("error:%s", message) },
	}
}

func frame(kind, data string) string {
	return "event: " + kind + "\ndata: " + data + "\n\n"
}

var request = model.ChatRequest{Message: "what's the weather?", ConversationID: "c-1", Model: "qwen-max"}

var _ = Describe("Controller", func() {
	var (
		opener *fakeOpener
		rec    *recorder
		ctrl   *session.Controller
	)

	stream := func(frames ...string) *trackedBody {
		body := &trackedBody{Reader: strings.NewReader(strings.Join(frames, ""))}
		opener.body = body
		return body
	}

	BeforeEach(func() {
		opener = &fakeOpener{}
		rec = &recorder{}
		ctrl = session.NewController(opener, logger.NewNop())
	})

	Describe("Run", func() {
		It("dispatches events in arrival order and completes on done", func() {
			body := stream(
				frame("metadata", `{"conversation_id":"c-1","model":"qwen-max"}`),
				frame("message", `{"content":"It is "}`),
				frame("message", `{"content":"sunny."}`),
				frame("done", `{"message_id":"m-1"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Calls()).To(Equal([]string{
				"metadata:c-1:qwen-max",
				"delta:It is ",
				"delta:sunny.",
				"done:m-1",
			}))
			Expect(result.State).To(Equal(session.StateCompleted))
			Expect(result.ConversationID).To(Equal("c-1"))
			Expect(result.Model).To(Equal("qwen-max"))
			Expect(result.MessageID).To(Equal("m-1"))
			Expect(result.Err).NotTo(HaveOccurred())
			Expect(body.Closed()).To(BeTrue())
			Expect(opener.got).To(Equal(request))
		})

		It("pairs a tool result with its call", func() {
			stream(
				frame("tool_call", `{"tool":"x","arguments":{}}`),
				frame("tool_result", `{"tool":"x","result":"ok"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ToolCalls).To(Equal([]model.ToolCallInfo{
				{Tool: "x", Arguments: map[string]any{}, Status: model.ToolCallDone, Result: "ok"},
			}))
			Expect(rec.Calls()).To(Equal([]string{
				"tool_call:x:calling",
				"tool_result:x:done:ok",
				"done:m",
			}))
		})

		It("resolves the most recent open call with the same tool name", func() {
			stream(
				frame("tool_call", `{"tool":"search","arguments":{"q":"a"}}`),
				frame("tool_call", `{"tool":"search","arguments":{"q":"b"}}`),
				frame("tool_result", `{"tool":"search","result":"for b"}`),
				frame("tool_result", `{"tool":"search","result":"for a"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ToolCalls).To(HaveLen(2))
			Expect(result.ToolCalls[0].Arguments).To(HaveKeyWithValue("q", "a"))
			Expect(result.ToolCalls[0].Result).To(Equal("for a"))
			Expect(result.ToolCalls[1].Arguments).To(HaveKeyWithValue("q", "b"))
			Expect(result.ToolCalls[1].Result).To(Equal("for b"))
		})

		It("drops a tool result with no open call", func() {
			stream(
				frame("tool_call", `{"tool":"a","arguments":{}}`),
				frame("tool_result", `{"tool":"b","result":"stray"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ToolCalls).To(Equal([]model.ToolCallInfo{
				{Tool: "a", Arguments: map[string]any{}, Status: model.ToolCallCalling},
			}))
			Expect(rec.Calls()).To(Equal([]string{"tool_call:a:calling", "done:m"}))
		})

		It("drops a second result for an already resolved call", func() {
			stream(
				frame("tool_call", `{"tool":"a","arguments":{}}`),
				frame("tool_result", `{"tool":"a","result":"1"}`),
				frame("tool_result", `{"tool":"a","result":"2"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, _ := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(result.ToolCalls).To(HaveLen(1))
			Expect(result.ToolCalls[0].Result).To(Equal("1"))
		})

		It("invokes nothing after done even if more bytes follow", func() {
			stream(
				frame("message", `{"content":"a"}`),
				frame("done", `{"message_id":"m"}`),
				frame("message", `{"content":"late"}`),
				frame("error", `{"message":"late error"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateCompleted))
			Expect(rec.Calls()).To(Equal([]string{"delta:a", "done:m"}))
		})

		It("reports a malformed payload and keeps streaming", func() {
			stream(
				frame("message", `{oops`),
				frame("message", `{"content":"still here"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateCompleted))
			calls := rec.Calls()
			Expect(calls).To(HaveLen(3))
			Expect(calls[0]).To(HavePrefix("error:failed to parse server event: data: {oops"))
			Expect(calls[1:]).To(Equal([]string{"delta:still here", "done:m"}))
		})

		It("routes malformed frames to OnDecodeError when set", func() {
			stream(
				frame("message", `{"content":"Hello "}`),
				frame("message", `{bad`),
				frame("message", `{"content":"world"}`),
				frame("done", `{"message_id":"m"}`),
			)
			h := rec.handlers()
			h.OnDecodeError = func(message string) { rec.add("decode_error:%s", message) }

			result, err := ctrl.Run(context.Background(), request, h)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateCompleted))
			calls := rec.Calls()
			Expect(calls).To(HaveLen(4))
			Expect(calls[0]).To(Equal("delta:Hello "))
			Expect(calls[1]).To(HavePrefix("decode_error:failed to parse server event"))
			Expect(calls[2:]).To(Equal([]string{"delta:world", "done:m"}))
		})

		It("ends the session on a backend error event", func() {
			stream(
				frame("message", `{"content":"partial"}`),
				frame("error", `{"message":"model overloaded"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateFailed))

			var backendErr *session.BackendError
			Expect(errors.As(result.Err, &backendErr)).To(BeTrue())
			Expect(backendErr.Message).To(Equal("model overloaded"))
			Expect(rec.Calls()).To(Equal([]string{"delta:partial", "error:model overloaded"}))
		})

		It("delivers at most one metadata event", func() {
			stream(
				frame("metadata", `{"conversation_id":"c-1","model":"a"}`),
				frame("metadata", `{"conversation_id":"c-2","model":"b"}`),
				frame("done", `{"message_id":"m"}`),
			)

			result, _ := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(result.ConversationID).To(Equal("c-1"))
			Expect(rec.Calls()).To(Equal([]string{"metadata:c-1:a", "done:m"}))
		})

		It("fails when the stream closes before a terminal event", func() {
			stream(
				frame("message", `{"content":"a"}`),
				"event: done\ndata: {\"message_id\":\"m\"}",
			)

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateFailed))
			Expect(result.Err).To(MatchError(session.ErrStreamTruncated))
			Expect(rec.Calls()).To(Equal([]string{"delta:a", "error:stream ended before completion"}))
		})

		It("fails on a transport fault mid-stream", func() {
			reset := errors.New("connection reset by peer")
			opener.body = &trackedBody{Reader: io.MultiReader(
				strings.NewReader(frame("message", `{"content":"a"}`)),
				iotest.ErrReader(reset),
			)}

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateFailed))
			Expect(result.Err).To(MatchError(session.ErrConnection))
			Expect(result.Err).To(MatchError(reset))
			Expect(rec.Calls()).To(Equal([]string{"delta:a", "error:stream connection failed"}))
		})

		It("rejects the call when the stream cannot be opened", func() {
			opener.err = errors.New("stream failed: 502")

			result, err := ctrl.Run(context.Background(), request, rec.handlers())
			Expect(err).To(MatchError(session.ErrRequestFailed))
			Expect(err).To(MatchError(ContainSubstring("502")))
			Expect(result.State).To(Equal(session.StateFailed))
			Expect(rec.Calls()).To(BeEmpty())
		})

		It("rejects an empty message without a request", func() {
			_, err := ctrl.Run(context.Background(), model.ChatRequest{Message: "  "}, rec.handlers())
			Expect(err).To(MatchError(session.ErrEmptyMessage))
			Expect(opener.calls).To(BeZero())
		})

		It("tolerates missing handlers", func() {
			stream(
				frame("metadata", `{"conversation_id":"c","model":"m"}`),
				frame("tool_call", `{"tool":"t","arguments":{}}`),
				frame("tool_result", `{"tool":"t","result":"r"}`),
				frame("message", `{bad`),
				frame("done", `{"message_id":"m"}`),
			)

			result, err := ctrl.Run(context.Background(), request, session.Handlers{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateCompleted))
		})

		It("stops dispatching once the context is cancelled", func() {
			stream(
				frame("message", `{"content":"one"}`),
				frame("message", `{"content":"two"}`),
				frame("done", `{"message_id":"m"}`),
			)
			ctx, cancel := context.WithCancel(context.Background())
			h := rec.handlers()
			h.OnDelta = func(content string) {
				rec.add("delta:%s", content)
				cancel()
			}

			result, err := ctrl.Run(ctx, request, h)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateFailed))
			Expect(result.Err).To(MatchError(context.Canceled))
			Expect(rec.Calls()).To(Equal([]string{"delta:one"}))
		})
	})

	Describe("Start", func() {
		It("runs the session in the background", func() {
			stream(frame("done", `{"message_id":"m"}`))

			s := ctrl.Start(context.Background(), request, rec.handlers())
			Eventually(s.Done()).Should(BeClosed())

			result, err := s.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateCompleted))
			Expect(s.State()).To(Equal(session.StateCompleted))
		})

		It("stops invoking handlers once abandoned", func() {
			pr, pw := io.Pipe()
			body := &trackedBody{Reader: pr}
			opener.body = body

			s := ctrl.Start(context.Background(), request, rec.handlers())

			_, err := io.WriteString(pw, frame("message", `{"content":"first"}`))
			Expect(err).NotTo(HaveOccurred())
			Eventually(rec.Calls).Should(Equal([]string{"delta:first"}))
			Expect(s.State()).To(Equal(session.StateStreaming))

			s.Abandon()
			_, _ = io.WriteString(pw, frame("message", `{"content":"second"}`))
			_ = pw.Close()

			result, err := s.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State).To(Equal(session.StateFailed))
			Expect(result.Err).To(MatchError(context.Canceled))
			Expect(body.Closed()).To(BeTrue())
			Consistently(rec.Calls).Should(Equal([]string{"delta:first"}))
		})
	})
})

// blockingBody ignores the request context; only Close unblocks Read.
type blockingBody struct {
	closed chan struct{}
	once   sync.Once
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

var _ = Describe("teardown", func() {
	var (
		opener *fakeOpener
		rec    *recorder
		ctrl   *session.Controller
	)

	BeforeEach(func() {
		opener = &fakeOpener{}
		rec = &recorder{}
		ctrl = session.NewController(opener, logger.NewNop())
	})

	It("closes a body that ignores the context when the context is cancelled", func() {
		opener.body = &blockingBody{closed: make(chan struct{})}
		ctx, cancel := context.WithCancel(context.Background())

		s := ctrl.Start(ctx, request, rec.handlers())
		Eventually(s.State).Should(Equal(session.StateStreaming))

		cancel()
		Eventually(s.Done()).Should(BeClosed())

		result, err := s.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(result.State).To(Equal(session.StateFailed))
		Expect(result.Err).To(MatchError(context.Canceled))
		Expect(rec.Calls()).To(BeEmpty())
	})

	It("waits for a running handler before Abandon returns", func() {
		pr, pw := io.Pipe()
		opener.body = &trackedBody{Reader: pr}

		entered := make(chan struct{})
		release := make(chan struct{})
		h := rec.handlers()
		h.OnDelta = func(content string) {
			rec.add("delta:%s", content)
			if content == "slow" {
				close(entered)
				<-release
			}
		}

		s := ctrl.Start(context.Background(), request, h)
		go func() {
			defer GinkgoRecover()
			_, _ = io.WriteString(pw, frame("message", `{"content":"slow"}`)+frame("message", `{"content":"late"}`))
		}()
		Eventually(entered).Should(BeClosed())

		abandoned := make(chan struct{})
		go func() {
			s.Abandon()
			close(abandoned)
		}()
		Consistently(abandoned, "50ms").ShouldNot(BeClosed())

		close(release)
		Eventually(abandoned).Should(BeClosed())
		_ = pw.Close()

		Eventually(s.Done()).Should(BeClosed())
		Consistently(rec.Calls).Should(Equal([]string{"delta:slow"}))
	})
})

var _ = Describe("State", func() {
	It("names every state", func() {
		Expect(session.StateIdle.String()).To(Equal("idle"))
		Expect(session.StateStreaming.String()).To(Equal("streaming"))
		Expect(session.StateCompleted.Terminal()).To(BeTrue())
		Expect(session.StateFailed.Terminal()).To(BeTrue())
		Expect(session.StateRequesting.Terminal()).To(BeFalse())
	})
})
