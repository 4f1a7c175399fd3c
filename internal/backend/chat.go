package backend

import (
	"context"
	"io"
	"net/http"

	"github.com/capitalize-ai/assistant-client/internal/model"
)

// SendMessage handles POST /api/chat, the non-streaming fallback.
func (c *Client) SendMessage(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	var resp model.ChatResponse
	if err := c.do(ctx, "chat", http.MethodPost, "/api/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenStream handles POST /api/chat/stream. It returns the event-stream body
// once the backend has answered with a 2xx status; the caller must close it.
// The stream itself has no deadline beyond ctx.
func (c *Client) OpenStream(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat/stream", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.send(httpReq, "stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
