package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/capitalize-ai/assistant-client/internal/model"
)

// ListConversations handles GET /api/conversations
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation handles GET /api/conversations/:id
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, "get_conversation", http.MethodGet, "/api/conversations/"+pathID(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation handles DELETE /api/conversations/:id
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, "delete_conversation", http.MethodDelete, "/api/conversations/"+pathID(id), nil, nil)
}

// ListModels handles GET /api/models
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	var resp model.ListModelsResponse
	if err := c.do(ctx, "list_models", http.MethodGet, "/api/models", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// ListMemories handles GET /api/memories
func (c *Client) ListMemories(ctx context.Context) ([]model.MemoryItem, error) {
	var items []model.MemoryItem
	if err := c.do(ctx, "list_memories", http.MethodGet, "/api/memories", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SearchMemories handles GET /api/memories/search?q=
func (c *Client) SearchMemories(ctx context.Context, query string) ([]model.MemoryItem, error) {
	var items []model.MemoryItem
	path := "/api/memories/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, "search_memories", http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteMemory handles DELETE /api/memories/:id
func (c *Client) DeleteMemory(ctx context.Context, id string) error {
	return c.do(ctx, "delete_memory", http.MethodDelete, "/api/memories/"+pathID(id), nil, nil)
}

// ListTasks handles GET /api/tasks
func (c *Client) ListTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	var tasks []model.ScheduledTask
	if err := c.do(ctx, "list_tasks", http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeleteTask handles DELETE /api/tasks/:id
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, "delete_task", http.MethodDelete, "/api/tasks/"+pathID(id), nil, nil)
}

// SetTaskActive handles PUT /api/tasks/:id with {is_active}.
func (c *Client) SetTaskActive(ctx context.Context, id string, active bool) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	body := model.UpdateTaskRequest{IsActive: active}
	if err := c.do(ctx, "update_task", http.MethodPut, "/api/tasks/"+pathID(id), body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTaskExecutions handles GET /api/tasks/:id/executions
func (c *Client) ListTaskExecutions(ctx context.Context, taskID string) ([]model.TaskExecution, error) {
	var execs []model.TaskExecution
	path := "/api/tasks/" + pathID(taskID) + "/executions"
	if err := c.do(ctx, "list_task_executions", http.MethodGet, path, nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}
