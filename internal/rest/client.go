// Package rest implements the HTTP client for the Nightdesk API. Every
// mutating call returns the canonical entity with the server timestamp
// used for precedence resolution.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nightdesk/syncd/internal/domain"
	"github.com/nightdesk/syncd/internal/mutate"
)

// Client defines the REST surface consumed by the mutation coordinator and
// the query layer. An interface so tests can substitute a fake.
type Client interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	CreateTask(ctx context.Context, mutationID string, req TaskCreate) (domain.Task, error)
	UpdateTask(ctx context.Context, mutationID, taskID string, updates map[string]any) (domain.Task, error)
	DeleteTask(ctx context.Context, mutationID, taskID string) error
	BulkUpdateTasks(ctx context.Context, mutationID string, req BulkTaskUpdate) ([]domain.Task, error)

	CreateMessage(ctx context.Context, mutationID string, req MessageCreate) (domain.Message, error)
	UpdateMessage(ctx context.Context, mutationID, messageID, content string) (domain.Message, error)
	DeleteMessage(ctx context.Context, mutationID, messageID string) error

	MarkAsRead(ctx context.Context, mutationID, conversationID, messageID string) (domain.Conversation, error)
}

// TaskCreate is the create-task request body.
type TaskCreate struct {
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// BulkTaskUpdate applies the same partial update to several tasks.
type BulkTaskUpdate struct {
	TaskIDs []string       `json:"task_ids"`
	Updates map[string]any `json:"updates"`
}

// MessageCreate is the create-message request body.
type MessageCreate struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
}

// HTTPClient is the real API client.
type HTTPClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds configuration for the API client.
type ClientConfig struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new API client.
func NewClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListConversations returns the user's conversations.
func (c *HTTPClient) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", "", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// ListTasks returns the tasks of a project.
func (c *HTTPClient) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	var out []domain.Task
	path := fmt.Sprintf("/projects/%s/tasks", projectID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", projectID, err)
	}
	return out, nil
}

// ListMessages returns the latest messages of a conversation.
func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	path := fmt.Sprintf("/conversations/%s/messages?limit=%d", conversationID, limit)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}
	return out, nil
}

// CreateTask creates a task and returns the canonical record.
func (c *HTTPClient) CreateTask(ctx context.Context, mutationID string, req TaskCreate) (domain.Task, error) {
	var out domain.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", mutationID, req, &out); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return out, nil
}

// UpdateTask applies a partial update and returns the canonical record.
func (c *HTTPClient) UpdateTask(ctx context.Context, mutationID, taskID string, updates map[string]any) (domain.Task, error) {
	var out domain.Task
	path := fmt.Sprintf("/tasks/%s", taskID)
	if err := c.do(ctx, http.MethodPatch, path, mutationID, updates, &out); err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", taskID, err)
	}
	return out, nil
}

// DeleteTask deletes a task.
func (c *HTTPClient) DeleteTask(ctx context.Context, mutationID, taskID string) error {
	path := fmt.Sprintf("/tasks/%s", taskID)
	if err := c.do(ctx, http.MethodDelete, path, mutationID, nil, nil); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// BulkUpdateTasks applies one partial update to several tasks and returns
// the canonical records.
func (c *HTTPClient) BulkUpdateTasks(ctx context.Context, mutationID string, req BulkTaskUpdate) ([]domain.Task, error) {
	var out []domain.Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/bulk", mutationID, req, &out); err != nil {
		return nil, fmt.Errorf("bulk update tasks: %w", err)
	}
	return out, nil
}

// CreateMessage sends a message and returns the canonical record.
func (c *HTTPClient) CreateMessage(ctx context.Context, mutationID string, req MessageCreate) (domain.Message, error) {
	var out domain.Message
	if err := c.do(ctx, http.MethodPost, "/messages", mutationID, req, &out); err != nil {
		return domain.Message{}, fmt.Errorf("create message: %w", err)
	}
	return out, nil
}

// UpdateMessage edits a message's content.
func (c *HTTPClient) UpdateMessage(ctx context.Context, mutationID, messageID, content string) (domain.Message, error) {
	var out domain.Message
	path := fmt.Sprintf("/messages/%s", messageID)
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, path, mutationID, body, &out); err != nil {
		return domain.Message{}, fmt.Errorf("update message %s: %w", messageID, err)
	}
	return out, nil
}

// DeleteMessage deletes a message.
func (c *HTTPClient) DeleteMessage(ctx context.Context, mutationID, messageID string) error {
	path := fmt.Sprintf("/messages/%s", messageID)
	if err := c.do(ctx, http.MethodDelete, path, mutationID, nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// MarkAsRead marks a conversation read up to a message and returns the
// canonical conversation.
func (c *HTTPClient) MarkAsRead(ctx context.Context, mutationID, conversationID, messageID string) (domain.Conversation, error) {
	var out domain.Conversation
	path := fmt.Sprintf("/conversations/%s/read", conversationID)
	body := map[string]string{"message_id": messageID}
	if err := c.do(ctx, http.MethodPost, path, mutationID, body, &out); err != nil {
		return domain.Conversation{}, fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return out, nil
}

// apiError is the gateway's error body.
type apiError struct {
	Error string `json:"error"`
}

// do executes one request. 4xx responses become RejectedError so the
// coordinator can roll back and surface a recoverable notice; everything
// else is wrapped as a plain error.
func (c *HTTPClient) do(ctx context.Context, method, path, mutationID string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if mutationID != "" {
		req.Header.Set("X-Mutation-ID", mutationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var e apiError
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &mutate.RejectedError{Reason: e.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API %s (status %d): %s", path, resp.StatusCode, string(data))
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", path, err)
		}
	}
	return nil
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
