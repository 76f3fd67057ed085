package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightdesk/syncd/internal/domain"
	"github.com/nightdesk/syncd/internal/mutate"
)

func TestListTasksSendsAuthHeader(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/projects/p1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Mutation-ID"))
		_ = json.NewEncoder(w).Encode([]domain.Task{
			{ID: "t1", ProjectID: "p1", Title: "first", UpdatedAt: at},
		})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Token: "tok", BaseURL: srv.URL})
	tasks, err := client.ListTasks(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "first", tasks[0].Title)
}

func TestCreateTaskCarriesMutationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "mu-1", r.Header.Get("X-Mutation-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req TaskCreate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ship it", req.Title)

		_ = json.NewEncoder(w).Encode(domain.Task{ID: "t9", ProjectID: req.ProjectID, Title: req.Title})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Token: "tok", BaseURL: srv.URL})
	task, err := client.CreateTask(context.Background(), "mu-1", TaskCreate{ProjectID: "p1", Title: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, "t9", task.ID)
}

func TestClientErrorBecomesRejectedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error": "title is required"}`))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Token: "tok", BaseURL: srv.URL})
	_, err := client.CreateTask(context.Background(), "mu-1", TaskCreate{ProjectID: "p1"})

	var rejected *mutate.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "title is required", rejected.Reason)
}

func TestClientErrorWithoutBodyUsesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Token: "tok", BaseURL: srv.URL})
	err := client.DeleteTask(context.Background(), "mu-1", "t1")

	var rejected *mutate.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "HTTP 403", rejected.Reason)
}

func TestServerErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Token: "tok", BaseURL: srv.URL})
	_, err := client.ListConversations(context.Background())

	require.Error(t, err)
	var rejected *mutate.RejectedError
	assert.False(t, errors.As(err, &rejected), "5xx must not look recoverable")
}

func TestMarkAsReadPostsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/read", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m5", body["message_id"])
		_ = json.NewEncoder(w).Encode(domain.Conversation{ID: "c1", LastReadID: "m5"})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Token: "tok", BaseURL: srv.URL})
	conversation, err := client.MarkAsRead(context.Background(), "mu-1", "c1", "m5")
	require.NoError(t, err)
	assert.Equal(t, "m5", conversation.LastReadID)
}
