package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client := NewClient("https://api.example.com/", "test-token")

	assert.NotNil(t, client)
	assert.Equal(t, "https://api.example.com", client.baseURL)
	assert.Equal(t, "test-token", client.token)
	assert.Equal(t, 10*time.Second, client.httpClient.Timeout)
}

func TestNewClientWithOptions(t *testing.T) {
	customClient := &http.Client{Timeout: 5 * time.Second}
	client := NewClient("https://api.example.com", "t", WithHTTPClient(customClient))
	assert.Equal(t, customClient, client.httpClient)

	client = NewClient("https://api.example.com", "t", WithTimeout(3*time.Second))
	assert.Equal(t, 3*time.Second, client.httpClient.Timeout)
}

func TestListNotifications(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"notifications":[{"id":21,"title":"Lesson moved","read":false,"createdAt":"2026-10-15T08:00:00Z"}],
			"pagination":{"total":21,"page":2,"limit":20}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token")
	page, err := client.ListNotifications(context.Background(), 2, 20)

	require.NoError(t, err)
	require.Len(t, page.Notifications, 1)
	assert.Equal(t, int64(21), page.Notifications[0].ID)
	assert.Equal(t, 21, page.Pagination.Total)
}

func TestListNotifications_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pagination":{"total":0}}`))
	}))
	defer server.Close()

	page, err := NewClient(server.URL, "t").ListNotifications(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.NotNil(t, page.Notifications)
	assert.Empty(t, page.Notifications)
}

func TestMarkAsRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/notifications/42/read", r.URL.Path)
		json.NewEncoder(w).Encode(successResponse{Success: true})
	}))
	defer server.Close()

	err := NewClient(server.URL, "t").MarkAsRead(context.Background(), 42)
	assert.NoError(t, err)
}

func TestMarkAsRead_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errType apperrors.ErrorType
		wantErr string
	}{
		{"unsuccessful body", http.StatusOK, `{"success":false,"message":"locked"}`, "", "locked"},
		{"unauthorized", http.StatusUnauthorized, `{"error":"token expired"}`, apperrors.AuthError, "token expired"},
		{"not found", http.StatusNotFound, `{}`, apperrors.NotFoundError, "Resource not found"},
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`, apperrors.ServerError, "status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(server.URL, "t").MarkAsRead(context.Background(), 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			if tt.errType != "" {
				assert.True(t, apperrors.IsType(err, tt.errType))
			}
		})
	}
}

func TestMarkAllAsRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/notifications/mark-all-read", r.URL.Path)
		json.NewEncoder(w).Encode(successResponse{Success: true})
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, "t").MarkAllAsRead(context.Background()))
}

func TestExecuteAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/sessions/9/participation", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "accepted", body["outcome"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "t")
	err := client.ExecuteAction(context.Background(),
		&types.ResourceLink{Href: "sessions/9/participation", Method: "put"},
		map[string]string{"outcome": "accepted"})
	assert.NoError(t, err)

	err = client.ExecuteAction(context.Background(), &types.ResourceLink{}, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))
}

func TestClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(successResponse{Success: true})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewClient(server.URL, "t").MarkAsRead(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}
