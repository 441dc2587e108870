package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient("test-key", srv.Client())
	c.BaseURL = srv.URL
	c.BackoffUnit = time.Millisecond
	return c
}

func TestResolveHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/model-versions/by-hash/abc123", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":456,"modelId":123,"name":"v2.0","model":{"name":"Detail Tweaker","type":"LORA"}}`))
	}))
	defer srv.Close()

	info, err := newTestClient(srv).ResolveHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Detail Tweaker", info.Name)
	assert.Equal(t, "LORA", info.Type)
	assert.Equal(t, "v2.0", info.VersionName)
	require.NotNil(t, info.ModelID)
	assert.Equal(t, 123, *info.ModelID)
	assert.Equal(t, 456, info.ModelVersionID)
}

func TestGetJSON_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		wantCalls int32
	}{
		{"Not found is not retried", http.StatusNotFound, ErrNotFound, 1},
		{"Unauthorized is not retried", http.StatusUnauthorized, ErrUnauthorized, 1},
		{"Forbidden maps to unauthorized", http.StatusForbidden, ErrUnauthorized, 1},
		{"Rate limit is retried", http.StatusTooManyRequests, ErrRateLimited, 3},
		{"Server error is retried", http.StatusBadGateway, ErrServerError, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).GetModel(context.Background(), 1)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestGetJSON_RecoversAfterServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":9,"name":"Model Nine","type":"Checkpoint","creator":{"username":"bob"}}`))
	}))
	defer srv.Close()

	model, err := newTestClient(srv).GetModel(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "Model Nine", model.Name)
	assert.Equal(t, "bob", model.Creator.Username)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetJSON_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.BackoffUnit = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetModel(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"name":"logged"}`))
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "api.log")
	transport, err := NewLoggingTransport(nil, logPath)
	require.NoError(t, err)

	c := NewClient("", &http.Client{Transport: transport})
	c.BaseURL = srv.URL
	model, err := c.GetModel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "logged", model.Name, "body must still be readable after logging")

	CloseAllLoggingTransports()

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "--- Request")
	assert.Contains(t, string(raw), `{"id":1,"name":"logged"}`)
}
