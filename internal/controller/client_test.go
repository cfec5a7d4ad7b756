package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/warden/internal/config"
	"github.com/probeops/warden/pkg/api"
)

func testConfig(url string) config.Config {
	cfg := config.Default()
	cfg.Controller.URL = url
	cfg.Controller.Token = "secret-token"
	cfg.Retry = config.RetryConfig{MaxAttempts: 3, InitialDelayMS: 1, MaxDelayMS: 5, BackoffFactor: 2.0}
	return cfg
}

func envelope(t *testing.T, w http.ResponseWriter, code int, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.Envelope{Code: code, Data: raw})
}

func TestPollReturnsTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/agents/agent-1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		envelope(t, w, 200, api.TaskPage{Tasks: []api.TaskSpec{
			{ID: "t1", Tool: api.KindScan, Args: []string{"-p", "80", "10.0.0.1"}, Timeout: 5},
		}})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	tasks, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, api.KindScan, tasks[0].Tool)
}

func TestPollEmptyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope(t, w, 200, api.TaskPage{})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	tasks, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPollTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	_, err = c.Poll(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestPollServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	_, err = c.Poll(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/results", r.URL.Path)
		var res api.Result
		require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
		assert.Equal(t, "t1", res.TaskID)
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		envelope(t, w, 200, nil)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	err = c.Submit(context.Background(), api.Result{TaskID: "t1", Outcome: api.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load(), "two observable retries before success")
}

func TestSubmitExhaustedRetriesIsTransient(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	err = c.Submit(context.Background(), api.Result{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSubmitClientErrorDoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(api.Envelope{Code: 422, Title: "unknown task"})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	err = c.Submit(context.Background(), api.Result{TaskID: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRegisterAdoptsControllerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/agents/register", r.URL.Path)
		var req api.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Hostname)
		envelope(t, w, 200, api.RegisterResponse{AgentID: "assigned-42"})
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "provisional")
	require.NoError(t, err)

	id, err := c.Register(context.Background(), api.RegisterRequest{AgentID: "provisional", Hostname: "host-a", Platform: "linux"})
	require.NoError(t, err)
	assert.Equal(t, "assigned-42", id)
	assert.Equal(t, "assigned-42", c.agentID)
}

func TestHeartbeat(t *testing.T) {
	var got api.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/agents/agent-1/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		envelope(t, w, 200, nil)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), "agent-1")
	require.NoError(t, err)

	err = c.Heartbeat(context.Background(), api.HeartbeatRequest{AgentID: "agent-1", Running: 2, Queued: 1, Time: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Running)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := NewBackoff(RetryPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2.0, MaxAttempts: 5})

	first := b.Next()
	second := b.Next()
	third := b.Next()
	// Jitter is ±25%, so consecutive delays must at least not shrink below
	// the previous nominal value's lower bound.
	assert.Greater(t, third, first)
	assert.InDelta(t, float64(10*time.Millisecond), float64(first), float64(10*time.Millisecond)*0.26)
	assert.InDelta(t, float64(20*time.Millisecond), float64(second), float64(20*time.Millisecond)*0.26)

	b.Reset()
	assert.InDelta(t, float64(10*time.Millisecond), float64(b.Next()), float64(10*time.Millisecond)*0.26)
}
