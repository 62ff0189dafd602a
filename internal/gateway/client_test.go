package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aires/internal/health"
	"aires/internal/types"
)

func testClient(t *testing.T, handler http.Handler, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	return NewClient(StaticRouter{URL: srv.URL}, opts, zap.NewNop(), nil)
}

func generateHandler(t *testing.T, fn func(w http.ResponseWriter, req generateRequest)) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fn(w, req)
	})
}

func TestGenerateSuccess(t *testing.T) {
	c := testClient(t, generateHandler(t, func(w http.ResponseWriter, req generateRequest) {
		assert.Equal(t, "mistral:7b", req.Model)
		assert.False(t, req.Stream)
		assert.InDelta(t, 0.3, req.Options.Temperature, 1e-9)
		assert.Equal(t, 2000, req.Options.NumPredict)
		json.NewEncoder(w).Encode(map[string]any{
			"response":       "Analysis text",
			"done":           true,
			"total_duration": 1234,
			"eval_count":     42,
		})
	}), Options{})

	res, err := c.Generate(context.Background(), "mistral:7b", "prompt", Params{Temperature: 0.3, TopP: 0.9, NumPredict: 2000})
	require.NoError(t, err)
	assert.Equal(t, "Analysis text", res.Text)
	assert.Equal(t, 42, res.Usage.EvalCount)
}

func TestGenerateRetriesTransient(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps for seconds")
	}
	var calls atomic.Int32
	c := testClient(t, generateHandler(t, func(w http.ResponseWriter, req generateRequest) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "ok", "done": true})
	}), Options{MaxRetries: 3})

	start := time.Now()
	res, err := c.Generate(context.Background(), "m", "p", Params{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(2), calls.Load())
	// First retry waits 2^1 seconds.
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestGenerateDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, generateHandler(t, func(w http.ResponseWriter, req generateRequest) {
		calls.Add(1)
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}), Options{MaxRetries: 3})

	_, err := c.Generate(context.Background(), "m", "p", Params{})
	require.Error(t, err)
	assert.Equal(t, types.CodeBadRequest, types.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateModelNotLoaded(t *testing.T) {
	c := testClient(t, generateHandler(t, func(w http.ResponseWriter, req generateRequest) {
		http.Error(w, `{"error":"model 'nope' not found"}`, http.StatusNotFound)
	}), Options{})

	_, err := c.Generate(context.Background(), "nope", "p", Params{})
	require.Error(t, err)
	assert.Equal(t, types.CodeModelNotLoaded, types.CodeOf(err))
}

func TestGenerateEmptyResponseIsServerError(t *testing.T) {
	c := testClient(t, generateHandler(t, func(w http.ResponseWriter, req generateRequest) {
		json.NewEncoder(w).Encode(map[string]any{"response": "", "done": true})
	}), Options{MaxRetries: 1})
	// SERVER_ERROR is retryable; keep the test fast by accepting the retry.
	if testing.Short() {
		t.Skip("retry backoff sleeps for seconds")
	}

	_, err := c.Generate(context.Background(), "m", "p", Params{})
	require.Error(t, err)
	assert.Equal(t, types.CodeServerError, types.CodeOf(err))
}

func TestGenerateCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and can
		// observe the client disconnect; otherwise r.Context() is never
		// cancelled and srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Generate(ctx, "m", "p", Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateDeadlineMapsToTimeout(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}), Options{Timeout: 100 * time.Millisecond})

	_, err := c.Generate(context.Background(), "m", "p", Params{})
	require.Error(t, err)
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))
}

func TestListModels(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "mistral:7b"}, {"name": "gemma2:9b"}},
		})
	}), Options{})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral:7b", "gemma2:9b"}, models)
}

func TestHealthCheckService(t *testing.T) {
	t.Run("healthy on 200", func(t *testing.T) {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"models": []map[string]any{}})
		}), Options{})

		st := c.HealthCheckService(context.Background())
		assert.Equal(t, health.StateHealthy, st.State)
	})

	t.Run("unhealthy when unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient(StaticRouter{URL: srv.URL}, Options{BaseURL: srv.URL}, zap.NewNop(), nil)

		st := c.HealthCheckService(context.Background())
		assert.Equal(t, health.StateUnhealthy, st.State)
	})
}

func TestHealthCheckModel(t *testing.T) {
	t.Run("unhealthy when model not listed", func(t *testing.T) {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]any{{"name": "other"}},
			})
		}), Options{})

		st := c.HealthCheckModel(context.Background(), "mistral:7b")
		assert.Equal(t, health.StateUnhealthy, st.State)
	})

	t.Run("healthy when listed and prompt answers", func(t *testing.T) {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/tags":
				json.NewEncoder(w).Encode(map[string]any{
					"models": []map[string]any{{"name": "mistral:7b"}},
				})
			case "/api/generate":
				json.NewEncoder(w).Encode(map[string]any{"response": "OK", "done": true})
			}
		}), Options{})

		st := c.HealthCheckModel(context.Background(), "mistral:7b")
		assert.Equal(t, health.StateHealthy, st.State)
	})
}
