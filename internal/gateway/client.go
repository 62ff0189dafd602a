// Package gateway is the HTTP client for the Ollama-style inference API:
// POST /api/generate for completions, GET /api/tags for liveness and model
// discovery. Transient failures retry with exponential backoff; 4xx never
// retries. Generate is stateless server-side, so retrying is safe.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"aires/internal/health"
	"aires/internal/metrics"
	"aires/internal/types"
)

// maxResponseSize caps response bodies to keep a misbehaving server from
// exhausting memory.
const maxResponseSize = 10 * 1024 * 1024

// Params are the generation options forwarded to the model.
type Params struct {
	Temperature float64
	TopP        float64
	NumPredict  int
}

// Usage reports what the server measured for one generate call.
type Usage struct {
	TotalDuration   time.Duration
	PromptEvalCount int
	EvalCount       int
}

// Result is a successful generation.
type Result struct {
	Text  string
	Usage Usage
}

// Options tunes the client.
type Options struct {
	// BaseURL is the primary inference server, used for health checks.
	BaseURL string
	// Timeout bounds one generate call including retries (the pipeline
	// stage timeout). Default 120s.
	Timeout time.Duration
	// MaxRetries is the number of retry attempts after the first failure.
	// Default 3; backoff delays are 2^n seconds for n=1..MaxRetries.
	MaxRetries int
	// HealthTimeout bounds health probes. Default 5s.
	HealthTimeout time.Duration
	// ModelWarnLatency marks a model Degraded when its trivial-prompt
	// latency exceeds it. Default 10s.
	ModelWarnLatency time.Duration
}

// Client talks to the inference server through a Router.
type Client struct {
	router  Router
	opts    Options
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.Registry
}

// NewClient builds a gateway client. metrics may be nil in tests.
func NewClient(router Router, opts Options, logger *zap.Logger, m *metrics.Registry) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.ModelWarnLatency <= 0 {
		opts.ModelWarnLatency = 10 * time.Second
	}
	return &Client{
		router:  router,
		opts:    opts,
		http:    &http.Client{}, // per-call deadlines come from contexts
		logger:  logger.Named("gateway"),
		metrics: m,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate runs one completion. The total deadline (all attempts and
// backoff included) is Options.Timeout unless ctx is tighter. Transport
// errors and 5xx retry with 2^n second delays; 4xx fails immediately.
func (c *Client) Generate(ctx context.Context, model, prompt string, p Params) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second // 2s, 4s, 8s
			c.logger.Debug("retrying generate",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, c.cancelError(ctx, lastErr)
			case <-time.After(delay):
			}
			if c.metrics != nil {
				c.metrics.GatewayRetries.Inc()
			}
		}

		res, err := c.generateOnce(ctx, model, prompt, p)
		if err == nil {
			if c.metrics != nil {
				c.metrics.GatewayRequests.WithLabelValues(model, "success").Inc()
			}
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, c.cancelError(ctx, err)
		}
		if !retryable(err) {
			break
		}
	}

	if c.metrics != nil {
		c.metrics.GatewayRequests.WithLabelValues(model, "failure").Inc()
	}
	return nil, lastErr
}

// cancelError distinguishes caller cancellation (propagated untouched, not
// an error code) from the deadline elapsing (a Timeout failure).
func (c *Client) cancelError(ctx context.Context, lastErr error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return types.NewError(types.CodeTimeout, "generate deadline exceeded", lastErr)
}

func (c *Client) generateOnce(ctx context.Context, model, prompt string, p Params) (*Result, error) {
	route, err := c.router.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.doGenerate(ctx, route.BaseURL(), model, prompt, p)
	elapsed := time.Since(start)
	route.Release(float64(elapsed.Milliseconds()), endpointFault(err))

	if c.metrics != nil {
		c.metrics.GenerateDuration.Observe(elapsed.Seconds())
	}
	return res, err
}

func (c *Client) doGenerate(ctx context.Context, baseURL, model, prompt string, p Params) (*Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: p.Temperature,
			TopP:        p.TopP,
			NumPredict:  p.NumPredict,
		},
	})
	if err != nil {
		return nil, types.NewError(types.CodeBadRequest, "marshal generate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.CodeBadRequest, "build generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, types.NewError(types.CodeServerError, "decode generate response", err)
	}
	if gr.Response == "" {
		return nil, types.NewError(types.CodeServerError, "empty response field", nil)
	}

	return &Result{
		Text: gr.Response,
		Usage: Usage{
			TotalDuration:   time.Duration(gr.TotalDuration),
			PromptEvalCount: gr.PromptEvalCount,
			EvalCount:       gr.EvalCount,
		},
	}, nil
}

// HealthCheckService probes GET /api/tags on the primary endpoint.
func (c *Client) HealthCheckService(ctx context.Context) health.Status {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.listModels(ctx, c.opts.BaseURL)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return health.Status{
			State:          health.StateUnhealthy,
			ResponseTimeMs: latency,
			ErrorMessage:   err.Error(),
			FailureReasons: []string{"inference service unreachable"},
		}
	}
	return health.Status{
		State:          health.StateHealthy,
		ResponseTimeMs: latency,
		Diagnostics:    map[string]string{"base_url": c.opts.BaseURL},
	}
}

// HealthCheckModel confirms the model is listed, then runs a trivial
// prompt and grades latency against the warn threshold.
func (c *Client) HealthCheckModel(ctx context.Context, name string) health.Status {
	listCtx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	models, err := c.listModels(listCtx, c.opts.BaseURL)
	cancel()
	if err != nil {
		return health.Status{
			State:          health.StateUnhealthy,
			ErrorMessage:   err.Error(),
			FailureReasons: []string{"model list unavailable"},
		}
	}
	if !modelListed(models, name) {
		return health.Status{
			State:          health.StateUnhealthy,
			ErrorMessage:   fmt.Sprintf("model %s not loaded", name),
			FailureReasons: []string{"model not listed by /api/tags"},
			Diagnostics:    map[string]string{"model": name},
		}
	}

	start := time.Now()
	_, err = c.Generate(ctx, name, "Respond with OK.", Params{NumPredict: 4, Temperature: 0, TopP: 1})
	latency := time.Since(start)

	st := health.Status{
		ResponseTimeMs: latency.Milliseconds(),
		Diagnostics:    map[string]string{"model": name},
	}
	switch {
	case err != nil:
		st.State = health.StateUnhealthy
		st.ErrorMessage = err.Error()
		st.FailureReasons = []string{"trivial prompt failed"}
	case latency > c.opts.ModelWarnLatency:
		st.State = health.StateDegraded
		st.FailureReasons = []string{fmt.Sprintf("latency %s over threshold %s", latency.Round(time.Millisecond), c.opts.ModelWarnLatency)}
	default:
		st.State = health.StateHealthy
	}
	return st
}

// ListModels returns the model names the primary endpoint advertises.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return c.listModels(ctx, c.opts.BaseURL)
}

func (c *Client) listModels(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, types.NewError(types.CodeBadRequest, "build tags request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var tr tagsResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, types.NewError(types.CodeServerError, "decode tags response", err)
	}
	names := make([]string, 0, len(tr.Models))
	for _, m := range tr.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func modelListed(models []string, name string) bool {
	for _, m := range models {
		if m == name || strings.SplitN(m, ":", 2)[0] == name {
			return true
		}
	}
	return false
}

// classifyTransport maps a transport-level failure to the error taxonomy.
func classifyTransport(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.NewError(types.CodeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.CodeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return types.NewError(types.CodeNetworkError, "transport failure", err)
}

// classifyStatus maps an HTTP status to the error taxonomy. A 404 whose
// body mentions the model is Ollama's "model not loaded" shape.
func classifyStatus(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := fmt.Errorf("inference server returned %d: %s", status, snippet)

	switch {
	case status == http.StatusNotFound && strings.Contains(strings.ToLower(snippet), "model"):
		return types.NewError(types.CodeModelNotLoaded, "model not loaded", err)
	case status >= 500:
		return types.NewError(types.CodeServerError, "server error", err)
	default:
		return types.NewError(types.CodeBadRequest, "request rejected", err)
	}
}

// retryable: transport and server errors retry, 4xx does not.
func retryable(err error) bool {
	switch types.CodeOf(err) {
	case types.CodeNetworkError, types.CodeTimeout, types.CodeServerError:
		return true
	}
	return false
}

// endpointFault reports whether the endpoint itself should be blamed for
// the failure; 4xx is a request problem, not an endpoint one.
func endpointFault(err error) bool {
	if err == nil {
		return false
	}
	switch types.CodeOf(err) {
	case types.CodeNetworkError, types.CodeTimeout, types.CodeServerError:
		return true
	}
	return false
}
