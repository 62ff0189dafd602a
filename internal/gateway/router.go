package gateway

import "context"

// Router selects an inference endpoint for each call. The load balancer
// implements this; StaticRouter is the degenerate single-endpoint form
// used when GPU load balancing is disabled.
type Router interface {
	// Acquire admits one request and returns the route to use. The caller
	// must call Release exactly once when the request finishes.
	Acquire(ctx context.Context) (Route, error)
}

// Route is one admitted request slot against a concrete endpoint.
type Route interface {
	// BaseURL is the endpoint's inference server base URL.
	BaseURL() string
	// Release returns the slot, reporting the observed latency and whether
	// the endpoint itself failed (transport or 5xx, not 4xx).
	Release(latencyMs float64, failed bool)
}

// StaticRouter always returns the same endpoint and applies no policy.
type StaticRouter struct {
	URL string
}

func (s StaticRouter) Acquire(_ context.Context) (Route, error) {
	return staticRoute{url: s.URL}, nil
}

type staticRoute struct{ url string }

func (r staticRoute) BaseURL() string              { return r.url }
func (r staticRoute) Release(_ float64, _ bool)    {}
