package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Result is the outcome of a single health probe.
type Result int

const (
	Healthy Result = iota
	Unhealthy
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Prober answers whether an endpoint is ready to serve traffic. A probe that
// times out is reported as TimedOut, which callers treat the same as
// Unhealthy when counting failures.
type Prober interface {
	Probe(ctx context.Context, endpoint string, timeout time.Duration) (Result, error)
}

// HTTPProber probes an endpoint with a GET request. Any 2xx status is
// healthy; anything else, including connection errors, is unhealthy.
type HTTPProber struct {
	// Client defaults to http.DefaultClient. Per-probe timeouts come from
	// the context, not the client.
	Client *http.Client
}

var _ Prober = (*HTTPProber)(nil)

func (p *HTTPProber) Probe(ctx context.Context, endpoint string, timeout time.Duration) (Result, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Unhealthy, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return TimedOut, fmt.Errorf("probe %s: %w", endpoint, err)
		}
		return Unhealthy, fmt.Errorf("probe %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Healthy, nil
	}
	return Unhealthy, fmt.Errorf("probe %s: status %d", endpoint, resp.StatusCode)
}
