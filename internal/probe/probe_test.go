package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProber_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProber{}
	result, err := p.Probe(context.Background(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Healthy, result)
}

func TestHTTPProber_Healthy_NonDefault2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := &HTTPProber{}
	result, err := p.Probe(context.Background(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Healthy, result)
}

func TestHTTPProber_Unhealthy_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &HTTPProber{}
	result, err := p.Probe(context.Background(), srv.URL, time.Second)
	require.Error(t, err)
	assert.Equal(t, Unhealthy, result)
	assert.Contains(t, err.Error(), "status 503")
}

func TestHTTPProber_Unhealthy_ConnectionRefused(t *testing.T) {
	// Grab a port and close it so the connection is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := &HTTPProber{}
	result, err := p.Probe(context.Background(), url, time.Second)
	require.Error(t, err)
	assert.Equal(t, Unhealthy, result)
}

func TestHTTPProber_TimedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := &HTTPProber{}
	result, err := p.Probe(context.Background(), srv.URL, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, TimedOut, result)
}

func TestHTTPProber_InvalidEndpoint(t *testing.T) {
	p := &HTTPProber{}
	result, err := p.Probe(context.Background(), "://not-a-url", time.Second)
	require.Error(t, err)
	assert.Equal(t, Unhealthy, result)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "unhealthy", Unhealthy.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "unknown", Result(42).String())
}
