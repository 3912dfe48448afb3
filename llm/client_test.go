package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoProvider is a minimal provider for client tests.
type echoProvider struct{ name string }

func (p *echoProvider) Name() string                 { return p.name }
func (p *echoProvider) BuildURL(base string) string  { return base + "/v1/echo" }
func (p *echoProvider) SetHeaders(_ *http.Request)   {}
func (p *echoProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int, _ []ToolDefinition) ([]byte, error) {
	return []byte(`{"model":"` + model + `"}`), nil
}
func (p *echoProvider) ParseResponse(body []byte, model string) (*Response, error) {
	return &Response{Content: string(body), Model: model}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 5 * time.Millisecond}
}

func TestCompleteSuccess(t *testing.T) {
	RegisterProvider(&echoProvider{name: "echo"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := NewClient(Endpoint{Provider: "echo", Model: "m1", BaseURL: srv.URL},
		WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "m1", resp.Model)
}

func TestCompleteRequiresMessages(t *testing.T) {
	client := NewClient(Endpoint{Provider: "echo", Model: "m1"})
	_, err := client.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	RegisterProvider(&echoProvider{name: "echo"})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	client := NewClient(Endpoint{Provider: "echo", Model: "m1", BaseURL: srv.URL},
		WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteFatalErrorStops(t *testing.T) {
	RegisterProvider(&echoProvider{name: "echo"})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(Endpoint{Provider: "echo", Model: "m1", BaseURL: srv.URL},
		WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteFallbackChain(t *testing.T) {
	RegisterProvider(&echoProvider{name: "echo"})
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fallback"))
	}))
	defer up.Close()

	client := NewClient(Endpoint{Provider: "echo", Model: "primary", BaseURL: down.URL},
		WithRetryConfig(RetryConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Millisecond}),
		WithFallbacks(Endpoint{Provider: "echo", Model: "secondary", BaseURL: up.URL}))

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Content)
	assert.Equal(t, "secondary", resp.Model)
}

func TestCompleteUnknownProviderIsFatal(t *testing.T) {
	client := NewClient(Endpoint{Provider: "no-such-provider", Model: "m"})
	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestClassifyHTTPError(t *testing.T) {
	assert.True(t, IsTransient(classifyHTTPError(http.StatusTooManyRequests, nil)))
	assert.True(t, IsTransient(classifyHTTPError(http.StatusBadGateway, nil)))
	assert.True(t, IsTransient(classifyHTTPError(http.StatusInternalServerError, nil)))
	assert.True(t, IsFatal(classifyHTTPError(http.StatusUnauthorized, nil)))
	assert.True(t, IsFatal(classifyHTTPError(http.StatusBadRequest, nil)))
}

func TestCalculateBackoffBounds(t *testing.T) {
	client := NewClient(Endpoint{Provider: "echo"}, WithRetryConfig(RetryConfig{
		MaxAttempts: 5, BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: 4 * time.Second,
	}))

	for attempt := 1; attempt <= 5; attempt++ {
		backoff := client.calculateBackoff(attempt)
		// Jitter is +/- 25% of the capped value.
		assert.LessOrEqual(t, backoff, 5*time.Second)
		assert.GreaterOrEqual(t, backoff, 750*time.Millisecond)
	}
}
