package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds a whole exchange, including a streamed body.
	// A long chapter chunk can stream for several minutes.
	DefaultTimeout = 10 * time.Minute
	// MaxResponseBytes caps buffered response bodies (non-streaming results
	// and error payloads).
	MaxResponseBytes = 8 * 1024 * 1024
	// Transport tuning for stable, long-lived connections.
	MaxIdleConns          = 100
	MaxIdleConnsPerHost   = 20
	IdleConnTimeout       = 120 * time.Second
	TLSHandshakeTimeout   = 30 * time.Second
	ExpectContinueTimeout = 2 * time.Second
)

var (
	defaultClient     *http.Client
	defaultClientOnce sync.Once
	overrideMu        sync.RWMutex
	overrideClient    *http.Client
)

// NewClient returns a new http.Client with the specified timeout.
func NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ExpectContinueTimeout: ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// GetDefaultClient returns the shared client used by every provider adapter.
func GetDefaultClient() *http.Client {
	overrideMu.RLock()
	override := overrideClient
	overrideMu.RUnlock()
	if override != nil {
		return override
	}
	defaultClientOnce.Do(func() {
		defaultClient = NewClient(DefaultTimeout)
	})
	return defaultClient
}

// SetDefaultClientForTesting overrides the singleton client for tests.
// It returns a restore function to reset the previous client.
func SetDefaultClientForTesting(client *http.Client) func() {
	overrideMu.Lock()
	prevOverride := overrideClient
	overrideClient = client
	overrideMu.Unlock()
	return func() {
		overrideMu.Lock()
		overrideClient = prevOverride
		overrideMu.Unlock()
	}
}

// ReadLimited reads r up to MaxResponseBytes and fails if more is available.
func ReadLimited(r io.Reader) ([]byte, error) {
	limited := &io.LimitedReader{R: r, N: MaxResponseBytes + 1}
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseBytes {
		return nil, fmt.Errorf("response body too large (limit %d bytes)", MaxResponseBytes)
	}
	return body, nil
}

// DoAndRead performs an HTTP request, reads the entire response body,
// ensures the body is closed, and returns the body content and the response object.
func DoAndRead(client *http.Client, req *http.Request) ([]byte, *http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > MaxResponseBytes {
		return nil, resp, fmt.Errorf("response body too large (limit %d bytes)", MaxResponseBytes)
	}
	body, err := ReadLimited(resp.Body)
	if err != nil {
		return nil, resp, err
	}
	return body, resp, nil
}

// Do performs req and hands back the open response. The caller owns
// resp.Body and must close it. Used for streamed bodies.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
