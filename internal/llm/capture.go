package llm

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// CapturingTransport is an http.RoundTripper that captures request/response
// bodies. SDK clients swallow raw response bodies on protocol errors; the
// capture lets Complete re-classify a cryptic error from what the server
// actually returned. Thread-safe.
type CapturingTransport struct {
	Base http.RoundTripper

	mu           sync.RWMutex
	lastRequest  []byte
	lastResponse []byte
	lastStatus   int
	lastURL      string
}

// RoundTrip implements http.RoundTripper, capturing request and response bodies
func (t *CapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Capture request body
	var reqBody []byte
	if req.Body != nil {
		reqBody, _ = io.ReadAll(req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	t.mu.Lock()
	t.lastRequest = reqBody
	t.lastURL = req.URL.String()
	t.mu.Unlock()

	// Execute request
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	// Capture response body (re-wrap so caller can still read it)
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	t.mu.Lock()
	t.lastResponse = respBody
	t.lastStatus = resp.StatusCode
	t.mu.Unlock()

	return resp, nil
}

// GetLastCapture returns the last captured request/response data
func (t *CapturingTransport) GetLastCapture() (reqBody, respBody []byte, status int, url string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRequest, t.lastResponse, t.lastStatus, t.lastURL
}

// ClearCapture clears the captured data
func (t *CapturingTransport) ClearCapture() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRequest = nil
	t.lastResponse = nil
	t.lastStatus = 0
	t.lastURL = ""
}
