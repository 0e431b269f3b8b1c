package webhooks

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// MaxResponseBody is how much of a receiver's response body is kept.
const MaxResponseBody = 4 << 10

// Request is one outbound webhook POST.
type Request struct {
	URL       string
	Header    http.Header
	Body      []byte
	WebhookID string
}

// Response is what the receiver answered. Body is truncated to MaxResponseBody.
type Response struct {
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
}

// Transport sends a webhook request. A returned error means no HTTP response was obtained.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// HTTPTransport sends requests with net/http under a bounded timeout.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTransport{Client: &http.Client{
		Timeout: timeout,
		// receivers answer directly; a redirect is reported as the attempt's outcome
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	start := time.Now()
	resp, err := t.Client.Do(hr)
	if err != nil {
		return Response{Elapsed: time.Since(start)}, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return Response{StatusCode: resp.StatusCode, Body: body, Elapsed: time.Since(start)}, nil
}
