package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(strings.Repeat("x", MaxResponseBody*3)))
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport(time.Second).Send(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, resp.Body, MaxResponseBody)
	assert.Greater(t, resp.Elapsed, time.Duration(0))
}

func TestHTTPTransportDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport(time.Second).Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestHTTPTransportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(time.Second).Send(context.Background(), Request{URL: url})
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestHTTPTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPTransport(50*time.Millisecond).Send(context.Background(), Request{URL: srv.URL})
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestRateLimitedTransportWaitBeyondDeadline(t *testing.T) {
	next := answering(200)
	tr := NewRateLimitedTransport(next, 0.01, 1)

	_, err := tr.Send(context.Background(), Request{WebhookID: "wh_1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Send(ctx, Request{WebhookID: "wh_1"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, next.Calls())

	// buckets are per webhook
	_, err = tr.Send(context.Background(), Request{WebhookID: "wh_2"})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Calls())
}

func TestBreakerTransportOpensOnServerErrors(t *testing.T) {
	next := answering(500)
	tr := NewBreakerTransport(next, BreakerSettings{FailureThreshold: 3, OpenTimeout: time.Minute})
	req := Request{URL: "https://flaky.example.com/hook"}

	for i := 0; i < 3; i++ {
		resp, err := tr.Send(context.Background(), req)
		require.NoError(t, err, "server errors pass through while closed")
		assert.Equal(t, 500, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateOpen, tr.State("flaky.example.com"))

	_, err := tr.Send(context.Background(), req)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 3, next.Calls(), "open circuit must not reach the receiver")

	assert.Equal(t, gobreaker.StateClosed, tr.State("other.example.com"))
}

func TestBreakerTransportIgnoresClientErrors(t *testing.T) {
	next := answering(404)
	tr := NewBreakerTransport(next, BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		resp, err := tr.Send(context.Background(), Request{URL: "https://strict.example.com/hook"})
		require.NoError(t, err)
		assert.Equal(t, 404, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateClosed, tr.State("strict.example.com"))
}

func TestBreakerTransportCountsTransportErrors(t *testing.T) {
	next := &stubTransport{steps: []stubStep{{err: &TransportError{Err: errors.New("reset")}}}}
	tr := NewBreakerTransport(next, BreakerSettings{FailureThreshold: 1, OpenTimeout: time.Minute})
	_, err := tr.Send(context.Background(), Request{URL: "https://down.example.com"})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, tr.State("down.example.com"))
}
