package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowpilot/workflow"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCaller_DecodesJSONAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			assert.Equal(t, "abc", r.Header.Get("X-Token"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"score": 7}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("nope"))
		}
	}))
	defer srv.Close()

	c := NewHTTPCaller(time.Second, DefaultBreakerConfig(), nil)
	resp, err := c.Do(context.Background(), workflow.HTTPRequest{
		Method:  http.MethodGet,
		URL:     srv.URL + "/json",
		Headers: map[string]string{"X-Token": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, map[string]any{"score": float64(7)}, resp.Body)

	resp, err = c.Do(context.Background(), workflow.HTTPRequest{Method: http.MethodGet, URL: srv.URL + "/missing"})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "nope", resp.Body)
}

func TestHTTPCaller_BreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	cfg.OpenTimeout = time.Minute
	c := NewHTTPCaller(time.Second, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := c.Do(ctx, workflow.HTTPRequest{Method: http.MethodPost, URL: failing.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	_, err := c.Do(ctx, workflow.HTTPRequest{Method: http.MethodPost, URL: failing.URL})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())

	u, _ := url.Parse(failing.URL)
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState(u.Host))

	resp, err := c.Do(ctx, workflow.HTTPRequest{Method: http.MethodGet, URL: healthy.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPCaller_RejectsBadURL(t *testing.T) {
	c := NewHTTPCaller(0, DefaultBreakerConfig(), nil)
	_, err := c.Do(context.Background(), workflow.HTTPRequest{Method: http.MethodGet, URL: "ftp://example.com/x"})
	assert.Error(t, err)
}

func TestWebhookNotifier_PostsPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, nil)
	err := n.Send(context.Background(), "email", []string{"a@example.com"}, workflow.Notification{
		InstanceID: "i-1", NodeID: "mail", Subject: "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "email", got.Channel)
	assert.Equal(t, []string{"a@example.com"}, got.Recipients)
	assert.Equal(t, "Hello", got.Notification.Subject)
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, nil)
	assert.Error(t, n.Send(context.Background(), "sms", []string{"+100"}, workflow.Notification{}))
}

type recording struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recording) Send(_ context.Context, channel string, _ []string, p workflow.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, channel+":"+p.NodeID)
	return r.err
}

func (r *recording) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestQueueNotifier_DeliversInOrder(t *testing.T) {
	next := &recording{}
	q := NewQueueNotifier(next, QueueConfig{Size: 8, RatePerSecond: 1000, Burst: 10}, nil)
	q.Start(context.Background())
	defer q.Close()

	for _, node := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(context.Background(), "email", []string{"x"}, workflow.Notification{NodeID: node}))
	}
	assert.Eventually(t, func() bool { return next.count() == 3 }, time.Second, 5*time.Millisecond)
	next.mu.Lock()
	assert.Equal(t, []string{"email:a", "email:b", "email:c"}, next.sent)
	next.mu.Unlock()
}

func TestQueueNotifier_FullQueueDrops(t *testing.T) {
	q := NewQueueNotifier(&recording{}, QueueConfig{Size: 1}, nil)

	require.NoError(t, q.Send(context.Background(), "sms", nil, workflow.Notification{NodeID: "a"}))
	err := q.Send(context.Background(), "sms", nil, workflow.Notification{NodeID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, q.Pending())
}

func TestQueueNotifier_DeliveryFailureIsSwallowed(t *testing.T) {
	next := &recording{err: errors.New("relay down")}
	q := NewQueueNotifier(next, QueueConfig{}, nil)
	q.Start(context.Background())
	defer q.Close()

	require.NoError(t, q.Send(context.Background(), "notification", nil, workflow.Notification{NodeID: "n"}))
	assert.Eventually(t, func() bool { return next.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLogNotifier_NeverFails(t *testing.T) {
	assert.NoError(t, NewLogNotifier(nil).Send(context.Background(), "email", []string{"x"}, workflow.Notification{}))
}
