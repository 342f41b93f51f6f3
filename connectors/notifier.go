package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flowpilot/workflow"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by QueueNotifier when the dispatch queue is full.
var ErrQueueFull = errors.New("notification queue is full")

// LogNotifier writes notifications to the log. It is the default notifier
// when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements workflow.Notifier.
func (n *LogNotifier) Send(_ context.Context, channel string, recipients []string, payload workflow.Notification) error {
	n.logger.Info("Notification",
		zap.String("channel", channel),
		zap.Strings("recipients", recipients),
		zap.String("instanceID", payload.InstanceID),
		zap.String("nodeID", payload.NodeID),
		zap.String("subject", payload.Subject))
	return nil
}

// WebhookNotifier posts notifications as JSON to a relay endpoint that owns
// the actual email and sms delivery.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}, logger: logger}
}

type webhookPayload struct {
	Channel      string                `json:"channel"`
	Recipients   []string              `json:"recipients"`
	Notification workflow.Notification `json:"notification"`
}

// Send implements workflow.Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, channel string, recipients []string, payload workflow.Notification) error {
	body, err := json.Marshal(webhookPayload{Channel: channel, Recipients: recipients, Notification: payload})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notification relay responded %d", resp.StatusCode)
	}
	return nil
}

// QueueConfig configures a QueueNotifier.
type QueueConfig struct {
	Size          int     `mapstructure:"queueSize"`
	RatePerSecond float64 `mapstructure:"ratePerSecond"`
	Burst         int     `mapstructure:"burst"`
}

type queuedNotification struct {
	channel    string
	recipients []string
	payload    workflow.Notification
}

// QueueNotifier decouples node execution from notification delivery. Send
// enqueues and returns; a background worker delivers through the wrapped
// notifier at a bounded rate. Delivery failures are logged and dropped.
type QueueNotifier struct {
	next    workflow.Notifier
	limiter *rate.Limiter
	queue   chan queuedNotification
	logger  *zap.Logger

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueueNotifier creates a QueueNotifier. Call Start to begin delivery.
func NewQueueNotifier(next workflow.Notifier, cfg QueueConfig, logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &QueueNotifier{
		next:    next,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		queue:   make(chan queuedNotification, cfg.Size),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Send implements workflow.Notifier.
func (q *QueueNotifier) Send(_ context.Context, channel string, recipients []string, payload workflow.Notification) error {
	item := queuedNotification{channel: channel, recipients: append([]string(nil), recipients...), payload: payload}
	select {
	case q.queue <- item:
		return nil
	default:
		q.logger.Warn("Notification dropped, queue full",
			zap.String("channel", channel),
			zap.String("instanceID", payload.InstanceID),
			zap.String("nodeID", payload.NodeID))
		return ErrQueueFull
	}
}

// Start runs the delivery worker until Close is called or ctx is done.
func (q *QueueNotifier) Start(ctx context.Context) {
	q.once.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		go q.run(ctx)
	})
}

func (q *QueueNotifier) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.queue:
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			if err := q.next.Send(ctx, item.channel, item.recipients, item.payload); err != nil {
				q.logger.Warn("Notification delivery failed",
					zap.String("channel", item.channel),
					zap.Strings("recipients", item.recipients),
					zap.String("instanceID", item.payload.InstanceID),
					zap.String("nodeID", item.payload.NodeID),
					zap.Error(err))
			}
		}
	}
}

// Close stops the worker. Notifications still queued are discarded.
func (q *QueueNotifier) Close() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

// Pending returns the number of queued notifications.
func (q *QueueNotifier) Pending() int { return len(q.queue) }
