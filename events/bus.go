// Package events is the per-user publish/subscribe bus for instance and task
// lifecycle notifications.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a lifecycle event.
type EventType string

const (
	InstanceStarted   EventType = "instance_started"
	InstanceCompleted EventType = "instance_completed"
	InstanceFailed    EventType = "instance_failed"
	InstanceCancelled EventType = "instance_cancelled"
	TaskAssigned      EventType = "task_assigned"
	TaskCompleted     EventType = "task_completed"
	TaskCancelled     EventType = "task_cancelled"
)

// Event is delivered to subscribers.
type Event struct {
	Type         EventType      `json:"type"`
	InstanceID   string         `json:"instanceId"`
	DefinitionID string         `json:"definitionId,omitempty"`
	NodeID       string         `json:"nodeId,omitempty"`
	TaskID       string         `json:"taskId,omitempty"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

// Bus fans events out to per-user subscriptions. Publish never blocks: when
// a subscriber's buffer is full the event is dropped and logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *zap.Logger
	onDrop func(userID string, ev Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for drop warnings.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDropHandler registers a callback invoked for every dropped event.
func WithDropHandler(f func(userID string, ev Event)) Option {
	return func(b *Bus) { b.onDrop = f }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[uint64]*Subscription),
		buffer: DefaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one consumer's push channel.
type Subscription struct {
	id     uint64
	userID string
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// UserID returns the subscribed user.
func (s *Subscription) UserID() string { return s.userID }

// Close removes the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if byUser, ok := s.bus.subs[s.userID]; ok {
			delete(byUser, s.id)
			if len(byUser) == 0 {
				delete(s.bus.subs, s.userID)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new subscription for userID.
func (b *Bus) Subscribe(userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, userID: userID, ch: make(chan Event, b.buffer), bus: b}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[uint64]*Subscription)
	}
	b.subs[userID][sub.id] = sub
	b.logger.Debug("Subscriber registered", zap.String("userID", userID), zap.Uint64("subscriptionID", sub.id))
	return sub
}

// Publish delivers ev to every subscription of userID without blocking.
func (b *Bus) Publish(userID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Subscriber buffer full, dropping event",
				zap.String("userID", userID),
				zap.Uint64("subscriptionID", sub.id),
				zap.String("eventType", string(ev.Type)),
				zap.String("instanceID", ev.InstanceID),
				zap.String("taskID", ev.TaskID))
			if b.onDrop != nil {
				b.onDrop(userID, ev)
			}
		}
	}
}

// PublishAll delivers ev once to each distinct user in userIDs.
func (b *Bus) PublishAll(userIDs []string, ev Event) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		b.Publish(id, ev)
	}
}

// SubscriberCount returns the number of live subscriptions for userID.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
