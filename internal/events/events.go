// Package events is the in-process pub/sub bus connecting the pipeline to
// observers such as the admin gateway's WebSocket stream.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/overseer/internal/logging"
)

// Type classifies a bus event.
type Type string

const (
	TypeTaskEnqueued  Type = "task.enqueued"
	TypeTaskStarted   Type = "task.started"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
	TypeTaskRetrying  Type = "task.retrying"
	TypeTaskCancelled Type = "task.cancelled"
	TypeTaskStalled   Type = "task.stalled"

	TypeProjectRegistered   Type = "project.registered"
	TypeProjectUnregistered Type = "project.unregistered"

	TypeDaemonStarted  Type = "daemon.started"
	TypeDaemonDraining Type = "daemon.draining"
	TypeRateLimited    Type = "rate.limited"
	TypeNotification   Type = "notify"
)

// Event is one bus message. Data is event-specific and must be JSON-friendly
// so the gateway can stream it as-is.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// subscriberBuffer bounds each subscriber channel. A slow subscriber loses
// events rather than stalling the pipeline.
const subscriberBuffer = 64

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		log:  logging.WithComponent("events"),
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber without blocking. The
// timestamp is stamped here when unset.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Debug("Dropping event for slow subscriber",
				slog.String("type", string(e.Type)),
			)
		}
	}
}

// Close unsubscribes everyone. Publish on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
