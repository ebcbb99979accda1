// Package bus implements the in-process publish/subscribe registry
// described by §4.G: a single-process fan-out of ingestion and alert
// events to dashboard subscribers. It is explicitly not Redis-backed —
// delivery is best-effort, unordered across subscribers, and lost on
// restart.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultQueueSize is the bounded outbound queue per subscriber.
const defaultQueueSize = 256

// Event types, per §4.G's type discriminator.
const (
	EventIngest      = "ingest"
	EventAgentStatus = "agent_status"
	EventNewAlert    = "new_alert"
	EventNewIncident = "new_incident"
)

// Event is a bus message. Fields beyond Type are event-specific and carried
// in Payload so producers don't need a shared struct per event kind.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"-"`
}

// MarshalJSON flattens Payload's fields alongside the type discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = e.Type
	return json.Marshal(fields)
}

// subscriber is one registered outbound queue.
type subscriber struct {
	id    uint64
	queue chan Event
}

// Bus is the pub/sub registry. Zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]*subscriber
	nextID   uint64
	logger   *slog.Logger
	dropped  prometheus.Counter
	queueLen int
}

// New creates a Bus. queueSize overrides the default per-subscriber queue
// depth when positive.
func New(logger *slog.Logger, dropped prometheus.Counter, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		subs:     make(map[uint64]*subscriber),
		logger:   logger,
		dropped:  dropped,
		queueLen: queueSize,
	}
}

// Subscribe registers a new subscriber and returns its queue and an
// unsubscribe function. The caller must call unsubscribe on disconnect.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, queue: make(chan Event, b.queueLen)}
	b.subs[id] = sub

	return sub.queue, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.queue)
		delete(b.subs, id)
	}
}

// Publish fans an event out to every subscriber. A subscriber whose queue
// is full has its oldest message dropped to make room, per §4.G; publish
// itself never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.queue <- evt:
		default:
			select {
			case <-sub.queue:
				if b.dropped != nil {
					b.dropped.Inc()
				}
			default:
			}
			select {
			case sub.queue <- evt:
			default:
				b.logger.Warn("bus subscriber queue full after drop, discarding event", "subscriber", sub.id, "type", evt.Type)
			}
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
