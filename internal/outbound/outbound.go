// Package outbound publishes one trajectory event per live track per
// processed bundle to any number of subscribers. Delivery never applies
// backpressure to the tracking loop: a subscriber that stops draining
// loses its oldest buffered events and keeps its subscription; a slow
// reader is not disconnected.
package outbound

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
)

// Event is one per-track record emitted after a bundle is fully
// processed. It marshals to a single JSON object, one per line on the
// wire.
type Event struct {
	Frame     uint64  `json:"frame"`
	ObjID     int64   `json:"obj_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	LatencyMs float64 `json:"latency_ms"`
}

// MarshalLine renders the event as a JSON line including the trailing
// newline.
func (e Event) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Publisher fans events out to subscribers over buffered channels.
type Publisher struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewPublisher constructs a Publisher whose subscriber channels buffer
// bufferSize events.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Publisher{subscribers: make(map[string]chan Event), bufferSize: bufferSize}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed on Unsubscribe, or if Publish disconnects the
// subscriber.
func (p *Publisher) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, p.bufferSize)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

// Publish delivers the event to every subscriber without ever blocking
// the caller. A full subscriber loses its oldest buffered event to make
// room. If the send after that eviction still fails, the subscriber is
// disconnected; Publish is the channel's only sender and holds the
// lock, so a slow reader alone never causes this.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subscribers {
		select {
		case ch <- e:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
			monitoring.Opsf("outbound: disconnecting slow subscriber %s", id)
			close(ch)
			delete(p.subscribers, id)
		}
	}
}

// Len returns the number of live subscribers.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
