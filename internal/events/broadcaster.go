// Package events provides an SSE event broadcaster for node activity.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/peershare/internal/metrics"
)

const (
	EventPeerDiscovered    = "peer_discovered"
	EventCatalogRescanned  = "catalog_rescanned"
	EventDownloadStarted   = "download_started"
	EventDownloadProgress  = "download_progress"
	EventDownloadCompleted = "download_completed"
	EventDownloadFailed    = "download_failed"
	EventNodeConnected     = "node_connected"
	EventNodeDisconnected  = "node_disconnected"
)

// Event is a single node activity notification.
type Event struct {
	Type       string `json:"type"`
	Hash       string `json:"hash,omitempty"`
	Name       string `json:"name,omitempty"`
	Peer       string `json:"peer,omitempty"`
	Count      int    `json:"count,omitempty"`
	Downloaded int    `json:"downloaded,omitempty"`
	Total      int    `json:"total,omitempty"`
	Verified   bool   `json:"verified,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(Event)
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers without blocking; slow
// consumers miss events.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
