// Package sse streams processing job and artifact changes to connected
// clients as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/myvault/internal/models"
)

// Event is one SSE message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// JobEventData is the payload of job.* events.
type JobEventData struct {
	JobID        string           `json:"job_id"`
	ArtifactID   string           `json:"artifact_id"`
	VaultID      string           `json:"vault_id"`
	Status       models.JobStatus `json:"status"`
	AttemptCount int              `json:"attempt_count"`
	LastError    string           `json:"last_error,omitempty"`
}

// envelope is an event routed by vault. An empty vaultID reaches every client.
type envelope struct {
	vaultID string
	event   Event
}

type subscription struct {
	ch      chan []byte
	vaultID string
}

// Broker fans events out to SSE clients, optionally filtered by vault.
//
// A single event loop owns the client set and the per-vault throttle state;
// public methods talk to it over channels.
type Broker struct {
	vaultMin  time.Duration
	heartbeat time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	eventCh       chan envelope
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets how often idle streams receive a comment line.
// Default is 25s.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// NewBroker creates a broker that emits at most one vault.updated event per
// vault every vaultThrottle.
func NewBroker(vaultThrottle time.Duration, opts ...Option) *Broker {
	if vaultThrottle <= 0 {
		vaultThrottle = 2 * time.Second
	}

	b := &Broker{
		vaultMin:      vaultThrottle,
		heartbeat:     25 * time.Second,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		eventCh:       make(chan envelope, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	go b.run()
	return b
}

func encode(event Event) ([]byte, bool) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, false
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)), true
}

func (b *Broker) run() {
	defer close(b.stopped)

	// client channel -> vault filter ("" = all vaults)
	clients := make(map[chan []byte]string)
	lastVault := make(map[string]time.Time)

	deliver := func(vaultID string, event Event) {
		raw, ok := encode(event)
		if !ok {
			return
		}
		for ch, filter := range clients {
			if filter != "" && vaultID != "" && filter != vaultID {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.vaultID

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case env := <-b.eventCh:
			deliver(env.vaultID, env.event)
			if env.vaultID == "" {
				continue
			}
			now := time.Now()
			if now.Sub(lastVault[env.vaultID]) >= b.vaultMin {
				lastVault[env.vaultID] = now
				deliver(env.vaultID, Event{Type: "vault.updated", Data: map[string]string{"vault_id": env.vaultID}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the event loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client and returns its channel. A non-empty vaultID
// limits the client to that vault's events plus global ones.
func (b *Broker) Subscribe(vaultID string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, vaultID: vaultID}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to every connected client.
func (b *Broker) Publish(event Event) {
	b.send(envelope{event: event})
}

func (b *Broker) send(env envelope) {
	if b.closed.Load() {
		return
	}
	select {
	case b.eventCh <- env:
	case <-b.stopped:
	}
}

// JobUpdated publishes job.<status> followed by a throttled vault.updated.
func (b *Broker) JobUpdated(job models.ProcessingJob) {
	b.send(envelope{vaultID: job.VaultID, event: Event{
		Type: "job." + string(job.Status),
		Data: JobEventData{
			JobID:        job.ID,
			ArtifactID:   job.ArtifactID,
			VaultID:      job.VaultID,
			Status:       job.Status,
			AttemptCount: job.AttemptCount,
			LastError:    job.LastError,
		},
	}})
}

// ArtifactRemoved publishes artifact.removed followed by a throttled vault.updated.
func (b *Broker) ArtifactRemoved(a models.Artifact) {
	b.send(envelope{vaultID: a.VaultID, event: Event{
		Type: "artifact.removed",
		Data: map[string]string{"artifact_id": a.ID, "vault_id": a.VaultID},
	}})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events[?vault_id=]).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(r.URL.Query().Get("vault_id"))
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.heartbeat)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
