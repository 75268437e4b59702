// Package bus implements the topic-based publish/subscribe contract the
// fleet coordinator consumes from its environment. It has no persistence:
// events not yet delivered when the process exits are simply gone.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names emitted by the coordinator. Consumers should match on these
// constants rather than string literals.
const (
	TopicPrinterStatusUpdate        = "printer_status_update"
	TopicPrinterConnected           = "printer_connected"
	TopicPrinterDisconnected        = "printer_disconnected"
	TopicPrinterMonitoringStarted   = "printer_monitoring_started"
	TopicPrinterMonitoringStopped   = "printer_monitoring_stopped"
	TopicPrinterConnectionProgress  = "printer_connection_progress"
	TopicFilesDiscovered            = "files_discovered"
	TopicFileSyncComplete           = "file_sync_complete"
	TopicFileDownloadStarted        = "file_download_started"
	TopicFileDownloadComplete       = "file_download_complete"
	TopicFileDownloadFailed         = "file_download_failed"
	TopicFileNeedsThumbnailProcess  = "file_needs_thumbnail_processing"
	TopicFileThumbnailsProcessed    = "file_thumbnails_processed"
	TopicFileMetadataExtracted      = "file_metadata_extracted"
	TopicFileDeleted                = "file_deleted"
	TopicJobAutoCreated             = "job_auto_created"
)

// Event is one message on the bus. Payload is a plain structured value:
// scalars and nested maps only, never a thumbnail blob or other large
// binary (those move through the store and are referenced by id).
type Event struct {
	// ID uniquely identifies this publication, so at-least-once consumers
	// can deduplicate redeliveries.
	ID        string
	Topic     string
	Payload   map[string]any
	Timestamp time.Time
}

// Handler processes one event. A handler that panics or blocks only affects
// its own subscription; it never blocks the publisher or other subscribers.
type Handler func(context.Context, Event)

// Bus is the publish/subscribe contract the core depends on. The core never
// constructs an implementation itself in production; main wires one in.
type Bus interface {
	// Publish is fire-and-forget from the caller's perspective: it returns
	// once the event has been handed to every current subscriber's queue,
	// without waiting for any handler to run.
	Publish(ctx context.Context, topic string, payload map[string]any)

	// Subscribe registers handler for topic and returns a function that
	// cancels the subscription. Multiple subscriptions to the same topic
	// are independent; each gets every event.
	Subscribe(topic string, handler Handler) (unsubscribe func())
}

const subscriberQueueSize = 64

type subscription struct {
	id      uint64
	handler Handler
	queue   chan Event
	cancel  context.CancelFunc
}

// InMemory is a single-process Bus. Each subscription runs its own
// goroutine pulling off a buffered queue, so a slow or wedged subscriber
// only ever drops its own events rather than stalling others or the
// publisher; this mirrors the per-client fan-out used for the live
// webcam/telemetry stream elsewhere in the engine package.
type InMemory struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]*subscription
	next uint64
}

// New constructs an empty in-memory bus.
func New() *InMemory {
	return &InMemory{subs: make(map[string]map[uint64]*subscription)}
}

func (b *InMemory) Publish(ctx context.Context, topic string, payload map[string]any) {
	evt := Event{ID: uuid.NewString(), Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- evt:
		default:
			slog.Warn("bus: dropping event for slow subscriber", "topic", topic, "event_id", evt.ID)
		}
	}
}

func (b *InMemory) Subscribe(topic string, handler Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		handler: handler,
		queue:   make(chan Event, subscriberQueueSize),
		cancel:  cancel,
	}

	b.mu.Lock()
	b.next++
	sub.id = b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	go sub.run(ctx)

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], sub.id)
		b.mu.Unlock()
		cancel()
	}
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.queue:
			s.dispatch(ctx, evt)
		}
	}
}

func (s *subscription) dispatch(ctx context.Context, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panicked", "topic", evt.Topic, "panic", r)
		}
	}()
	s.handler(ctx, evt)
}
