package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemory_PublishSubscribe(t *testing.T) {
	b := New()
	received := make(chan Event, 1)

	unsubscribe := b.Subscribe(TopicPrinterConnected, func(ctx context.Context, evt Event) {
		received <- evt
	})
	defer unsubscribe()

	b.Publish(context.Background(), TopicPrinterConnected, map[string]any{"printer_id": "p1"})

	select {
	case evt := <-received:
		assert.Equal(t, TopicPrinterConnected, evt.Topic)
		assert.Equal(t, "p1", evt.Payload["printer_id"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestInMemory_MultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var gotA, gotB bool

	b.Subscribe(TopicFileDownloadComplete, func(ctx context.Context, evt Event) {
		mu.Lock()
		gotA = true
		mu.Unlock()
	})
	b.Subscribe(TopicFileDownloadComplete, func(ctx context.Context, evt Event) {
		mu.Lock()
		gotB = true
		mu.Unlock()
	})

	b.Publish(context.Background(), TopicFileDownloadComplete, nil)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotA && gotB
	}, time.Second, time.Millisecond)
}

func TestInMemory_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	var mu sync.Mutex

	unsubscribe := b.Subscribe(TopicJobAutoCreated, func(ctx context.Context, evt Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()

	b.Publish(context.Background(), TopicJobAutoCreated, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestInMemory_SubscriberPanicDoesNotAffectOthers(t *testing.T) {
	b := New()
	otherCalled := make(chan struct{}, 1)

	b.Subscribe(TopicPrinterStatusUpdate, func(ctx context.Context, evt Event) {
		panic("boom")
	})
	b.Subscribe(TopicPrinterStatusUpdate, func(ctx context.Context, evt Event) {
		otherCalled <- struct{}{}
	})

	b.Publish(context.Background(), TopicPrinterStatusUpdate, nil)

	select {
	case <-otherCalled:
	case <-time.After(time.Second):
		t.Fatal("sibling subscriber never ran after a panicking one")
	}
}

func TestInMemory_SlowSubscriberDropsRatherThanBlocksPublisher(t *testing.T) {
	b := New()
	block := make(chan struct{})
	b.Subscribe(TopicFilesDiscovered, func(ctx context.Context, evt Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize*2; i++ {
			b.Publish(context.Background(), TopicFilesDiscovered, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
}

func TestInMemory_EventsCarryUniqueIDs(t *testing.T) {
	b := New()
	received := make(chan Event, 2)
	b.Subscribe(TopicJobAutoCreated, func(ctx context.Context, evt Event) { received <- evt })

	b.Publish(context.Background(), TopicJobAutoCreated, nil)
	b.Publish(context.Background(), TopicJobAutoCreated, nil)

	var ids []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-received:
			assert.NotEmpty(t, evt.ID)
			ids = append(ids, evt.ID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for events")
		}
	}
	assert.NotEqual(t, ids[0], ids[1], "each publication gets its own id")
}
