package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamMuxLazyStart(t *testing.T) {
	called := false
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		called = true
		return io.NopCloser(bytes.NewReader(nil)), nil
	})
	assert.NotNil(t, mux)
	assert.False(t, called, "source must not start until the first subscriber arrives")

	ch := mux.Subscribe()
	assert.NotNil(t, ch)
	assert.True(t, called)
	assert.True(t, mux.Running())
	assert.Equal(t, 1, mux.ClientCount())

	mux.Unsubscribe(ch)
}

func TestStreamMuxSourceError(t *testing.T) {
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("camera unreachable")
	})

	ch := mux.Subscribe()
	assert.Nil(t, ch)
	assert.False(t, mux.Running())
	assert.Equal(t, 0, mux.ClientCount())
}

func TestStreamMuxSharedSource(t *testing.T) {
	startCount := 0
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		startCount++
		return &blockingReader{ctx: ctx}, nil
	})

	ch1 := mux.Subscribe()
	ch2 := mux.Subscribe()
	ch3 := mux.Subscribe()

	assert.Equal(t, 1, startCount, "one camera connection regardless of viewer count")
	assert.Equal(t, 3, mux.ClientCount())
	assert.True(t, mux.Running())

	mux.Unsubscribe(ch1)
	mux.Unsubscribe(ch2)
	assert.True(t, mux.Running(), "stream stays up while any viewer remains")

	mux.Unsubscribe(ch3)
	assert.Equal(t, 0, mux.ClientCount())
	assert.False(t, mux.Running(), "last viewer leaving stops the camera")
}

func TestStreamMuxBroadcast(t *testing.T) {
	frame := []byte("\xff\xd8 jpeg frame bytes")
	mux := NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(frame)), nil
	})

	ch1 := mux.Subscribe()
	ch2 := mux.Subscribe()

	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, frame, received, "channel %d", i)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for data on channel %d", i)
		}
	}

	// Channels may already be closed by the broadcast goroutine on EOF,
	// so drain rather than Unsubscribe.
	for range ch1 {
	}
	for range ch2 {
	}
}

// blockingReader blocks on Read until context is canceled.
type blockingReader struct {
	ctx context.Context
}

func (r *blockingReader) Read(p []byte) (n int, err error) {
	<-r.ctx.Done()
	return 0, io.EOF
}

func (r *blockingReader) Close() error { return nil }
