package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollWorkqueue(t *testing.T) {
	tests := []struct {
		name         string
		items        []string
		getError     error
		processError error
		updateError  error
		returnNil    bool
		expectResult bool
	}{
		{
			name:         "successful processing",
			items:        []string{"item1"},
			expectResult: true,
		},
		{
			name:         "empty backlog",
			items:        []string{},
			expectResult: false,
		},
		{
			name:         "get next returns no rows",
			items:        []string{},
			getError:     sql.ErrNoRows,
			expectResult: false,
		},
		{
			name:         "get next error",
			getError:     errors.New("db error"),
			expectResult: false,
		},
		{
			name:         "process error marks failed but keeps draining",
			items:        []string{"item1"},
			processError: errors.New("process error"),
			expectResult: true,
		},
		{
			name:         "update error after success",
			items:        []string{"item1"},
			updateError:  errors.New("update error"),
			expectResult: false,
		},
		{
			name:         "nil item returned",
			returnNil:    true,
			expectResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wq := &mockWorkqueue{
				items:        tt.items,
				getError:     tt.getError,
				processError: tt.processError,
				updateError:  tt.updateError,
				returnNil:    tt.returnNil,
			}

			pollingFunc := PollWorkqueue(wq)
			result := pollingFunc(context.Background())
			assert.Equal(t, tt.expectResult, result)
		})
	}
}

func TestPollWorkqueueDrainsBacklog(t *testing.T) {
	wq := &mockWorkqueue{items: []string{"p1_a.3mf", "p1_b.gcode"}}
	pollingFunc := PollWorkqueue(wq)

	assert.True(t, pollingFunc(t.Context()))
	assert.True(t, pollingFunc(t.Context()))
	assert.False(t, pollingFunc(t.Context()), "drained backlog must yield control back to the interval")
	assert.Equal(t, 2, wq.processed)
}

func TestWithRateLimiting(t *testing.T) {
	wq := &mockWorkqueue{items: []string{"a", "b", "c"}}
	limited := WithRateLimiting[any](wq, 100)

	for i := 0; i < 3; i++ {
		item, err := limited.GetItem(t.Context())
		require.NoError(t, err)
		require.NoError(t, limited.ProcessItem(t.Context(), item))
	}
	assert.Equal(t, 3, wq.processed)

	// A canceled context fails the limiter wait instead of processing.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wq2 := &mockWorkqueue{items: []string{"a"}}
	limited2 := WithRateLimiting[any](wq2, 1)
	err := limited2.ProcessItem(ctx, "a")
	assert.Error(t, err)
	assert.Zero(t, wq2.processed)
}

func TestPollImmediateRetry(t *testing.T) {
	calls := 0
	proc := Poll(time.Hour, func(ctx context.Context) bool {
		calls++
		return calls < 3 // first two calls report more work pending
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = proc(ctx)
		close(done)
	}()

	// Three calls happen without waiting out the hour-long interval because
	// the polling func kept reporting more work.
	assert.Eventually(t, func() bool { return calls >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

type mockWorkqueue struct {
	items        []string
	currentIndex int
	processed    int
	getError     error
	processError error
	updateError  error
	returnNil    bool
}

func (m *mockWorkqueue) GetItem(ctx context.Context) (any, error) {
	if m.returnNil {
		return nil, nil
	}
	if m.getError != nil {
		return "", m.getError
	}
	if m.currentIndex >= len(m.items) {
		return "", sql.ErrNoRows
	}
	item := m.items[m.currentIndex]
	m.currentIndex++
	return item, nil
}

func (m *mockWorkqueue) ProcessItem(ctx context.Context, item any) error {
	if m.processError != nil {
		return m.processError
	}
	m.processed++
	return nil
}

func (m *mockWorkqueue) UpdateItem(ctx context.Context, i any, ok bool) error { return m.updateError }
