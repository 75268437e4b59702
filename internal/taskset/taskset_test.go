package taskset

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTracker_WaitDrainsCompletedTasks(t *testing.T) {
	var tr Tracker
	var ran int32

	for i := 0; i < 5; i++ {
		tr.Go("test", func() {
			atomic.AddInt32(&ran, 1)
		})
	}

	tr.Wait(time.Second)
	require.EqualValues(t, 5, atomic.LoadInt32(&ran))
}

func TestTracker_GoRecoversPanic(t *testing.T) {
	var tr Tracker
	tr.Go("panicker", func() { panic("boom") })
	tr.Wait(time.Second) // must not propagate the panic to the test goroutine
}

func TestTracker_WaitTimesOutOnSlowTask(t *testing.T) {
	var tr Tracker
	tr.Go("slow", func() { time.Sleep(200 * time.Millisecond) })

	start := time.Now()
	tr.Wait(10 * time.Millisecond)
	require.Less(t, time.Since(start), 150*time.Millisecond)
}
