package autojob

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store, bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	return New(st, b), st, b
}

func TestObserve_ColdStartCreatesJob(t *testing.T) {
	e, st, b := newTestEngine(t)
	ctx := context.Background()

	created := make(chan map[string]any, 1)
	b.Subscribe(bus.TopicJobAutoCreated, func(ctx context.Context, evt bus.Event) { created <- evt.Payload })

	startTime := time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	now := startTime.Add(time.Minute)
	status := domain.StatusUpdate{
		PrinterID:          "p1",
		State:              domain.StatePrinting,
		CurrentJobFilename: "Benchy.3mf",
		Progress:           42,
		PrintStartTime:     &startTime,
		Timestamp:          now,
	}

	ok, err := e.Observe(ctx, status, true, now)
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err := st.ListJobs(ctx, store.JobFilter{PrinterID: "p1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "Benchy", jobs[0].JobName)
	require.Equal(t, "Benchy.3mf", jobs[0].Filename)
	require.Equal(t, domain.JobRunning, jobs[0].Status)
	require.True(t, jobs[0].CustomerInfo.AutoCreated)
	require.True(t, jobs[0].CustomerInfo.DiscoveredOnStartup)

	select {
	case <-created:
	case <-time.After(time.Second):
		t.Fatal("expected job_auto_created event")
	}
}

func TestObserve_DuplicateStatusesCreateExactlyOneJob(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	startTime := time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	status := domain.StatusUpdate{
		PrinterID:          "p1",
		State:              domain.StatePrinting,
		CurrentJobFilename: "Benchy.3mf",
		Progress:           10,
		PrintStartTime:     &startTime,
		Timestamp:          startTime,
	}

	for i := 0; i < 5; i++ {
		status.Progress = 10 + i
		status.Timestamp = startTime.Add(time.Duration(i) * time.Second)
		_, err := e.Observe(ctx, status, false, status.Timestamp)
		require.NoError(t, err)
	}

	jobs, err := st.ListJobs(ctx, store.JobFilter{PrinterID: "p1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestObserve_RestartMidPrintDoesNotDuplicate(t *testing.T) {
	// Simulate a restart by constructing a fresh Engine against the same
	// store, as main.go would after a process restart.
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	b := bus.New()
	ctx := context.Background()

	startTime := time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	status := domain.StatusUpdate{
		PrinterID:          "p1",
		State:              domain.StatePrinting,
		CurrentJobFilename: "Benchy.3mf",
		Progress:           42,
		PrintStartTime:     &startTime,
		Timestamp:          startTime.Add(time.Minute),
	}

	first := New(st, b)
	ok, err := first.Observe(ctx, status, true, status.Timestamp)
	require.NoError(t, err)
	require.True(t, ok)

	second := New(st, b) // fresh in-memory state, same store
	ok, err = second.Observe(ctx, status, true, status.Timestamp.Add(5*time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "restart must not create a second job row")

	jobs, err := st.ListJobs(ctx, store.JobFilter{PrinterID: "p1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestObserve_ManuallyCreatedJobSuppressesAutoCreate(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, &domain.Job{
		PrinterID:   "p1",
		JobName:     "Benchy",
		Filename:    "Benchy.3mf",
		Status:      domain.JobRunning,
		CreatedUnix: time.Now().Unix(),
	})
	require.NoError(t, err)

	now := time.Now()
	status := domain.StatusUpdate{
		PrinterID:          "p1",
		State:              domain.StatePrinting,
		CurrentJobFilename: "Benchy.3mf",
		Progress:           50,
		Timestamp:          now,
	}
	ok, err := e.Observe(ctx, status, false, now)
	require.NoError(t, err)
	require.False(t, ok)

	jobs, err := st.ListJobs(ctx, store.JobFilter{PrinterID: "p1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestObserve_NonPrintingStateIsNoop(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := e.Observe(ctx, domain.StatusUpdate{PrinterID: "p1", State: domain.StateOnline, Timestamp: now}, false, now)
	require.NoError(t, err)
	require.False(t, ok)

	jobs, err := st.ListJobs(ctx, store.JobFilter{PrinterID: "p1"})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestCleanup_RemovesDiscoveryNotCache(t *testing.T) {
	e, _, _ := newTestEngine(t)
	now := time.Now()

	e.mu.Lock()
	e.discoveries[discoveryKey("p1", "Benchy.3mf")] = now
	e.cacheLocked("p1", "p1:Benchy:2025-01-10T14:00:00Z")
	e.mu.Unlock()

	e.Cleanup("p1", "Benchy.3mf")

	e.mu.Lock()
	_, hasDiscovery := e.discoveries[discoveryKey("p1", "Benchy.3mf")]
	hasCache := e.cachedLocked("p1", "p1:Benchy:2025-01-10T14:00:00Z")
	e.mu.Unlock()

	require.False(t, hasDiscovery)
	require.True(t, hasCache)
}
