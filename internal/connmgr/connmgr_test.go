package connmgr

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
	"github.com/printernizer/printernizer/internal/store"
)

// fakeDriver is a minimal in-memory driver.Driver for exercising the
// connection manager without a real vendor protocol.
type fakeDriver struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	status     domain.StatusUpdate
	callbacks  []driver.StatusCallback
	monitoring bool
	hasCamera  bool
	streamURL  string
	snapshot   []byte
}

func (f *fakeDriver) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeDriver) GetStatus(ctx context.Context) domain.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
func (f *fakeDriver) ListFiles(ctx context.Context) ([]driver.RemoteFile, error) { return nil, nil }
func (f *fakeDriver) DownloadFile(ctx context.Context, filename, localPath string) error { return nil }
func (f *fakeDriver) Pause(ctx context.Context) error                                    { return nil }
func (f *fakeDriver) Resume(ctx context.Context) error                                   { return nil }
func (f *fakeDriver) Stop(ctx context.Context) error                                      { return nil }
func (f *fakeDriver) HasCamera() bool                        { return f.hasCamera }
func (f *fakeDriver) CameraStreamURL() (string, bool)        { return f.streamURL, f.streamURL != "" }
func (f *fakeDriver) TakeSnapshot(ctx context.Context) ([]byte, bool, error) {
	return f.snapshot, len(f.snapshot) > 0, nil
}
func (f *fakeDriver) AddStatusCallback(cb driver.StatusCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}
func (f *fakeDriver) StartMonitoring(ctx context.Context) error {
	f.mu.Lock()
	f.monitoring = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) StopMonitoring() {
	f.mu.Lock()
	f.monitoring = false
	f.mu.Unlock()
}

var _ driver.Driver = (*fakeDriver)(nil)

type fakeHandler struct {
	mu    sync.Mutex
	calls []bool // isStartup values received
}

func (h *fakeHandler) HandleStatus(ctx context.Context, status domain.StatusUpdate, isStartup bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, isStartup)
}

func newTestManager(t *testing.T, fd *fakeDriver) (*Manager, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	factory := DriverFactory(func(p *domain.Printer, interval time.Duration) (driver.Driver, error) {
		return fd, nil
	})
	return New(st, b, 5*time.Second, factory), st
}

func TestConnectAndMonitor_MarksStartupObservation(t *testing.T) {
	fd := &fakeDriver{status: domain.StatusUpdate{PrinterID: "p1", State: domain.StatePrinting, CurrentJobFilename: "x.3mf"}}
	m, st := newTestManager(t, fd)
	handler := &fakeHandler{}
	m.SetStatusHandler(handler)

	ctx := context.Background()
	require.NoError(t, st.UpsertPrinter(ctx, &domain.Printer{ID: "p1", Name: "Test", Kind: domain.VendorBambuLab,
		IPAddress: "1.2.3.4", Credentials: domain.Credentials{AccessCode: "x", SerialNumber: "y"}, Active: true}))
	require.NoError(t, m.LoadPrinters(ctx, map[string]*domain.Printer{"p1": {
		ID: "p1", Name: "Test", Kind: domain.VendorBambuLab, IPAddress: "1.2.3.4",
		Credentials: domain.Credentials{AccessCode: "x", SerialNumber: "y"}, Active: true,
	}}))

	require.NoError(t, m.ConnectAndMonitor(ctx, "p1"))

	require.True(t, fd.IsConnected())
	require.True(t, fd.monitoring)
	handler.mu.Lock()
	require.Equal(t, []bool{true}, handler.calls)
	handler.mu.Unlock()

	// Simulate the driver's ongoing callback firing.
	fd.mu.Lock()
	cbs := fd.callbacks
	fd.mu.Unlock()
	require.Len(t, cbs, 1)
	cbs[0](domain.StatusUpdate{PrinterID: "p1", State: domain.StateOnline})

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) == 2 && handler.calls[1] == false
	}, time.Second, 10*time.Millisecond)
}

func TestDeletePrinter_RefusesWithActiveJobs(t *testing.T) {
	fd := &fakeDriver{}
	m, st := newTestManager(t, fd)
	ctx := context.Background()

	require.NoError(t, m.LoadPrinters(ctx, map[string]*domain.Printer{"p1": {
		ID: "p1", Name: "Test", Kind: domain.VendorBambuLab, IPAddress: "1.2.3.4",
		Credentials: domain.Credentials{AccessCode: "x", SerialNumber: "y"}, Active: true,
	}}))

	_, err := st.CreateJob(ctx, &domain.Job{PrinterID: "p1", Status: domain.JobRunning, Filename: "a.3mf", CreatedUnix: time.Now().Unix()})
	require.NoError(t, err)

	err = m.DeletePrinter(ctx, "p1", false)
	require.ErrorIs(t, err, domain.ErrActiveJobsPresent)

	require.NoError(t, m.DeletePrinter(ctx, "p1", true))
	_, ok := m.GetDriver("p1")
	require.False(t, ok)
}

func TestTestConnection_DoesNotMutateRegistry(t *testing.T) {
	fd := &fakeDriver{}
	m, _ := newTestManager(t, fd)

	ok, msg, _ := m.TestConnection(context.Background(), &domain.Printer{
		ID: "candidate", Name: "Candidate", Kind: domain.VendorBambuLab, IPAddress: "1.2.3.4",
		Credentials: domain.Credentials{AccessCode: "x", SerialNumber: "y"},
	})
	require.True(t, ok)
	require.NotEmpty(t, msg)

	_, registered := m.GetDriver("candidate")
	require.False(t, registered)
}
