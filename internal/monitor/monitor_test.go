package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/autojob"
	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
	"github.com/printernizer/printernizer/internal/store"
)

type fakeDriverProvider struct {
	drivers map[string]driver.Driver
}

func (f *fakeDriverProvider) GetDriver(id string) (driver.Driver, bool) {
	d, ok := f.drivers[id]
	return d, ok
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeDownloader) Download(ctx context.Context, printerID, filename, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, filename)
	if f.fail[filename] {
		return domain.ErrFileDownloadFailed
	}
	return nil
}

func newTestMonitor(t *testing.T, downloader *fakeDownloader, provider *fakeDriverProvider) (*Monitor, store.Store, bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	aj := autojob.New(st, b)
	return New(st, b, aj, provider, downloader, true), st, b
}

func TestHandleStatus_PublishesEnrichedStatus(t *testing.T) {
	downloader := &fakeDownloader{}
	provider := &fakeDriverProvider{drivers: map[string]driver.Driver{}}
	m, st, b := newTestMonitor(t, downloader, provider)
	ctx := context.Background()

	f := domain.NewPrinterFile("p1", "Benchy.3mf", 1024, domain.Ext3MF)
	f.ThumbnailBlob = []byte{1, 2, 3}
	f.ThumbnailWidth, f.ThumbnailHeight, f.ThumbnailFormat = 200, 200, "png"
	require.NoError(t, st.UpsertFile(ctx, f))

	received := make(chan map[string]any, 1)
	b.Subscribe(bus.TopicPrinterStatusUpdate, func(ctx context.Context, evt bus.Event) { received <- evt.Payload })

	m.HandleStatus(ctx, domain.StatusUpdate{
		PrinterID:          "p1",
		State:              domain.StatePrinting,
		CurrentJobFilename: "Benchy.3mf",
		Progress:           50,
		Timestamp:          time.Now(),
	}, false)

	select {
	case payload := <-received:
		require.Equal(t, "p1", payload["printer_id"])
		require.Equal(t, f.ID, payload["current_job_file_id"])
		require.Equal(t, true, payload["current_job_has_thumbnail"])
	case <-time.After(time.Second):
		t.Fatal("expected printer_status_update event")
	}

	downloader.mu.Lock()
	defer downloader.mu.Unlock()
	require.Empty(t, downloader.calls, "file already has a thumbnail; no download should be triggered")
}

func TestHandleStatus_TriggersDownloadWhenFileUnresolved(t *testing.T) {
	downloader := &fakeDownloader{}
	provider := &fakeDriverProvider{drivers: map[string]driver.Driver{}}
	m, _, _ := newTestMonitor(t, downloader, provider)
	ctx := context.Background()

	m.HandleStatus(ctx, domain.StatusUpdate{
		PrinterID:          "p1",
		State:              domain.StatePrinting,
		CurrentJobFilename: "Unknown.3mf",
		Progress:           10,
		Timestamp:          time.Now(),
	}, false)

	require.Eventually(t, func() bool {
		downloader.mu.Lock()
		defer downloader.mu.Unlock()
		return len(downloader.calls) == 1 && downloader.calls[0] == "Unknown.3mf"
	}, time.Second, 10*time.Millisecond)
}

func TestHandleStatus_ClearsAttemptsOnOnlineTransition(t *testing.T) {
	downloader := &fakeDownloader{fail: map[string]bool{"Unknown.3mf": true}}
	provider := &fakeDriverProvider{drivers: map[string]driver.Driver{}}
	m, _, _ := newTestMonitor(t, downloader, provider)
	ctx := context.Background()

	printing := domain.StatusUpdate{
		PrinterID: "p1", State: domain.StatePrinting, CurrentJobFilename: "Unknown.3mf", Timestamp: time.Now(),
	}
	m.HandleStatus(ctx, printing, false)
	require.Eventually(t, func() bool {
		downloader.mu.Lock()
		defer downloader.mu.Unlock()
		return len(downloader.calls) >= 1
	}, time.Second, 10*time.Millisecond)

	m.HandleStatus(ctx, domain.StatusUpdate{PrinterID: "p1", State: domain.StateOnline, Timestamp: time.Now()}, false)

	m.mu.Lock()
	_, tracked := m.attempted["p1"]
	m.mu.Unlock()
	require.False(t, tracked, "online transition must clear reconciliation attempts")
}

func TestGenerateCandidates_SpaceToUnderscoreVariant(t *testing.T) {
	listing := []driver.RemoteFile{{Filename: "Phone_Stand_v2.3mf"}}
	candidates := generateCandidates("Phone Stand v2.3mf", listing)
	require.Contains(t, candidates, "Phone_Stand_v2.3mf")
}

func TestGenerateCandidates_CacheprefixStrip(t *testing.T) {
	candidates := generateCandidates("cache/Model.3mf", nil)
	require.Contains(t, candidates, "Model.3mf")
}

func TestGenerateCandidates_PrefixTruncationMatch(t *testing.T) {
	reported := "A_Very_Long_Model_Name_That_Gets_Truncated.3mf"
	listing := []driver.RemoteFile{{Filename: "A_Very_Long_Model_Na~1.3mf"}}
	candidates := generateCandidates(reported, listing)
	require.Contains(t, candidates, "A_Very_Long_Model_Na~1.3mf")
}
