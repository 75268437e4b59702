// Package filepipeline implements discovery, download, and
// thumbnail/metadata processing for printer-resident and uploaded files.
// It exclusively owns the in-memory DownloadState map; nothing else
// creates or mutates transfer records.
package filepipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
	"github.com/printernizer/printernizer/internal/store"
	"github.com/printernizer/printernizer/internal/taskset"
)

// DriverProvider resolves a printer id to its live driver instance. Defined
// locally (rather than imported from connmgr) so filepipeline and connmgr
// never need to import each other.
type DriverProvider interface {
	GetDriver(printerID string) (driver.Driver, bool)
}

// Pipeline is the file discovery/download/thumbnail subsystem. Construct
// with New and call Start once the bus is wired, so the thumbnail stage can
// subscribe to file_needs_thumbnail_processing.
type Pipeline struct {
	store         store.Store
	bus           bus.Bus
	drivers       DriverProvider
	downloadsRoot string
	libraryRoot   string
	tasks         *taskset.Tracker

	mu        sync.Mutex
	downloads map[string]*domain.DownloadState

	procMu  sync.Mutex
	procLog []ProcessingLogEntry

	discoverGroup singleflight.Group
}

// Config holds the pipeline's tunables, sourced from config.Engine.
type Config struct {
	DownloadsRoot string
	LibraryRoot   string // optional; enables library_add_request publication
}

// New constructs a Pipeline. drivers resolves printer ids to live drivers
// for discovery and download.
func New(st store.Store, b bus.Bus, drivers DriverProvider, cfg Config) *Pipeline {
	return &Pipeline{
		store:         st,
		bus:           b,
		drivers:       drivers,
		downloadsRoot: cfg.DownloadsRoot,
		libraryRoot:   cfg.LibraryRoot,
		tasks:         &taskset.Tracker{},
		downloads:     make(map[string]*domain.DownloadState),
	}
}

// Start subscribes the thumbnail stage to the bus. Call once during
// startup wiring.
func (p *Pipeline) Start() {
	p.bus.Subscribe(bus.TopicFileNeedsThumbnailProcess, func(ctx context.Context, evt bus.Event) {
		fileID, _ := evt.Payload["file_id"].(string)
		path, _ := evt.Payload["file_path"].(string)
		if fileID == "" || path == "" {
			return
		}
		p.processThumbnail(ctx, fileID, path)
	})
}

// Shutdown waits up to timeout for in-flight background tasks (animated
// preview generation) to drain.
func (p *Pipeline) Shutdown(timeout time.Duration) {
	p.tasks.Wait(timeout)
}

// Discover lists printerID's files via its driver and upserts each into the
// store. Upserts never clear existing thumbnails or metadata;
// the store layer enforces that. Files no longer reported are marked
// unavailable, never deleted. Concurrent calls for the same printer (e.g. a
// manual refresh racing the periodic schedule) collapse into one scan.
func (p *Pipeline) Discover(ctx context.Context, printerID string) error {
	_, err, _ := p.discoverGroup.Do(printerID, func() (any, error) {
		return nil, p.discover(ctx, printerID)
	})
	return err
}

func (p *Pipeline) discover(ctx context.Context, printerID string) error {
	drv, ok := p.drivers.GetDriver(printerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPrinterNotFound, printerID)
	}

	remote, err := drv.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("filepipeline: list files for %s: %w", printerID, err)
	}

	filenames := make([]string, 0, len(remote))
	added := 0
	discovered := make([]map[string]any, 0, len(remote))
	for _, rf := range remote {
		id := domain.FileID(printerID, rf.Filename)
		_, getErr := p.store.GetFile(ctx, id)
		existed := getErr == nil

		f := domain.NewPrinterFile(printerID, rf.Filename, rf.Size, domain.ExtensionFromFilename(rf.Filename))
		if rf.ModifiedAt != nil {
			f.ModifiedUnix = rf.ModifiedAt.Unix()
		}
		if err := p.store.UpsertFile(ctx, f); err != nil {
			return fmt.Errorf("filepipeline: upsert file %s: %w", id, err)
		}

		filenames = append(filenames, rf.Filename)
		discovered = append(discovered, map[string]any{"id": id, "filename": rf.Filename, "size": rf.Size})
		if !existed {
			added++
		}
	}

	p.bus.Publish(ctx, bus.TopicFilesDiscovered, map[string]any{"printer_id": printerID, "files": discovered})

	removed, err := p.store.MarkFilesUnavailable(ctx, printerID, filenames)
	if err != nil {
		return fmt.Errorf("filepipeline: mark unavailable for %s: %w", printerID, err)
	}

	p.bus.Publish(ctx, bus.TopicFileSyncComplete, map[string]any{
		"printer_id": printerID, "added": added, "removed": removed, "total": len(remote),
	})
	return nil
}

// Download is the one and only download entry point. destination
// may be empty, in which case it is computed under
// {downloadsRoot}/{printerID}/{filename}.
func (p *Pipeline) Download(ctx context.Context, printerID, filename, destination string) error {
	fileID := domain.FileID(printerID, filename)
	state := domain.NewDownloadState(fileID, printerID, 0, time.Now())
	p.setState(fileID, state)

	dest, err := p.resolveDestination(printerID, filename, destination)
	if err != nil {
		state.Fail(err, time.Now())
		p.bus.Publish(ctx, bus.TopicFileDownloadFailed, map[string]any{
			"file_id": fileID, "printer_id": printerID, "filename": filename, "error": err.Error(), "error_kind": "PathTraversalAttempt",
		})
		return err
	}

	p.bus.Publish(ctx, bus.TopicFileDownloadStarted, map[string]any{"file_id": fileID, "printer_id": printerID, "filename": filename})
	state.Status = domain.DownloadInProgress
	state.UpdatedAt = time.Now()

	drv, ok := p.drivers.GetDriver(printerID)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrPrinterNotFound, printerID)
		state.Fail(err, time.Now())
		p.bus.Publish(ctx, bus.TopicFileDownloadFailed, map[string]any{"file_id": fileID, "printer_id": printerID, "error": err.Error()})
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		err = fmt.Errorf("%w: create download directory: %v", domain.ErrFileDownloadFailed, err)
		state.Fail(err, time.Now())
		p.bus.Publish(ctx, bus.TopicFileDownloadFailed, map[string]any{"file_id": fileID, "printer_id": printerID, "error": err.Error()})
		return err
	}

	if err := drv.DownloadFile(ctx, filename, dest); err != nil {
		wrapped := fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
		state.Fail(wrapped, time.Now())
		p.bus.Publish(ctx, bus.TopicFileDownloadFailed, map[string]any{"file_id": fileID, "printer_id": printerID, "filename": filename, "error": wrapped.Error()})
		return wrapped
	}

	info, statErr := os.Stat(dest)
	if statErr != nil || info.Size() == 0 {
		err := fmt.Errorf("%w: downloaded file missing or empty", domain.ErrFileDownloadFailed)
		state.Fail(err, time.Now())
		p.bus.Publish(ctx, bus.TopicFileDownloadFailed, map[string]any{"file_id": fileID, "printer_id": printerID, "filename": filename, "error": err.Error()})
		return err
	}

	if _, err := p.store.GetFile(ctx, fileID); err != nil {
		nf := domain.NewPrinterFile(printerID, filename, info.Size(), domain.ExtensionFromFilename(filename))
		if err := p.store.UpsertFile(ctx, nf); err != nil {
			slog.Error("filepipeline: failed to create file row for download", "error", err, "file_id", fileID)
		}
	}
	now := time.Now()
	if err := p.store.SetDownloadResult(ctx, fileID, dest, now.Unix()); err != nil {
		slog.Error("filepipeline: failed to record download result", "error", err, "file_id", fileID)
	}
	state.Finish(now)
	state.TotalBytes = info.Size()
	state.BytesTransferred = info.Size()

	p.bus.Publish(ctx, bus.TopicFileNeedsThumbnailProcess, map[string]any{"file_id": fileID, "file_path": dest})
	if p.libraryRoot != "" {
		p.bus.Publish(ctx, "library_add_request", map[string]any{"file_id": fileID, "printer_id": printerID, "local_path": dest})
	}
	p.bus.Publish(ctx, bus.TopicFileDownloadComplete, map[string]any{"file_id": fileID, "printer_id": printerID, "filename": filename, "local_path": dest})
	return nil
}

// resolveDestination computes and validates the download target, refusing
// any path that escapes downloadsRoot.
func (p *Pipeline) resolveDestination(printerID, filename, destination string) (string, error) {
	root, err := filepath.Abs(p.downloadsRoot)
	if err != nil {
		return "", fmt.Errorf("filepipeline: resolve downloads root: %w", err)
	}

	target := destination
	if target == "" {
		target = filepath.Join(root, printerID, filename)
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("filepipeline: resolve destination: %w", err)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves outside downloads root", domain.ErrPathTraversal, filename)
	}
	return abs, nil
}

func (p *Pipeline) setState(fileID string, state *domain.DownloadState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloads[fileID] = state
}

// DownloadState returns the current in-memory transfer record for fileID.
func (p *Pipeline) DownloadState(fileID string) (domain.DownloadState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.downloads[fileID]
	if !ok {
		return domain.DownloadState{}, false
	}
	return *s, true
}

// CleanupDownloadStatus removes terminal (completed/failed) entries older
// than maxAge.
func (p *Pipeline) CleanupDownloadStatus(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, s := range p.downloads {
		if (s.Status == domain.DownloadCompleted || s.Status == domain.DownloadFailed) && s.UpdatedAt.Before(cutoff) {
			delete(p.downloads, id)
			removed++
		}
	}
	return removed
}
