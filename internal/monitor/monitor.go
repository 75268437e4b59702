// Package monitor consumes driver status callbacks and is the only owner
// of the in-memory LiveStatus view: it persists state, enriches and
// broadcasts it, and triggers the auto-download and auto-job reactions the
// rest of the fleet coordinator depends on.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/printernizer/printernizer/internal/autojob"
	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
	"github.com/printernizer/printernizer/internal/store"
	"github.com/printernizer/printernizer/internal/taskset"
)

// DriverProvider resolves a printer id to its live driver instance. The
// connection manager satisfies this; monitor depends only on the shape, not
// the concrete type, to avoid a circular import between the two.
type DriverProvider interface {
	GetDriver(printerID string) (driver.Driver, bool)
}

// Downloader is the file pipeline's single download entry point, as seen by
// the monitor for auto-download triggering and filename reconciliation.
type Downloader interface {
	Download(ctx context.Context, printerID, filename, destination string) error
}

// Monitor owns the LiveStatus map (live, holding the latest enriched status
// per printer) and the per-printer filename-reconciliation attempt tracking.
type Monitor struct {
	store          store.Store
	bus            bus.Bus
	autojob        *autojob.Engine
	drivers        DriverProvider
	downloader     Downloader
	autoCreateJobs bool
	tasks          *taskset.Tracker

	mu        sync.Mutex
	live      map[string]domain.LiveStatus
	attempted map[string]map[string]bool // printerID -> filename variant -> tried
}

// New constructs a Monitor. autoCreateJobs mirrors the JOB_CREATION_AUTO_CREATE
// engine setting.
func New(st store.Store, b bus.Bus, aj *autojob.Engine, drivers DriverProvider, downloader Downloader, autoCreateJobs bool) *Monitor {
	return &Monitor{
		store:          st,
		bus:            b,
		autojob:        aj,
		drivers:        drivers,
		downloader:     downloader,
		autoCreateJobs: autoCreateJobs,
		tasks:          &taskset.Tracker{},
		live:           make(map[string]domain.LiveStatus),
		attempted:      make(map[string]map[string]bool),
	}
}

// Shutdown waits up to timeout for in-flight reconciliation/download
// background tasks to drain.
func (m *Monitor) Shutdown(timeout time.Duration) {
	m.tasks.Wait(timeout)
}

// Snapshot returns a point-in-time copy of the current LiveStatus for id,
// satisfying the "readers take a point-in-time copy" rule.
func (m *Monitor) Snapshot(printerID string) (domain.LiveStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[printerID]
	return s, ok
}

// HandleStatus is the per-status-update path: persist, enrich, broadcast,
// then trigger downloads and job creation. It is
// invoked both as the ongoing driver callback (isStartup=false) and, once,
// by the connection manager's connect_and_monitor combined path
// (isStartup=true), so the auto-job engine can recreate a job for a print
// the system wasn't running to witness.
func (m *Monitor) HandleStatus(ctx context.Context, status domain.StatusUpdate, isStartup bool) {
	if err := status.Validate(); err != nil {
		slog.Error("monitor: received invalid status update", "error", err, "printer_id", status.PrinterID)
	}

	if err := m.store.UpdatePrinterStatus(ctx, status.PrinterID, status.State, status.Timestamp.Unix()); err != nil {
		// Availability beats durability for live status: log and
		// keep broadcasting rather than dropping the update.
		slog.Error("monitor: failed to persist printer status", "error", err, "printer_id", status.PrinterID)
	}

	if status.CurrentJobFilename != "" {
		m.resolveFileID(ctx, &status)
	}

	m.mu.Lock()
	m.live[status.PrinterID] = status
	m.mu.Unlock()

	m.bus.Publish(ctx, bus.TopicPrinterStatusUpdate, statusPayload(status))

	if status.CurrentJobFilename != "" && (status.CurrentJobFileID == "" || !status.CurrentJobHasThumbnail) {
		printerID, filename := status.PrinterID, status.CurrentJobFilename
		m.tasks.Go("auto-download-reconcile", func() {
			m.reconcileAndDownload(context.Background(), printerID, filename)
		})
	}

	if m.autoCreateJobs && status.State == domain.StatePrinting && status.CurrentJobFilename != "" {
		if _, err := m.autojob.Observe(ctx, status, isStartup, status.Timestamp); err != nil {
			slog.Error("monitor: auto-job observation failed", "error", err, "printer_id", status.PrinterID)
		}
	}

	if status.State == domain.StateOnline || status.State == domain.StateError {
		if status.CurrentJobFilename != "" {
			m.autojob.Cleanup(status.PrinterID, status.CurrentJobFilename)
		}
		m.clearAttempts(status.PrinterID)
	}
}

// resolveFileID re-reads the file row before stamping
// CurrentJobHasThumbnail, which is what guarantees file_thumbnails_processed
// always precedes a status claiming the thumbnail is ready.
func (m *Monitor) resolveFileID(ctx context.Context, status *domain.StatusUpdate) {
	f, err := m.store.GetFileByPrinterFilename(ctx, status.PrinterID, status.CurrentJobFilename)
	if err != nil {
		if !errors.Is(err, domain.ErrFileNotFound) {
			slog.Error("monitor: file lookup failed", "error", err, "printer_id", status.PrinterID)
		}
		return
	}
	status.CurrentJobFileID = f.ID
	status.CurrentJobHasThumbnail = f.HasThumbnail()
	if status.CurrentJobHasThumbnail {
		status.CurrentJobThumbnailURL = thumbnailURL(f.ID)
	}
}

func thumbnailURL(fileID string) string {
	return fmt.Sprintf("/api/v1/files/%s/thumbnail", fileID)
}

func statusPayload(s domain.StatusUpdate) map[string]any {
	p := map[string]any{
		"printer_id":                s.PrinterID,
		"state":                     string(s.State),
		"message":                   s.Message,
		"progress":                  s.Progress,
		"current_job_filename":      s.CurrentJobFilename,
		"current_job_file_id":       s.CurrentJobFileID,
		"current_job_has_thumbnail": s.CurrentJobHasThumbnail,
		"current_job_thumbnail_url": s.CurrentJobThumbnailURL,
		"timestamp":                 s.Timestamp,
	}
	if s.BedTemp != nil {
		p["bed_temp"] = *s.BedTemp
	}
	if s.NozzleTemp != nil {
		p["nozzle_temp"] = *s.NozzleTemp
	}
	if s.RemainingMinutes != nil {
		p["remaining_minutes"] = *s.RemainingMinutes
	}
	if s.PrintStartTime != nil {
		p["print_start_time"] = *s.PrintStartTime
	}
	return p
}

// markIfNewAttempt reports whether filename has not yet been tried for
// printerID, and if so, atomically marks it as attempted.
func (m *Monitor) markIfNewAttempt(printerID, filename string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempted[printerID] == nil {
		m.attempted[printerID] = make(map[string]bool)
	}
	if m.attempted[printerID][filename] {
		return false
	}
	m.attempted[printerID][filename] = true
	return true
}

func (m *Monitor) clearAttempts(printerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempted, printerID)
}
