// Package autojob turns an observed "printing" transition into exactly one
// deduplicated job record, robust to polling jitter, process restart,
// mid-print reconnects, and races between concurrent status callbacks.
package autojob

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/store"
)

// dedupWindow is the ±5 minute tolerance applied when matching a newly
// observed print against a historical job's start_time/created_at: it
// absorbs clock drift, elapsed-time computation drift, and restart skew.
const dedupWindow = 5 * time.Minute

// historyLimit bounds how far back the historical-job lookup searches.
const historyLimit = 100

// Engine owns the process-wide discovery and dedup-cache state. Nothing
// outside this package touches the maps; other components only call
// Observe and Cleanup.
type Engine struct {
	store store.Store
	bus   bus.Bus

	mu sync.Mutex

	// discoveries maps "printerID\x00filename" to the first time this
	// package observed that (printer, filename) pair printing. It is an
	// optimization only; correctness comes from the store lookups.
	discoveries map[string]time.Time

	// cache short-circuits repeat observations of a print already handled
	// in this process, keyed by printerID then by job dedup key.
	cache map[string]map[string]struct{}
}

// New constructs an auto-job engine backed by st and b.
func New(st store.Store, b bus.Bus) *Engine {
	return &Engine{
		store:       st,
		bus:         b,
		discoveries: make(map[string]time.Time),
		cache:       make(map[string]map[string]struct{}),
	}
}

func discoveryKey(printerID, filename string) string {
	return printerID + "\x00" + filename
}

// jobKey is the deduplication key for one observed print:
// "{printer_id}:{clean_filename}:{reference_minute}".
func jobKey(printerID, cleanFilename string, referenceMinute time.Time) string {
	return fmt.Sprintf("%s:%s:%s", printerID, cleanFilename, referenceMinute.UTC().Truncate(time.Minute).Format(time.RFC3339))
}

// Observe ensures exactly one job row exists for the observed print.
// status must have
// State=StatePrinting and a non-empty CurrentJobFilename; callers (the
// monitor) are responsible for gating on auto_create_jobs and state. now is
// the instant to treat as "the present" — callers pass status.Timestamp so
// the algorithm is deterministic under test.
// Returns true if a new job row was created.
func (e *Engine) Observe(ctx context.Context, status domain.StatusUpdate, isStartup bool, now time.Time) (bool, error) {
	if status.State != domain.StatePrinting || status.CurrentJobFilename == "" {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dKey := discoveryKey(status.PrinterID, status.CurrentJobFilename)
	firstSeen, known := e.discoveries[dKey]
	if !known {
		firstSeen = now
		e.discoveries[dKey] = firstSeen
	}

	referenceTime := firstSeen
	if status.PrintStartTime != nil {
		referenceTime = *status.PrintStartTime
	}

	clean := domain.CleanFilename(status.CurrentJobFilename)
	jKey := jobKey(status.PrinterID, clean, referenceTime)

	if e.cachedLocked(status.PrinterID, jKey) {
		return false, nil
	}

	active, err := e.store.ListJobs(ctx, store.JobFilter{
		PrinterID: status.PrinterID,
		Statuses:  domain.ActiveJobStatuses,
	})
	if err != nil {
		return false, fmt.Errorf("autojob: query active jobs: %w", err)
	}
	for _, j := range active {
		if domain.CleanFilename(j.Filename) == clean {
			e.cacheLocked(status.PrinterID, jKey)
			return false, nil
		}
	}

	historical, err := e.store.ListJobs(ctx, store.JobFilter{
		PrinterID: status.PrinterID,
		Limit:     historyLimit,
	})
	if err != nil {
		return false, fmt.Errorf("autojob: query historical jobs: %w", err)
	}
	for _, j := range historical {
		if domain.CleanFilename(j.Filename) != clean {
			continue
		}
		candidate := time.Unix(j.CreatedUnix, 0).UTC()
		if j.StartTime != nil {
			candidate = *j.StartTime
		}
		if withinWindow(candidate, referenceTime, dedupWindow) {
			e.cacheLocked(status.PrinterID, jKey)
			return false, nil
		}
	}

	job := &domain.Job{
		PrinterID:   status.PrinterID,
		JobName:     domain.JobNameFromFilename(clean),
		Filename:    status.CurrentJobFilename,
		Status:      domain.JobRunning,
		CreatedUnix: firstSeen.Unix(),
		Progress:    status.Progress,
		FileID:      status.CurrentJobFileID,
		CustomerInfo: &domain.CustomerInfo{
			AutoCreated:         true,
			DiscoveredOnStartup: isStartup,
			PrinterStartTime:    status.PrintStartTime,
			DiscoveryTime:       firstSeen,
		},
	}
	if status.PrintStartTime != nil {
		job.StartTime = status.PrintStartTime
	}

	created, err := e.store.CreateJob(ctx, job)
	if err != nil {
		if isDuplicateErr(err) {
			// Another path (a racing status callback, or a manual create)
			// already created the row; that's success from our perspective.
			slog.Debug("autojob: store rejected duplicate create, treating as success", "printer_id", status.PrinterID, "filename", status.CurrentJobFilename)
			e.cacheLocked(status.PrinterID, jKey)
			return false, nil
		}
		return false, fmt.Errorf("autojob: create job: %w", err)
	}

	e.cacheLocked(status.PrinterID, jKey)
	e.bus.Publish(ctx, bus.TopicJobAutoCreated, map[string]any{
		"job_id":     created.ID,
		"printer_id": created.PrinterID,
		"job_name":   created.JobName,
		"filename":   created.Filename,
	})
	slog.Info("auto-created job", "printer_id", created.PrinterID, "job_name", created.JobName, "discovered_on_startup", isStartup)
	return true, nil
}

// Cleanup drops the print-discovery tracking entry for (printerID,
// filename), called by the monitor when the printer transitions back to
// online or error. The cache entry is intentionally
// left in place: it is a one-shot dedup for the print's lifetime, not tied
// to whether the printer is still actively printing it.
func (e *Engine) Cleanup(printerID, filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.discoveries, discoveryKey(printerID, filename))
}

func (e *Engine) cachedLocked(printerID, key string) bool {
	_, ok := e.cache[printerID][key]
	return ok
}

func (e *Engine) cacheLocked(printerID, key string) {
	if e.cache[printerID] == nil {
		e.cache[printerID] = make(map[string]struct{})
	}
	e.cache[printerID][key] = struct{}{}
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// isDuplicateErr reports whether err looks like a store-level uniqueness
// rejection. The reference sqlite Store has no unique constraint on jobs
// beyond its primary key, so this only matters for alternative Store
// implementations that enforce one; it's a narrow string match rather than
// a sentinel because "duplicate" is a SQL-driver-specific condition, not a
// domain error kind.
func isDuplicateErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
