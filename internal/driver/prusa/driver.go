// Package prusa drives Prusa Core (PrusaLink) printers over their local
// HTTP API, polling on a configurable cadence.
package prusa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
)

const (
	maxRetryAttempts = 3
	retryBaseDelay   = 250 * time.Millisecond
)

// stateTable maps PrusaLink's state.text values to the coordinator's
// normalized states. Flags are consulted first since text varies more
// across firmware versions than the boolean flags do.
var stateTable = map[string]domain.State{
	"operational": domain.StateOnline,
	"printing":    domain.StatePrinting,
	"paused":      domain.StatePaused,
	"error":       domain.StateError,
	"cancelling":  domain.StatePrinting,
}

// Driver is the PrusaLink HTTP polling driver.
type Driver struct {
	printerID string
	baseURL   string
	apiKey    string
	webcamURL string
	interval  time.Duration

	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
	lastJob   jobResponse

	callbacksMu sync.Mutex
	callbacks   []driver.StatusCallback

	pollCancel context.CancelFunc
}

// New constructs a Prusa driver for one printer's configuration. interval is
// the monitoring poll cadence; it defaults to 5s if zero.
func New(p *domain.Printer, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Driver{
		printerID: p.ID,
		baseURL:   fmt.Sprintf("http://%s", p.IPAddress),
		apiKey:    p.Credentials.APIKey,
		webcamURL: p.WebcamURL,
		interval:  interval,
		// Generous total timeout so slow SD-card downloads complete; the
		// dial timeout is what bounds an unreachable printer.
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
	}
}

func (d *Driver) Connect(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	_, err := d.fetchPrinter(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterConnectionFailed, err)
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect() error {
	d.StopMonitoring()
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// withRetry runs op with bounded exponential backoff starting at
// retryBaseDelay (the backoff library's default growth factor of 1.5, with
// jitter), for at most maxRetryAttempts attempts in total. An error op
// marks with backoff.Permanent ends the retries at once; getJSON leaves only
// network errors and 5xx responses retryable.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryBaseDelay),
	), maxRetryAttempts-1)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func (d *Driver) fetchPrinter(ctx context.Context) (*printerResponse, error) {
	var result printerResponse
	err := withRetry(ctx, func() error {
		return d.getJSON(ctx, "/api/printer", &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (d *Driver) fetchJob(ctx context.Context) (*jobResponse, error) {
	var result jobResponse
	err := withRetry(ctx, func() error {
		return d.getJSON(ctx, "/api/job", &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (d *Driver) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("X-Api-Key", d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err // network errors are retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("prusa: %s returned %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("prusa: %s returned %d", path, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (d *Driver) GetStatus(ctx context.Context) domain.StatusUpdate {
	now := time.Now()

	printerInfo, err := d.fetchPrinter(ctx)
	if err != nil {
		return domain.StatusUpdate{PrinterID: d.printerID, State: domain.StateError, Message: err.Error(), Timestamp: now}
	}

	job, err := d.fetchJob(ctx)
	if err != nil {
		job = &jobResponse{}
	} else {
		d.mu.Lock()
		d.lastJob = *job
		d.mu.Unlock()
	}

	state := driver.NormalizeState(strings.ToLower(printerInfo.State.Text), stateTable)
	switch flags := printerInfo.State.Flags; {
	case flags.Paused:
		state = domain.StatePaused
	case flags.Printing:
		state = domain.StatePrinting
	case flags.Error:
		state = domain.StateError
	}

	su := domain.StatusUpdate{
		PrinterID:          d.printerID,
		State:              state,
		CurrentJobFilename: job.Job.File.Name,
		Timestamp:          now,
	}

	bedActual, bedTarget := printerInfo.Temperature.Bed.Actual, printerInfo.Temperature.Bed.Target
	su.BedTemp = &bedActual
	su.BedTargetTemp = &bedTarget
	nozzleActual, nozzleTarget := printerInfo.Temperature.Tool0.Actual, printerInfo.Temperature.Tool0.Target
	su.NozzleTemp = &nozzleActual
	su.NozzleTargetTemp = &nozzleTarget

	if pct, ok := job.progressPercent(); ok {
		su.Progress = domain.ClampProgress(pct)
	}

	t := job.timing()
	su.ElapsedMinutes = t.elapsedMinutes()
	su.RemainingMinutes = t.remainingMinutes()

	// PrusaLink reports no absolute start time; derive one from elapsed so
	// the value survives reconnects.
	su.PrintStartTime = driver.DeriveStartTime(nil, su.ElapsedMinutes, now)
	return su
}

func (d *Driver) ListFiles(ctx context.Context) ([]driver.RemoteFile, error) {
	var index fileIndexResponse
	if err := withRetry(ctx, func() error { return d.getJSON(ctx, "/api/files?recursive=true", &index) }); err != nil {
		return nil, fmt.Errorf("prusa: list files: %w", err)
	}

	var out []driver.RemoteFile
	var walk func([]fileEntry)
	walk = func(entries []fileEntry) {
		for _, e := range entries {
			if len(e.Children) > 0 {
				walk(e.Children)
				continue
			}
			var modified *time.Time
			if e.Date > 0 {
				t := time.Unix(e.Date, 0).UTC()
				modified = &t
			}
			out = append(out, driver.RemoteFile{
				Filename:   e.Name,
				Size:       e.Size,
				ModifiedAt: modified,
				Path:       e.Origin + "/" + e.Path,
			})
		}
	}
	walk(index.Files)
	return out, nil
}

// DownloadFile resolves filename against the file index to a {storage,
// path} pair and fetches the binary from /api/v1/files/{storage}/{path}, as
// required: refs.download alone is insufficient on some firmware versions.
func (d *Driver) DownloadFile(ctx context.Context, filename, localPath string) error {
	var index fileIndexResponse
	if err := withRetry(ctx, func() error { return d.getJSON(ctx, "/api/files?recursive=true", &index) }); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}

	entry, ok := resolveFilename(index.Files, filename)
	if !ok {
		return fmt.Errorf("%w: %q not found in file index", domain.ErrFileNotFound, filename)
	}

	reqPath := fmt.Sprintf("/api/v1/files/%s/%s", entry.Origin, strings.TrimPrefix(entry.Path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+reqPath, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	req.Header.Set("X-Api-Key", d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: download returned %d", domain.ErrFileDownloadFailed, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "application/json") {
		return fmt.Errorf("%w: response looks like JSON metadata, not binary content", domain.ErrFileDownloadFailed)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	defer out.Close()

	head := make([]byte, 32)
	n, _ := io.ReadFull(resp.Body, head)
	trimmed := bytes.TrimSpace(head[:n])
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		out.Close()
		os.Remove(localPath)
		return fmt.Errorf("%w: response looks like JSON metadata, not binary content", domain.ErrFileDownloadFailed)
	}
	if _, err := out.Write(head[:n]); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	return nil
}

// Thumbnail fetches filename's embedded preview from PrusaLink's refs URLs.
// It prefers refs.thumbnail (large) unless large is false, in which case it
// falls back to refs.icon (small). Returns ok=false if the file carries
// neither ref.
func (d *Driver) Thumbnail(ctx context.Context, filename string, large bool) ([]byte, bool, error) {
	var index fileIndexResponse
	if err := withRetry(ctx, func() error { return d.getJSON(ctx, "/api/files?recursive=true", &index) }); err != nil {
		return nil, false, fmt.Errorf("prusa: list files for thumbnail: %w", err)
	}

	entry, ok := resolveFilename(index.Files, filename)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q not found in file index", domain.ErrFileNotFound, filename)
	}

	ref := entry.Refs.Thumbnail
	if !large || ref == "" {
		ref = entry.Refs.Icon
	}
	if ref == "" {
		return nil, false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+ref, nil)
	if err != nil {
		return nil, false, fmt.Errorf("prusa: build thumbnail request: %w", err)
	}
	req.Header.Set("X-Api-Key", d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("prusa: fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("prusa: thumbnail request returned %d", resp.StatusCode)
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("prusa: read thumbnail: %w", err)
	}
	return blob, true, nil
}

func resolveFilename(entries []fileEntry, filename string) (fileEntry, bool) {
	clean := domain.CleanFilename(filename)
	for _, e := range entries {
		if len(e.Children) > 0 {
			if found, ok := resolveFilename(e.Children, filename); ok {
				return found, ok
			}
			continue
		}
		if strings.EqualFold(e.Name, filename) || strings.EqualFold(e.Name, clean) {
			return e, true
		}
	}
	return fileEntry{}, false
}

func (d *Driver) Pause(ctx context.Context) error {
	return d.postJobCommand(ctx, map[string]any{"command": "pause", "action": "pause"})
}

func (d *Driver) Resume(ctx context.Context) error {
	return d.postJobCommand(ctx, map[string]any{"command": "pause", "action": "resume"})
}

func (d *Driver) Stop(ctx context.Context) error {
	return d.postJobCommand(ctx, map[string]any{"command": "cancel"})
}

func (d *Driver) postJobCommand(ctx context.Context, body map[string]any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/job", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, err)
	}
	req.Header.Set("X-Api-Key", d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: command returned %d", domain.ErrPrinterCommandFailed, resp.StatusCode)
	}
	return nil
}

func (d *Driver) HasCamera() bool { return d.webcamURL != "" }

func (d *Driver) CameraStreamURL() (string, bool) {
	if d.webcamURL == "" {
		return "", false
	}
	return d.webcamURL, true
}

func (d *Driver) TakeSnapshot(ctx context.Context) ([]byte, bool, error) {
	if d.webcamURL == "" {
		return nil, false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.webcamURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, err)
	}
	return data, true, nil
}

func (d *Driver) AddStatusCallback(cb driver.StatusCallback) {
	d.callbacksMu.Lock()
	defer d.callbacksMu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

func (d *Driver) StartMonitoring(ctx context.Context) error {
	monitorCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.pollCancel = cancel
	d.mu.Unlock()

	go d.pollLoop(monitorCtx)
	return nil
}

func (d *Driver) StopMonitoring() {
	d.mu.Lock()
	cancel := d.pollCancel
	d.pollCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Driver) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := d.GetStatus(ctx)
			d.dispatch(status)
		}
	}
}

func (d *Driver) dispatch(status domain.StatusUpdate) {
	d.callbacksMu.Lock()
	callbacks := append([]driver.StatusCallback(nil), d.callbacks...)
	d.callbacksMu.Unlock()

	for _, cb := range callbacks {
		cb(status)
	}
}

var _ driver.Driver = (*Driver)(nil)
