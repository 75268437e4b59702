// Package driver defines the normalization boundary between vendor printer
// protocols and the rest of the fleet coordinator. Concrete drivers live in
// the bambu and prusa subpackages.
package driver

import (
	"context"
	"time"

	"github.com/printernizer/printernizer/internal/domain"
)

// RemoteFile describes one file as listed by a driver, prior to being
// upserted into the store as a domain.PrinterFile.
type RemoteFile struct {
	Filename   string
	Size       int64
	ModifiedAt *time.Time
	Path       string // vendor-specific path/storage hint, opaque outside the driver
}

// StatusCallback is invoked by a driver on every status change once
// monitoring has started. Callbacks must not block for long; the driver
// calls them synchronously from its own read loop.
type StatusCallback func(domain.StatusUpdate)

// Driver is the uniform capability surface every vendor integration
// implements. Every method that can fail due to vendor I/O still returns
// promptly; only GetStatus is guaranteed never to return an error — failures
// are folded into the returned StatusUpdate.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// GetStatus never returns an error; on internal failure it returns a
	// StatusUpdate with State=domain.StateError and a Message.
	GetStatus(ctx context.Context) domain.StatusUpdate

	ListFiles(ctx context.Context) ([]RemoteFile, error)

	// DownloadFile writes filename's binary content to localPath. It must
	// refuse and fail when the fetched payload is JSON metadata rather than
	// a binary stream.
	DownloadFile(ctx context.Context, filename, localPath string) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error

	HasCamera() bool
	CameraStreamURL() (string, bool)
	TakeSnapshot(ctx context.Context) ([]byte, bool, error)

	AddStatusCallback(cb StatusCallback)
	StartMonitoring(ctx context.Context) error
	StopMonitoring()
}

// NormalizeState maps a vendor's raw state string to the coordinator's
// closed set. raw is looked up in table exactly as given (no case
// folding), so callers pass values in the case the table's keys use;
// anything absent from table normalizes to domain.StateUnknown.
func NormalizeState(raw string, table map[string]domain.State) domain.State {
	if state, ok := table[raw]; ok {
		return state
	}
	return domain.StateUnknown
}

// DeriveStartTime implements the print_start_time normalization rule shared
// by every driver: prefer the vendor-supplied start time; otherwise, if
// elapsed minutes are known, compute now minus elapsed.
func DeriveStartTime(vendorStartTime *time.Time, elapsedMinutes *int, now time.Time) *time.Time {
	if vendorStartTime != nil {
		return vendorStartTime
	}
	if elapsedMinutes != nil {
		t := now.Add(-time.Duration(*elapsedMinutes) * time.Minute)
		return &t
	}
	return nil
}
