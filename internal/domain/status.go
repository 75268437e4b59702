package domain

import (
	"fmt"
	"time"
)

// State is the normalized printer state every vendor status collapses into.
type State string

const (
	StateOnline   State = "online"
	StatePrinting State = "printing"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateOffline  State = "offline"
	StateUnknown  State = "unknown"
)

// StatusUpdate is a normalized snapshot of one printer at one instant, as
// produced by a driver. Drivers never fail to produce one: on internal
// failure they return a StatusUpdate with State=StateError and a Message.
type StatusUpdate struct {
	PrinterID string
	State     State
	Message   string

	BedTemp          *float64
	BedTargetTemp    *float64
	NozzleTemp       *float64
	NozzleTargetTemp *float64

	// Progress is a percentage in [0,100]. Must be set whenever State is
	// StatePrinting.
	Progress int

	CurrentJobFilename string

	// Populated by the monitor once it resolves CurrentJobFilename against
	// the file store; drivers leave these zero.
	CurrentJobFileID       string
	CurrentJobHasThumbnail bool
	CurrentJobThumbnailURL string

	RemainingMinutes *int
	ElapsedMinutes   *int

	// PrintStartTime is the printer-reported start time when known. It is
	// preferred over any server-derived time because it survives reconnects.
	PrintStartTime *time.Time

	// RawPayload carries the vendor's raw response for diagnostics. It is
	// never persisted beyond the in-memory LiveStatus entry.
	RawPayload map[string]any

	Timestamp time.Time
}

// ClampProgress clamps p into [0,100], converting a 0..1 fraction to a
// percentage first if it looks fractional (i.e. p is in (0,1]; an input of
// exactly 1 is read as a fraction and becomes 100).
func ClampProgress(p float64) int {
	if p > 0 && p <= 1 {
		p *= 100
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return int(p)
}

// Validate enforces the StatusUpdate invariant: printing implies a progress
// value in range.
func (s *StatusUpdate) Validate() error {
	if s.State == StatePrinting && (s.Progress < 0 || s.Progress > 100) {
		return fmt.Errorf("printing status has out-of-range progress %d", s.Progress)
	}
	return nil
}

// LiveStatus is the monitor's most-recently-observed StatusUpdate for a
// printer, mirrored to the store. It's the same shape as StatusUpdate; the
// distinct name marks it as "the current value in the map", not "an event".
type LiveStatus = StatusUpdate
