package domain

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ActiveJobStatuses are the statuses that count as "there's a print in
// flight" for dedup and for the deletion-guard invariant.
var ActiveJobStatuses = []JobStatus{JobRunning, JobPending, JobPaused}

// CustomerInfo is the auto-job provenance blob stored alongside a Job.
type CustomerInfo struct {
	AutoCreated         bool       `json:"auto_created"`
	DiscoveredOnStartup bool       `json:"discovered_on_startup"`
	PrinterStartTime    *time.Time `json:"printer_start_time,omitempty"`
	DiscoveryTime       time.Time  `json:"discovery_time"`
}

// Job is the coordinator's record of one print, manual or auto-created.
type Job struct {
	ID           int64
	PrinterID    string
	PrinterKind  VendorKind
	JobName      string
	Filename     string
	Status       JobStatus
	CreatedUnix  int64
	StartTime    *time.Time
	Progress     int
	FileID       string
	CustomerInfo *CustomerInfo
}

// knownExtensions is the set of extensions JobNameFromFilename strips.
var knownExtensions = []string{".3mf", ".gcode", ".bgcode", ".stl", ".obj", ".ply"}

// JobNameFromFilename strips a known 3D file extension from filename,
// producing the human job name.
func JobNameFromFilename(filename string) string {
	lower := strings.ToLower(filename)
	for _, ext := range knownExtensions {
		if strings.HasSuffix(lower, ext) {
			return filename[:len(filename)-len(ext)]
		}
	}
	return filename
}

// CleanFilename strips a leading "cache/" prefix, which Bambu and Prusa both
// sometimes report for printer-resident files.
func CleanFilename(filename string) string {
	return strings.TrimPrefix(filename, "cache/")
}
