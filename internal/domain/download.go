package domain

import "time"

// DownloadStatus is the lifecycle state of an in-flight file transfer.
type DownloadStatus string

const (
	DownloadStarting   DownloadStatus = "starting"
	DownloadInProgress DownloadStatus = "downloading"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
	DownloadNotFound   DownloadStatus = "not_found"
)

// DownloadState is the progress record the pipeline exposes for a single
// file transfer. It lives in memory from the start of the transfer until a
// periodic cleanup prunes it some time after it ends; the store
// only ever sees the terminal PrinterFile.Status it resolves to.
type DownloadState struct {
	FileID           string
	PrinterID        string
	Status           DownloadStatus
	ProgressPercent  int
	BytesTransferred int64
	TotalBytes       int64
	Error            string
	StartedAt        time.Time
	UpdatedAt        time.Time
}

// NewDownloadState starts a fresh transfer record in the "starting" state.
func NewDownloadState(fileID, printerID string, totalBytes int64, now time.Time) *DownloadState {
	return &DownloadState{
		FileID:     fileID,
		PrinterID:  printerID,
		Status:     DownloadStarting,
		TotalBytes: totalBytes,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Advance records transferred bytes and recomputes progress percent.
func (d *DownloadState) Advance(bytesTransferred int64, now time.Time) {
	d.Status = DownloadInProgress
	d.BytesTransferred = bytesTransferred
	if d.TotalBytes > 0 {
		d.ProgressPercent = ClampProgress(float64(bytesTransferred) / float64(d.TotalBytes))
	}
	d.UpdatedAt = now
}

// Finish marks the transfer complete and sets progress to 100.
func (d *DownloadState) Finish(now time.Time) {
	d.Status = DownloadCompleted
	d.ProgressPercent = 100
	d.UpdatedAt = now
}

// Fail marks the transfer failed with err's message.
func (d *DownloadState) Fail(err error, now time.Time) {
	d.Status = DownloadFailed
	d.Error = err.Error()
	d.UpdatedAt = now
}
