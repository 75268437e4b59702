// Package store defines the persistence contract the fleet coordinator
// consumes from its environment, plus a sqlite-backed reference
// implementation of it.
package store

import (
	"context"

	"github.com/printernizer/printernizer/internal/domain"
)

// JobFilter narrows ListJobs queries.
type JobFilter struct {
	PrinterID string
	Statuses  []domain.JobStatus
	Filename  string // exact match against the stripped filename
	Limit     int
}

// Store is the durable key/row storage the core depends on for printers,
// files, jobs, and thumbnails. Implementations must be safe for concurrent
// use across many goroutines.
type Store interface {
	// Printers

	UpsertPrinter(ctx context.Context, p *domain.Printer) error
	GetPrinter(ctx context.Context, id string) (*domain.Printer, error)
	ListPrinters(ctx context.Context) ([]*domain.Printer, error)
	DeletePrinter(ctx context.Context, id string) error
	TouchLastSeen(ctx context.Context, id string, unixTime int64) error
	UpdatePrinterStatus(ctx context.Context, id string, state domain.State, unixTime int64) error

	// Files

	UpsertFile(ctx context.Context, f *domain.PrinterFile) error
	GetFile(ctx context.Context, id string) (*domain.PrinterFile, error)
	GetFileByPrinterFilename(ctx context.Context, printerID, filename string) (*domain.PrinterFile, error)
	ListFiles(ctx context.Context, printerID string) ([]*domain.PrinterFile, error)
	MarkFilesUnavailable(ctx context.Context, printerID string, keepFilenames []string) (int, error)
	SetDownloadResult(ctx context.Context, id, localPath string, downloadedUnix int64) error
	SetThumbnail(ctx context.Context, id string, blob []byte, width, height int, format string, source domain.ThumbnailSource) error
	MergeFileMetadata(ctx context.Context, id string, metadata map[string]any) error
	SetEnhancedMetadata(ctx context.Context, id string, enhanced *domain.EnhancedMetadata) error
	DeleteFile(ctx context.Context, id string) error

	// ListFilesMissingThumbnails returns downloaded files with no stored
	// thumbnail, oldest first. It backs the thumbnail backlog sweep that
	// catches up on files whose processing event was lost to a restart.
	ListFilesMissingThumbnails(ctx context.Context, limit int) ([]*domain.PrinterFile, error)

	// Jobs

	CreateJob(ctx context.Context, j *domain.Job) (*domain.Job, error)
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	UpdateJobProgress(ctx context.Context, id int64, progress int, status domain.JobStatus) error

	Close() error
}
