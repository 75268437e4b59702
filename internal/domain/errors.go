package domain

import "errors"

// These sentinels name the error kinds enumerated in the coordinator's error
// handling design. Wrap them with fmt.Errorf("...: %w", ErrX) to add context;
// callers should check with errors.Is.
var (
	ErrConfigurationInvalid    = errors.New("configuration invalid")
	ErrPrinterNotFound         = errors.New("printer not found")
	ErrPrinterConnectionFailed = errors.New("printer connection failed")
	ErrPrinterCommandFailed    = errors.New("printer command failed")
	ErrFileNotFound            = errors.New("file not found")
	ErrFileDownloadFailed      = errors.New("file download failed")
	ErrFileProcessingFailed    = errors.New("file processing failed")
	ErrPathTraversal           = errors.New("path traversal attempt")
	ErrDuplicateFile           = errors.New("duplicate file")
	ErrActiveJobsPresent       = errors.New("active jobs present")
)
