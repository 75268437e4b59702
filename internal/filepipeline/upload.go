package filepipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
)

// UploadConfig gates the upload path: it must be explicitly enabled, caps
// per-file size, and restricts accepted extensions.
type UploadConfig struct {
	Enabled          bool
	MaxFileBytes     int64
	AllowedExtension map[domain.ExtensionKind]bool
}

// UploadRequest is one file blob submitted alongside the business flags
// the library area tracks.
type UploadRequest struct {
	Filename   string
	Content    io.Reader
	IsBusiness bool
	Notes      string
}

// UploadResult is the per-file outcome. A batch upload returns one of these
// per request rather than failing the whole call on a single bad file.
type UploadResult struct {
	Filename string
	FileID   string
	Success  bool
	Error    string
}

// Upload accepts one or more file blobs, enforcing the enabled flag, size
// cap, extension allow-list, and filename-duplicate rejection, then writes
// each accepted file to the uploads/ folder under libraryRoot (or under
// downloadsRoot when no libraryRoot is set) and kicks off thumbnail/metadata
// processing. It never fails the whole batch on one bad file.
func (p *Pipeline) Upload(ctx context.Context, cfg UploadConfig, requests []UploadRequest) []UploadResult {
	results := make([]UploadResult, 0, len(requests))
	for _, req := range requests {
		results = append(results, p.uploadOne(ctx, cfg, req))
	}
	return results
}

func (p *Pipeline) uploadOne(ctx context.Context, cfg UploadConfig, req UploadRequest) UploadResult {
	if !cfg.Enabled {
		return UploadResult{Filename: req.Filename, Error: "uploads are disabled"}
	}

	ext := domain.ExtensionFromFilename(req.Filename)
	if !cfg.AllowedExtension[ext] {
		return UploadResult{Filename: req.Filename, Error: fmt.Sprintf("extension %q is not permitted for upload", ext)}
	}

	root := p.libraryRoot
	if root == "" {
		root = p.downloadsRoot
	}
	dest := filepath.Join(root, "uploads", filepath.Base(req.Filename))

	if _, err := os.Stat(dest); err == nil {
		return UploadResult{Filename: req.Filename, Error: domain.ErrDuplicateFile.Error()}
	}

	fileID := domain.FileID("upload", req.Filename)
	if existing, err := p.store.GetFile(ctx, fileID); err == nil && existing != nil {
		return UploadResult{Filename: req.Filename, Error: domain.ErrDuplicateFile.Error()}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return UploadResult{Filename: req.Filename, Error: err.Error()}
	}

	out, err := os.Create(dest)
	if err != nil {
		return UploadResult{Filename: req.Filename, Error: err.Error()}
	}
	defer out.Close()

	limited := io.LimitReader(req.Content, cfg.MaxFileBytes+1)
	written, err := io.Copy(out, limited)
	if err != nil {
		os.Remove(dest)
		return UploadResult{Filename: req.Filename, Error: err.Error()}
	}
	if written > cfg.MaxFileBytes {
		os.Remove(dest)
		return UploadResult{Filename: req.Filename, Error: fmt.Sprintf("file exceeds %d byte limit", cfg.MaxFileBytes)}
	}

	f := domain.NewPrinterFile("upload", req.Filename, written, ext)
	f.Source = domain.SourceUpload
	f.LocalPath = dest
	f.Status = domain.FileDownloaded
	f.DownloadedUnix = time.Now().Unix()
	f.Metadata["is_business"] = req.IsBusiness
	if req.Notes != "" {
		f.Metadata["notes"] = req.Notes
	}

	if err := p.store.UpsertFile(ctx, f); err != nil {
		os.Remove(dest)
		return UploadResult{Filename: req.Filename, Error: err.Error()}
	}

	p.bus.Publish(ctx, bus.TopicFileNeedsThumbnailProcess, map[string]any{"file_id": f.ID, "file_path": dest})
	if err := p.extractEnhancedMetadata(ctx, f.ID, dest, ext); err != nil {
		slog.Warn("filepipeline: enhanced metadata extraction failed for upload", "filename", req.Filename, "error", err)
	}

	return UploadResult{Filename: req.Filename, FileID: f.ID, Success: true}
}

// DefaultUploadAllowList mirrors the extension kinds the coordinator
// otherwise recognizes; meshes and sliced documents are both uploadable.
func DefaultUploadAllowList() map[domain.ExtensionKind]bool {
	return map[domain.ExtensionKind]bool{
		domain.Ext3MF:    true,
		domain.ExtGcode:  true,
		domain.ExtBgcode: true,
		domain.ExtSTL:    true,
		domain.ExtOBJ:    true,
		domain.ExtPLY:    true,
	}
}
