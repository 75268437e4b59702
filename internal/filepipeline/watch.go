package filepipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
)

// localWatchPrinterID is the pseudo-printer id under which watch-folder
// files are stored, since they aren't associated with any driver.
const localWatchPrinterID = "local"

// StartWatchFolder walks root once to seed existing files, then watches it
// for create/remove events for the lifetime of ctx. It settles into
// StopMonitoring semantics via ctx cancellation, matching the driver
// lifecycle used elsewhere in the coordinator.
func (p *Pipeline) StartWatchFolder(ctx context.Context, root string) error {
	if root == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		p.ingestWatchedFile(ctx, root, path)
		return nil
	}); err != nil {
		watcher.Close()
		return err
	}

	p.tasks.Go("watch-folder", func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				p.handleWatchEvent(ctx, root, watcher, event)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("filepipeline: watch folder error", "error", werr)
			}
		}
	})
	return nil
}

func (p *Pipeline) handleWatchEvent(ctx context.Context, root string, watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				slog.Warn("filepipeline: failed to watch new subdirectory", "path", event.Name, "error", err)
			}
			return
		}
		p.ingestWatchedFile(ctx, root, event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		id := domain.LocalFileID(event.Name)
		if err := p.store.DeleteFile(ctx, id); err != nil {
			slog.Warn("filepipeline: failed to retire watch-folder file", "path", event.Name, "error", err)
		}
	}
}

func (p *Pipeline) ingestWatchedFile(ctx context.Context, root, path string) {
	ext := domain.ExtensionFromFilename(path)
	if ext == domain.ExtOther {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	f := &domain.PrinterFile{
		ID:              domain.LocalFileID(path),
		PrinterID:       localWatchPrinterID,
		Filename:        filepath.Base(path),
		Size:            info.Size(),
		Extension:       ext,
		Source:          domain.SourceLocalWatch,
		LocalPath:       path,
		Status:          domain.FileAvailable,
		Metadata:        map[string]any{},
		WatchFolderPath: root,
		RelativePath:    strings.ReplaceAll(rel, string(filepath.Separator), "/"),
		ModifiedUnix:    info.ModTime().Unix(),
	}

	if err := p.store.UpsertFile(ctx, f); err != nil {
		slog.Error("filepipeline: failed to upsert watch-folder file", "path", path, "error", err)
		return
	}

	p.bus.Publish(ctx, bus.TopicFilesDiscovered, map[string]any{
		"printer_id": localWatchPrinterID,
		"files":      []map[string]any{{"id": f.ID, "filename": f.Filename, "size": f.Size}},
	})
	p.bus.Publish(ctx, bus.TopicFileNeedsThumbnailProcess, map[string]any{"file_id": f.ID, "file_path": path})
}
