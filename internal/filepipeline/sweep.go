package filepipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// sweepBatchSize bounds how many backlog candidates one GetItem call pulls
// from the store while hunting for an eligible file.
const sweepBatchSize = 25

// SweepItem is one thumbnail backlog entry. It is small enough to log.
type SweepItem struct {
	FileID    string
	LocalPath string
}

func (s *SweepItem) String() string { return fmt.Sprintf("thumbnail backlog %s", s.FileID) }

// ThumbnailBacklog is a workqueue over downloaded files with no stored
// thumbnail. The live path processes thumbnails off the bus; the backlog
// sweep exists because the bus has no persistence — a file downloaded just
// before a crash would otherwise never get its thumbnail. Files whose
// extraction keeps failing are retried no sooner than the cooldown, so a
// corrupt archive can't monopolize the sweep.
type ThumbnailBacklog struct {
	pipeline *Pipeline
	cooldown time.Duration

	mu        sync.Mutex
	attempted map[string]time.Time
}

// NewThumbnailBacklog constructs the backlog sweep over p's store.
func NewThumbnailBacklog(p *Pipeline, cooldown time.Duration) *ThumbnailBacklog {
	return &ThumbnailBacklog{
		pipeline:  p,
		cooldown:  cooldown,
		attempted: make(map[string]time.Time),
	}
}

// GetItem returns the next downloaded-without-thumbnail file not attempted
// within the cooldown, or sql.ErrNoRows when the backlog is clear.
func (b *ThumbnailBacklog) GetItem(ctx context.Context) (*SweepItem, error) {
	files, err := b.pipeline.store.ListFilesMissingThumbnails(ctx, sweepBatchSize)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, f := range files {
		if last, ok := b.attempted[f.ID]; ok && now.Sub(last) < b.cooldown {
			continue
		}
		return &SweepItem{FileID: f.ID, LocalPath: f.LocalPath}, nil
	}
	return nil, sql.ErrNoRows
}

// ProcessItem runs the same extraction chain the bus-triggered path uses.
// Extraction failures are recorded in the pipeline's processing log rather
// than returned; the file remains usable without a thumbnail.
func (b *ThumbnailBacklog) ProcessItem(ctx context.Context, item *SweepItem) error {
	b.pipeline.processThumbnail(ctx, item.FileID, item.LocalPath)
	return nil
}

// UpdateItem stamps the attempt time so GetItem won't hand the file out
// again before the cooldown, successful or not — success removes the file
// from the backlog query itself.
func (b *ThumbnailBacklog) UpdateItem(ctx context.Context, item *SweepItem, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempted[item.FileID] = time.Now()

	// Drop stale stamps so the map doesn't grow for the process lifetime.
	cutoff := time.Now().Add(-2 * b.cooldown)
	for id, at := range b.attempted {
		if at.Before(cutoff) {
			delete(b.attempted, id)
		}
	}
	return nil
}
