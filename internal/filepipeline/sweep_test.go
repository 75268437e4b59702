package filepipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/domain"
)

func TestThumbnailBacklog_ProcessesDownloadedFile(t *testing.T) {
	fd := &fakeListDriver{}
	p, st, downloads := newTestPipeline(t, fd)
	ctx := context.Background()

	f := domain.NewPrinterFile("p1", "cube.stl", 100, domain.ExtSTL)
	require.NoError(t, st.UpsertFile(ctx, f))
	path := filepath.Join(downloads, "cube.stl")
	require.NoError(t, os.WriteFile(path, binarySTLBytes(), 0o644))
	require.NoError(t, st.SetDownloadResult(ctx, f.ID, path, time.Now().Unix()))

	backlog := NewThumbnailBacklog(p, time.Hour)

	item, err := backlog.GetItem(ctx)
	require.NoError(t, err)
	require.Equal(t, f.ID, item.FileID)
	require.Equal(t, path, item.LocalPath)

	require.NoError(t, backlog.ProcessItem(ctx, item))
	require.NoError(t, backlog.UpdateItem(ctx, item, true))
	p.Shutdown(time.Second)

	got, err := st.GetFile(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, got.HasThumbnail(), "sweep must run the same extraction chain as the bus path")

	// Thumbnail stored: the file no longer appears in the backlog.
	_, err = backlog.GetItem(ctx)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestThumbnailBacklog_CooldownSkipsRecentFailures(t *testing.T) {
	fd := &fakeListDriver{}
	p, st, downloads := newTestPipeline(t, fd)
	ctx := context.Background()

	// A bgcode file has no embedded-extraction support, no driver thumbnail
	// capability here, and isn't a mesh, so processing leaves it in the
	// backlog query.
	f := domain.NewPrinterFile("p1", "part.bgcode", 100, domain.ExtBgcode)
	require.NoError(t, st.UpsertFile(ctx, f))
	path := filepath.Join(downloads, "part.bgcode")
	require.NoError(t, os.WriteFile(path, []byte("binary gcode"), 0o644))
	require.NoError(t, st.SetDownloadResult(ctx, f.ID, path, time.Now().Unix()))

	backlog := NewThumbnailBacklog(p, time.Hour)

	item, err := backlog.GetItem(ctx)
	require.NoError(t, err)
	require.NoError(t, backlog.ProcessItem(ctx, item))
	require.NoError(t, backlog.UpdateItem(ctx, item, false))

	// Still thumbnail-less, but inside the cooldown: not handed out again.
	_, err = backlog.GetItem(ctx)
	require.ErrorIs(t, err, sql.ErrNoRows)

	// Cooldown elapsed: eligible again.
	backlog.mu.Lock()
	backlog.attempted[f.ID] = time.Now().Add(-2 * time.Hour)
	backlog.mu.Unlock()
	item, err = backlog.GetItem(ctx)
	require.NoError(t, err)
	require.Equal(t, f.ID, item.FileID)
}
