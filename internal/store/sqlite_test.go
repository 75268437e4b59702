package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/domain"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_PrinterRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := &domain.Printer{
		ID:          "printer-1",
		Name:        "Bedroom X1C",
		Kind:        domain.VendorBambuLab,
		IPAddress:   "192.168.1.50",
		Credentials: domain.Credentials{AccessCode: "1234", SerialNumber: "ABC123"},
		Active:      true,
	}
	require.NoError(t, s.UpsertPrinter(ctx, p))

	got, err := s.GetPrinter(ctx, "printer-1")
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)
	require.Equal(t, p.Credentials, got.Credentials)
	require.True(t, got.Active)

	_, err = s.GetPrinter(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrPrinterNotFound)

	p.Name = "Renamed"
	require.NoError(t, s.UpsertPrinter(ctx, p))
	got, err = s.GetPrinter(ctx, "printer-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Name)

	list, err := s.ListPrinters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSQLite_UpsertFilePreservesThumbnailAndMetadata(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	f := domain.NewPrinterFile("printer-1", "model.3mf", 1024, domain.Ext3MF)
	f.Metadata["slicer"] = "bambu studio"
	require.NoError(t, s.UpsertFile(ctx, f))
	require.NoError(t, s.SetThumbnail(ctx, f.ID, []byte{1, 2, 3}, 200, 200, "png", domain.ThumbnailEmbedded))

	refreshed := domain.NewPrinterFile("printer-1", "model.3mf", 2048, domain.Ext3MF)
	refreshed.Metadata["layer_count"] = 120
	require.NoError(t, s.UpsertFile(ctx, refreshed))

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, got.HasThumbnail(), "upsert must not clear an existing thumbnail")
	require.Equal(t, "bambu studio", got.Metadata["slicer"])
	require.Equal(t, float64(120), got.Metadata["layer_count"])
	require.Equal(t, int64(2048), got.Size)
}

func TestSQLite_GetFileByPrinterFilenameCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	f := domain.NewPrinterFile("printer-1", "Benchy.3mf", 10, domain.Ext3MF)
	require.NoError(t, s.UpsertFile(ctx, f))

	got, err := s.GetFileByPrinterFilename(ctx, "printer-1", "benchy.3mf")
	require.NoError(t, err)
	require.Equal(t, f.ID, got.ID)
}

func TestSQLite_MarkFilesUnavailableIsSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	keep := domain.NewPrinterFile("printer-1", "keep.3mf", 10, domain.Ext3MF)
	gone := domain.NewPrinterFile("printer-1", "gone.3mf", 10, domain.Ext3MF)
	require.NoError(t, s.UpsertFile(ctx, keep))
	require.NoError(t, s.UpsertFile(ctx, gone))

	n, err := s.MarkFilesUnavailable(ctx, "printer-1", []string{"keep.3mf"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetFile(ctx, gone.ID)
	require.NoError(t, err)
	require.Equal(t, domain.FileUnavailable, got.Status)

	stillThere, err := s.GetFile(ctx, keep.ID)
	require.NoError(t, err)
	require.Equal(t, domain.FileAvailable, stillThere.Status)
}

func TestSQLite_JobLifecycleAndFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job := &domain.Job{
		PrinterID:   "printer-1",
		PrinterKind: domain.VendorBambuLab,
		JobName:     "benchy",
		Filename:    "benchy.3mf",
		Status:      domain.JobRunning,
		CreatedUnix: 1000,
		Progress:    0,
		CustomerInfo: &domain.CustomerInfo{
			AutoCreated: true,
		},
	}
	created, err := s.CreateJob(ctx, job)
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	running, err := s.ListJobs(ctx, JobFilter{PrinterID: "printer-1", Statuses: domain.ActiveJobStatuses})
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, s.UpdateJobProgress(ctx, created.ID, 55, domain.JobRunning))
	got, err := s.GetJob(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 55, got.Progress)
	require.True(t, got.CustomerInfo.AutoCreated)
}

func TestSQLite_ListFilesMissingThumbnails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	pending := domain.NewPrinterFile("printer-1", "pending.3mf", 10, domain.Ext3MF)
	require.NoError(t, s.UpsertFile(ctx, pending))
	require.NoError(t, s.SetDownloadResult(ctx, pending.ID, "/tmp/pending.3mf", 1000))

	done := domain.NewPrinterFile("printer-1", "done.3mf", 10, domain.Ext3MF)
	require.NoError(t, s.UpsertFile(ctx, done))
	require.NoError(t, s.SetDownloadResult(ctx, done.ID, "/tmp/done.3mf", 1000))
	require.NoError(t, s.SetThumbnail(ctx, done.ID, []byte{1, 2, 3}, 200, 200, "png", domain.ThumbnailEmbedded))

	// Discovered but never downloaded: not part of the backlog.
	remote := domain.NewPrinterFile("printer-1", "remote.3mf", 10, domain.Ext3MF)
	require.NoError(t, s.UpsertFile(ctx, remote))

	missing, err := s.ListFilesMissingThumbnails(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, pending.ID, missing[0].ID)
	require.Equal(t, "/tmp/pending.3mf", missing[0].LocalPath)
}
