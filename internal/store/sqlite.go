package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	engdb "github.com/printernizer/printernizer/engine/db"
	"github.com/printernizer/printernizer/internal/domain"
)

const schemaMigration = `
CREATE TABLE IF NOT EXISTS printers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    credentials TEXT NOT NULL DEFAULT '{}',
    webcam_url TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    last_state TEXT NOT NULL DEFAULT 'unknown',
    last_seen INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    updated INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
) STRICT;

CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    printer_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    extension TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT 'printer',
    local_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'available',
    metadata TEXT NOT NULL DEFAULT '{}',
    watch_folder_path TEXT NOT NULL DEFAULT '',
    relative_path TEXT NOT NULL DEFAULT '',
    modified INTEGER NOT NULL DEFAULT 0,
    thumbnail_blob BLOB,
    thumbnail_width INTEGER NOT NULL DEFAULT 0,
    thumbnail_height INTEGER NOT NULL DEFAULT 0,
    thumbnail_format TEXT NOT NULL DEFAULT '',
    thumbnail_source TEXT NOT NULL DEFAULT '',
    enhanced_metadata TEXT NOT NULL DEFAULT '',
    downloaded INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    updated INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
) STRICT;

CREATE UNIQUE INDEX IF NOT EXISTS files_printer_filename_idx ON files (printer_id, filename);

CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    printer_id TEXT NOT NULL,
    printer_kind TEXT NOT NULL,
    job_name TEXT NOT NULL,
    filename TEXT NOT NULL,
    status TEXT NOT NULL,
    created INTEGER NOT NULL,
    start_time INTEGER,
    progress INTEGER NOT NULL DEFAULT 0,
    file_id TEXT NOT NULL DEFAULT '',
    customer_info TEXT NOT NULL DEFAULT '{}'
) STRICT;

CREATE INDEX IF NOT EXISTS jobs_printer_status_idx ON jobs (printer_id, status);
CREATE INDEX IF NOT EXISTS jobs_printer_filename_idx ON jobs (printer_id, filename);
`

// SQLite is the reference Store implementation. One connection only: sqlite
// serializes writers anyway and this keeps WAL behavior predictable under
// the coordinator's many concurrent per-printer goroutines.
type SQLite struct {
	db *sql.DB
}

// New wraps an already-open database handle (shared with the audit trail
// and retention cleanups) and applies the store's migration.
func New(database *sql.DB) *SQLite {
	engdb.MustMigrate(database, schemaMigration)
	return &SQLite{db: database}
}

// Open opens (creating if needed) a sqlite-backed Store at path and applies
// its migration.
func Open(path string) (*SQLite, error) {
	database, err := engdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return New(database), nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) UpsertPrinter(ctx context.Context, p *domain.Printer) error {
	creds, err := json.Marshal(p.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	active := 0
	if p.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO printers (id, name, kind, ip_address, credentials, webcam_url, location, description, active, last_seen, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, kind=excluded.kind, ip_address=excluded.ip_address,
			credentials=excluded.credentials, webcam_url=excluded.webcam_url,
			location=excluded.location, description=excluded.description,
			active=excluded.active, updated=excluded.updated`,
		p.ID, p.Name, p.Kind, p.IPAddress, string(creds), p.WebcamURL, p.Location, p.Description,
		active, p.LastSeenUnix, p.CreatedUnix, p.UpdatedUnix)
	if err != nil {
		return fmt.Errorf("upsert printer: %w", err)
	}
	return nil
}

func (s *SQLite) GetPrinter(ctx context.Context, id string) (*domain.Printer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, ip_address, credentials, webcam_url, location, description, active, last_state, last_seen, created, updated
		FROM printers WHERE id = ?`, id)
	p, _, err := scanPrinter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPrinterNotFound
	}
	return p, err
}

func (s *SQLite) ListPrinters(ctx context.Context) ([]*domain.Printer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, ip_address, credentials, webcam_url, location, description, active, last_state, last_seen, created, updated
		FROM printers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list printers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Printer
	for rows.Next() {
		p, _, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) DeletePrinter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM printers WHERE id = ?`, id)
	return err
}

func (s *SQLite) TouchLastSeen(ctx context.Context, id string, unixTime int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE printers SET last_seen = ?, updated = ? WHERE id = ?`, unixTime, unixTime, id)
	return err
}

func (s *SQLite) UpdatePrinterStatus(ctx context.Context, id string, state domain.State, unixTime int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE printers SET last_state = ?, updated = ? WHERE id = ?`, string(state), unixTime, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrinter(row rowScanner) (*domain.Printer, string, error) {
	var p domain.Printer
	var creds string
	var active int
	var lastState string
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.IPAddress, &creds, &p.WebcamURL, &p.Location,
		&p.Description, &active, &lastState, &p.LastSeenUnix, &p.CreatedUnix, &p.UpdatedUnix); err != nil {
		return nil, "", err
	}
	p.Active = active != 0
	if err := json.Unmarshal([]byte(creds), &p.Credentials); err != nil {
		return nil, "", fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &p, lastState, nil
}

func (s *SQLite) UpsertFile(ctx context.Context, f *domain.PrinterFile) error {
	existing, err := s.GetFile(ctx, f.ID)
	if err != nil && !errors.Is(err, domain.ErrFileNotFound) {
		return err
	}
	if existing != nil {
		f.Metadata = domain.MergeMetadata(existing.Metadata, f.Metadata)
		if !f.HasThumbnail() && existing.HasThumbnail() {
			f.ThumbnailBlob = existing.ThumbnailBlob
			f.ThumbnailWidth = existing.ThumbnailWidth
			f.ThumbnailHeight = existing.ThumbnailHeight
			f.ThumbnailFormat = existing.ThumbnailFormat
			f.ThumbnailSource = existing.ThumbnailSource
		}
	}

	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("marshal file metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (id, printer_id, filename, display_name, size, extension, source, local_path, status,
			metadata, watch_folder_path, relative_path, modified, thumbnail_blob, thumbnail_width, thumbnail_height,
			thumbnail_format, thumbnail_source, downloaded, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name=excluded.display_name, size=excluded.size, extension=excluded.extension,
			source=excluded.source, local_path=excluded.local_path, status=excluded.status,
			metadata=excluded.metadata, watch_folder_path=excluded.watch_folder_path,
			relative_path=excluded.relative_path, modified=excluded.modified,
			thumbnail_blob=excluded.thumbnail_blob, thumbnail_width=excluded.thumbnail_width,
			thumbnail_height=excluded.thumbnail_height, thumbnail_format=excluded.thumbnail_format,
			thumbnail_source=excluded.thumbnail_source, downloaded=excluded.downloaded, updated=excluded.updated`,
		f.ID, f.PrinterID, f.Filename, f.DisplayName, f.Size, string(f.Extension), string(f.Source), f.LocalPath,
		string(f.Status), string(metadata), f.WatchFolderPath, f.RelativePath, f.ModifiedUnix, f.ThumbnailBlob,
		f.ThumbnailWidth, f.ThumbnailHeight, f.ThumbnailFormat, string(f.ThumbnailSource), f.DownloadedUnix,
		f.CreatedUnix, f.UpdatedUnix)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

func (s *SQLite) GetFile(ctx context.Context, id string) (*domain.PrinterFile, error) {
	row := s.db.QueryRowContext(ctx, fileSelectColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFileNotFound
	}
	return f, err
}

func (s *SQLite) GetFileByPrinterFilename(ctx context.Context, printerID, filename string) (*domain.PrinterFile, error) {
	row := s.db.QueryRowContext(ctx, fileSelectColumns+` FROM files WHERE printer_id = ? AND filename = ? COLLATE NOCASE`, printerID, filename)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFileNotFound
	}
	return f, err
}

func (s *SQLite) ListFiles(ctx context.Context, printerID string) ([]*domain.PrinterFile, error) {
	rows, err := s.db.QueryContext(ctx, fileSelectColumns+` FROM files WHERE printer_id = ? ORDER BY filename`, printerID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*domain.PrinterFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFilesUnavailable marks every file for printerID not in keepFilenames
// as unavailable. It never deletes rows; removal is always soft.
func (s *SQLite) MarkFilesUnavailable(ctx context.Context, printerID string, keepFilenames []string) (int, error) {
	keep := make(map[string]bool, len(keepFilenames))
	for _, f := range keepFilenames {
		keep[f] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, filename FROM files WHERE printer_id = ? AND status != 'unavailable'`, printerID)
	if err != nil {
		return 0, fmt.Errorf("scan files for removal: %w", err)
	}
	type idName struct{ id, filename string }
	var toMark []idName
	for rows.Next() {
		var rec idName
		if err := rows.Scan(&rec.id, &rec.filename); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[rec.filename] {
			toMark = append(toMark, rec)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, rec := range toMark {
		if _, err := s.db.ExecContext(ctx, `UPDATE files SET status = 'unavailable', updated = strftime('%s','now') WHERE id = ?`, rec.id); err != nil {
			return 0, fmt.Errorf("mark file unavailable: %w", err)
		}
	}
	return len(toMark), nil
}

func (s *SQLite) SetDownloadResult(ctx context.Context, id, localPath string, downloadedUnix int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET status = 'downloaded', local_path = ?, downloaded = ?, updated = ? WHERE id = ?`,
		localPath, downloadedUnix, downloadedUnix, id)
	return err
}

func (s *SQLite) SetThumbnail(ctx context.Context, id string, blob []byte, width, height int, format string, source domain.ThumbnailSource) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET thumbnail_blob = ?, thumbnail_width = ?, thumbnail_height = ?, thumbnail_format = ?, thumbnail_source = ?, updated = strftime('%s','now')
		WHERE id = ?`, blob, width, height, format, string(source), id)
	return err
}

func (s *SQLite) MergeFileMetadata(ctx context.Context, id string, metadata map[string]any) error {
	existing, err := s.GetFile(ctx, id)
	if err != nil {
		return err
	}
	merged := domain.MergeMetadata(existing.Metadata, metadata)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal merged metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE files SET metadata = ?, updated = strftime('%s','now') WHERE id = ?`, string(encoded), id)
	return err
}

func (s *SQLite) SetEnhancedMetadata(ctx context.Context, id string, enhanced *domain.EnhancedMetadata) error {
	encoded, err := json.Marshal(enhanced)
	if err != nil {
		return fmt.Errorf("marshal enhanced metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE files SET enhanced_metadata = ?, updated = strftime('%s','now') WHERE id = ?`, string(encoded), id)
	return err
}

func (s *SQLite) DeleteFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	return err
}

func (s *SQLite) ListFilesMissingThumbnails(ctx context.Context, limit int) ([]*domain.PrinterFile, error) {
	rows, err := s.db.QueryContext(ctx, fileSelectColumns+`
		FROM files
		WHERE status = 'downloaded' AND local_path != '' AND thumbnail_blob IS NULL
		ORDER BY updated ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list files missing thumbnails: %w", err)
	}
	defer rows.Close()

	var out []*domain.PrinterFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const fileSelectColumns = `SELECT id, printer_id, filename, display_name, size, extension, source, local_path, status,
	metadata, watch_folder_path, relative_path, modified, thumbnail_blob, thumbnail_width, thumbnail_height,
	thumbnail_format, thumbnail_source, enhanced_metadata, downloaded, created, updated`

func scanFile(row rowScanner) (*domain.PrinterFile, error) {
	var f domain.PrinterFile
	var extension, source, status, thumbSource, enhancedRaw, metadataRaw string
	var thumbBlob []byte
	if err := row.Scan(&f.ID, &f.PrinterID, &f.Filename, &f.DisplayName, &f.Size, &extension, &source,
		&f.LocalPath, &status, &metadataRaw, &f.WatchFolderPath, &f.RelativePath, &f.ModifiedUnix,
		&thumbBlob, &f.ThumbnailWidth, &f.ThumbnailHeight, &f.ThumbnailFormat, &thumbSource, &enhancedRaw,
		&f.DownloadedUnix, &f.CreatedUnix, &f.UpdatedUnix); err != nil {
		return nil, err
	}
	f.Extension = domain.ExtensionKind(extension)
	f.Source = domain.FileSource(source)
	f.Status = domain.FileStatus(status)
	f.ThumbnailSource = domain.ThumbnailSource(thumbSource)
	f.ThumbnailBlob = thumbBlob

	if metadataRaw != "" {
		if err := json.Unmarshal([]byte(metadataRaw), &f.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal file metadata: %w", err)
		}
	}
	if enhancedRaw != "" {
		var enhanced domain.EnhancedMetadata
		if err := json.Unmarshal([]byte(enhancedRaw), &enhanced); err != nil {
			return nil, fmt.Errorf("unmarshal enhanced metadata: %w", err)
		}
		f.Enhanced = &enhanced
	}
	return &f, nil
}

func (s *SQLite) CreateJob(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	info, err := json.Marshal(j.CustomerInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal customer_info: %w", err)
	}
	var startTime sql.NullInt64
	if j.StartTime != nil {
		startTime = sql.NullInt64{Int64: j.StartTime.Unix(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (printer_id, printer_kind, job_name, filename, status, created, start_time, progress, file_id, customer_info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.PrinterID, string(j.PrinterKind), j.JobName, j.Filename, string(j.Status), j.CreatedUnix,
		startTime, j.Progress, j.FileID, string(info))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	j.ID = id
	return j, nil
}

func (s *SQLite) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLite) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := jobSelectColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.PrinterID != "" {
		query += ` AND printer_id = ?`
		args = append(args, filter.PrinterID)
	}
	if filter.Filename != "" {
		query += ` AND filename = ?`
		args = append(args, filter.Filename)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJobProgress(ctx context.Context, id int64, progress int, status domain.JobStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ?, status = ? WHERE id = ?`, progress, string(status), id)
	return err
}

const jobSelectColumns = `SELECT id, printer_id, printer_kind, job_name, filename, status, created, start_time, progress, file_id, customer_info`

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var kind, status, info string
	var startTime sql.NullInt64
	if err := row.Scan(&j.ID, &j.PrinterID, &kind, &j.JobName, &j.Filename, &status, &j.CreatedUnix,
		&startTime, &j.Progress, &j.FileID, &info); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get job: %w", domain.ErrFileNotFound)
		}
		return nil, err
	}
	j.PrinterKind = domain.VendorKind(kind)
	j.Status = domain.JobStatus(status)
	if startTime.Valid {
		t := time.Unix(startTime.Int64, 0).UTC()
		j.StartTime = &t
	}
	if info != "" {
		var ci domain.CustomerInfo
		if err := json.Unmarshal([]byte(info), &ci); err != nil {
			return nil, fmt.Errorf("unmarshal customer_info: %w", err)
		}
		j.CustomerInfo = &ci
	}
	return &j, nil
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}
