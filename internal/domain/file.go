package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// ExtensionKind is the closed set of file kinds the pipeline understands.
type ExtensionKind string

const (
	Ext3MF    ExtensionKind = "3mf"
	ExtGcode  ExtensionKind = "gcode"
	ExtBgcode ExtensionKind = "bgcode"
	ExtSTL    ExtensionKind = "stl"
	ExtOBJ    ExtensionKind = "obj"
	ExtPLY    ExtensionKind = "ply"
	ExtOther  ExtensionKind = ""
)

// IsMesh reports whether the extension is a renderable mesh format rather
// than a print-ready sliced file.
func (e ExtensionKind) IsMesh() bool { return e == ExtSTL || e == ExtOBJ }

// IsSlicedDocument reports whether the extension carries its own embedded
// thumbnails (3MF / G-code variants), as opposed to a raw mesh.
func (e ExtensionKind) IsSlicedDocument() bool {
	return e == Ext3MF || e == ExtGcode || e == ExtBgcode
}

// FileSource records where a PrinterFile came from.
type FileSource string

const (
	SourcePrinter    FileSource = "printer"
	SourceLocalWatch FileSource = "local_watch"
	SourceUpload     FileSource = "upload"
)

// FileStatus is the lifecycle state of a PrinterFile row.
type FileStatus string

const (
	FileAvailable   FileStatus = "available"
	FileDownloading FileStatus = "downloading"
	FileDownloaded  FileStatus = "downloaded"
	FileFailed      FileStatus = "failed"
	FileUnavailable FileStatus = "unavailable"
	FileDeleted     FileStatus = "deleted"
)

// ThumbnailSource records how a file's thumbnail was obtained.
type ThumbnailSource string

const (
	ThumbnailEmbedded  ThumbnailSource = "embedded"
	ThumbnailPrinter   ThumbnailSource = "printer"
	ThumbnailGenerated ThumbnailSource = "generated"
)

// PrinterFile is the coordinator's record of one file, wherever it lives.
type PrinterFile struct {
	ID          string
	PrinterID   string // "local" for watch-folder files
	Filename    string
	DisplayName string
	Size        int64
	Extension   ExtensionKind
	Source      FileSource
	LocalPath   string
	Status      FileStatus

	// Metadata is free-form vendor/JSON metadata. Upserts merge into this
	// map; they never clear existing keys.
	Metadata map[string]any

	WatchFolderPath string
	RelativePath    string
	ModifiedUnix    int64

	ThumbnailBlob   []byte
	ThumbnailWidth  int
	ThumbnailHeight int
	ThumbnailFormat string
	ThumbnailSource ThumbnailSource

	Enhanced *EnhancedMetadata

	DownloadedUnix int64
	CreatedUnix    int64
	UpdatedUnix    int64
}

// HasThumbnail reports whether the file carries a usable thumbnail. This is
// true iff blob, both dimensions and the format are all present.
func (f *PrinterFile) HasThumbnail() bool {
	return len(f.ThumbnailBlob) > 0 && f.ThumbnailWidth > 0 && f.ThumbnailHeight > 0 && f.ThumbnailFormat != ""
}

// ExtensionFromFilename maps a filename's suffix to the coordinator's
// closed ExtensionKind set. An unrecognized or missing suffix yields
// ExtOther.
func ExtensionFromFilename(filename string) ExtensionKind {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".3mf"):
		return Ext3MF
	case strings.HasSuffix(lower, ".bgcode"):
		return ExtBgcode
	case strings.HasSuffix(lower, ".gcode"):
		return ExtGcode
	case strings.HasSuffix(lower, ".stl"):
		return ExtSTL
	case strings.HasSuffix(lower, ".obj"):
		return ExtOBJ
	case strings.HasSuffix(lower, ".ply"):
		return ExtPLY
	default:
		return ExtOther
	}
}

// FileID computes the composite identity for a printer-resident file.
func FileID(printerID, filename string) string {
	return printerID + "_" + filename
}

// LocalFileID computes the identity for a watch-folder file from its path.
func LocalFileID(path string) string {
	sum := sha1.Sum([]byte(path))
	return "local_" + hex.EncodeToString(sum[:])
}

// EnhancedMetadata is the structured output of the on-demand 3MF/G-code
// metadata extraction path. Every group, and every scalar
// within a group, is optional: unknown values are nil, never zero.
type EnhancedMetadata struct {
	Physical      *PhysicalProperties
	PrintSettings *PrintSettings
	Material      *MaterialRequirements
	Cost          *CostBreakdown
	Quality       *QualityMetrics
	Compatibility *CompatibilityInfo
}

type PhysicalProperties struct {
	WidthMM, DepthMM, HeightMM *float64
	VolumeMM3                  *float64
	SurfaceAreaMM2             *float64
	ObjectCount                *int
}

type PrintSettings struct {
	LayerHeightMM  *float64
	NozzleMM       *float64
	WallCount      *int
	InfillPercent  *float64
	SupportsUsed   *bool
	BedTempC       *float64
	NozzleTempC    *float64
	SpeedMMPerSec  *float64
	LayerCount     *int
}

type MaterialRequirements struct {
	WeightGrams   *float64
	LengthMM      *float64
	MultiMaterial *bool
}

type CostBreakdown struct {
	MaterialCost *float64
	TimeCost     *float64
	TotalCost    *float64
	Currency     string
}

type QualityMetrics struct {
	ComplexityScore    *float64
	DifficultyScore    *float64
	SuccessProbability *float64
}

type CompatibilityInfo struct {
	CompatiblePrinters []string
	Slicer             string
	BedType            string
}

// NewPrinterFile builds a not-yet-persisted PrinterFile for a discovered
// printer-resident file.
func NewPrinterFile(printerID, filename string, size int64, ext ExtensionKind) *PrinterFile {
	return &PrinterFile{
		ID:        FileID(printerID, filename),
		PrinterID: printerID,
		Filename:  filename,
		Size:      size,
		Extension: ext,
		Source:    SourcePrinter,
		Status:    FileAvailable,
		Metadata:  map[string]any{},
	}
}

// MergeMetadata merges src into dst without overwriting existing keys,
// satisfying the "upsert never clears thumbnails/metadata" rule.
func MergeMetadata(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
	return dst
}
