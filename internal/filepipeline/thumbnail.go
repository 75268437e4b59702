package filepipeline

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
)

const targetThumbnailSize = 200

// candidate3MFThumbnailPaths are checked in order against a 3MF archive's
// zip index; BambuStudio and PrusaSlicer disagree on the canonical name.
var candidate3MFThumbnailPaths = []string{
	"Metadata/plate_1.png",
	"Metadata/top_1.png",
	"Metadata/thumbnail.png",
}

// thumbnailCapableDriver is satisfied by drivers that can fetch a
// vendor-rendered preview for a filename (Prusa only).
// Defined locally so the pipeline never imports the prusa package.
type thumbnailCapableDriver interface {
	Thumbnail(ctx context.Context, filename string, large bool) ([]byte, bool, error)
}

// ProcessingLogEntry is one row of the rolling thumbnail/metadata processing
// log, kept in memory and bounded to
// the most recent maxProcessingLogEntries.
type ProcessingLogEntry struct {
	FileID    string
	Filename  string
	Source    domain.ThumbnailSource
	Err       string
	Timestamp time.Time
}

const maxProcessingLogEntries = 50

// ProcessingLog returns a snapshot of the rolling processing log, most
// recent first.
func (p *Pipeline) ProcessingLog() []ProcessingLogEntry {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	out := make([]ProcessingLogEntry, len(p.procLog))
	for i, e := range p.procLog {
		out[len(p.procLog)-1-i] = e
	}
	return out
}

func (p *Pipeline) recordProcessing(entry ProcessingLogEntry) {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	p.procLog = append(p.procLog, entry)
	if len(p.procLog) > maxProcessingLogEntries {
		p.procLog = p.procLog[len(p.procLog)-maxProcessingLogEntries:]
	}
}

// processThumbnail runs the ordered fallback chain: embedded
// extraction, then driver-capability fetch, then generated render. It always
// records a processing-log entry and, on any success, publishes
// file_thumbnails_processed.
func (p *Pipeline) processThumbnail(ctx context.Context, fileID, path string) {
	f, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		p.recordProcessing(ProcessingLogEntry{FileID: fileID, Err: err.Error(), Timestamp: time.Now()})
		slog.Warn("filepipeline: thumbnail processing found no file row", "file_id", fileID, "error", err)
		return
	}

	blob, width, height, format, source, metadata, err := p.extractThumbnail(ctx, f, path)
	if err != nil {
		p.recordProcessing(ProcessingLogEntry{FileID: fileID, Filename: f.Filename, Err: err.Error(), Timestamp: time.Now()})
		slog.Warn("filepipeline: thumbnail extraction failed, file remains usable without one", "file_id", fileID, "error", err)
	} else if blob != nil {
		if err := p.store.SetThumbnail(ctx, fileID, blob, width, height, format, source); err != nil {
			p.recordProcessing(ProcessingLogEntry{FileID: fileID, Filename: f.Filename, Source: source, Err: err.Error(), Timestamp: time.Now()})
			slog.Error("filepipeline: failed to persist thumbnail", "file_id", fileID, "error", err)
		} else {
			p.recordProcessing(ProcessingLogEntry{FileID: fileID, Filename: f.Filename, Source: source, Timestamp: time.Now()})
			p.bus.Publish(ctx, bus.TopicFileThumbnailsProcessed, map[string]any{
				"file_id": fileID, "printer_id": f.PrinterID, "width": width, "height": height, "source": string(source),
			})
		}
	} else {
		p.recordProcessing(ProcessingLogEntry{FileID: fileID, Filename: f.Filename, Err: "no thumbnail source available", Timestamp: time.Now()})
	}

	if len(metadata) > 0 {
		if err := p.store.MergeFileMetadata(ctx, fileID, metadata); err != nil {
			slog.Error("filepipeline: failed to merge extracted metadata", "file_id", fileID, "error", err)
		} else {
			p.bus.Publish(ctx, bus.TopicFileMetadataExtracted, map[string]any{"file_id": fileID, "printer_id": f.PrinterID})
		}
	}

	if f.Extension.IsMesh() {
		p.tasks.Go("animated-preview:"+fileID, func() {
			p.generateAnimatedPreview(fileID, path)
		})
	}
}

// extractThumbnail implements the ordered fallback chain. metadata is any
// incidentally-parsed JSON worth merging into the file row even when no
// thumbnail was produced.
func (p *Pipeline) extractThumbnail(ctx context.Context, f *domain.PrinterFile, path string) ([]byte, int, int, string, domain.ThumbnailSource, map[string]any, error) {
	if f.Extension.IsSlicedDocument() {
		blob, w, h, err := extractEmbeddedThumbnail(path, f.Extension)
		if err == nil && blob != nil {
			blob, w, h = scaleDownOversized(blob, w, h)
			return blob, w, h, "png", domain.ThumbnailEmbedded, nil, nil
		}
		if err != nil {
			slog.Debug("filepipeline: no embedded thumbnail, falling back", "file", f.Filename, "error", err)
		}
	}

	if drv, ok := p.drivers.GetDriver(f.PrinterID); ok {
		if tcd, ok := drv.(thumbnailCapableDriver); ok {
			blob, found, err := tcd.Thumbnail(ctx, f.Filename, true)
			if err != nil {
				return nil, 0, 0, "", "", nil, fmt.Errorf("%w: driver thumbnail fetch: %v", domain.ErrFileProcessingFailed, err)
			}
			if found && len(blob) > 0 {
				w, h := pngDimensions(blob)
				if w == 0 {
					w, h = targetThumbnailSize, targetThumbnailSize
				}
				blob, w, h = scaleDownOversized(blob, w, h)
				return blob, w, h, "png", domain.ThumbnailPrinter, nil, nil
			}
		}
	}

	if f.Extension.IsMesh() {
		blob, w, h, err := renderMeshThumbnail(path)
		if err != nil {
			return nil, 0, 0, "", "", nil, fmt.Errorf("%w: mesh render: %v", domain.ErrFileProcessingFailed, err)
		}
		return blob, w, h, "png", domain.ThumbnailGenerated, nil, nil
	}

	return nil, 0, 0, "", "", nil, nil
}

// extractEmbeddedThumbnail parses the thumbnail out of a 3MF archive (a zip
// container) or the base64 preview block embedded as comments in sliced
// G-code. bgcode's binary thumbnail block isn't parsed here; it falls
// through to the driver/render fallbacks.
func extractEmbeddedThumbnail(path string, ext domain.ExtensionKind) ([]byte, int, int, error) {
	switch ext {
	case domain.Ext3MF:
		return extract3MFThumbnail(path)
	case domain.ExtGcode:
		return extractGcodeThumbnail(path)
	default:
		return nil, 0, 0, fmt.Errorf("no embedded thumbnail support for extension %q", ext)
	}
}

func extract3MFThumbnail(path string) ([]byte, int, int, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open 3mf: %w", err)
	}
	defer r.Close()

	byName := make(map[string]*zip.File, len(r.File))
	var pngFiles []*zip.File
	for _, zf := range r.File {
		byName[zf.Name] = zf
		if strings.HasPrefix(zf.Name, "Metadata/") && strings.HasSuffix(strings.ToLower(zf.Name), ".png") {
			pngFiles = append(pngFiles, zf)
		}
	}

	var best *zip.File
	for _, candidate := range candidate3MFThumbnailPaths {
		if zf, ok := byName[candidate]; ok {
			best = zf
			break
		}
	}
	if best == nil {
		best = closestToTarget(pngFiles)
	}
	if best == nil {
		return nil, 0, 0, fmt.Errorf("no metadata thumbnail in archive")
	}

	rc, err := best.Open()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open embedded thumbnail: %w", err)
	}
	defer rc.Close()

	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read embedded thumbnail: %w", err)
	}
	w, h := pngDimensions(blob)
	return blob, w, h, nil
}

// closestToTarget picks the zip entry whose decoded PNG dimensions are
// nearest to targetThumbnailSize x targetThumbnailSize.
func closestToTarget(candidates []*zip.File) *zip.File {
	var best *zip.File
	bestDelta := -1
	for _, zf := range candidates {
		rc, err := zf.Open()
		if err != nil {
			continue
		}
		head := make([]byte, 64)
		n, _ := io.ReadFull(rc, head)
		rc.Close()
		w, h := pngDimensions(head[:n])
		if w == 0 {
			continue
		}
		delta := abs(w-targetThumbnailSize) + abs(h-targetThumbnailSize)
		if bestDelta == -1 || delta < bestDelta {
			best, bestDelta = zf, delta
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// gcodeThumbnailMarkers bound the base64 PNG block PrusaSlicer/BambuStudio
// write as G-code comments: "; thumbnail begin WxH size" ... base64 lines
// ... "; thumbnail end".
const (
	gcodeThumbBegin = "; thumbnail begin"
	gcodeThumbEnd   = "; thumbnail end"
)

func extractGcodeThumbnail(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open gcode: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var best []byte
	var bestDelta = -1
	var collecting bool
	var buf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(strings.TrimPrefix(line, ";"))
		switch {
		case strings.Contains(line, gcodeThumbBegin):
			collecting = true
			buf.Reset()
		case strings.Contains(line, gcodeThumbEnd):
			if collecting {
				if decoded, err := base64.StdEncoding.DecodeString(buf.String()); err == nil {
					w, h := pngDimensions(decoded)
					delta := abs(w-targetThumbnailSize) + abs(h-targetThumbnailSize)
					if bestDelta == -1 || delta < bestDelta {
						best, bestDelta = decoded, delta
					}
				}
			}
			collecting = false
		case collecting:
			buf.WriteString(strings.TrimPrefix(trimmed, ";"))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan gcode: %w", err)
	}
	if best == nil {
		return nil, 0, 0, fmt.Errorf("no embedded thumbnail comment block")
	}
	w, h := pngDimensions(best)
	return best, w, h, nil
}

// pngDimensions reads a PNG's IHDR chunk without a full decode.
func pngDimensions(blob []byte) (int, int) {
	cfg, err := png.DecodeConfig(bytes.NewReader(blob))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// scaleDownOversized re-encodes thumbnails more than twice the target size
// down to fit 200x200, preserving aspect ratio. Slicers embed plate previews
// up to 512px; storing those verbatim bloats the files table and the status
// payloads that reference it. Thumbnails at or near target pass through
// untouched, as does anything that fails to decode.
func scaleDownOversized(blob []byte, w, h int) ([]byte, int, int) {
	if w <= 2*targetThumbnailSize && h <= 2*targetThumbnailSize {
		return blob, w, h
	}
	img, err := png.Decode(bytes.NewReader(blob))
	if err != nil {
		return blob, w, h
	}

	outW, outH := targetThumbnailSize, targetThumbnailSize
	if w > h {
		outH = h * targetThumbnailSize / w
	} else {
		outW = w * targetThumbnailSize / h
	}
	if outW < 1 || outH < 1 {
		return blob, w, h
	}

	resized := image.NewRGBA(image.Rect(0, 0, outW, outH))
	xdraw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return blob, w, h
	}
	return buf.Bytes(), outW, outH
}

// renderMeshThumbnail produces a placeholder 200x200 PNG for mesh files
// (STL/OBJ) when no embedded or vendor thumbnail is available. It renders
// a flat silhouette sized to the mesh's bounding-box aspect ratio rather
// than a full 3D render.
func renderMeshThumbnail(path string) ([]byte, int, int, error) {
	aspect, err := meshAspectRatio(path)
	if err != nil {
		aspect = 1.0
	}

	img := image.NewRGBA(image.Rect(0, 0, targetThumbnailSize, targetThumbnailSize))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0x20, G: 0x20, B: 0x24, A: 0xff}), image.Point{}, draw.Src)

	w, h := silhouetteBounds(aspect)
	x0 := (targetThumbnailSize - w) / 2
	y0 := (targetThumbnailSize - h) / 2
	silhouette := image.Rect(x0, y0, x0+w, y0+h)
	draw.Draw(img, silhouette, image.NewUniform(color.RGBA{R: 0x4c, G: 0xaf, B: 0x50, A: 0xff}), image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, 0, 0, fmt.Errorf("encode generated thumbnail: %w", err)
	}
	return buf.Bytes(), targetThumbnailSize, targetThumbnailSize, nil
}

func silhouetteBounds(aspect float64) (int, int) {
	const margin = 30
	avail := targetThumbnailSize - 2*margin
	if aspect >= 1 {
		w := avail
		h := int(float64(avail) / aspect)
		return w, h
	}
	h := avail
	w := int(float64(avail) * aspect)
	return w, h
}

// meshAspectRatio returns width/depth for a binary STL (the common case for
// sliced-from-mesh uploads); text STL and OBJ fall back to the caller's
// default aspect since this pipeline only needs an approximate silhouette.
func meshAspectRatio(path string) (float64, error) {
	w, d, _, ok := stlBoundingBox(path)
	if !ok || d == 0 {
		return 1, fmt.Errorf("no bounding box available")
	}
	return w / d, nil
}

// stlBoundingBox computes a binary STL's axis-aligned extents in the
// file's native units (millimeters by slicer convention). Returns
// ok=false for text STL or any read failure.
func stlBoundingBox(path string) (width, depth, height float64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, false
	}
	defer f.Close()

	header := make([]byte, 84)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, 0, 0, false
	}
	if strings.HasPrefix(strings.ToLower(string(header[:5])), "solid") {
		return 0, 0, 0, false
	}

	var minX, maxX, minY, maxY, minZ, maxZ float32
	triCount := 0
	facet := make([]byte, 50)
	for {
		if _, err := io.ReadFull(f, facet); err != nil {
			break
		}
		for v := 0; v < 3; v++ {
			off := 12 + v*12
			x := littleEndianFloat32(facet[off : off+4])
			y := littleEndianFloat32(facet[off+4 : off+8])
			z := littleEndianFloat32(facet[off+8 : off+12])
			if triCount == 0 && v == 0 {
				minX, maxX, minY, maxY, minZ, maxZ = x, x, y, y, z, z
			}
			minX, maxX = minFloat(minX, x), maxFloat(maxX, x)
			minY, maxY = minFloat(minY, y), maxFloat(maxY, y)
			minZ, maxZ = minFloat(minZ, z), maxFloat(maxZ, z)
		}
		triCount++
	}
	if triCount == 0 {
		return 0, 0, 0, false
	}
	return float64(maxX - minX), float64(maxY - minY), float64(maxZ - minZ), true
}

func littleEndianFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func minFloat(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// generateAnimatedPreview builds a short rotating-silhouette GIF for mesh
// files. Its failure never marks the
// file as failed; it isn't referenced by has_thumbnail at all.
func (p *Pipeline) generateAnimatedPreview(fileID, path string) {
	aspect, err := meshAspectRatio(path)
	if err != nil {
		aspect = 1
	}

	const frames = 8
	g := &gif.GIF{}
	palette := color.Palette{color.RGBA{0x20, 0x20, 0x24, 0xff}, color.RGBA{0x4c, 0xaf, 0x50, 0xff}}
	for i := 0; i < frames; i++ {
		t := float64(i) / frames
		scale := 0.6 + 0.4*math.Abs(math.Cos(t*2*math.Pi))
		w, h := silhouetteBounds(aspect * scale)
		img := image.NewPaletted(image.Rect(0, 0, targetThumbnailSize, targetThumbnailSize), palette)
		draw.Draw(img, img.Bounds(), image.NewUniform(palette[0]), image.Point{}, draw.Src)
		x0 := (targetThumbnailSize - w) / 2
		y0 := (targetThumbnailSize - h) / 2
		draw.Draw(img, image.Rect(x0, y0, x0+w, y0+h), image.NewUniform(palette[1]), image.Point{}, draw.Src)
		g.Image = append(g.Image, img)
		g.Delay = append(g.Delay, 8)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		slog.Warn("filepipeline: animated preview encode failed", "file_id", fileID, "error", err)
		return
	}
	slog.Debug("filepipeline: animated preview generated", "file_id", fileID, "bytes", buf.Len())
}
