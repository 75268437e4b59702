package filepipeline

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/printernizer/printernizer/internal/domain"
)

// extractEnhancedMetadata parses the optional six-group metadata the
// upload path populates when the source format carries it; the download
// and thumbnail paths do not call it.
func (p *Pipeline) extractEnhancedMetadata(ctx context.Context, fileID, path string, ext domain.ExtensionKind) error {
	var enhanced *domain.EnhancedMetadata
	var err error

	switch ext {
	case domain.Ext3MF:
		enhanced, err = extract3MFMetadata(path)
	case domain.ExtGcode:
		enhanced, err = extractGcodeMetadata(path)
	case domain.ExtSTL, domain.ExtOBJ:
		enhanced, err = extractMeshPhysicalMetadata(path)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileProcessingFailed, err)
	}
	if enhanced == nil {
		return nil
	}
	return p.store.SetEnhancedMetadata(ctx, fileID, enhanced)
}

// bambuProjectSettings is the subset of BambuStudio's
// Metadata/project_settings.config this extractor understands. Values are
// strings in the source file regardless of their numeric meaning.
type bambuProjectSettings struct {
	LayerHeight      string   `json:"layer_height"`
	NozzleDiameter   []string `json:"nozzle_diameter"`
	WallLoops        string   `json:"wall_loops"`
	SparseInfillRate string   `json:"sparse_infill_density"`
	BedTemperature   []string `json:"bed_temperature"`
	NozzleTemperature []string `json:"nozzle_temperature"`
	FilamentType     []string `json:"filament_type"`
}

func extract3MFMetadata(path string) (*domain.EnhancedMetadata, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open 3mf: %w", err)
	}
	defer r.Close()

	enhanced := &domain.EnhancedMetadata{}
	found := false

	for _, zf := range r.File {
		if zf.Name != "Metadata/project_settings.config" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			continue
		}
		var settings bambuProjectSettings
		decodeErr := json.NewDecoder(rc).Decode(&settings)
		rc.Close()
		if decodeErr != nil {
			continue
		}

		ps := &domain.PrintSettings{}
		if v, ok := parseFloat(settings.LayerHeight); ok {
			ps.LayerHeightMM = &v
		}
		if len(settings.NozzleDiameter) > 0 {
			if v, ok := parseFloat(settings.NozzleDiameter[0]); ok {
				ps.NozzleMM = &v
			}
		}
		if v, ok := parseInt(settings.WallLoops); ok {
			ps.WallCount = &v
		}
		if v, ok := parseFloat(settings.SparseInfillRate); ok {
			ps.InfillPercent = &v
		}
		if len(settings.BedTemperature) > 0 {
			if v, ok := parseFloat(settings.BedTemperature[0]); ok {
				ps.BedTempC = &v
			}
		}
		if len(settings.NozzleTemperature) > 0 {
			if v, ok := parseFloat(settings.NozzleTemperature[0]); ok {
				ps.NozzleTempC = &v
			}
		}
		enhanced.PrintSettings = ps

		multi := len(settings.FilamentType) > 1
		enhanced.Material = &domain.MaterialRequirements{MultiMaterial: &multi}
		found = true
	}

	if !found {
		return nil, nil
	}
	return enhanced, nil
}

// extractGcodeMetadata scans the trailing slicer-info comment block
// PrusaSlicer/BambuStudio append to sliced G-code (lines like
// "; filament used [g] = 12.34" and "; estimated printing time ... = 1h 2m").
func extractGcodeMetadata(path string) (*domain.EnhancedMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gcode: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	material := &domain.MaterialRequirements{}
	settings := &domain.PrintSettings{}
	found := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, ";"))
		key, value, ok := strings.Cut(body, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch {
		case strings.HasPrefix(key, "filament used [g]"):
			if v, ok := parseFloat(strings.Split(value, ",")[0]); ok {
				material.WeightGrams = &v
				found = true
			}
		case strings.HasPrefix(key, "filament used [mm]"):
			if v, ok := parseFloat(strings.Split(value, ",")[0]); ok {
				material.LengthMM = &v
				found = true
			}
		case key == "layer_height":
			if v, ok := parseFloat(value); ok {
				settings.LayerHeightMM = &v
				found = true
			}
		case key == "nozzle_diameter":
			if v, ok := parseFloat(strings.Split(value, ",")[0]); ok {
				settings.NozzleMM = &v
				found = true
			}
		case key == "fill_density":
			if v, ok := parseFloat(strings.TrimSuffix(value, "%")); ok {
				settings.InfillPercent = &v
				found = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan gcode: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &domain.EnhancedMetadata{Material: material, PrintSettings: settings}, nil
}

// extractMeshPhysicalMetadata derives bounding-box dimensions for binary
// STL uploads; OBJ and text STL are left nil (no lightweight parse path).
func extractMeshPhysicalMetadata(path string) (*domain.EnhancedMetadata, error) {
	w, d, h, ok := stlBoundingBox(path)
	if !ok {
		return nil, nil
	}
	return &domain.EnhancedMetadata{Physical: &domain.PhysicalProperties{
		WidthMM: &w, DepthMM: &d, HeightMM: &h,
	}}, nil
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	return v, err == nil
}
