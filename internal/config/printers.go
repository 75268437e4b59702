// Package config loads the fleet coordinator's printer configuration and
// engine-level settings from their external sources: a JSON file layered
// with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/printernizer/printernizer/internal/domain"
)

// PrinterEntry is the on-disk shape of one printer inside the configuration
// file's printers map.
type PrinterEntry struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	IPAddress    string `json:"ip_address"`
	APIKey       string `json:"api_key,omitempty"`
	AccessCode   string `json:"access_code,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Active       *bool  `json:"active,omitempty"`
	WebcamURL    string `json:"webcam_url,omitempty"`
	Location     string `json:"location,omitempty"`
	Description  string `json:"description,omitempty"`
}

// File is the top-level shape of the printer configuration file.
type File struct {
	Version   int                     `json:"version"`
	UpdatedAt time.Time               `json:"updated_at"`
	Printers  map[string]PrinterEntry `json:"printers"`
}

// envVarPattern matches PRINTERNIZER_PRINTER_<ID>_<FIELD> environment
// variables. ID and FIELD are both uppercased with underscores; we split on
// the last recognized field suffix since IDs themselves may contain
// underscores.
var envVarPattern = regexp.MustCompile(`^PRINTERNIZER_PRINTER_(.+)_(IP_ADDRESS|API_KEY|ACCESS_CODE|SERIAL_NUMBER|ACTIVE)$`)

// LoadPrinters reads path (if it exists) and layers environment variable
// overrides on top, returning validated domain.Printer values keyed by id.
// A missing file is not an error: environment variables alone may define
// the whole fleet.
func LoadPrinters(path string, environ []string) (map[string]*domain.Printer, error) {
	entries := map[string]PrinterEntry{}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f File
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigurationInvalid, path, err)
			}
			entries = f.Printers
		case os.IsNotExist(err):
			// no file; environment variables may still define printers
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnvOverrides(entries, environ)

	out := make(map[string]*domain.Printer, len(entries))
	for id, e := range entries {
		p := entryToPrinter(id, e)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("printer %q: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}

func applyEnvOverrides(entries map[string]PrinterEntry, environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m := envVarPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		id, field := m[1], m[2]
		if _, ok := entries[id]; !ok {
			// Env var names are conventionally uppercase; fold onto an
			// existing file entry whose id differs only by case.
			if _, ok := entries[strings.ToLower(id)]; ok {
				id = strings.ToLower(id)
			}
		}

		e := entries[id]
		switch field {
		case "IP_ADDRESS":
			e.IPAddress = value
		case "API_KEY":
			e.APIKey = value
		case "ACCESS_CODE":
			e.AccessCode = value
		case "SERIAL_NUMBER":
			e.SerialNumber = value
		case "ACTIVE":
			active := parseBool(value)
			e.Active = &active
		}
		entries[id] = e
	}
}

// parseBool accepts the coordinator's boolean vocabulary: true, 1, yes, on
// (case-insensitive). Anything else is false.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func entryToPrinter(id string, e PrinterEntry) *domain.Printer {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	kind := domain.VendorKind(e.Kind)
	if kind == "" {
		// Infer from whichever credential fields are populated when the
		// file/env omits kind explicitly.
		if e.AccessCode != "" || e.SerialNumber != "" {
			kind = domain.VendorBambuLab
		} else {
			kind = domain.VendorPrusaCore
		}
	}
	return &domain.Printer{
		ID:        id,
		Name:      e.Name,
		Kind:      kind,
		IPAddress: e.IPAddress,
		Credentials: domain.Credentials{
			AccessCode:   e.AccessCode,
			SerialNumber: e.SerialNumber,
			APIKey:       e.APIKey,
		},
		WebcamURL:   e.WebcamURL,
		Location:    e.Location,
		Description: e.Description,
		Active:      active,
	}
}
