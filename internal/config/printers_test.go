package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/domain"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printers.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadPrinters_FromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"version": 1,
		"printers": {
			"bedroom": {"name": "Bedroom X1C", "kind": "bambu_lab", "ip_address": "192.168.1.50", "access_code": "1234", "serial_number": "ABC123"},
			"garage": {"name": "Garage MK4", "kind": "prusa_core", "ip_address": "192.168.1.60", "api_key": "secret"}
		}
	}`)

	printers, err := LoadPrinters(path, nil)
	require.NoError(t, err)
	require.Len(t, printers, 2)
	assert.Equal(t, domain.VendorBambuLab, printers["bedroom"].Kind)
	assert.True(t, printers["bedroom"].Active)
	assert.Equal(t, "secret", printers["garage"].Credentials.APIKey)
}

func TestLoadPrinters_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"version": 1,
		"printers": {
			"bedroom": {"name": "Bedroom X1C", "kind": "bambu_lab", "ip_address": "192.168.1.50", "access_code": "old", "serial_number": "ABC123"}
		}
	}`)

	environ := []string{
		"PRINTERNIZER_PRINTER_bedroom_ACCESS_CODE=new",
		"PRINTERNIZER_PRINTER_bedroom_ACTIVE=no",
		"IRRELEVANT=1",
	}

	printers, err := LoadPrinters(path, environ)
	require.NoError(t, err)
	assert.Equal(t, "new", printers["bedroom"].Credentials.AccessCode)
	assert.False(t, printers["bedroom"].Active)
}

func TestLoadPrinters_EnvOnlyDefinesNewPrinter(t *testing.T) {
	environ := []string{
		"PRINTERNIZER_PRINTER_garage_IP_ADDRESS=192.168.1.70",
		"PRINTERNIZER_PRINTER_garage_API_KEY=key123",
	}

	printers, err := LoadPrinters("", environ)
	require.NoError(t, err)
	require.Contains(t, printers, "garage")
	assert.Equal(t, domain.VendorPrusaCore, printers["garage"].Kind)
}

func TestLoadPrinters_MissingFileIsNotAnError(t *testing.T) {
	printers, err := LoadPrinters(filepath.Join(t.TempDir(), "missing.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, printers)
}

func TestLoadPrinters_InvalidCredentialsRejected(t *testing.T) {
	path := writeConfigFile(t, `{
		"version": 1,
		"printers": {
			"bedroom": {"name": "Bedroom X1C", "kind": "bambu_lab", "ip_address": "192.168.1.50"}
		}
	}`)

	_, err := LoadPrinters(path, nil)
	require.ErrorIs(t, err, domain.ErrConfigurationInvalid)
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("true"))
	assert.True(t, parseBool("1"))
	assert.True(t, parseBool("Yes"))
	assert.True(t, parseBool("on"))
	assert.False(t, parseBool("false"))
	assert.False(t, parseBool(""))
}
