package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Engine holds the coordinator's own tunables, parsed from the process
// environment. Printer configuration is loaded separately via LoadPrinters
// since it has a dynamic per-printer shape env can't express directly.
type Engine struct {
	MonitoringInterval           time.Duration `env:"MONITORING_INTERVAL" envDefault:"5s"`
	ConnectionTimeout            time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"10s"`
	DownloadsPath                string        `env:"DOWNLOADS_PATH" envDefault:"./downloads"`
	DiscoveryEnabled             bool          `env:"DISCOVERY_ENABLED" envDefault:"true"`
	DiscoveryTimeoutSeconds      int           `env:"DISCOVERY_TIMEOUT_SECONDS" envDefault:"30"`
	DiscoveryRunOnStartup        bool          `env:"DISCOVERY_RUN_ON_STARTUP" envDefault:"true"`
	DiscoveryStartupDelaySeconds int           `env:"DISCOVERY_STARTUP_DELAY_SECONDS" envDefault:"5"`
	JobCreationAutoCreate        bool          `env:"JOB_CREATION_AUTO_CREATE" envDefault:"true"`
	PrinterConfigPath            string        `env:"PRINTER_CONFIG_PATH" envDefault:"./printers.json"`
	DatabasePath                 string        `env:"DATABASE_PATH" envDefault:"./printernizer.db"`
	LibraryRoot                  string        `env:"LIBRARY_ROOT" envDefault:""`
	WatchFolderPath              string        `env:"WATCH_FOLDER_PATH" envDefault:""`
	UploadEnabled                bool          `env:"UPLOAD_ENABLED" envDefault:"true"`
	UploadMaxFileMB              int64         `env:"UPLOAD_MAX_FILE_MB" envDefault:"200"`
}

// DiscoveryStartupDelay returns the startup delay as a duration.
func (e *Engine) DiscoveryStartupDelay() time.Duration {
	return time.Duration(e.DiscoveryStartupDelaySeconds) * time.Second
}

// LoadEngine parses the engine-level environment variables listed in the
// external interfaces contract.
func LoadEngine() (*Engine, error) {
	var cfg Engine
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	return &cfg, nil
}
