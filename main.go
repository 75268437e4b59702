// Printernizer is the fleet coordinator for a mixed stable of network
// 3D printers. It owns the live state of every configured printer, polls or
// subscribes to each one over its native protocol, and reacts to print
// lifecycle transitions: auto-created job records, auto-downloaded files,
// extracted thumbnails, and status fan-out to subscribers.
package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/engine/db"
	"github.com/printernizer/printernizer/internal/autojob"
	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/config"
	"github.com/printernizer/printernizer/internal/connmgr"
	"github.com/printernizer/printernizer/internal/filepipeline"
	"github.com/printernizer/printernizer/internal/monitor"
	"github.com/printernizer/printernizer/internal/store"
)

// discoveryInterval paces the periodic file discovery sweep across the
// fleet. The sweep is the only caller of Discover here, so this bounds how
// stale the file index can get.
const discoveryInterval = 5 * time.Minute

// auditRetention bounds the coordinator_events trail.
const auditRetention = 90 * 24 * time.Hour

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The MQTT library logs through the stdlib log package; silence it
	// since everything here uses slog.
	log.SetOutput(io.Discard)

	cfg, err := config.LoadEngine()
	if err != nil {
		panic(err)
	}

	printers, err := config.LoadPrinters(cfg.PrinterConfigPath, os.Environ())
	if err != nil {
		// Startup configuration validation failures must terminate non-zero.
		panic(err)
	}

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		panic(err)
	}

	st := store.New(database)
	b := bus.New()
	audit := engine.NewEventLogger(database)
	subscribeAudit(b, audit)

	aj := autojob.New(st, b)
	cm := connmgr.New(st, b, cfg.MonitoringInterval, nil)
	pipeline := filepipeline.New(st, b, cm, filepipeline.Config{
		DownloadsRoot: cfg.DownloadsPath,
		LibraryRoot:   cfg.LibraryRoot,
	})
	mon := monitor.New(st, b, aj, cm, pipeline, cfg.JobCreationAutoCreate)
	cm.SetStatusHandler(mon)
	pipeline.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cm.LoadPrinters(ctx, printers); err != nil {
		panic(err)
	}
	cm.StartAll(ctx)

	if cfg.WatchFolderPath != "" {
		if err := pipeline.StartWatchFolder(ctx, cfg.WatchFolderPath); err != nil {
			slog.Error("failed to start watch folder", "error", err, "path", cfg.WatchFolderPath)
		}
	}

	procs := &engine.ProcMgr{}

	if cfg.DiscoveryEnabled {
		delay := cfg.DiscoveryStartupDelay()
		if !cfg.DiscoveryRunOnStartup {
			delay = discoveryInterval
		}
		procs.Add(engine.PollDelayed(delay, discoveryInterval, func(ctx context.Context) bool {
			scanCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DiscoveryTimeoutSeconds)*time.Second)
			defer cancel()
			per, _, _ := cm.HealthCheck()
			for id, health := range per {
				if !health.Connected {
					continue
				}
				if err := pipeline.Discover(scanCtx, id); err != nil {
					slog.Error("file discovery failed", "error", err, "printer_id", id)
				}
			}
			return false
		}))
	}

	// Thumbnail backlog: catches up on downloaded files whose processing
	// event was lost to a restart. Rate-limited so archive parsing can't
	// crowd out status handling.
	backlog := filepipeline.NewThumbnailBacklog(pipeline, time.Hour)
	procs.Add(engine.Poll(time.Minute, engine.PollWorkqueue(engine.WithRateLimiting[*filepipeline.SweepItem](backlog, 2))))

	procs.Add(engine.Poll(time.Hour, func(ctx context.Context) bool {
		pipeline.CleanupDownloadStatus(24 * time.Hour)
		return false
	}))

	procs.Add(engine.Poll(24*time.Hour, engine.Cleanup(database, "coordinator events",
		"DELETE FROM coordinator_events WHERE created < strftime('%s','now') - ?", int64(auditRetention.Seconds()))))

	procs.Run(ctx)

	// Context canceled: drain every component under its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cm.Shutdown(shutdownCtx)
	mon.Shutdown(5 * time.Second)
	pipeline.Shutdown(10 * time.Second)
}

// subscribeAudit translates the bus topics worth keeping into the durable
// coordinator_events trail. Audit rows are written by a subscriber rather
// than by the publishing components so a slow disk can never stall a status
// callback.
func subscribeAudit(b bus.Bus, audit *engine.EventLogger) {
	str := func(e bus.Event, key string) string {
		v, _ := e.Payload[key].(string)
		return v
	}

	b.Subscribe(bus.TopicPrinterConnected, func(ctx context.Context, e bus.Event) {
		audit.LogEvent(ctx, "connection", str(e, "printer_id"), "connected", e.ID, "", true, "")
	})
	b.Subscribe(bus.TopicPrinterDisconnected, func(ctx context.Context, e bus.Event) {
		audit.LogEvent(ctx, "connection", str(e, "printer_id"), "disconnected", e.ID, "", true, "")
	})
	b.Subscribe(bus.TopicFileDownloadComplete, func(ctx context.Context, e bus.Event) {
		audit.LogEvent(ctx, "filepipeline", str(e, "printer_id"), "download_complete", e.ID, str(e, "filename"), true, str(e, "local_path"))
	})
	b.Subscribe(bus.TopicFileDownloadFailed, func(ctx context.Context, e bus.Event) {
		audit.LogEvent(ctx, "filepipeline", str(e, "printer_id"), "download_failed", e.ID, str(e, "filename"), false, str(e, "error"))
	})
	b.Subscribe(bus.TopicJobAutoCreated, func(ctx context.Context, e bus.Event) {
		audit.LogEvent(ctx, "autojob", str(e, "printer_id"), "job_created", e.ID, str(e, "filename"), true, "")
	})
}
