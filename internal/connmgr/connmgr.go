// Package connmgr is the fleet coordinator's connection manager: it owns
// the driver instance registry exclusively, loads
// printer configuration, and brokers connect/disconnect/health and control
// commands to the right driver.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/internal/bus"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
	"github.com/printernizer/printernizer/internal/driver/bambu"
	"github.com/printernizer/printernizer/internal/driver/prusa"
	"github.com/printernizer/printernizer/internal/store"
)

// StatusHandler is the monitor's contract as seen by the connection
// manager: a single place status updates are handed off to, with an
// explicit startup flag for the combined connect-and-monitor path.
// Depending on the interface rather than *monitor.Monitor keeps the two
// packages from importing each other.
type StatusHandler interface {
	HandleStatus(ctx context.Context, status domain.StatusUpdate, isStartup bool)
}

// DriverFactory builds a driver for a printer configuration. Exposed for
// tests to substitute a fake driver; production code uses NewDriver.
type DriverFactory func(p *domain.Printer, pollInterval time.Duration) (driver.Driver, error)

// NewDriver is the production DriverFactory: it switches on vendor kind and
// is the only place that knows about the concrete bambu/prusa packages.
func NewDriver(p *domain.Printer, pollInterval time.Duration) (driver.Driver, error) {
	switch p.Kind {
	case domain.VendorBambuLab:
		return bambu.New(p), nil
	case domain.VendorPrusaCore:
		return prusa.New(p, pollInterval), nil
	default:
		return nil, fmt.Errorf("%w: unknown vendor kind %q", domain.ErrConfigurationInvalid, p.Kind)
	}
}

// HealthStatus is the per-printer health-check result.
type HealthStatus struct {
	Connected bool
	Healthy   bool
}

// Manager owns every live driver instance. All driver access from the rest
// of the coordinator goes through it; nothing else may create or destroy a
// driver.
type Manager struct {
	store        store.Store
	bus          bus.Bus
	factory      DriverFactory
	pollInterval time.Duration
	handler      StatusHandler

	mu       sync.RWMutex
	drivers  map[string]driver.Driver
	printers map[string]*domain.Printer

	camMu   sync.Mutex
	cameras map[string]*engine.StreamMux
}

// New constructs an empty Manager. SetStatusHandler must be called before
// ConnectAndMonitor is used.
func New(st store.Store, b bus.Bus, pollInterval time.Duration, factory DriverFactory) *Manager {
	if factory == nil {
		factory = NewDriver
	}
	return &Manager{
		store:        st,
		bus:          b,
		factory:      factory,
		pollInterval: pollInterval,
		drivers:      make(map[string]driver.Driver),
		printers:     make(map[string]*domain.Printer),
		cameras:      make(map[string]*engine.StreamMux),
	}
}

// SetStatusHandler wires the monitor. Called once during startup wiring.
func (m *Manager) SetStatusHandler(h StatusHandler) { m.handler = h }

// GetDriver resolves a printer id to its live driver instance. Readers get
// a snapshot reference; the registry itself changes rarely enough that a
// stale pointer handed out just before a concurrent delete is an accepted
// race.
func (m *Manager) GetDriver(printerID string) (driver.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[printerID]
	return d, ok
}

// LoadPrinters registers one driver per active printer configuration
// without connecting them. Call StartAll afterward to connect in parallel.
func (m *Manager) LoadPrinters(ctx context.Context, printers map[string]*domain.Printer) error {
	for id, p := range printers {
		if !p.Active {
			continue
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("printer %q: %w", id, err)
		}
		if err := m.store.UpsertPrinter(ctx, p); err != nil {
			return fmt.Errorf("upsert printer %q: %w", id, err)
		}
		drv, err := m.factory(p, m.pollInterval)
		if err != nil {
			return fmt.Errorf("create driver for %q: %w", id, err)
		}

		m.mu.Lock()
		m.drivers[id] = drv
		m.printers[id] = p
		m.mu.Unlock()
	}
	return nil
}

// StartAll launches ConnectAndMonitor for every registered printer in
// parallel and does not wait for any of them before returning — connecting
// N printers at startup must not block serving traffic.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		go func(printerID string) {
			if err := m.ConnectAndMonitor(ctx, printerID); err != nil {
				slog.Error("connmgr: startup connect failed", "error", err, "printer_id", printerID)
			}
		}(id)
	}
}

// ConnectAndMonitor is the combined startup path: connect with
// progress events on the bus, read one status and hand it to the status
// handler as a startup observation (so auto-job can recreate a job for a
// print already underway), then register the ongoing callback and start
// monitoring. Used both at process startup and after a printer's
// configuration is updated.
func (m *Manager) ConnectAndMonitor(ctx context.Context, printerID string) error {
	drv, ok := m.GetDriver(printerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPrinterNotFound, printerID)
	}

	m.publishProgress(ctx, printerID, "connecting")
	if err := drv.Connect(ctx); err != nil {
		m.publishProgress(ctx, printerID, "failed")
		return fmt.Errorf("connmgr: connect %s: %w", printerID, err)
	}
	m.publishProgress(ctx, printerID, "connected")

	if err := m.store.TouchLastSeen(ctx, printerID, time.Now().Unix()); err != nil {
		slog.Error("connmgr: failed to touch last_seen", "error", err, "printer_id", printerID)
	}
	m.bus.Publish(ctx, bus.TopicPrinterConnected, map[string]any{"printer_id": printerID})

	if m.handler != nil {
		initial := drv.GetStatus(ctx)
		m.handler.HandleStatus(ctx, initial, true)

		drv.AddStatusCallback(func(s domain.StatusUpdate) {
			m.handler.HandleStatus(context.Background(), s, false)
		})
	}

	if err := drv.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("connmgr: start monitoring %s: %w", printerID, err)
	}
	m.publishProgress(ctx, printerID, "monitoring")
	m.bus.Publish(ctx, bus.TopicPrinterMonitoringStarted, map[string]any{"printer_id": printerID})
	return nil
}

func (m *Manager) publishProgress(ctx context.Context, printerID, phase string) {
	m.bus.Publish(ctx, bus.TopicPrinterConnectionProgress, map[string]any{"printer_id": printerID, "phase": phase})
}

// Disconnect stops monitoring and disconnects printerID's driver. Idempotent.
func (m *Manager) Disconnect(ctx context.Context, printerID string) error {
	drv, ok := m.GetDriver(printerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPrinterNotFound, printerID)
	}
	drv.StopMonitoring()
	if err := drv.Disconnect(); err != nil {
		return fmt.Errorf("connmgr: disconnect %s: %w", printerID, err)
	}
	if err := m.store.TouchLastSeen(ctx, printerID, time.Now().Unix()); err != nil {
		slog.Error("connmgr: failed to touch last_seen on disconnect", "error", err, "printer_id", printerID)
	}
	m.bus.Publish(ctx, bus.TopicPrinterDisconnected, map[string]any{"printer_id": printerID})
	return nil
}

// HealthCheck returns per-printer connectivity plus aggregate counts.
func (m *Manager) HealthCheck() (per map[string]HealthStatus, connectedCount, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	per = make(map[string]HealthStatus, len(m.drivers))
	for id, drv := range m.drivers {
		connected := drv.IsConnected()
		per[id] = HealthStatus{Connected: connected, Healthy: connected}
		if connected {
			connectedCount++
		}
	}
	return per, connectedCount, len(m.drivers)
}

// Shutdown disconnects every driver. Per-driver errors are logged, never
// re-raised.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Disconnect(ctx, id); err != nil {
				slog.Error("connmgr: shutdown disconnect failed", "error", err, "printer_id", id)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// TestConnection creates a temporary driver from a candidate configuration,
// attempts Connect, and tears it down without ever touching the registry
//.
func (m *Manager) TestConnection(ctx context.Context, candidate *domain.Printer) (ok bool, message string, responseTime time.Duration) {
	if err := candidate.Validate(); err != nil {
		return false, err.Error(), 0
	}

	drv, err := m.factory(candidate, m.pollInterval)
	if err != nil {
		return false, err.Error(), 0
	}

	start := time.Now()
	err = drv.Connect(ctx)
	elapsed := time.Since(start)
	defer drv.Disconnect()

	if err != nil {
		return false, err.Error(), elapsed
	}
	return true, "connected successfully", elapsed
}

// CreatePrinter validates and persists a new printer, then registers and
// connects its driver via ConnectAndMonitor.
func (m *Manager) CreatePrinter(ctx context.Context, p *domain.Printer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := m.store.UpsertPrinter(ctx, p); err != nil {
		return fmt.Errorf("connmgr: create printer: %w", err)
	}

	drv, err := m.factory(p, m.pollInterval)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.drivers[p.ID] = drv
	m.printers[p.ID] = p
	m.mu.Unlock()

	if p.Active {
		return m.ConnectAndMonitor(ctx, p.ID)
	}
	return nil
}

// UpdatePrinter replaces printerID's configuration and reconnects its
// driver with the new settings.
func (m *Manager) UpdatePrinter(ctx context.Context, p *domain.Printer) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if old, ok := m.GetDriver(p.ID); ok {
		old.StopMonitoring()
		_ = old.Disconnect()
	}
	m.dropCameraMux(p.ID)

	if err := m.store.UpsertPrinter(ctx, p); err != nil {
		return fmt.Errorf("connmgr: update printer: %w", err)
	}

	drv, err := m.factory(p, m.pollInterval)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.drivers[p.ID] = drv
	m.printers[p.ID] = p
	m.mu.Unlock()

	if p.Active {
		return m.ConnectAndMonitor(ctx, p.ID)
	}
	return nil
}

// DeletePrinter removes printerID's driver and store row. It refuses when
// active jobs exist unless force is set.
func (m *Manager) DeletePrinter(ctx context.Context, printerID string, force bool) error {
	if !force {
		jobs, err := m.store.ListJobs(ctx, store.JobFilter{PrinterID: printerID, Statuses: domain.ActiveJobStatuses, Limit: 1})
		if err != nil {
			return fmt.Errorf("connmgr: check active jobs: %w", err)
		}
		if len(jobs) > 0 {
			return fmt.Errorf("%w: printer %s has active jobs", domain.ErrActiveJobsPresent, printerID)
		}
	}

	if drv, ok := m.GetDriver(printerID); ok {
		drv.StopMonitoring()
		_ = drv.Disconnect()
	}
	m.dropCameraMux(printerID)

	m.mu.Lock()
	delete(m.drivers, printerID)
	delete(m.printers, printerID)
	m.mu.Unlock()

	if err := m.store.DeletePrinter(ctx, printerID); err != nil {
		return fmt.Errorf("connmgr: delete printer: %w", err)
	}
	return nil
}
