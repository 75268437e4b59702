package connmgr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
)

// snapshotInterval paces the snapshot-polling fallback for cameras without
// an HTTP stream endpoint.
const snapshotInterval = time.Second

// CameraStream returns the shared stream mux for printerID's webcam,
// creating it lazily. All viewers of one printer share a single vendor
// connection; the camera is only contacted while at least one viewer is
// subscribed.
func (m *Manager) CameraStream(printerID string) (*engine.StreamMux, error) {
	m.camMu.Lock()
	defer m.camMu.Unlock()

	if mux, ok := m.cameras[printerID]; ok {
		return mux, nil
	}

	drv, ok := m.GetDriver(printerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPrinterNotFound, printerID)
	}
	if !drv.HasCamera() {
		return nil, fmt.Errorf("%w: printer %s has no camera", domain.ErrPrinterCommandFailed, printerID)
	}

	mux := engine.NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		return m.openCameraSource(ctx, printerID)
	})
	m.cameras[printerID] = mux
	return mux, nil
}

// openCameraSource resolves the driver fresh on every stream start so a
// reconfigured printer streams from its new endpoint. HTTP(S) camera URLs
// (external webcams, Prusa MJPEG endpoints) stream the response body
// directly; anything else falls back to polling TakeSnapshot.
func (m *Manager) openCameraSource(ctx context.Context, printerID string) (io.ReadCloser, error) {
	drv, ok := m.GetDriver(printerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPrinterNotFound, printerID)
	}

	if url, ok := drv.CameraStreamURL(); ok && strings.HasPrefix(url, "http") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build camera request: %w", err)
		}
		// No total timeout: this is a live stream, cut only by the context.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: open camera stream: %v", domain.ErrPrinterConnectionFailed, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: camera stream returned %d", domain.ErrPrinterConnectionFailed, resp.StatusCode)
		}
		return resp.Body, nil
	}

	return snapshotPollingSource(ctx, drv), nil
}

// snapshotPollingSource adapts a snapshot-only camera into a byte stream by
// polling one frame per interval into a pipe.
func snapshotPollingSource(ctx context.Context, drv driver.Driver) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			frame, ok, err := drv.TakeSnapshot(ctx)
			if err != nil || !ok || len(frame) == 0 {
				continue
			}
			if _, err := pw.Write(frame); err != nil {
				return
			}
		}
	}()
	return pr
}

// dropCameraMux forgets printerID's camera mux; active subscribers keep
// their stream until the source errors, new subscribers get a fresh mux.
func (m *Manager) dropCameraMux(printerID string) {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	delete(m.cameras, printerID)
}
