package connmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printernizer/printernizer/internal/domain"
)

func loadCameraPrinter(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.LoadPrinters(context.Background(), map[string]*domain.Printer{"p1": {
		ID: "p1", Name: "Test", Kind: domain.VendorBambuLab, IPAddress: "1.2.3.4",
		Credentials: domain.Credentials{AccessCode: "x", SerialNumber: "y"}, Active: true,
	}}))
}

func TestCameraStream_NoCamera(t *testing.T) {
	fd := &fakeDriver{}
	m, _ := newTestManager(t, fd)
	loadCameraPrinter(t, m)

	_, err := m.CameraStream("p1")
	require.ErrorIs(t, err, domain.ErrPrinterCommandFailed)

	_, err = m.CameraStream("missing")
	require.ErrorIs(t, err, domain.ErrPrinterNotFound)
}

func TestCameraStream_SharedMux(t *testing.T) {
	fd := &fakeDriver{hasCamera: true, streamURL: "http://example.invalid/stream"}
	m, _ := newTestManager(t, fd)
	loadCameraPrinter(t, m)

	mux1, err := m.CameraStream("p1")
	require.NoError(t, err)
	mux2, err := m.CameraStream("p1")
	require.NoError(t, err)
	require.Same(t, mux1, mux2, "viewers of one printer share one mux")

	m.dropCameraMux("p1")
	mux3, err := m.CameraStream("p1")
	require.NoError(t, err)
	require.NotSame(t, mux1, mux3)
}

func TestCameraStream_HTTPSource(t *testing.T) {
	frame := []byte("\xff\xd8 fake mjpeg bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(frame)
	}))
	defer srv.Close()

	fd := &fakeDriver{hasCamera: true, streamURL: srv.URL}
	m, _ := newTestManager(t, fd)
	loadCameraPrinter(t, m)

	mux, err := m.CameraStream("p1")
	require.NoError(t, err)

	ch := mux.Subscribe()
	require.NotNil(t, ch)
	select {
	case got := <-ch:
		require.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for camera frame")
	}
	for range ch {
	}
}

func TestCameraStream_SnapshotFallback(t *testing.T) {
	fd := &fakeDriver{hasCamera: true, snapshot: []byte("snapshot frame")}
	m, _ := newTestManager(t, fd)
	loadCameraPrinter(t, m)

	mux, err := m.CameraStream("p1")
	require.NoError(t, err)

	ch := mux.Subscribe()
	require.NotNil(t, ch)
	select {
	case got := <-ch:
		require.Equal(t, []byte("snapshot frame"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for snapshot frame")
	}
	mux.Unsubscribe(ch)
	require.Eventually(t, func() bool { return !mux.Running() }, time.Second, 10*time.Millisecond)
}
