// Package bambu drives Bambu Lab printers over their local MQTT push
// protocol and FTPS file storage.
package bambu

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
)

const (
	mqttPort       = 8883
	mqttQoS        = 0
	periodicPeriod = 10 * time.Second
	staleAfter     = 5 * time.Second
	gcodeFileDir   = "/"
)

// stateTable maps Bambu's gcode_state values to the coordinator's
// normalized states.
var stateTable = map[string]domain.State{
	"IDLE":    domain.StateOnline,
	"FINISH":  domain.StateOnline,
	"PREPARE": domain.StatePrinting,
	"RUNNING": domain.StatePrinting,
	"PAUSE":   domain.StatePaused,
	"FAILED":  domain.StateError,
}

// Driver is the Bambu Lab printer driver. It maintains a long-lived MQTT
// subscription; the vendor protocol is push-based, so monitoring is driven
// by inbound messages rather than a poll loop.
type Driver struct {
	printerID  string
	host       string
	accessCode string
	serial     string

	mu        sync.RWMutex
	client    paho.Client
	data      mqttMessage
	lastSeen  time.Time
	connected bool

	callbacksMu sync.Mutex
	callbacks   []driver.StatusCallback

	monitorCancel context.CancelFunc
}

// New constructs a Bambu driver for one printer's configuration.
func New(p *domain.Printer) *Driver {
	return &Driver{
		printerID:  p.ID,
		host:       p.IPAddress,
		accessCode: p.Credentials.AccessCode,
		serial:     p.Credentials.SerialNumber,
	}
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.client != nil && d.client.IsConnected() {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", d.host, mqttPort)).
		SetClientID(fmt.Sprintf("printernizer-%s", d.printerID)).
		SetUsername("bblp").
		SetPassword(d.accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(d.onConnect).
		SetConnectionLostHandler(d.onConnectionLost).
		SetDefaultPublishHandler(d.onMessage)

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterConnectionFailed, token.Error())
	}

	d.mu.Lock()
	d.client = client
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	client := d.client
	d.connected = false
	d.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected && d.client != nil && d.client.IsConnected()
}

func (d *Driver) onConnect(client paho.Client) {
	topic := fmt.Sprintf("device/%s/report", d.serial)
	token := client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		slog.Error("bambu: failed to subscribe", "error", token.Error(), "printer_id", d.printerID)
		return
	}
	d.requestUpdate()
}

func (d *Driver) onConnectionLost(client paho.Client, err error) {
	slog.Warn("bambu: mqtt connection lost", "error", err, "printer_id", d.printerID)
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

func (d *Driver) onMessage(client paho.Client, msg paho.Message) {
	var received mqttMessage
	if err := json.Unmarshal(msg.Payload(), &received); err != nil {
		return
	}

	d.mu.Lock()
	d.mergeData(&received)
	d.lastSeen = time.Now()
	status := d.statusLocked()
	d.mu.Unlock()

	d.dispatch(status)
}

func (d *Driver) mergeData(received *mqttMessage) {
	if received.Print.GcodeFile != "" {
		d.data.Print.GcodeFile = received.Print.GcodeFile
	}
	if received.Print.SubtaskName != "" {
		d.data.Print.SubtaskName = received.Print.SubtaskName
	}
	if received.Print.GcodeState != "" {
		d.data.Print.GcodeState = received.Print.GcodeState
	}
	if received.Print.McPrintErrorCode != "" {
		d.data.Print.McPrintErrorCode = received.Print.McPrintErrorCode
	}
	if received.Print.McRemainingTime != 0 {
		d.data.Print.McRemainingTime = received.Print.McRemainingTime
	}
	if received.Print.McPercent != 0 {
		d.data.Print.McPercent = received.Print.McPercent
	}
	if received.Print.BedTemper != 0 {
		d.data.Print.BedTemper = received.Print.BedTemper
	}
	if received.Print.BedTargetTemper != 0 {
		d.data.Print.BedTargetTemper = received.Print.BedTargetTemper
	}
	if received.Print.NozzleTemper != 0 {
		d.data.Print.NozzleTemper = received.Print.NozzleTemper
	}
	if received.Print.NozzleTargetTemper != 0 {
		d.data.Print.NozzleTargetTemper = received.Print.NozzleTargetTemper
	}
}

func (d *Driver) GetStatus(ctx context.Context) domain.StatusUpdate {
	d.mu.RLock()
	stale := time.Since(d.lastSeen) > staleAfter
	status := d.statusLocked()
	d.mu.RUnlock()

	if stale {
		d.requestUpdate()
	}
	return status
}

// statusLocked builds a StatusUpdate from the current merged MQTT state.
// Caller must hold d.mu (read or write).
func (d *Driver) statusLocked() domain.StatusUpdate {
	now := time.Now()
	if !d.connected {
		return domain.StatusUpdate{PrinterID: d.printerID, State: domain.StateOffline, Timestamp: now}
	}

	state := driver.NormalizeState(d.data.Print.GcodeState, stateTable)
	progress := domain.ClampProgress(float64(d.data.Print.McPercent))

	var remaining *int
	if d.data.Print.McRemainingTime > 0 {
		r := d.data.Print.McRemainingTime
		remaining = &r
	}

	startTime := driver.DeriveStartTime(nil, elapsedMinutes(d.data.Print.McRemainingTime, progress), now)

	filename := d.data.Print.GcodeFile
	if d.data.Print.SubtaskName != "" {
		filename = d.data.Print.SubtaskName
	}

	su := domain.StatusUpdate{
		PrinterID:          d.printerID,
		State:              state,
		CurrentJobFilename: filename,
		Progress:           progress,
		RemainingMinutes:   remaining,
		PrintStartTime:     startTime,
		Timestamp:          now,
	}
	if d.data.Print.McPrintErrorCode != "" && d.data.Print.McPrintErrorCode != "0" {
		su.State = domain.StateError
		su.Message = "printer reported error code " + d.data.Print.McPrintErrorCode
	}
	// Copy temperatures rather than pointing into d.data: the pointee would
	// otherwise be mutated by the next merge after the snapshot escapes the
	// lock.
	if v := d.data.Print.BedTemper; v != 0 {
		su.BedTemp = &v
	}
	if v := d.data.Print.BedTargetTemper; v != 0 {
		su.BedTargetTemp = &v
	}
	if v := d.data.Print.NozzleTemper; v != 0 {
		su.NozzleTemp = &v
	}
	if v := d.data.Print.NozzleTargetTemper; v != 0 {
		su.NozzleTargetTemp = &v
	}
	return su
}

// elapsedMinutes has no direct signal in Bambu's payload beyond remaining
// time and percent complete; when both are known it backs out elapsed via
// remaining/(1-pct)*pct. Absent either, it returns nil rather than guessing.
func elapsedMinutes(remaining, percent int) *int {
	if remaining <= 0 || percent <= 0 || percent >= 100 {
		return nil
	}
	total := float64(remaining) * 100 / float64(100-percent)
	elapsed := int(total) - remaining
	if elapsed < 0 {
		return nil
	}
	return &elapsed
}

func (d *Driver) requestUpdate() {
	if err := d.publish(map[string]any{
		"pushing": map[string]any{"command": "pushall", "sequence_id": seqID()},
	}); err != nil {
		slog.Debug("bambu: request update failed", "error", err, "printer_id", d.printerID)
	}
}

func (d *Driver) Pause(ctx context.Context) error {
	return d.publish(map[string]any{"print": map[string]any{"command": "pause", "sequence_id": seqID()}})
}

func (d *Driver) Resume(ctx context.Context) error {
	return d.publish(map[string]any{"print": map[string]any{"command": "resume", "sequence_id": seqID()}})
}

func (d *Driver) Stop(ctx context.Context) error {
	return d.publish(map[string]any{"print": map[string]any{"command": "stop", "sequence_id": seqID()}})
}

func (d *Driver) publish(cmd map[string]any) error {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: not connected", domain.ErrPrinterCommandFailed)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: marshal command: %v", domain.ErrPrinterCommandFailed, err)
	}

	topic := fmt.Sprintf("device/%s/request", d.serial)
	token := client.Publish(topic, mqttQoS, false, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterCommandFailed, token.Error())
	}
	return nil
}

func seqID() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) }

func (d *Driver) ListFiles(ctx context.Context) ([]driver.RemoteFile, error) {
	client := newFTPClient(d.host, d.accessCode, 10*time.Second)
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPrinterConnectionFailed, err)
	}
	defer client.close()

	entries, err := client.list(gcodeFileDir)
	if err != nil {
		return nil, fmt.Errorf("bambu: list files: %w", err)
	}

	out := make([]driver.RemoteFile, 0, len(entries))
	for _, e := range entries {
		if !hasKnownExtension(e.Name) {
			continue
		}
		out = append(out, driver.RemoteFile{Filename: e.Name, Size: e.Size, Path: e.Name})
	}
	return out, nil
}

func hasKnownExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".3mf", ".gcode", ".bgcode"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// DownloadFile fetches filename from the printer's SD card over FTPS. It
// refuses payloads that look like JSON rather than binary by sniffing the
// first bytes once downloaded.
func (d *Driver) DownloadFile(ctx context.Context, filename, localPath string) error {
	client := newFTPClient(d.host, d.accessCode, 30*time.Second)
	if err := client.connect(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrinterConnectionFailed, err)
	}
	defer client.close()

	tmp, err := os.CreateTemp("", "bambu-download-*")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := client.retrieve(filename, tmp, nil); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	tmp.Close()

	if err := rejectJSONPayload(tmpPath); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		return fmt.Errorf("%w: move downloaded file: %v", domain.ErrFileDownloadFailed, err)
	}
	return nil
}

func rejectJSONPayload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFileDownloadFailed, err)
	}
	defer f.Close()

	head := make([]byte, 32)
	n, _ := f.Read(head)
	trimmed := bytes.TrimSpace(head[:n])
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return fmt.Errorf("%w: response looks like JSON metadata, not binary content", domain.ErrFileDownloadFailed)
	}
	return nil
}

func (d *Driver) HasCamera() bool { return d.accessCode != "" }

func (d *Driver) CameraStreamURL() (string, bool) {
	if d.accessCode == "" {
		return "", false
	}
	return fmt.Sprintf("rtsps://bblp:%s@%s:322/streaming/live/1", d.accessCode, d.host), true
}

// TakeSnapshot is not supported: extracting a single frame requires
// decoding the RTSPS stream, which this driver does not implement.
func (d *Driver) TakeSnapshot(ctx context.Context) ([]byte, bool, error) {
	return nil, false, nil
}

func (d *Driver) AddStatusCallback(cb driver.StatusCallback) {
	d.callbacksMu.Lock()
	defer d.callbacksMu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

func (d *Driver) dispatch(status domain.StatusUpdate) {
	d.callbacksMu.Lock()
	callbacks := append([]driver.StatusCallback(nil), d.callbacks...)
	d.callbacksMu.Unlock()

	for _, cb := range callbacks {
		cb(status)
	}
}

// StartMonitoring only starts the periodic pushall nudge: the MQTT
// subscription established by Connect already drives callbacks as messages
// arrive, but some firmware stops pushing deltas until prompted.
func (d *Driver) StartMonitoring(ctx context.Context) error {
	monitorCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.monitorCancel = cancel
	d.mu.Unlock()

	go d.periodicRefresh(monitorCtx)
	return nil
}

func (d *Driver) StopMonitoring() {
	d.mu.Lock()
	cancel := d.monitorCancel
	d.monitorCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Driver) periodicRefresh(ctx context.Context) {
	ticker := time.NewTicker(periodicPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.requestUpdate()
		}
	}
}

// mqttMessage is the subset of Bambu's push protocol payload the
// coordinator understands.
type mqttMessage struct {
	Print struct {
		GcodeFile          string  `json:"gcode_file"`
		SubtaskName        string  `json:"subtask_name"`
		GcodeState         string  `json:"gcode_state"`
		McPrintErrorCode   string  `json:"mc_print_error_code"`
		McRemainingTime    int     `json:"mc_remaining_time"`
		McPercent          int     `json:"mc_percent"`
		BedTemper          float64 `json:"bed_temper"`
		BedTargetTemper    float64 `json:"bed_target_temper"`
		NozzleTemper       float64 `json:"nozzle_temper"`
		NozzleTargetTemper float64 `json:"nozzle_target_temper"`
	} `json:"print"`
}

var _ driver.Driver = (*Driver)(nil)
