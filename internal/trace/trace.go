// Package trace writes per-device JSON event streams for offline
// analysis of tracking behavior. Tracing activates when the
// OHMD_TRACE_DIR environment variable names a writable directory; one
// file is created per tracked device.
package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
)

// EnvTraceDir names the directory trace files are written into.
const EnvTraceDir = "OHMD_TRACE_DIR"

// Writer appends JSON records, one per line, to a device trace file.
// A nil *Writer is valid and discards everything, so callers don't
// branch on whether tracing is enabled.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewDeviceWriter opens a trace file for the named device under the
// OHMD_TRACE_DIR directory. Returns nil (tracing disabled) when the
// variable is unset or the file can't be created.
func NewDeviceWriter(deviceName string) *Writer {
	dir := os.Getenv(EnvTraceDir)
	if dir == "" {
		return nil
	}

	path := filepath.Join(dir, deviceName)
	f, err := os.Create(path)
	if err != nil {
		logging.Warnf("could not open trace file %s: %v", path, err)
		return nil
	}
	logging.Infof("opening trace file %s", path)

	return &Writer{
		file: f,
		enc:  json.NewEncoder(f),
	}
}

// Push appends one record. Safe on a nil Writer.
func (w *Writer) Push(record any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if err := w.enc.Encode(record); err != nil {
		logging.Warnf("trace write failed: %v", err)
	}
}

// Close flushes and closes the trace file. Safe on a nil Writer.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Record types, one per traced event kind. Field tags keep the on-disk
// names stable for external tooling.

// DeviceRecord describes a device coming online, including its IMU
// calibration snapshot.
type DeviceRecord struct {
	Type        string      `json:"type"` // "device"
	DeviceID    int         `json:"device-id"`
	AccelOffset [3]float32  `json:"accel-offset"`
	AccelMatrix [9]float32  `json:"accel-matrix"`
	GyroOffset  [3]float32  `json:"gyro_offset"`
	GyroMatrix  [9]float32  `json:"gyro-matrix"`
}

// IMURecord is one inertial observation.
type IMURecord struct {
	Type     string     `json:"type"` // "imu"
	LocalTS  uint64     `json:"local-ts"`
	DeviceTS uint64     `json:"device-ts"`
	DT       float32    `json:"dt"`
	AngVel   [3]float32 `json:"ang_vel"`
	Accel    [3]float32 `json:"accel"`
	Mag      [3]float32 `json:"mag"`
}

// ExposureRecord marks a camera exposure and the delay slot assigned to
// this device for it.
type ExposureRecord struct {
	Type       string `json:"type"` // "exposure"
	LocalTS    uint64 `json:"local-ts"`
	HMDTS      uint32 `json:"hmd-ts"`
	ExposureTS uint32 `json:"exposure-ts"`
	Count      uint16 `json:"count"`
	DeviceTS   uint64 `json:"device-ts"`
	DelaySlot  int    `json:"delay-slot"`
}

// FrameRecord marks frame lifecycle transitions (start/captured/release).
type FrameRecord struct {
	Type         string `json:"type"` // "frame-start" etc.
	LocalTS      uint64 `json:"local-ts"`
	FrameLocalTS uint64 `json:"frame-local-ts,omitempty"`
	Source       string `json:"source"`
	DelaySlot    int    `json:"delay-slot"`
}

// PoseRecord is one visual pose observation against a delay slot.
type PoseRecord struct {
	Type       string     `json:"type"` // "pose"
	LocalTS    uint64     `json:"local-ts"`
	DeviceTS   uint64     `json:"device-ts"`
	FrameTS    uint64     `json:"frame-device-ts"`
	FusionSlot int        `json:"frame-fusion-slot"`
	Source     string     `json:"source"`
	Pos        [3]float32 `json:"pos"`
	Orient     [4]float32 `json:"orient"`
}
