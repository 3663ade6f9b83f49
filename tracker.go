// Package rift implements the multi-camera 6DoF tracking core of an HMD
// driver: it fuses inertial updates from each tracked device with visual
// pose observations made by external cameras, coordinating the two
// through exposure events and per-device delay slots so that visual
// corrections land against the filter state they were actually captured
// from.
package rift

import (
	"sync"
	"time"

	"github.com/RSDNTWK/go-rift-tracker/internal/config"
	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
	"github.com/RSDNTWK/go-rift-tracker/internal/trace"
)

// Sensor is one tracking camera as seen by the coordinator. Notification
// methods are invoked outside the tracker lock, so implementations may
// call back into the tracker.
type Sensor interface {
	// Serial identifies the camera for configuration lookup.
	Serial() string

	// SetPose places the camera in room space.
	SetPose(pose maths.Pose)

	// AddDevice registers a newly tracked device with the camera's
	// vision pipeline.
	AddDevice(dev *TrackedDevice) error

	// UpdateExposure hands the camera the newest exposure snapshot so it
	// can tag the next frame it begins receiving.
	UpdateExposure(info *ExposureInfo)

	// Stop halts capture and releases camera resources.
	Stop()
}

// Options tunes tracker construction.
type Options struct {
	// Observer receives tracking events; nil means metrics-only.
	Observer Observer

	// Clock returns host monotonic nanoseconds. Tests override it.
	Clock func() uint64
}

// Tracker owns the device and sensor rosters, broadcasts exposure and
// frame lifecycle events, and mediates the two-level lock hierarchy:
// the tracker lock guards the rosters and the exposure snapshot, each
// device lock guards that device's state. The tracker lock is always
// taken first; sensor notifications are issued with it dropped.
type Tracker struct {
	mu  sync.Mutex
	log *logging.Logger

	cfg      *config.TrackerConfig
	metrics  *Metrics
	observer Observer
	clock    func() uint64

	haveExposure bool
	exposure     ExposureInfo

	devices []*TrackedDevice
	sensors []Sensor

	closed bool
}

// NewTracker creates a tracker using the given configuration. A nil
// config uses defaults.
func NewTracker(cfg *config.TrackerConfig, opts *Options) *Tracker {
	if cfg == nil {
		cfg = config.Default()
	}
	t := &Tracker{
		log:     logging.Scope("tracker"),
		cfg:     cfg,
		metrics: NewMetrics(),
		clock:   monotonicClock,
	}
	t.observer = NewMetricsObserver(t.metrics)
	if opts != nil {
		if opts.Observer != nil {
			t.observer = opts.Observer
		}
		if opts.Clock != nil {
			t.clock = opts.Clock
		}
	}
	return t
}

// Metrics returns the tracker's metrics instance.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// AddDevice registers a tracked body. imuPose maps fusion (IMU) space
// onto the device frame; modelPose maps the LED model frame onto the
// device frame. Both are fixed rigid transforms.
func (t *Tracker) AddDevice(id int, imuPose, modelPose maths.Pose, leds []LED, calib IMUCalibration) (*TrackedDevice, error) {
	t.mu.Lock()
	if len(t.devices) >= MaxTrackedDevices {
		t.mu.Unlock()
		return nil, NewDeviceError("AddDevice", id, ErrCodeRosterFull, "too many tracked devices")
	}

	dev := newTrackedDevice(id, len(t.devices), imuPose, modelPose, leds, calib,
		t.cfg.OutputFilterCutoffHz, t.observer)
	t.devices = append(t.devices, dev)
	sensors := append([]Sensor(nil), t.sensors...)
	t.mu.Unlock()

	// Tell the sensors about the new device, outside the lock
	for _, s := range sensors {
		if err := s.AddDevice(dev); err != nil {
			t.log.Errorf("failed to configure tracking for device %d on sensor %s: %v",
				id, s.Serial(), err)
		}
	}

	t.log.Infof("device %d online, now tracking", id)
	return dev, nil
}

// AddSensor registers a camera. If the configuration holds a calibrated
// pose for its serial, the pose (with room offset applied) is pushed to
// the sensor.
func (t *Tracker) AddSensor(s Sensor) error {
	t.mu.Lock()
	if len(t.sensors) >= MaxSensors {
		t.mu.Unlock()
		return NewSensorError("AddSensor", s.Serial(), ErrCodeRosterFull, "too many sensors")
	}
	t.sensors = append(t.sensors, s)
	pose, havePose := t.cfg.SensorPoseFor(s.Serial())
	devices := append([]*TrackedDevice(nil), t.devices...)
	t.mu.Unlock()

	if havePose {
		s.SetPose(pose)
	}
	for _, dev := range devices {
		if err := s.AddDevice(dev); err != nil {
			t.log.Errorf("failed to configure tracking for device %d on sensor %s: %v",
				dev.ID, s.Serial(), err)
		}
	}
	return nil
}

// GetExposureInfo copies out the current exposure snapshot. Returns
// false before the first exposure event.
func (t *Tracker) GetExposureInfo() (ExposureInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exposure, t.haveExposure
}

// OnNewExposure handles the HMD telemetry signalling a camera exposure.
// A change in the 16-bit exposure counter snapshots the predicted state
// of every device into a fresh delay slot; a bare LED-pattern-phase
// change only updates the phase.
func (t *Tracker) OnNewExposure(hmdTS uint32, exposureCount uint16, exposureHMDTS uint32, ledPatternPhase uint8) {
	exposureChanged := false

	t.mu.Lock()
	if t.exposure.LEDPatternPhase != ledPatternPhase {
		t.log.Debugf("LED pattern phase changed to %d", ledPatternPhase)
		t.exposure.LEDPatternPhase = ledPatternPhase
	}

	if t.exposure.Count != exposureCount {
		now := t.clock()
		exposureChanged = true

		t.exposure.LocalTS = now
		t.exposure.Count = exposureCount
		t.exposure.HMDTS = exposureHMDTS
		t.exposure.LEDPatternPhase = ledPatternPhase
		t.haveExposure = true

		if int32(exposureHMDTS-hmdTS) < -1500 {
			t.log.Warnf("exposure ts %d was more than 1.5 IMU samples earlier than IMU ts %d (%d µs)",
				exposureHMDTS, hmdTS, hmdTS-exposureHMDTS)
		}

		t.exposure.NDevices = len(t.devices)

		for i, dev := range t.devices {
			devInfo := &t.exposure.Devices[i]

			dev.mu.Lock()
			dev.onNewExposure(devInfo)
			dev.flushPendingIMULocked()
			dev.trace.Push(trace.ExposureRecord{
				Type:       "exposure",
				LocalTS:    now,
				HMDTS:      hmdTS,
				ExposureTS: exposureHMDTS,
				Count:      exposureCount,
				DeviceTS:   devInfo.DeviceTimeNS,
				DelaySlot:  devInfo.FusionSlot,
			})
			dev.mu.Unlock()
		}
		// Clear the slots for not-yet-registered devices
		for i := len(t.devices); i < MaxTrackedDevices; i++ {
			t.exposure.Devices[i].FusionSlot = -1
		}
	}
	exposure := t.exposure
	sensors := append([]Sensor(nil), t.sensors...)
	t.mu.Unlock()

	if exposureChanged {
		// Tell sensors about the new exposure outside the lock to avoid
		// deadlocks from callbacks
		for _, s := range sensors {
			s.UpdateExposure(&exposure)
		}
	}
}

// FrameStart claims, for every device, the delay slot of the exposure a
// newly arriving frame is tagged with.
func (t *Tracker) FrameStart(localTS uint64, source string, info *ExposureInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, dev := range t.devices {
		dev.mu.Lock()
		// The device might not have exposure info for this frame if it
		// recently came online
		if info != nil && i < info.NDevices {
			dev.exposureClaim(&info.Devices[i])
		}
		dev.trace.Push(trace.FrameRecord{
			Type:      "frame-start",
			LocalTS:   localTS,
			Source:    source,
			DelaySlot: slotOf(info, i),
		})
		dev.mu.Unlock()
	}
}

// FrameChangedExposure rebinds an in-flight frame whose exposure
// association shifted mid-arrival: old claims are dropped, new ones
// taken.
func (t *Tracker) FrameChangedExposure(oldInfo, newInfo *ExposureInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, dev := range t.devices {
		dev.mu.Lock()
		if oldInfo != nil && i < oldInfo.NDevices {
			dev.exposureRelease(&oldInfo.Devices[i])
		}
		if newInfo != nil && i < newInfo.NDevices {
			dev.exposureClaim(&newInfo.Devices[i])
		}
		dev.mu.Unlock()
	}
}

// FrameCaptured records that a frame finished arriving and is headed
// into the vision pipeline.
func (t *Tracker) FrameCaptured(localTS, frameStartLocalTS uint64, info *ExposureInfo, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, dev := range t.devices {
		dev.mu.Lock()
		dev.trace.Push(trace.FrameRecord{
			Type:         "frame-captured",
			LocalTS:      localTS,
			FrameLocalTS: frameStartLocalTS,
			Source:       source,
			DelaySlot:    slotOf(info, i),
		})
		dev.mu.Unlock()
	}
}

// FrameRelease drops every device's claim on a finished frame's
// exposure. The last release of a slot returns its retained state to
// the filter.
func (t *Tracker) FrameRelease(localTS, frameLocalTS uint64, info *ExposureInfo, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, dev := range t.devices {
		dev.mu.Lock()
		slot := -1
		if info != nil && i < info.NDevices {
			dev.exposureRelease(&info.Devices[i])
			slot = info.Devices[i].FusionSlot
		}
		dev.trace.Push(trace.FrameRecord{
			Type:         "frame-release",
			LocalTS:      localTS,
			FrameLocalTS: frameLocalTS,
			Source:       source,
			DelaySlot:    slot,
		})
		dev.mu.Unlock()
	}
}

func slotOf(info *ExposureInfo, i int) int {
	if info == nil || i >= info.NDevices {
		return -1
	}
	return info.Devices[i].FusionSlot
}

// UpdateSensorPose stores a newly calibrated camera pose and persists
// the configuration.
func (t *Tracker) UpdateSensorPose(s Sensor, pose maths.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.SetSensorPose(s.Serial(), pose)
	if err := t.cfg.Save(); err != nil {
		t.log.Warnf("could not save tracker config: %v", err)
	}
}

// Close stops all sensors and releases every device.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sensors := t.sensors
	t.sensors = nil
	devices := t.devices
	t.mu.Unlock()

	for _, s := range sensors {
		s.Stop()
	}
	for _, dev := range devices {
		dev.close()
	}
}

func monotonicClock() uint64 {
	return uint64(time.Now().UnixNano())
}
