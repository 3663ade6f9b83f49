package rift

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/RSDNTWK/go-rift-tracker/internal/frame"
	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
	"github.com/RSDNTWK/go-rift-tracker/internal/usb"
	"github.com/RSDNTWK/go-rift-tracker/internal/uvc"
)

// PoseSolver turns a captured frame and the predicted capture pose into
// a candidate model-frame pose. The blob detector and PnP solver live
// behind this interface.
type PoseSolver interface {
	// Solve searches the frame for the device's LED constellation,
	// seeded by the predicted capture pose in devInfo. Returns false if
	// no acceptable pose was found.
	Solve(dev *TrackedDevice, f *frame.Frame, devInfo *DeviceExposureInfo,
		ledPatternPhase uint8) (maths.Pose, PoseScore, bool)
}

// DefaultFramePoolSize is the per-camera capture buffer count when the
// configuration doesn't override it.
const DefaultFramePoolSize = 2

// usbEventTimeout matches the 100 ms poll the USB event thread runs at.
const usbEventTimeout = 100 * time.Millisecond

// capturedFrame pairs a completed frame with the exposure snapshot it
// was tagged with at start of arrival.
type capturedFrame struct {
	f            *frame.Frame
	exposure     ExposureInfo
	haveExposure bool
}

// CameraSensor drives one tracking camera: it owns the UVC stream, tags
// arriving frames with exposure snapshots, runs the pose solver over
// completed frames and reports observations back to the tracker.
type CameraSensor struct {
	serial  string
	log     *logging.Logger
	tracker *Tracker
	dev     usb.Device
	stream  *uvc.Stream
	solver  PoseSolver

	mu           sync.Mutex
	pose         maths.Pose
	havePose     bool
	curExposure  ExposureInfo
	haveExposure bool

	queue    chan capturedFrame
	quit     chan struct{}
	usbDone  chan struct{}
	procDone chan struct{}
	running  atomic.Bool
}

// NewCameraSensor sets up the stream for a recognized camera product on
// an already-open USB device. The sensor is not capturing until Start.
func NewCameraSensor(tracker *Tracker, dev usb.Device, vid, pid uint16, serial string, solver PoseSolver) (*CameraSensor, error) {
	s := &CameraSensor{
		serial:  serial,
		log:     logging.Scope("sensor[" + serial + "]"),
		tracker: tracker,
		dev:     dev,
		stream:  uvc.NewStream(dev, serial),
		solver:  solver,
		queue:   make(chan capturedFrame, DefaultFramePoolSize),
		quit:    make(chan struct{}),
		usbDone: make(chan struct{}),
		procDone: make(chan struct{}),
	}

	if err := s.stream.Setup(vid, pid); err != nil {
		return nil, WrapError("SensorSetup", ErrCodeSetup, err)
	}
	return s, nil
}

// Serial returns the camera serial number.
func (s *CameraSensor) Serial() string { return s.serial }

// SetPose places the camera in room space.
func (s *CameraSensor) SetPose(pose maths.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = pose
	s.havePose = true
}

// Pose returns the camera's room-space pose, if calibrated.
func (s *CameraSensor) Pose() (maths.Pose, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose, s.havePose
}

// AddDevice registers a tracked device with this camera. The sensor
// keeps no back-pointer of its own; it reaches devices through the
// exposure snapshots the tracker hands it.
func (s *CameraSensor) AddDevice(dev *TrackedDevice) error {
	s.log.Debugf("tracking device %d", dev.ID)
	return nil
}

// UpdateExposure stores the newest exposure snapshot so the next frame
// to begin arriving is tagged with it.
func (s *CameraSensor) UpdateExposure(info *ExposureInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curExposure = *info
	s.haveExposure = true
}

// Start begins streaming and spawns the capture and processing
// goroutines.
func (s *CameraSensor) Start(poolSize int) error {
	if poolSize <= 0 {
		poolSize = DefaultFramePoolSize
	}
	if !s.running.CompareAndSwap(false, true) {
		return NewSensorError("SensorStart", s.serial, ErrCodeSetup, "already running")
	}

	// The USB event goroutine must be pumping before transfers are
	// submitted, and keeps running through Stop so the drain completes.
	go s.usbLoop()

	if err := s.stream.Start(poolSize, s.onFrame); err != nil {
		s.running.Store(false)
		close(s.quit)
		<-s.usbDone
		return WrapError("SensorStart", ErrCodeSetup, err)
	}

	go s.processLoop()
	return nil
}

// Stop halts capture, drains in-flight transfers and frames, and closes
// the device.
func (s *CameraSensor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	// Stop the stream first: it cancels transfers and waits for the
	// event loop to drain them.
	if err := s.stream.Stop(); err != nil {
		s.log.Warnf("stream stop: %v", err)
	}

	close(s.quit)
	<-s.usbDone

	close(s.queue)
	<-s.procDone

	if err := s.dev.Close(); err != nil {
		s.log.Warnf("device close: %v", err)
	}
}

// usbLoop is the USB event thread: it polls for transfer completions
// with a 100 ms timeout and runs their callbacks.
func (s *CameraSensor) usbLoop() {
	defer close(s.usbDone)
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		if err := s.dev.HandleEvents(usbEventTimeout); err != nil {
			s.log.Warnf("usb event handling: %v", err)
		}
	}
}

// onFrame runs on the USB event goroutine when the assembler completes a
// frame. It claims the exposure's delay slots and queues the frame for
// the vision pipeline; a full queue drops the frame instead of stalling
// the isochronous path.
func (s *CameraSensor) onFrame(f *frame.Frame) {
	s.mu.Lock()
	exposure := s.curExposure
	haveExposure := s.haveExposure
	s.mu.Unlock()

	var info *ExposureInfo
	if haveExposure {
		info = &exposure
	}
	s.tracker.FrameStart(f.StartTS, s.serial, info)

	select {
	case s.queue <- capturedFrame{f: f, exposure: exposure, haveExposure: haveExposure}:
	default:
		s.log.Warnf("vision queue full, dropping frame pts %d", f.PTS)
		s.tracker.FrameRelease(f.StartTS, f.StartTS, info, s.serial)
		f.Release()
	}
}

// processLoop consumes completed frames: refines each device's capture
// pose from its delay slot, runs the solver and posts observations.
func (s *CameraSensor) processLoop() {
	defer close(s.procDone)
	for cf := range s.queue {
		s.processFrame(cf)
	}
}

func (s *CameraSensor) processFrame(cf capturedFrame) {
	now := s.tracker.clock()

	var info *ExposureInfo
	if cf.haveExposure {
		info = &cf.exposure
	}

	s.tracker.FrameCaptured(now, cf.f.StartTS, info, s.serial)

	// The exposure boundary may have shifted while the frame was
	// arriving: if a newer exposure predates the frame start, this frame
	// actually belongs to it.
	if latest, ok := s.tracker.GetExposureInfo(); ok &&
		cf.haveExposure && latest.Count != cf.exposure.Count &&
		latest.LocalTS <= cf.f.StartTS {
		s.tracker.FrameChangedExposure(info, &latest)
		cf.exposure = latest
		cf.haveExposure = true
		info = &cf.exposure
	}

	if info != nil && s.solver != nil {
		devices := s.tracker.devicesSnapshot()
		for i := range devices {
			if i >= info.NDevices {
				break
			}
			devInfo := &info.Devices[i]
			if devInfo.FusionSlot == -1 {
				continue
			}
			// Refresh the prediction from the preserved slot state; IMU
			// data that arrived since the exposure sharpens it.
			if !devices[i].GetLatestExposurePose(devInfo) {
				continue
			}
			pose, score, ok := s.solver.Solve(devices[i], cf.f, devInfo, info.LEDPatternPhase)
			if !ok {
				continue
			}
			devices[i].ModelPoseUpdate(now, cf.f.StartTS, info, &score, pose, s.serial)
		}
	}

	s.tracker.FrameRelease(s.tracker.clock(), cf.f.StartTS, info, s.serial)
	cf.f.Release()
}

// Stats exposes the underlying stream counters.
func (s *CameraSensor) Stats() *uvc.Stats {
	return &s.stream.Stats
}

var _ Sensor = (*CameraSensor)(nil)

// devicesSnapshot copies the device roster outside the tracker lock.
func (t *Tracker) devicesSnapshot() []*TrackedDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*TrackedDevice(nil), t.devices...)
}
