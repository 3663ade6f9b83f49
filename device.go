package rift

import (
	"fmt"
	"sync"

	"github.com/RSDNTWK/go-rift-tracker/internal/fusion"
	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
	"github.com/RSDNTWK/go-rift-tracker/internal/trace"
)

// LED is one infrared marker on a tracked device's exterior, in the
// model frame.
type LED struct {
	Pos          maths.Vec3
	Dir          maths.Vec3
	PatternPhase int
}

// IMUCalibration carries the factory calibration applied to raw IMU
// samples before they reach this module. It is recorded in the device
// trace for offline tooling.
type IMUCalibration struct {
	AccelOffset maths.Vec3
	AccelMatrix [9]float32
	GyroOffset  maths.Vec3
	GyroMatrix  [9]float32
}

// imuObservation is one inertial sample retained for trace export.
type imuObservation struct {
	localTS  uint64
	deviceTS uint64
	dt       float32
	angVel   maths.Vec3
	accel    maths.Vec3
	mag      maths.Vec3
}

// TrackedDevice is one tracked body: the HMD or a controller. It owns
// the fusion filter, the delay-slot ring and the coordinate transforms
// between the device, fusion (IMU) and LED model frames.
//
// All state is guarded by mu. Lock ordering: the tracker lock, when
// held, is always taken before any device lock.
type TrackedDevice struct {
	// ID is the caller-assigned stable device identifier.
	ID int

	// index is this device's position in the tracker roster and in
	// every exposure snapshot.
	index int

	mu  sync.Mutex
	log *logging.Logger

	fusion fusion.Filter

	delaySlotIndex int
	delaySlots     [NumPoseDelaySlots]poseDelaySlot

	// Fixed frame transforms, set at creation.
	deviceFromFusion maths.Pose
	fusionFromModel  maths.Pose
	modelFromFusion  maths.Pose

	// Device clock reconstruction: the hardware reports a 32-bit µs
	// counter; deviceTimeNS extends it to 64-bit nanoseconds.
	lastDeviceTS uint32
	deviceTimeNS uint64

	lastObservedOrientTS uint64
	lastObservedPoseTS   uint64
	lastObservedPose     maths.Pose

	// Cached outputs.
	lastReportedPoseTS uint64
	reportedPose       maths.Pose
	modelPose          maths.Pose

	outputFilter maths.ExpPoseFilter

	leds []LED

	pendingIMU []imuObservation

	observer Observer
	trace    *trace.Writer
}

func newTrackedDevice(id, index int, imuPose, modelPose maths.Pose, leds []LED,
	calib IMUCalibration, outputCutoffHz float32, observer Observer) *TrackedDevice {

	// Rotate the initial pose 180 deg to point along the -Z axis
	initPose := maths.Pose{Orient: maths.Quat{Y: 1}}

	d := &TrackedDevice{
		ID:           id,
		index:        index,
		log:          logging.Scope(fmt.Sprintf("device-%d", id)),
		fusion:       fusion.NewCVFilter(initPose, NumPoseDelaySlots),
		outputFilter: maths.NewExpPoseFilter(outputCutoffHz),
		leds:         leds,
		pendingIMU:   make([]imuObservation, 0, MaxPendingIMUObservations),
		observer:     observer,
	}

	for s := 0; s < NumPoseDelaySlots; s++ {
		d.delaySlots[s].slotID = s
	}

	// The imu pose maps fusion space onto the device; invert it for the
	// device-from-fusion conversion, and compose with the model pose for
	// the fusion<->model pair.
	d.deviceFromFusion = imuPose.Inverse()
	d.fusionFromModel = imuPose.Apply(modelPose)
	d.modelFromFusion = d.fusionFromModel.Inverse()

	d.trace = trace.NewDeviceWriter(fmt.Sprintf("rift-device-%d", id))
	d.trace.Push(trace.DeviceRecord{
		Type:        "device",
		DeviceID:    id,
		AccelOffset: [3]float32{calib.AccelOffset.X, calib.AccelOffset.Y, calib.AccelOffset.Z},
		AccelMatrix: calib.AccelMatrix,
		GyroOffset:  [3]float32{calib.GyroOffset.X, calib.GyroOffset.Y, calib.GyroOffset.Z},
		GyroMatrix:  calib.GyroMatrix,
	})

	return d
}

// IMUUpdate feeds one inertial sample. deviceTS is the raw 32-bit µs
// hardware counter; wrap handling extends it into the device's 64-bit
// nanosecond timeline. May be called at hundreds of Hz.
func (d *TrackedDevice) IMUUpdate(localTS uint64, deviceTS uint32, dt float32, angVel, accel, mag maths.Vec3) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Modular 32-bit subtraction handles counter wrap, assuming bounded
	// dt between samples.
	if d.deviceTimeNS == 0 {
		d.deviceTimeNS = uint64(deviceTS) * 1000
	} else {
		d.deviceTimeNS += uint64(deviceTS-d.lastDeviceTS) * 1000
	}
	d.lastDeviceTS = deviceTS

	d.fusion.IMUUpdate(d.deviceTimeNS, angVel, accel, mag)
	d.observer.ObserveIMUUpdate()

	d.pendingIMU = append(d.pendingIMU, imuObservation{
		localTS:  localTS,
		deviceTS: d.deviceTimeNS,
		dt:       dt,
		angVel:   angVel,
		accel:    accel,
		mag:      mag,
	})

	if len(d.pendingIMU) == MaxPendingIMUObservations {
		// No camera observations for a while - flush from here instead
		d.flushPendingIMULocked()
	}
}

// DeviceTimeNS returns the reconstructed 64-bit device time.
func (d *TrackedDevice) DeviceTimeNS() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceTimeNS
}

// GetViewPose returns the smoothed device pose along with velocity,
// acceleration and angular velocity in the device frame. Called at
// render cadence.
func (d *TrackedDevice) GetViewPose() (pose maths.Pose, vel, accel, angVel maths.Vec3) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.fusion.GetPoseAt(d.deviceTimeNS)
	imuVel := st.LinVel
	imuAccel := st.LinAccel
	imuAngVel := st.AngVel

	if d.deviceTimeNS > d.lastReportedPoseTS {
		// Take the fusion-space global pose back to device space
		devicePose := d.deviceFromFusion.Apply(st.Pose)

		d.reportedPose.Orient = devicePose.Orient
		if d.deviceTimeNS-d.lastObservedPoseTS >= uint64(poseLostThreshold.Nanoseconds()) {
			// Don't let the device move unless there's a recent
			// observation of actual position
			devicePose.Pos = d.reportedPose.Pos
			imuVel = maths.Vec3{}
			imuAccel = maths.Vec3{}
		}

		d.reportedPose = d.outputFilter.Run(d.deviceTimeNS, devicePose)
		d.lastReportedPoseTS = d.deviceTimeNS
	}

	pose = d.reportedPose

	// Angular velocity and acceleration need rotating into the device
	// space. Linear velocity also acquires a component from the angular
	// velocity acting at the IMU offset.
	deviceAngVel := d.deviceFromFusion.Orient.Rotate(imuAngVel)
	angVel = deviceAngVel
	accel = d.deviceFromFusion.Orient.Rotate(imuAccel)

	rotatedIMUPos := d.deviceFromFusion.Orient.Rotate(d.deviceFromFusion.Pos)
	extraLinVel := deviceAngVel.Cross(rotatedIMUPos)
	vel = d.deviceFromFusion.Orient.Rotate(imuVel).Add(extraLinVel)

	return pose, vel, accel, angVel
}

// GetModelPose returns the current pose estimate in the LED model frame
// with per-axis 1σ errors, for seeding the next visual search.
func (d *TrackedDevice) GetModelPose(ts uint64) (maths.Pose, maths.Vec3, maths.Vec3) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getModelPoseLocked()
}

// getModelPoseLocked is GetModelPose with the device lock already held.
func (d *TrackedDevice) getModelPoseLocked() (maths.Pose, maths.Vec3, maths.Vec3) {
	st := d.fusion.GetPoseAt(d.deviceTimeNS)

	modelPose := d.modelFromFusion.Apply(st.Pose)
	posError := d.modelFromFusion.Orient.RotateAbs(st.PosError)
	rotError := d.modelFromFusion.Orient.RotateAbs(st.RotError)

	d.modelPose.Orient = modelPose.Orient
	if d.deviceTimeNS-d.lastObservedPoseTS < uint64(poseLostThreshold.Nanoseconds()) {
		// Don't let the device move unless there's a recent observation
		// of actual position
		d.modelPose.Pos = modelPose.Pos
	}

	return d.modelPose, posError, rotError
}

// onNewExposure allocates a delay slot for a new exposure and fills in
// the device's sub-record of the exposure snapshot. Called with the
// device lock held, under the tracker lock.
func (d *TrackedDevice) onNewExposure(devInfo *DeviceExposureInfo) {
	slot := d.findFreeDelaySlot()

	devInfo.DeviceTimeNS = d.deviceTimeNS

	reclaimed := false
	if slot == nil {
		// A busy slot can be reclaimed if some frame search is slow and
		// another camera already delivered an observation for it
		slot = d.reclaimDelaySlot()
		if slot != nil {
			reclaimed = true
			d.log.Infof("reclaimed delay slot %d ts %d (delay %.3fs)",
				slot.slotID, d.deviceTimeNS,
				float64(d.deviceTimeNS-slot.deviceTimeNS)/1e9)
		}
	}

	if slot == nil {
		d.log.Warnf("no free delay slot at ts %d", d.deviceTimeNS)
		devInfo.FusionSlot = -1
		d.observer.ObserveExposure(true, false)
		return
	}

	slot.deviceTimeNS = devInfo.DeviceTimeNS
	slot.valid = true
	slot.useCount = 0
	slot.nPoseReports = 0
	slot.nUsedReports = 0

	devInfo.FusionSlot = slot.slotID
	devInfo.HadPoseLock = d.deviceTimeNS-d.lastObservedPoseTS < uint64(poseLostThreshold.Nanoseconds())

	devInfo.CapturePose, devInfo.PosError, devInfo.RotError = d.getModelPoseLocked()

	d.fusion.PrepareDelaySlot(devInfo.DeviceTimeNS, slot.slotID)
	d.observer.ObserveExposure(false, reclaimed)
}

// GetLatestExposurePose refreshes devInfo's capture pose from the
// delay-slot-preserved filter state at the original exposure time. IMU
// updates that arrived since the exposure improve the prediction without
// moving its reference timestamp. Returns false - and clears the slot
// handle - if the slot has been reclaimed in the meantime.
func (d *TrackedDevice) GetLatestExposurePose(devInfo *DeviceExposureInfo) bool {
	if devInfo.FusionSlot == -1 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	slot := d.matchingDelaySlot(devInfo)
	if slot == nil {
		// The delay slot was overridden; clear it in the device info
		devInfo.FusionSlot = -1
		return false
	}

	st, ok := d.fusion.GetDelaySlotPoseAt(devInfo.DeviceTimeNS, slot.slotID)
	if !ok {
		devInfo.FusionSlot = -1
		return false
	}

	devInfo.CapturePose = d.modelFromFusion.Apply(st.Pose)
	devInfo.PosError = d.modelFromFusion.Orient.RotateAbs(st.PosError)
	devInfo.RotError = d.modelFromFusion.Orient.RotateAbs(st.RotError)
	return true
}

// ModelPoseUpdate applies one camera's solved model-frame pose against
// the exposure it was captured for. Returns true if the acceptance
// policy accepted position or orientation. An accepted orientation is
// folded into the filter only together with an accepted position; when
// the position is rejected nothing reaches the filter.
func (d *TrackedDevice) ModelPoseUpdate(localTS, frameStartLocalTS uint64, exposureInfo *ExposureInfo,
	score *PoseScore, modelPose maths.Pose, source string) bool {

	d.mu.Lock()
	defer d.mu.Unlock()

	// Lift the model-frame observation into the fusion (IMU) frame
	imuPose := d.fusionFromModel.Apply(modelPose)

	d.flushPendingIMULocked()

	var frameDeviceTimeNS uint64
	frameFusionSlot := -1
	updatePosition := false
	updateOrientation := false
	forcedOrient := false

	if d.index < exposureInfo.NDevices {
		// This device existed when the exposure was taken
		devInfo := &exposureInfo.Devices[d.index]
		frameDeviceTimeNS = devInfo.DeviceTimeNS

		slot := d.matchingDelaySlot(devInfo)
		if slot == nil {
			d.observer.ObservePoseObservation(PoseOutcomeDiscarded)
			d.log.Debugf("pose observation from %s arrived after slot %d was reclaimed",
				source, devInfo.FusionSlot)
		} else {
			posError := modelPose.Pos.Sub(devInfo.CapturePose.Pos)
			rotError := modelPose.Orient.Diff(devInfo.CapturePose.Orient).Normalize().ToRotationVec()

			d.log.Debugf("pose update slot %d ts %d (delay %.3fs) pos err %v rot err %v from %s",
				slot.slotID, frameDeviceTimeNS,
				float64(d.deviceTimeNS-frameDeviceTimeNS)/1e9, posError, rotError, source)

			// If this observation was based on a prior, but position
			// didn't match and we already received a newer observation,
			// ignore it.
			if devInfo.HadPoseLock && !score.Flags.Has(PoseMatchPosition) &&
				d.lastObservedPoseTS > frameDeviceTimeNS {
				updatePosition = false
				d.observer.ObservePoseObservation(PoseOutcomeRejected)
				d.log.Infof("ignoring position observation with error %v (prior stddev %v)",
					posError, devInfo.PosError)
			} else {
				updatePosition = true
			}

			if score.Flags.Has(PoseMatchOrient) {
				updateOrientation = true
				if d.deviceTimeNS-d.lastObservedPoseTS > uint64(poseLostOrientThreshold.Nanoseconds()) {
					d.log.Infof("matched orientation after %.3fs",
						float64(d.deviceTimeNS-d.lastObservedPoseTS)/1e9)
				}
				// Only update the time if this matched orientation is
				// actually applied below
				if updatePosition {
					d.lastObservedOrientTS = d.deviceTimeNS
				}
			} else if d.deviceTimeNS-d.lastObservedPoseTS > uint64(poseLostOrientThreshold.Nanoseconds()) {
				d.log.Infof("forcing orientation observation")
				updateOrientation = true
				forcedOrient = true
				// Don't update the orientation match time here - only on
				// an actual match
			}

			if updatePosition {
				if updateOrientation {
					d.fusion.PoseUpdate(d.deviceTimeNS, imuPose, slot.slotID)
				} else {
					d.fusion.PositionUpdate(d.deviceTimeNS, imuPose.Pos, slot.slotID)
				}

				d.lastObservedPoseTS = d.deviceTimeNS
				d.lastObservedPose = imuPose
			}

			frameFusionSlot = slot.slotID

			if slot.nPoseReports < MaxSensors {
				report := &slot.poseReports[slot.nPoseReports]
				report.used = updatePosition
				report.pose = imuPose
				report.score = *score

				if updatePosition {
					slot.nUsedReports++
				}
				slot.nPoseReports++
			}

			switch {
			case updatePosition && updateOrientation && !forcedOrient:
				d.observer.ObservePoseObservation(PoseOutcomeFull)
			case updatePosition && !updateOrientation:
				d.observer.ObservePoseObservation(PoseOutcomePosition)
			case forcedOrient:
				d.observer.ObservePoseObservation(PoseOutcomeForcedOrient)
			}
		}
	}

	d.trace.Push(trace.PoseRecord{
		Type:       "pose",
		LocalTS:    localTS,
		DeviceTS:   d.deviceTimeNS,
		FrameTS:    frameDeviceTimeNS,
		FusionSlot: frameFusionSlot,
		Source:     source,
		Pos:        [3]float32{modelPose.Pos.X, modelPose.Pos.Y, modelPose.Pos.Z},
		Orient:     [4]float32{modelPose.Orient.X, modelPose.Orient.Y, modelPose.Orient.Z, modelPose.Orient.W},
	})

	return updatePosition || updateOrientation
}

// flushPendingIMULocked drains the pending IMU ring into the trace sink.
// Called with the device lock held.
func (d *TrackedDevice) flushPendingIMULocked() {
	if len(d.pendingIMU) == 0 {
		return
	}
	if d.trace != nil {
		for i := range d.pendingIMU {
			obs := &d.pendingIMU[i]
			d.trace.Push(trace.IMURecord{
				Type:     "imu",
				LocalTS:  obs.localTS,
				DeviceTS: obs.deviceTS,
				DT:       obs.dt,
				AngVel:   [3]float32{obs.angVel.X, obs.angVel.Y, obs.angVel.Z},
				Accel:    [3]float32{obs.accel.X, obs.accel.Y, obs.accel.Z},
				Mag:      [3]float32{obs.mag.X, obs.mag.Y, obs.mag.Z},
			})
		}
	}
	d.pendingIMU = d.pendingIMU[:0]
}

// close releases per-device resources. Called by the tracker.
func (d *TrackedDevice) close() {
	d.mu.Lock()
	d.flushPendingIMULocked()
	d.fusion.Clear()
	d.mu.Unlock()
	_ = d.trace.Close()
}
