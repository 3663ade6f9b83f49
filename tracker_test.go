package rift

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSDNTWK/go-rift-tracker/internal/config"
	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
)

// recordingSensor captures tracker notifications for verification.
type recordingSensor struct {
	serial string

	mu        sync.Mutex
	exposures []ExposureInfo
	deviceIDs []int
	pose      maths.Pose
	havePose  bool
	stopped   bool
}

func (s *recordingSensor) Serial() string { return s.serial }

func (s *recordingSensor) SetPose(pose maths.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = pose
	s.havePose = true
}

func (s *recordingSensor) AddDevice(dev *TrackedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceIDs = append(s.deviceIDs, dev.ID)
	return nil
}

func (s *recordingSensor) UpdateExposure(info *ExposureInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposures = append(s.exposures, *info)
}

func (s *recordingSensor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *recordingSensor) exposureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exposures)
}

// newTestTracker builds a tracker with a deterministic clock.
func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	var now uint64
	tr := NewTracker(nil, &Options{
		Clock: func() uint64 { now += 1000; return now },
	})
	t.Cleanup(tr.Close)
	return tr
}

// addTestDevice registers a device with identity transforms so fusion,
// model and device frames coincide.
func addTestDevice(t *testing.T, tr *Tracker, id int) *TrackedDevice {
	t.Helper()
	dev, err := tr.AddDevice(id, maths.PoseIdentity(), maths.PoseIdentity(), nil, IMUCalibration{})
	require.NoError(t, err)
	return dev
}

// imuAt advances the device clock to the given µs timestamp.
func imuAt(dev *TrackedDevice, deviceTSUs uint32) {
	dev.IMUUpdate(uint64(deviceTSUs)*1000, deviceTSUs, 0.001,
		maths.Vec3{}, maths.Vec3{}, maths.Vec3{})
}

func claimSum(dev *TrackedDevice) int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	sum := 0
	for i := range dev.delaySlots {
		sum += dev.delaySlots[i].useCount
	}
	return sum
}

// Scenario: a single exposure with no vision update. One slot becomes
// valid with no claims; a frame start/release pair invalidates it.
func TestSingleExposureLifecycle(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)
	imuAt(dev, 1000)

	tr.OnNewExposure(1000, 1, 1000, 0)

	exp, ok := tr.GetExposureInfo()
	require.True(t, ok)
	assert.Equal(t, uint16(1), exp.Count)
	require.Equal(t, 1, exp.NDevices)
	require.Equal(t, 0, exp.Devices[0].FusionSlot)

	dev.mu.Lock()
	slot := &dev.delaySlots[0]
	assert.True(t, slot.valid)
	assert.Equal(t, 0, slot.useCount)
	assert.Equal(t, uint64(1_000_000), slot.deviceTimeNS)
	dev.mu.Unlock()

	tr.FrameStart(10, "cam0", &exp)
	assert.Equal(t, 1, claimSum(dev))

	tr.FrameRelease(20, 10, &exp, "cam0")
	assert.Equal(t, 0, claimSum(dev))

	dev.mu.Lock()
	assert.False(t, dev.delaySlots[0].valid)
	assert.Equal(t, 0, dev.delaySlots[0].useCount)
	dev.mu.Unlock()

	// The release cleared the snapshot's slot handle, so a second
	// release is a no-op
	assert.Equal(t, -1, exp.Devices[0].FusionSlot)
	tr.FrameRelease(30, 10, &exp, "cam0")
	assert.Equal(t, 0, claimSum(dev))
}

// Scenario: four exposures against three slots while three frames hold
// claims. The fourth exposure must reclaim a slot that already yielded
// an applied pose report.
func TestFourthExposureReclaimsUsedSlot(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)

	var exps [4]ExposureInfo
	for i := 0; i < 3; i++ {
		imuAt(dev, uint32(1000*(i+1)))
		tr.OnNewExposure(uint32(1000*(i+1)), uint16(i+1), uint32(1000*(i+1)), 0)
		exp, ok := tr.GetExposureInfo()
		require.True(t, ok)
		exps[i] = exp
		tr.FrameStart(uint64(i), "cam0", &exps[i])
	}

	// All three slots are now valid and claimed
	assert.Equal(t, 3, claimSum(dev))

	// A camera reports an applied pose against the first exposure
	score := PoseScore{Flags: PoseMatchGood | PoseMatchPosition | PoseMatchOrient}
	applied := dev.ModelPoseUpdate(100, 50, &exps[0], &score,
		maths.Pose{Pos: maths.Vec3{X: 0.1}, Orient: maths.QuatIdentity()}, "cam0")
	require.True(t, applied)

	// Fourth exposure: no free slot, but exposure 1's slot has an
	// applied report and gets reclaimed
	imuAt(dev, 4000)
	tr.OnNewExposure(4000, 4, 4000, 0)
	exp4, _ := tr.GetExposureInfo()
	firstSlot := exps[0].Devices[0].FusionSlot
	assert.Equal(t, firstSlot, exp4.Devices[0].FusionSlot)
	assert.Equal(t, uint64(1), tr.Metrics().ReclaimedSlots.Load())

	// The orphaned claim on the reclaimed slot is stale now: its
	// release must not disturb the new exposure's state
	tr.FrameRelease(200, 0, &exps[0], "cam0")
	dev.mu.Lock()
	assert.True(t, dev.delaySlots[firstSlot].valid)
	dev.mu.Unlock()
}

// Scenario: with no applied reports anywhere, the fourth exposure is
// dropped instead - at most one of the four misses a slot.
func TestFourthExposureDroppedWithoutUsedReports(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)

	dropped := 0
	for i := 0; i < 4; i++ {
		imuAt(dev, uint32(1000*(i+1)))
		tr.OnNewExposure(uint32(1000*(i+1)), uint16(i+1), uint32(1000*(i+1)), 0)
		exp, _ := tr.GetExposureInfo()
		if exp.Devices[0].FusionSlot == -1 {
			dropped++
		} else {
			tr.FrameStart(uint64(i), "cam0", &exp)
		}
	}

	assert.Equal(t, 1, dropped)
	assert.Equal(t, uint64(1), tr.Metrics().DroppedExposures.Load())
}

// After a release chain brings use counts to zero, the next exposure
// allocates a slot again.
func TestPrepareSucceedsAfterRelease(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)

	var exps [3]ExposureInfo
	for i := 0; i < 3; i++ {
		imuAt(dev, uint32(1000*(i+1)))
		tr.OnNewExposure(uint32(1000*(i+1)), uint16(i+1), uint32(1000*(i+1)), 0)
		exp, _ := tr.GetExposureInfo()
		exps[i] = exp
		tr.FrameStart(uint64(i), "cam0", &exps[i])
	}

	tr.FrameRelease(100, 0, &exps[1], "cam0")

	imuAt(dev, 4000)
	tr.OnNewExposure(4000, 4, 4000, 0)
	exp4, _ := tr.GetExposureInfo()
	assert.NotEqual(t, -1, exp4.Devices[0].FusionSlot)
}

// Two cameras claiming the same exposure hold two counts on its slot.
func TestConcurrentClaimsFromTwoSensors(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)
	imuAt(dev, 1000)
	tr.OnNewExposure(1000, 1, 1000, 0)

	expA, _ := tr.GetExposureInfo()
	expB, _ := tr.GetExposureInfo()

	tr.FrameStart(1, "cam0", &expA)
	tr.FrameStart(2, "cam1", &expB)
	assert.Equal(t, 2, claimSum(dev))

	tr.FrameRelease(3, 1, &expA, "cam0")
	dev.mu.Lock()
	assert.True(t, dev.delaySlots[0].valid, "slot stays valid while cam1 holds a claim")
	dev.mu.Unlock()

	tr.FrameRelease(4, 2, &expB, "cam1")
	assert.Equal(t, 0, claimSum(dev))
	dev.mu.Lock()
	assert.False(t, dev.delaySlots[0].valid)
	dev.mu.Unlock()
}

func TestFrameChangedExposureMovesClaims(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)

	imuAt(dev, 1000)
	tr.OnNewExposure(1000, 1, 1000, 0)
	exp1, _ := tr.GetExposureInfo()
	tr.FrameStart(1, "cam0", &exp1)

	imuAt(dev, 2000)
	tr.OnNewExposure(2000, 2, 2000, 0)
	exp2, _ := tr.GetExposureInfo()

	slot1 := exp1.Devices[0].FusionSlot
	slot2 := exp2.Devices[0].FusionSlot
	require.NotEqual(t, slot1, slot2)

	tr.FrameChangedExposure(&exp1, &exp2)

	dev.mu.Lock()
	assert.False(t, dev.delaySlots[slot1].valid, "old claim released and invalidated")
	assert.Equal(t, 1, dev.delaySlots[slot2].useCount, "new claim taken")
	dev.mu.Unlock()
}

func TestExposureBroadcastToSensors(t *testing.T) {
	tr := newTestTracker(t)
	sensor := &recordingSensor{serial: "CAM1"}
	require.NoError(t, tr.AddSensor(sensor))
	dev := addTestDevice(t, tr, 0)
	imuAt(dev, 1000)

	tr.OnNewExposure(1000, 1, 1000, 2)
	require.Equal(t, 1, sensor.exposureCount())
	assert.Equal(t, uint16(1), sensor.exposures[0].Count)
	assert.Equal(t, uint8(2), sensor.exposures[0].LEDPatternPhase)

	// Same count again: only the LED phase may change, no new broadcast
	tr.OnNewExposure(1500, 1, 1000, 3)
	assert.Equal(t, 1, sensor.exposureCount())
	exp, _ := tr.GetExposureInfo()
	assert.Equal(t, uint8(3), exp.LEDPatternPhase)
}

func TestLatestExposurePoseAfterInvalidation(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)
	imuAt(dev, 1000)
	tr.OnNewExposure(1000, 1, 1000, 0)

	expLive, _ := tr.GetExposureInfo()
	expStale, _ := tr.GetExposureInfo()

	// While the slot is live, refinement succeeds
	devInfo := expLive.Devices[0]
	require.True(t, dev.GetLatestExposurePose(&devInfo))

	// Claim and release the slot so it is invalidated
	tr.FrameStart(1, "cam0", &expLive)
	tr.FrameRelease(2, 1, &expLive, "cam0")

	// The stale snapshot still points at the slot; refinement must fail
	// and clear the handle
	staleInfo := expStale.Devices[0]
	require.Equal(t, 0, staleInfo.FusionSlot)
	assert.False(t, dev.GetLatestExposurePose(&staleInfo))
	assert.Equal(t, -1, staleInfo.FusionSlot)
}

func TestAddDeviceRosterLimit(t *testing.T) {
	tr := newTestTracker(t)
	for i := 0; i < MaxTrackedDevices; i++ {
		addTestDevice(t, tr, i)
	}
	_, err := tr.AddDevice(99, maths.PoseIdentity(), maths.PoseIdentity(), nil, IMUCalibration{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeRosterFull))
}

func TestSensorPoseFromConfig(t *testing.T) {
	tr := newTestTracker(t)
	sensor := &recordingSensor{serial: "CAM1"}
	tr.cfg.Sensors["CAM1"] = config.FromPose(maths.Pose{Pos: maths.Vec3{X: 1}, Orient: maths.QuatIdentity()})

	require.NoError(t, tr.AddSensor(sensor))
	assert.True(t, sensor.havePose)
	assert.InDelta(t, 1.0, float64(sensor.pose.Pos.X), 1e-6)
}

func TestCloseStopsSensors(t *testing.T) {
	tr := NewTracker(nil, nil)
	sensor := &recordingSensor{serial: "CAM1"}
	require.NoError(t, tr.AddSensor(sensor))
	tr.Close()
	assert.True(t, sensor.stopped)
	// Close is idempotent
	tr.Close()
}
