package rift

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSDNTWK/go-rift-tracker/internal/frame"
	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
	"github.com/RSDNTWK/go-rift-tracker/internal/usb"
	"github.com/RSDNTWK/go-rift-tracker/internal/uvc"
)

// fixedSolver reports a fixed pose for every frame and signals each call.
type fixedSolver struct {
	pose   maths.Pose
	called chan struct{}
}

func (s *fixedSolver) Solve(dev *TrackedDevice, f *frame.Frame, devInfo *DeviceExposureInfo,
	ledPatternPhase uint8) (maths.Pose, PoseScore, bool) {
	select {
	case s.called <- struct{}{}:
	default:
	}
	return s.pose, PoseScore{Flags: PoseMatchGood | PoseMatchPosition | PoseMatchOrient}, true
}

// uvcPayload builds one isochronous payload carrying body bytes of a
// frame with the given frame_id bit.
func uvcPayload(frameID byte, pts uint32, bodyLen int) []byte {
	p := make([]byte, 12+bodyLen)
	p[0] = 12
	p[1] = 0x04 | frameID // PTS present
	binary.LittleEndian.PutUint32(p[2:6], pts)
	return p
}

// completeWhenPending completes the next transfer, waiting briefly for a
// resubmission if the ring is momentarily empty.
func completeWhenPending(t *testing.T, stub *usb.StubDevice, payloads [][]byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !stub.CompleteNext(payloads...) {
		if time.Now().After(deadline) {
			t.Fatal("no pending transfer to complete")
		}
		time.Sleep(time.Millisecond)
	}
}

// Full stack: stub USB device -> UVC assembly -> sensor -> solver ->
// tracker pose update, then a clean stop.
func TestCameraSensorEndToEnd(t *testing.T) {
	tr := newTestTracker(t)
	dev := addTestDevice(t, tr, 0)

	solver := &fixedSolver{
		pose:   maths.Pose{Pos: maths.Vec3{X: 0.5}, Orient: maths.QuatIdentity()},
		called: make(chan struct{}, 4),
	}

	stub := usb.NewStubDevice()
	sensor, err := NewCameraSensor(tr, stub, uvc.VendorOculus, uvc.ProductCV1Sensor, "CAM1", solver)
	require.NoError(t, err)
	require.NoError(t, tr.AddSensor(sensor))

	imuAt(dev, 1000)
	tr.OnNewExposure(1000, 1, 1000, 0)

	require.NoError(t, sensor.Start(2))
	defer sensor.Stop()

	// The CV1 frame is 1228800 bytes; feed it as 75 payloads of 16372
	// body bytes plus one of 900, across the transfer ring.
	const fullBody = 16384 - 12
	remaining := 1280 * 960
	var batch [][]byte
	for remaining > 0 {
		n := fullBody
		if n > remaining {
			n = remaining
		}
		batch = append(batch, uvcPayload(0, 1000, n))
		remaining -= n

		if len(batch) == 25 { // one transfer's worth
			completeWhenPending(t, stub, batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		completeWhenPending(t, stub, batch)
	}

	select {
	case <-solver.called:
	case <-time.After(2 * time.Second):
		t.Fatal("solver was never invoked")
	}

	// The observation reached the filter
	require.Eventually(t, func() bool {
		return tr.Metrics().PoseUpdates.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Frame lifecycle balanced: once processing finished, no claims
	// remain outstanding
	require.Eventually(t, func() bool {
		return claimSum(dev) == 0
	}, 2*time.Second, 5*time.Millisecond)

	st := dev.fusion.GetPoseAt(dev.DeviceTimeNS())
	assert.Greater(t, st.Pose.Pos.X, float32(0), "filter pulled toward the solved pose")
}

func TestCameraSensorStopWithoutFrames(t *testing.T) {
	tr := newTestTracker(t)

	stub := usb.NewStubDevice()
	sensor, err := NewCameraSensor(tr, stub, uvc.VendorOculus, uvc.ProductDK2Sensor, "CAM2", nil)
	require.NoError(t, err)

	require.NoError(t, sensor.Start(0))

	done := make(chan struct{})
	go func() {
		sensor.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sensor did not stop")
	}

	// Stop is idempotent
	sensor.Stop()
}

func TestCameraSensorUnknownProduct(t *testing.T) {
	tr := newTestTracker(t)
	stub := usb.NewStubDevice()
	_, err := NewCameraSensor(tr, stub, 0x2833, 0x7777, "CAM3", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeSetup))
}
