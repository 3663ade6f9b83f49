package fusion

import (
	"math"
	"testing"

	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
)

func msNs(ms uint64) uint64 { return ms * 1_000_000 }

func TestDelaySlotLifecycle(t *testing.T) {
	f := NewCVFilter(maths.PoseIdentity(), 3)
	f.IMUUpdate(msNs(1), maths.Vec3{}, maths.Vec3{}, maths.Vec3{})

	f.PrepareDelaySlot(msNs(2), 1)
	if _, ok := f.GetDelaySlotPoseAt(msNs(2), 1); !ok {
		t.Fatal("prepared slot should be queryable")
	}
	if _, ok := f.GetDelaySlotPoseAt(msNs(2), 0); ok {
		t.Error("unprepared slot should not be queryable")
	}

	f.ReleaseDelaySlot(1)
	if _, ok := f.GetDelaySlotPoseAt(msNs(2), 1); ok {
		t.Error("released slot should not be queryable")
	}
}

func TestDelaySlotOutOfRange(t *testing.T) {
	f := NewCVFilter(maths.PoseIdentity(), 3)
	// Out-of-range slots must be ignored, not panic
	f.PrepareDelaySlot(msNs(1), -1)
	f.PrepareDelaySlot(msNs(1), 7)
	f.ReleaseDelaySlot(-1)
	if _, ok := f.GetDelaySlotPoseAt(msNs(1), -1); ok {
		t.Error("negative slot should not resolve")
	}
}

func TestPoseUpdatePullsTowardObservation(t *testing.T) {
	f := NewCVFilter(maths.PoseIdentity(), 3)
	f.IMUUpdate(msNs(1), maths.Vec3{}, maths.Vec3{}, maths.Vec3{})
	f.PrepareDelaySlot(msNs(2), 0)

	obs := maths.Pose{Pos: maths.Vec3{X: 1}, Orient: maths.QuatIdentity()}
	f.PoseUpdate(msNs(10), obs, 0)

	st := f.GetPoseAt(msNs(10))
	if st.Pose.Pos.X <= 0 {
		t.Errorf("position did not move toward observation: %+v", st.Pose.Pos)
	}
	if st.PosError.X >= 1 {
		t.Errorf("position uncertainty did not collapse: %+v", st.PosError)
	}
}

func TestGyroIntegration(t *testing.T) {
	f := NewCVFilter(maths.PoseIdentity(), 3)
	f.IMUUpdate(0, maths.Vec3{}, maths.Vec3{}, maths.Vec3{})

	// 1 rad/s about Z for 500ms in 1ms steps
	rate := maths.Vec3{Z: 1}
	for ts := uint64(1); ts <= 500; ts++ {
		f.IMUUpdate(msNs(ts), rate, maths.Vec3{}, maths.Vec3{})
	}

	st := f.GetPoseAt(msNs(500))
	rot := st.Pose.Orient.ToRotationVec()
	if math.Abs(float64(rot.Z-0.5)) > 0.01 {
		t.Errorf("integrated rotation = %v rad, want ~0.5", rot.Z)
	}
}

func TestPositionUpdateAgainstStaleSlotUsesSnapshot(t *testing.T) {
	f := NewCVFilter(maths.PoseIdentity(), 3)
	f.IMUUpdate(msNs(1), maths.Vec3{}, maths.Vec3{}, maths.Vec3{})
	f.PrepareDelaySlot(msNs(1), 0)

	// IMU keeps arriving after the snapshot
	for ts := uint64(2); ts <= 20; ts++ {
		f.IMUUpdate(msNs(ts), maths.Vec3{}, maths.Vec3{}, maths.Vec3{})
	}

	f.PositionUpdate(msNs(20), maths.Vec3{X: 0.5}, 0)
	st := f.GetPoseAt(msNs(20))
	if st.Pose.Pos.X <= 0 {
		t.Errorf("delayed observation had no effect: %+v", st.Pose.Pos)
	}
}

func TestClearResetsState(t *testing.T) {
	f := NewCVFilter(maths.PoseIdentity(), 3)
	f.IMUUpdate(msNs(1), maths.Vec3{Z: 1}, maths.Vec3{}, maths.Vec3{})
	f.PrepareDelaySlot(msNs(1), 0)

	f.Clear()
	if _, ok := f.GetDelaySlotPoseAt(msNs(1), 0); ok {
		t.Error("Clear should drop delay slots")
	}
}
