// Package fusion defines the interface the tracker core drives the 6DoF
// state estimator through, and a constant-velocity reference implementation.
//
// The tracker only ever talks to the Filter interface: it feeds IMU samples
// forward in time, asks it to retain snapshots of its state in numbered
// delay slots at exposure instants, and later applies visual observations
// against those retained snapshots so a slow camera pipeline doesn't smear
// its corrections across newer IMU data.
package fusion

import (
	"sync"

	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
)

// State is a point estimate of the tracked body in the fusion (IMU-aligned
// global) frame, with per-axis 1σ uncertainties.
type State struct {
	Pose     maths.Pose
	LinVel   maths.Vec3
	LinAccel maths.Vec3
	AngVel   maths.Vec3

	PosError maths.Vec3
	RotError maths.Vec3
}

// Filter is the estimator operation set the tracker core requires.
// Implementations are not required to be thread-safe: the owning device's
// lock serializes all calls.
type Filter interface {
	// IMUUpdate advances the filter to timeNs with one inertial sample.
	IMUUpdate(timeNs uint64, angVel, accel, mag maths.Vec3)

	// PoseUpdate applies a full pose observation made at the time the
	// given delay slot was prepared.
	PoseUpdate(timeNs uint64, pose maths.Pose, slot int)

	// PositionUpdate applies a position-only observation against the
	// given delay slot.
	PositionUpdate(timeNs uint64, pos maths.Vec3, slot int)

	// GetPoseAt predicts the state at timeNs without mutating anything
	// observable by later calls.
	GetPoseAt(timeNs uint64) State

	// PrepareDelaySlot snapshots the current state into slot, replacing
	// whatever the slot previously held.
	PrepareDelaySlot(timeNs uint64, slot int)

	// ReleaseDelaySlot discards the snapshot held by slot.
	ReleaseDelaySlot(slot int)

	// GetDelaySlotPoseAt predicts the state the retained slot snapshot
	// implies at timeNs. Returns false if the slot holds no snapshot.
	GetDelaySlotPoseAt(timeNs uint64, slot int) (State, bool)

	// Clear resets the filter to its initial state.
	Clear()
}

type delayState struct {
	live   bool
	timeNs uint64
	state  State
}

// CVFilter is a complementary constant-velocity estimator. It integrates
// gyro rates into orientation, propagates position with the last fused
// velocity, and folds visual observations in with fixed gains. It stands
// in for the full unscented filter, which lives outside this module, and
// implements the identical delay-slot contract.
type CVFilter struct {
	mu sync.Mutex

	initialized bool
	timeNs      uint64
	state       State

	slots []delayState

	// Blend gains for visual corrections
	posGain    float32
	orientGain float32
}

// NewCVFilter creates a filter with numDelaySlots retained-state slots and
// the given initial pose.
func NewCVFilter(initPose maths.Pose, numDelaySlots int) *CVFilter {
	f := &CVFilter{
		slots:      make([]delayState, numDelaySlots),
		posGain:    0.8,
		orientGain: 0.5,
	}
	f.state.Pose = initPose
	f.state.PosError = maths.Vec3{X: 1, Y: 1, Z: 1}
	f.state.RotError = maths.Vec3{X: 1, Y: 1, Z: 1}
	return f
}

// Clear drops every delay slot and resets the state to an identity pose
// with zero velocity and zero error. The initial pose given to
// NewCVFilter is not restored.
func (f *CVFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	f.state = State{Pose: maths.PoseIdentity()}
	for i := range f.slots {
		f.slots[i] = delayState{}
	}
}

// propagate advances st from fromNs to toNs under the constant-velocity
// model. Orientation holds the last integrated gyro attitude.
func propagate(st State, fromNs, toNs uint64) State {
	if toNs <= fromNs {
		return st
	}
	dt := float32(toNs-fromNs) / 1e9
	st.Pose.Pos = st.Pose.Pos.Add(st.LinVel.Scale(dt))
	// Uncertainty grows with prediction distance
	growth := dt * 0.1
	st.PosError = st.PosError.Add(maths.Vec3{X: growth, Y: growth, Z: growth})
	return st
}

func (f *CVFilter) IMUUpdate(timeNs uint64, angVel, accel, mag maths.Vec3) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		f.initialized = true
		f.timeNs = timeNs
		f.state.AngVel = angVel
		f.state.LinAccel = accel
		return
	}
	if timeNs <= f.timeNs {
		return
	}
	dt := float32(timeNs-f.timeNs) / 1e9

	// Integrate gyro into orientation
	dq := maths.FromAxisAngle(f.state.Pose.Orient.Rotate(angVel).Scale(dt))
	f.state.Pose.Orient = dq.Mul(f.state.Pose.Orient).Normalize()

	f.state.Pose.Pos = f.state.Pose.Pos.Add(f.state.LinVel.Scale(dt))
	f.state.AngVel = angVel
	f.state.LinAccel = accel
	f.timeNs = timeNs
}

func (f *CVFilter) GetPoseAt(timeNs uint64) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return propagate(f.state, f.timeNs, timeNs)
}

func (f *CVFilter) PrepareDelaySlot(timeNs uint64, slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot < 0 || slot >= len(f.slots) {
		return
	}
	f.slots[slot] = delayState{
		live:   true,
		timeNs: timeNs,
		state:  propagate(f.state, f.timeNs, timeNs),
	}
}

func (f *CVFilter) ReleaseDelaySlot(slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot < 0 || slot >= len(f.slots) {
		return
	}
	f.slots[slot].live = false
}

func (f *CVFilter) GetDelaySlotPoseAt(timeNs uint64, slot int) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot < 0 || slot >= len(f.slots) || !f.slots[slot].live {
		return State{}, false
	}
	s := f.slots[slot]
	return propagate(s.state, s.timeNs, timeNs), true
}

func (f *CVFilter) PoseUpdate(timeNs uint64, pose maths.Pose, slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyObservation(timeNs, pose.Pos, &pose.Orient, slot)
}

func (f *CVFilter) PositionUpdate(timeNs uint64, pos maths.Vec3, slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyObservation(timeNs, pos, nil, slot)
}

// applyObservation folds a visual observation made at the slot's snapshot
// time into the current state. The innovation is measured against the
// retained snapshot, so late observations don't double-count IMU motion
// that already happened since the exposure.
func (f *CVFilter) applyObservation(timeNs uint64, pos maths.Vec3, orient *maths.Quat, slot int) {
	ref := f.state
	refTime := f.timeNs
	if slot >= 0 && slot < len(f.slots) && f.slots[slot].live {
		ref = f.slots[slot].state
		refTime = f.slots[slot].timeNs
	}

	posInnov := pos.Sub(ref.Pose.Pos)
	f.state.Pose.Pos = f.state.Pose.Pos.Add(posInnov.Scale(f.posGain))

	// A pair of observations a known interval apart implies velocity
	if dt := float32(timeNs-refTime) / 1e9; dt > 1e-3 {
		implied := posInnov.Scale(1 / dt)
		f.state.LinVel = f.state.LinVel.Add(implied.Sub(f.state.LinVel).Scale(f.posGain * 0.5))
	}

	if orient != nil {
		diff := orient.Diff(ref.Pose.Orient)
		correction := diff.ToRotationVec().Scale(f.orientGain)
		f.state.Pose.Orient = maths.FromAxisAngle(correction).Mul(f.state.Pose.Orient).Normalize()
	}

	// Fresh observation collapses the position uncertainty
	f.state.PosError = maths.Vec3{X: 0.01, Y: 0.01, Z: 0.01}
	f.state.RotError = maths.Vec3{X: 0.05, Y: 0.05, Z: 0.05}

	// Refresh the slot snapshot so further cameras observing the same
	// exposure correct against the updated estimate
	if slot >= 0 && slot < len(f.slots) && f.slots[slot].live {
		st := &f.slots[slot]
		st.state.Pose.Pos = st.state.Pose.Pos.Add(posInnov.Scale(f.posGain))
		if orient != nil {
			st.state.Pose.Orient = *orient
		}
	}
}

var _ Filter = (*CVFilter)(nil)
