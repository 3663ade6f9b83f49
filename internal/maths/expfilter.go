package maths

import "math"

// DefaultOutputCutoffHz is the single-pole cutoff applied to reported
// poses when the configuration doesn't override it.
const DefaultOutputCutoffHz = 20.0

// ExpPoseFilter is a single-pole lowpass over a pose stream. The pole is
// parametrized by the inter-sample dt, so irregular sample spacing keeps
// a consistent cutoff frequency.
type ExpPoseFilter struct {
	cutoffHz    float32
	initialized bool
	lastTS      uint64
	pose        Pose
}

// NewExpPoseFilter creates a filter with the given cutoff frequency.
// A cutoff <= 0 falls back to DefaultOutputCutoffHz.
func NewExpPoseFilter(cutoffHz float32) ExpPoseFilter {
	if cutoffHz <= 0 {
		cutoffHz = DefaultOutputCutoffHz
	}
	return ExpPoseFilter{cutoffHz: cutoffHz}
}

// Reset discards the filter state. The next Run re-seeds from its input.
func (f *ExpPoseFilter) Reset() {
	f.initialized = false
}

// Run feeds the target pose at device time ts (nanoseconds) and returns
// the smoothed output. The first sample passes through unchanged.
func (f *ExpPoseFilter) Run(ts uint64, target Pose) Pose {
	if !f.initialized || ts <= f.lastTS {
		f.pose = target
		f.lastTS = ts
		f.initialized = true
		return f.pose
	}

	dt := float64(ts-f.lastTS) / 1e9
	f.lastTS = ts

	// alpha = dt / (dt + RC) with RC = 1/(2πf)
	rc := 1.0 / (2 * math.Pi * float64(f.cutoffHz))
	alpha := float32(dt / (dt + rc))

	f.pose.Pos = f.pose.Pos.Add(target.Pos.Sub(f.pose.Pos).Scale(alpha))
	f.pose.Orient = f.pose.Orient.Lerp(target.Orient, alpha)
	return f.pose
}
