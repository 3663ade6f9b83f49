package rift

import "time"

// Roster limits. The exposure snapshot embeds a fixed-size per-device
// array, so these are compile-time bounds rather than config.
const (
	MaxTrackedDevices = 3
	MaxSensors        = 4
)

// NumPoseDelaySlots is the number of retained filter states available
// per device for delayed visual observations.
const NumPoseDelaySlots = 3

// MaxPendingIMUObservations bounds the per-device IMU ring kept for
// trace export. When full, the ring flushes to the trace sink.
const MaxPendingIMUObservations = 1000

// poseLostThreshold is how long we will keep extrapolating position
// without a visual observation before freezing the reported position.
const poseLostThreshold = 500 * time.Millisecond

// poseLostOrientThreshold is how long we will ignore unmatched camera
// orientations before forcing one through anyway.
const poseLostOrientThreshold = 100 * time.Millisecond
