package rift

import "github.com/RSDNTWK/go-rift-tracker/internal/maths"

// PoseMatchFlags describe how well a solved pose matched the observed
// blob constellation.
type PoseMatchFlags uint8

const (
	// PoseMatchGood marks a match the solver considers trustworthy.
	PoseMatchGood PoseMatchFlags = 1 << iota
	// PoseMatchPosition marks a positional match strong enough to
	// correct the filter's position estimate.
	PoseMatchPosition
	// PoseMatchOrient marks an orientation match strong enough to
	// correct the filter's orientation estimate.
	PoseMatchOrient
)

// Has reports whether all the given flags are set.
func (f PoseMatchFlags) Has(flags PoseMatchFlags) bool {
	return f&flags == flags
}

// PoseScore is the solver's quality report for one candidate pose.
type PoseScore struct {
	MatchedBlobs      int
	UnmatchedBlobs    int
	VisibleLEDs       int
	ReprojectionError float64

	Flags PoseMatchFlags
}

// DeviceExposureInfo is the per-device portion of an exposure snapshot:
// which delay slot holds the device's filter state for this exposure,
// and the predicted capture pose in the LED model frame.
type DeviceExposureInfo struct {
	DeviceTimeNS uint64

	// FusionSlot is the delay slot assigned for this exposure, or -1 if
	// none could be allocated (the exposure was dropped for this device).
	FusionSlot int

	// CapturePose is the predicted model-frame pose at the exposure
	// instant, with per-axis 1σ errors.
	CapturePose maths.Pose
	PosError    maths.Vec3
	RotError    maths.Vec3

	// HadPoseLock is set when the prediction derives from a recent
	// visual observation rather than dead reckoning.
	HadPoseLock bool
}

// ExposureInfo is the broadcast snapshot taken when the HMD signals a
// new coordinated camera exposure. Sensors copy it and tag the frames
// they subsequently receive with it.
type ExposureInfo struct {
	// LocalTS is the host monotonic time (ns) the exposure was noticed.
	LocalTS uint64
	// HMDTS is the 32-bit µs device timestamp of the exposure.
	HMDTS uint32
	// Count is the HMD's 16-bit exposure counter.
	Count uint16
	// LEDPatternPhase is the blink-pattern phase during this exposure.
	LEDPatternPhase uint8

	NDevices int
	Devices  [MaxTrackedDevices]DeviceExposureInfo
}
