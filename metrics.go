package rift

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a tracker instance. All
// counters are atomic so hot paths can record without taking locks.
type Metrics struct {
	// IMU path
	IMUUpdates atomic.Uint64

	// Exposure / delay-slot accounting
	Exposures        atomic.Uint64
	DroppedExposures atomic.Uint64 // no slot available, fusion_slot = -1
	ReclaimedSlots   atomic.Uint64
	SlotClaims       atomic.Uint64
	SlotReleases     atomic.Uint64
	StaleSlotClaims  atomic.Uint64 // claim/lookup against an overwritten slot

	// Visual observation outcomes
	PoseUpdates         atomic.Uint64 // full pose applied
	PositionUpdates     atomic.Uint64 // position-only applied
	ForcedOrientUpdates atomic.Uint64
	RejectedPositions   atomic.Uint64 // acceptance policy refused position
	DiscardedPoses      atomic.Uint64 // observation arrived after slot reclaim

	// Lifecycle
	StartTime atomic.Int64
}

// NewMetrics creates a metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	IMUUpdates uint64

	Exposures        uint64
	DroppedExposures uint64
	ReclaimedSlots   uint64
	SlotClaims       uint64
	SlotReleases     uint64
	StaleSlotClaims  uint64

	PoseUpdates         uint64
	PositionUpdates     uint64
	ForcedOrientUpdates uint64
	RejectedPositions   uint64
	DiscardedPoses      uint64

	UptimeNs uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		IMUUpdates:          m.IMUUpdates.Load(),
		Exposures:           m.Exposures.Load(),
		DroppedExposures:    m.DroppedExposures.Load(),
		ReclaimedSlots:      m.ReclaimedSlots.Load(),
		SlotClaims:          m.SlotClaims.Load(),
		SlotReleases:        m.SlotReleases.Load(),
		StaleSlotClaims:     m.StaleSlotClaims.Load(),
		PoseUpdates:         m.PoseUpdates.Load(),
		PositionUpdates:     m.PositionUpdates.Load(),
		ForcedOrientUpdates: m.ForcedOrientUpdates.Load(),
		RejectedPositions:   m.RejectedPositions.Load(),
		DiscardedPoses:      m.DiscardedPoses.Load(),
		UptimeNs:            uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
}

// Observer allows pluggable collection of tracker events.
// Implementations must be thread-safe; methods are called from the IMU,
// sensor and consumer paths with device locks held.
type Observer interface {
	ObserveIMUUpdate()
	ObserveExposure(dropped, reclaimed bool)
	ObserveSlotClaim(stale bool)
	ObserveSlotRelease()
	ObservePoseObservation(outcome PoseOutcome)
}

// PoseOutcome classifies what a visual observation did to the filter.
type PoseOutcome int

const (
	PoseOutcomeDiscarded PoseOutcome = iota // slot gone before the observation landed
	PoseOutcomeRejected                     // acceptance policy refused position, nothing applied
	PoseOutcomePosition                     // position-only update
	PoseOutcomeFull                         // position + orientation
	PoseOutcomeForcedOrient                 // orientation forced without a match
)

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIMUUpdate()                    {}
func (NoOpObserver) ObserveExposure(bool, bool)           {}
func (NoOpObserver) ObserveSlotClaim(bool)                {}
func (NoOpObserver) ObserveSlotRelease()                  {}
func (NoOpObserver) ObservePoseObservation(PoseOutcome)   {}

// MetricsObserver records events into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIMUUpdate() {
	o.metrics.IMUUpdates.Add(1)
}

func (o *MetricsObserver) ObserveExposure(dropped, reclaimed bool) {
	o.metrics.Exposures.Add(1)
	if dropped {
		o.metrics.DroppedExposures.Add(1)
	}
	if reclaimed {
		o.metrics.ReclaimedSlots.Add(1)
	}
}

func (o *MetricsObserver) ObserveSlotClaim(stale bool) {
	if stale {
		o.metrics.StaleSlotClaims.Add(1)
	} else {
		o.metrics.SlotClaims.Add(1)
	}
}

func (o *MetricsObserver) ObserveSlotRelease() {
	o.metrics.SlotReleases.Add(1)
}

func (o *MetricsObserver) ObservePoseObservation(outcome PoseOutcome) {
	switch outcome {
	case PoseOutcomeDiscarded:
		o.metrics.DiscardedPoses.Add(1)
	case PoseOutcomeRejected:
		o.metrics.RejectedPositions.Add(1)
	case PoseOutcomePosition:
		o.metrics.PositionUpdates.Add(1)
	case PoseOutcomeFull:
		o.metrics.PoseUpdates.Add(1)
	case PoseOutcomeForcedOrient:
		o.metrics.ForcedOrientUpdates.Add(1)
	}
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
