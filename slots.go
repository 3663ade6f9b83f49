package rift

import "github.com/RSDNTWK/go-rift-tracker/internal/maths"

// poseReport records one camera's pose observation against a delay slot.
type poseReport struct {
	used  bool // the position was folded into the filter
	pose  maths.Pose
	score PoseScore
}

// poseDelaySlot is the bookkeeping for one retained filter state. The
// filter holds the actual state snapshot; the slot tracks who may still
// observe against it.
//
// Invariants (under the owning device's lock):
//   - valid means the filter holds a prepared state at deviceTimeNS.
//   - useCount is the number of live camera-frame claims.
//   - valid && useCount == 0 means eligible for reclamation but still
//     queryable.
type poseDelaySlot struct {
	slotID   int
	valid    bool
	useCount int

	deviceTimeNS uint64

	nPoseReports int
	poseReports  [MaxSensors]poseReport
	nUsedReports int
}

// findFreeDelaySlot cycles the round-robin cursor looking for a slot
// with no outstanding frame claims. Called with the device lock held.
func (d *TrackedDevice) findFreeDelaySlot() *poseDelaySlot {
	for i := 0; i < NumPoseDelaySlots; i++ {
		slotNo := d.delaySlotIndex
		slot := &d.delaySlots[slotNo]

		d.delaySlotIndex = (slotNo + 1) % NumPoseDelaySlots

		if slot.useCount == 0 {
			return slot
		}
	}
	return nil
}

// reclaimDelaySlot picks a busy slot whose information has already been
// folded into the filter, so discarding its retained state loses the
// least. Called with the device lock held.
func (d *TrackedDevice) reclaimDelaySlot() *poseDelaySlot {
	for i := 0; i < NumPoseDelaySlots; i++ {
		slot := &d.delaySlots[i]
		if slot.valid && slot.nUsedReports > 0 {
			return slot
		}
	}
	return nil
}

// matchingDelaySlot resolves an exposure record back to its slot. The
// slot must still be valid and must still hold the same exposure time;
// otherwise the slot was overwritten by a later exposure and the record
// is stale. Called with the device lock held.
func (d *TrackedDevice) matchingDelaySlot(devInfo *DeviceExposureInfo) *poseDelaySlot {
	slotNo := devInfo.FusionSlot
	if slotNo < 0 || slotNo >= NumPoseDelaySlots {
		return nil
	}
	slot := &d.delaySlots[slotNo]
	if slot.valid && slot.deviceTimeNS == devInfo.DeviceTimeNS {
		return slot
	}
	return nil
}

// exposureClaim increments the claim count for the frame that has just
// started arriving against this exposure. A stale record gets its slot
// handle cleared instead. Called with the device lock held.
func (d *TrackedDevice) exposureClaim(devInfo *DeviceExposureInfo) {
	slot := d.matchingDelaySlot(devInfo)
	if slot != nil {
		slot.useCount++
		devInfo.FusionSlot = slot.slotID
		d.observer.ObserveSlotClaim(false)
		d.log.Debugf("claimed delay slot %d for dev %d ts %d, use_count %d",
			slot.slotID, d.ID, devInfo.DeviceTimeNS, slot.useCount)
		return
	}

	// The slot was never allocated (we missed the exposure event), or a
	// later exposure overwrote it because slots ran out.
	if devInfo.FusionSlot != -1 {
		d.observer.ObserveSlotClaim(true)
		devInfo.FusionSlot = -1
	}
}

// exposureRelease drops one claim. The last release hands the retained
// state back to the filter and invalidates the slot. The record's slot
// handle is cleared so a second release is a no-op. Called with the
// device lock held.
func (d *TrackedDevice) exposureRelease(devInfo *DeviceExposureInfo) {
	slot := d.matchingDelaySlot(devInfo)
	if slot == nil {
		return
	}

	if slot.useCount > 0 {
		slot.useCount--
		d.observer.ObserveSlotRelease()
	}

	if slot.useCount == 0 {
		d.fusion.ReleaseDelaySlot(slot.slotID)
		slot.valid = false
		d.log.Debugf("invalidated delay slot %d for dev %d ts %d (%d reports, %d used)",
			slot.slotID, d.ID, devInfo.DeviceTimeNS, slot.nPoseReports, slot.nUsedReports)
	}

	devInfo.FusionSlot = -1
}
