// Package uvc implements the vendor UVC payload protocol the tracking
// cameras speak: stream format negotiation over class control requests,
// and reassembly of image frames from isochronous payload packets.
package uvc

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RSDNTWK/go-rift-tracker/internal/usb"
)

// UVC class request codes and selectors
const (
	reqSetCur = 0x01
	reqGetCur = 0x81

	vsProbeControl  = 1
	vsCommitControl = 2

	// Streaming runs on interface 1; interface 0 carries the control
	// endpoints.
	controlInterface   = 0
	streamingInterface = 1

	controlTimeout = time.Second
)

// SensorClockFreq is the camera timestamp clock rate (40 MHz nominal).
const SensorClockFreq = 40000000

// bmRequestType values: class request, interface recipient.
const (
	requestTypeClassInterfaceOut = 0x21
	requestTypeClassInterfaceIn  = 0xa1
)

// ProbeCommitControlSize is the packed wire size of ProbeCommitControl.
// The sensors use the extended block that carries the clock frequency
// and framing info after the UVC 1.0 fields.
const ProbeCommitControlSize = 31

// ProbeCommitControl is the packed little-endian streaming parameter
// block exchanged over VS_PROBE_CONTROL / VS_COMMIT_CONTROL.
type ProbeCommitControl struct {
	BmHint                   uint16
	BFormatIndex             uint8
	BFrameIndex              uint8
	DwFrameInterval          uint32
	WKeyFrameRate            uint16
	WPFrameRate              uint16
	WCompQuality             uint16
	WCompWindowSize          uint16
	WDelay                   uint16
	DwMaxVideoFrameSize      uint32
	DwMaxPayloadTransferSize uint32
	DwClockFrequency         uint32
	BmFramingInfo            uint8
}

// Marshal packs the control block into its 31-byte wire form.
func (c *ProbeCommitControl) Marshal() []byte {
	buf := make([]byte, ProbeCommitControlSize)

	binary.LittleEndian.PutUint16(buf[0:2], c.BmHint)
	buf[2] = c.BFormatIndex
	buf[3] = c.BFrameIndex
	binary.LittleEndian.PutUint32(buf[4:8], c.DwFrameInterval)
	binary.LittleEndian.PutUint16(buf[8:10], c.WKeyFrameRate)
	binary.LittleEndian.PutUint16(buf[10:12], c.WPFrameRate)
	binary.LittleEndian.PutUint16(buf[12:14], c.WCompQuality)
	binary.LittleEndian.PutUint16(buf[14:16], c.WCompWindowSize)
	binary.LittleEndian.PutUint16(buf[16:18], c.WDelay)
	binary.LittleEndian.PutUint32(buf[18:22], c.DwMaxVideoFrameSize)
	binary.LittleEndian.PutUint32(buf[22:26], c.DwMaxPayloadTransferSize)
	binary.LittleEndian.PutUint32(buf[26:30], c.DwClockFrequency)
	buf[30] = c.BmFramingInfo

	return buf
}

// Unmarshal parses the packed wire form.
func (c *ProbeCommitControl) Unmarshal(data []byte) error {
	if len(data) < ProbeCommitControlSize {
		return fmt.Errorf("probe/commit control short: %d < %d", len(data), ProbeCommitControlSize)
	}

	c.BmHint = binary.LittleEndian.Uint16(data[0:2])
	c.BFormatIndex = data[2]
	c.BFrameIndex = data[3]
	c.DwFrameInterval = binary.LittleEndian.Uint32(data[4:8])
	c.WKeyFrameRate = binary.LittleEndian.Uint16(data[8:10])
	c.WPFrameRate = binary.LittleEndian.Uint16(data[10:12])
	c.WCompQuality = binary.LittleEndian.Uint16(data[12:14])
	c.WCompWindowSize = binary.LittleEndian.Uint16(data[14:16])
	c.WDelay = binary.LittleEndian.Uint16(data[16:18])
	c.DwMaxVideoFrameSize = binary.LittleEndian.Uint32(data[18:22])
	c.DwMaxPayloadTransferSize = binary.LittleEndian.Uint32(data[22:26])
	c.DwClockFrequency = binary.LittleEndian.Uint32(data[26:30])
	c.BmFramingInfo = data[30]

	return nil
}

// setCur issues SET_CUR for the given selector on a streaming interface
// entity.
func setCur(dev usb.Device, iface, entity, selector uint8, data []byte) error {
	value := uint16(selector) << 8
	index := uint16(entity)<<8 | uint16(iface)
	_, err := dev.Control(requestTypeClassInterfaceOut, reqSetCur, value, index, data, controlTimeout)
	if err != nil {
		return fmt.Errorf("SET_CUR entity=%d selector=%d: %w", entity, selector, err)
	}
	return nil
}

// getCur issues GET_CUR for the given selector and fills data with the
// device's reply.
func getCur(dev usb.Device, iface, entity, selector uint8, data []byte) error {
	value := uint16(selector) << 8
	index := uint16(entity)<<8 | uint16(iface)
	_, err := dev.Control(requestTypeClassInterfaceIn, reqGetCur, value, index, data, controlTimeout)
	if err != nil {
		return fmt.Errorf("GET_CUR entity=%d selector=%d: %w", entity, selector, err)
	}
	return nil
}
