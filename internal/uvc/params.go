package uvc

// Recognized camera products.
const (
	VendorOculus     = 0x2833
	ProductDK2Sensor = 0x0201
	ProductCV1Sensor = 0x0211
)

// DeviceParams describes the fixed streaming geometry of one recognized
// camera product.
type DeviceParams struct {
	Width  int
	Height int
	Stride int

	PacketSize int
	AltSetting uint8

	FrameIndex       uint8
	FrameIntervalUs  uint32
	MaxPayloadSize   uint32
	ClockFrequencyHz uint32
}

// FrameSize returns the raw image size in bytes.
func (p DeviceParams) FrameSize() int {
	return p.Stride * p.Height
}

// LookupDeviceParams returns the streaming parameters for a recognized
// {vendor, product} pair. Unknown products fail stream setup.
func LookupDeviceParams(vid, pid uint16) (DeviceParams, bool) {
	if vid != VendorOculus {
		return DeviceParams{}, false
	}
	switch pid {
	case ProductDK2Sensor:
		return DeviceParams{
			Width:           752,
			Height:          480,
			Stride:          752,
			PacketSize:      3060,
			AltSetting:      7,
			FrameIndex:      1,
			FrameIntervalUs: 166666,
			MaxPayloadSize:  3000,
		}, true
	case ProductCV1Sensor:
		return DeviceParams{
			Width:            1280,
			Height:           960,
			Stride:           1280,
			PacketSize:       16384,
			AltSetting:       2,
			FrameIndex:       4,
			FrameIntervalUs:  192000,
			MaxPayloadSize:   3072,
			ClockFrequencyHz: SensorClockFreq,
		}, true
	default:
		return DeviceParams{}, false
	}
}
