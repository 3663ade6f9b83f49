package uvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeCommitControlRoundTrip(t *testing.T) {
	original := ProbeCommitControl{
		BmHint:                   0x0001,
		BFormatIndex:             1,
		BFrameIndex:              4,
		DwFrameInterval:          192000,
		WKeyFrameRate:            0x1234,
		WPFrameRate:              0x5678,
		WCompQuality:             0x9abc,
		WCompWindowSize:          0xdef0,
		WDelay:                   32,
		DwMaxVideoFrameSize:      1228800,
		DwMaxPayloadTransferSize: 3072,
		DwClockFrequency:         SensorClockFreq,
		BmFramingInfo:            0x03,
	}

	data := original.Marshal()
	require.Len(t, data, ProbeCommitControlSize)

	var parsed ProbeCommitControl
	require.NoError(t, parsed.Unmarshal(data))
	assert.Equal(t, original, parsed)

	// Re-marshaling yields byte-identical content regardless of host
	// endianness: the layout is explicitly little-endian.
	assert.Equal(t, data, parsed.Marshal())
}

func TestProbeCommitControlLayout(t *testing.T) {
	c := ProbeCommitControl{
		DwFrameInterval: 0x04030201,
		DwClockFrequency: 0x0d0c0b0a,
	}
	data := c.Marshal()

	// dwFrameInterval at offset 4, little-endian
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[4:8])
	// dwClockFrequency at offset 26
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, data[26:30])
}

func TestProbeCommitControlShortBuffer(t *testing.T) {
	var c ProbeCommitControl
	assert.Error(t, c.Unmarshal(make([]byte, ProbeCommitControlSize-1)))
}

func TestLookupDeviceParams(t *testing.T) {
	tests := []struct {
		name     string
		vid, pid uint16
		ok       bool
		width    int
		alt      uint8
		packet   int
	}{
		{"dk2", VendorOculus, ProductDK2Sensor, true, 752, 7, 3060},
		{"cv1", VendorOculus, ProductCV1Sensor, true, 1280, 2, 16384},
		{"unknown product", VendorOculus, 0x9999, false, 0, 0, 0},
		{"unknown vendor", 0x1234, ProductCV1Sensor, false, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, ok := LookupDeviceParams(tt.vid, tt.pid)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.width, params.Width)
			assert.Equal(t, tt.alt, params.AltSetting)
			assert.Equal(t, tt.packet, params.PacketSize)
		})
	}
}

func TestDeviceParamsFrameSize(t *testing.T) {
	params, _ := LookupDeviceParams(VendorOculus, ProductCV1Sensor)
	assert.Equal(t, 1280*960, params.FrameSize())
}
