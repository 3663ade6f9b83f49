package usb

import (
	"fmt"
	"sync"
	"time"
)

// StubDevice is an in-memory Device implementation for tests. Control
// requests are answered by the optional ControlFunc hook, submitted
// transfers queue until the test completes them, and
// HandleEvents drains a completion queue exactly like the real backend.
type StubDevice struct {
	mu sync.Mutex

	// ControlFunc, when set, answers control transfers. The default
	// echoes the request data back unchanged (a well-behaved UVC PROBE).
	ControlFunc func(requestType, request uint8, value, index uint16, data []byte) (int, error)

	controlLog []StubControlRecord
	altLog     []uint8

	pending   []*IsoTransfer
	completed []*IsoTransfer

	closed bool
}

// StubControlRecord captures one control transfer for verification.
type StubControlRecord struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
}

// NewStubDevice creates a stub with echo control behavior.
func NewStubDevice() *StubDevice {
	return &StubDevice{}
}

func (d *StubDevice) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	rec := StubControlRecord{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Data:        append([]byte(nil), data...),
	}
	d.controlLog = append(d.controlLog, rec)
	fn := d.ControlFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(requestType, request, value, index, data)
	}
	return len(data), nil
}

// ControlLog returns all control transfers seen so far.
func (d *StubDevice) ControlLog() []StubControlRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]StubControlRecord(nil), d.controlLog...)
}

// AltSettings returns the alt settings selected, in order.
func (d *StubDevice) AltSettings() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.altLog...)
}

func (d *StubDevice) ClaimInterface(ifnum uint8) error   { return nil }
func (d *StubDevice) ReleaseInterface(ifnum uint8) error { return nil }
func (d *StubDevice) DetachKernelDriver(ifnum uint8) error {
	return nil
}

func (d *StubDevice) SetInterfaceAltSetting(ifnum, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.altLog = append(d.altLog, alt)
	return nil
}

func (d *StubDevice) AllocIsoTransfer(endpoint uint8, numPackets, packetSize int, cb func(*IsoTransfer)) *IsoTransfer {
	return &IsoTransfer{
		Endpoint:   endpoint,
		NumPackets: numPackets,
		PacketSize: packetSize,
		Buffer:     make([]byte, numPackets*packetSize),
		Packets:    make([]IsoPacket, numPackets),
		Callback:   cb,
	}
}

func (d *StubDevice) Submit(t *IsoTransfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device closed")
	}
	d.pending = append(d.pending, t)
	return nil
}

func (d *StubDevice) Cancel(t *IsoTransfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p == t {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			t.Status = TransferCancelled
			d.completed = append(d.completed, t)
			return nil
		}
	}
	return nil
}

// Pending returns the transfers currently submitted and not completed.
func (d *StubDevice) Pending() []*IsoTransfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*IsoTransfer(nil), d.pending...)
}

// CompleteNext dequeues the oldest pending transfer, fills the given
// packet payloads into its buffer and marks it completed. Packets beyond
// the supplied payloads report zero actual length.
func (d *StubDevice) CompleteNext(payloads ...[]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	t := d.pending[0]
	d.pending = d.pending[1:]

	for i := range t.Packets {
		t.Packets[i] = IsoPacket{Length: uint32(t.PacketSize)}
		if i < len(payloads) {
			n := copy(t.Buffer[i*t.PacketSize:(i+1)*t.PacketSize], payloads[i])
			t.Packets[i].ActualLength = uint32(n)
		}
	}
	t.Status = TransferCompleted
	d.completed = append(d.completed, t)
	return true
}

// CancelAllPending aborts everything submitted, as a dying device would.
func (d *StubDevice) CancelAllPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.pending {
		t.Status = TransferCancelled
		d.completed = append(d.completed, t)
	}
	d.pending = nil
}

func (d *StubDevice) HandleEvents(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	d.mu.Lock()
	for len(d.completed) == 0 && !d.closed {
		if time.Now().After(deadline) {
			d.mu.Unlock()
			return nil
		}
		// Busy-ish wait with short naps keeps the stub simple and the
		// test latency bounded
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		d.mu.Lock()
	}
	done := d.completed
	d.completed = nil
	d.mu.Unlock()

	for _, t := range done {
		if t.Callback != nil {
			t.Callback(t)
		}
	}
	return nil
}

func (d *StubDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ Device = (*StubDevice)(nil)
