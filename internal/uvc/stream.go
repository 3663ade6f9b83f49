package uvc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RSDNTWK/go-rift-tracker/internal/frame"
	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
	"github.com/RSDNTWK/go-rift-tracker/internal/usb"
)

// Isochronous payload header, 12 bytes.
const payloadHeaderLen = 12

// bmHeaderInfo bits
const (
	headerFrameID    = 0x01
	headerEndOfFrame = 0x02
	headerHavePTS    = 0x04
	headerHaveSCR    = 0x08
	headerError      = 0x40
)

// packetsPerTransferTarget sizes each transfer at up to 32 packets.
const packetsPerTransferTarget = 32

const (
	resubmitAttempts = 5
	resubmitDelay    = 500 * time.Microsecond
)

// Stats counts assembler and transfer events. All fields are atomic;
// read them with Load.
type Stats struct {
	FramesCaptured    atomic.Uint64
	ShortFrames       atomic.Uint64
	DiscardedPayloads atomic.Uint64
	PoolExhausted     atomic.Uint64
	PTSJumps          atomic.Uint64
	TransferErrors    atomic.Uint64
	Resubmits         atomic.Uint64
}

// FrameSink receives completed frames. Ownership of the frame transfers
// to the sink, which must eventually Release it back to the pool.
type FrameSink func(*frame.Frame)

// Stream assembles camera frames from isochronous payload packets and
// manages the transfer ring that feeds it.
//
// Assembler state is only touched from the USB event goroutine, so it
// needs no lock. The running flag, active-transfer count and stop
// waiters share the stream mutex.
type Stream struct {
	log    *logging.Logger
	dev    usb.Device
	params DeviceParams

	frameSize    int
	numTransfers int
	transfers    []*usb.IsoTransfer
	setupDone    bool

	pool *frame.Pool
	sink FrameSink

	// nowFn stamps frame start times; a hook for tests.
	nowFn func() uint64

	mu              sync.Mutex
	cond            *sync.Cond
	running         bool
	failed          bool
	activeTransfers int

	// Assembler state, event-goroutine only.
	frameID        int
	curFrame       *frame.Frame
	frameCollected int
	curPTS         uint32
	skipFrame      bool

	Stats Stats
}

// NewStream creates a stream for the given open device. Setup must be
// called before Start.
func NewStream(dev usb.Device, serial string) *Stream {
	s := &Stream{
		log:     logging.Scope("uvc[" + serial + "]"),
		dev:     dev,
		frameID: -1, // first packet always toggles
		nowFn:   monotonicNow,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Params returns the negotiated device parameters. Only valid after a
// successful Setup.
func (s *Stream) Params() DeviceParams {
	return s.params
}

// Setup negotiates the stream format with the device and allocates the
// isochronous transfer ring. The two-phase exchange (PROBE set/get, then
// COMMIT) follows the UVC class protocol.
func (s *Stream) Setup(vid, pid uint16) error {
	params, ok := LookupDeviceParams(vid, pid)
	if !ok {
		return fmt.Errorf("unrecognized camera device %04x:%04x", vid, pid)
	}
	s.params = params
	s.frameSize = params.FrameSize()

	if err := s.dev.DetachKernelDriver(controlInterface); err != nil {
		return fmt.Errorf("detach kernel driver: %w", err)
	}
	if err := s.dev.ClaimInterface(controlInterface); err != nil {
		return fmt.Errorf("claim control interface: %w", err)
	}
	if err := s.dev.DetachKernelDriver(streamingInterface); err != nil {
		return fmt.Errorf("detach kernel driver: %w", err)
	}
	if err := s.dev.ClaimInterface(streamingInterface); err != nil {
		return fmt.Errorf("claim streaming interface: %w", err)
	}

	control := ProbeCommitControl{
		BFormatIndex:             1,
		BFrameIndex:              params.FrameIndex,
		DwFrameInterval:          params.FrameIntervalUs,
		DwMaxVideoFrameSize:      uint32(s.frameSize),
		DwMaxPayloadTransferSize: params.MaxPayloadSize,
		DwClockFrequency:         params.ClockFrequencyHz,
	}

	// PROBE: propose our parameters, then read back what the device
	// actually granted. COMMIT locks them in.
	buf := control.Marshal()
	if err := setCur(s.dev, streamingInterface, 0, vsProbeControl, buf); err != nil {
		return err
	}
	if err := getCur(s.dev, streamingInterface, 0, vsProbeControl, buf); err != nil {
		return err
	}
	if err := setCur(s.dev, streamingInterface, 0, vsCommitControl, buf); err != nil {
		return err
	}
	if err := control.Unmarshal(buf); err != nil {
		return err
	}
	s.log.Debugf("negotiated interval=%dus frame=%d payload=%d",
		control.DwFrameInterval, control.DwMaxVideoFrameSize, control.DwMaxPayloadTransferSize)

	if err := s.dev.SetInterfaceAltSetting(streamingInterface, params.AltSetting); err != nil {
		return fmt.Errorf("set alt setting %d: %w", params.AltSetting, err)
	}

	numPackets := (s.frameSize + params.PacketSize - 1) / params.PacketSize
	s.numTransfers = (numPackets + packetsPerTransferTarget - 1) / packetsPerTransferTarget
	perTransfer := numPackets / s.numTransfers

	s.transfers = make([]*usb.IsoTransfer, s.numTransfers)
	for i := range s.transfers {
		s.transfers[i] = s.dev.AllocIsoTransfer(0x81, perTransfer, params.PacketSize, s.transferComplete)
	}

	s.setupDone = true
	return nil
}

// Start allocates the frame pool and submits the transfer ring. Frames
// are delivered to sink as they complete.
func (s *Stream) Start(minFrames int, sink FrameSink) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	if !s.setupDone {
		s.mu.Unlock()
		return fmt.Errorf("stream not set up")
	}
	s.running = true
	s.failed = false
	s.mu.Unlock()

	s.sink = sink
	s.curFrame = nil
	s.frameCollected = 0
	s.frameID = -1
	s.skipFrame = false
	s.pool = frame.NewPool(minFrames, s.params.Stride, s.params.Width, s.params.Height)

	for i, t := range s.transfers {
		if err := s.dev.Submit(t); err != nil {
			s.mu.Lock()
			s.activeTransfers = i
			s.mu.Unlock()
			s.log.Errorf("failed to submit iso transfer %d: %v", i, err)
			s.Stop()
			return err
		}
	}

	s.mu.Lock()
	s.activeTransfers = s.numTransfers
	s.mu.Unlock()
	return nil
}

// Stop halts streaming: drops back to alt setting 0, cancels in-flight
// transfers and waits until every active transfer has drained. Safe to
// call after a failed Start.
func (s *Stream) Stop() error {
	if s.setupDone {
		if err := s.dev.SetInterfaceAltSetting(streamingInterface, 0); err != nil {
			s.log.Warnf("reset alt setting: %v", err)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	for _, t := range s.transfers {
		_ = s.dev.Cancel(t)
	}

	s.mu.Lock()
	for s.activeTransfers > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()

	if s.curFrame != nil {
		s.curFrame.Release()
		s.curFrame = nil
	}
	s.pool = nil
	return nil
}

// Failed reports whether the stream gave up resubmitting transfers.
func (s *Stream) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Stream) dropActiveTransfer() {
	s.mu.Lock()
	s.activeTransfers--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// transferComplete runs on the USB event goroutine for each completed
// transfer. It feeds every contained packet to the assembler and
// resubmits the transfer, retrying briefly when the submit bounces.
func (s *Stream) transferComplete(t *usb.IsoTransfer) {
	if t.Status != usb.TransferCompleted {
		if t.Status != usb.TransferCancelled {
			s.Stats.TransferErrors.Add(1)
			s.log.Warnf("transfer error: %v", t.Status)
		}
		s.dropActiveTransfer()
		return
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		// Not resubmitting; reduce the active count
		s.dropActiveTransfer()
		return
	}

	for i := 0; i < t.NumPackets; i++ {
		s.ProcessPayload(t.PacketBuffer(i))
	}

	var err error
	attempt := 0
	for ; attempt < resubmitAttempts; attempt++ {
		// Sometimes this fails, and we retry
		if err = s.dev.Submit(t); err == nil {
			break
		}
		time.Sleep(resubmitDelay)
	}
	if err != nil {
		s.log.Errorf("failed to resubmit after %d attempts: %v", resubmitAttempts, err)
		s.mu.Lock()
		s.failed = true
		s.activeTransfers--
		s.cond.Broadcast()
		s.mu.Unlock()
	} else if attempt > 0 {
		s.Stats.Resubmits.Add(1)
		s.log.Warnf("resubmitted transfer after %d attempts", attempt+1)
	}
}

// ProcessPayload feeds one isochronous payload (header + body) to the
// frame assembler. Malformed payloads are dropped and counted; assembly
// resynchronizes on the next frame-ID toggle.
func (s *Stream) ProcessPayload(payload []byte) {
	if len(payload) == 0 {
		return
	}
	// Header-only payloads carry no pixels
	if len(payload) == payloadHeaderLen {
		return
	}
	if len(payload) < payloadHeaderLen || payload[0] != payloadHeaderLen {
		s.Stats.DiscardedPayloads.Add(1)
		s.log.Debugf("invalid payload header: len %d/%d", payload[0], len(payload))
		return
	}

	info := payload[1]
	frameID := int(info & headerFrameID)
	isEOF := info&headerEndOfFrame != 0
	havePTS := info&headerHavePTS != 0

	if info&headerError != 0 {
		s.Stats.DiscardedPayloads.Add(1)
		s.log.Debugf("payload error bit set")
		return
	}

	pts := ^uint32(0)
	if havePTS {
		pts = binary.LittleEndian.Uint32(payload[2:6])
		if s.frameCollected != 0 && pts != s.curPTS {
			// Mid-frame PTS change means we lost packets somewhere, but
			// the frame may still complete
			s.Stats.PTSJumps.Add(1)
			s.log.Debugf("PTS changed in-frame at %d bytes (%d -> %d)", s.frameCollected, s.curPTS, pts)
			s.curPTS = pts
		}
	}

	body := payload[payloadHeaderLen:]

	if frameID != s.frameID {
		// Frame boundary
		if s.frameCollected > 0 {
			s.Stats.ShortFrames.Add(1)
			s.log.Debugf("dropping short frame: %d < %d (%d lost)",
				s.frameCollected, s.frameSize, s.frameSize-s.frameCollected)
		}

		now := s.nowFn()

		if s.curFrame == nil {
			s.curFrame = s.pool.Acquire()
		}

		s.frameID = frameID
		s.curPTS = pts
		s.frameCollected = 0
		s.skipFrame = false

		if s.curFrame == nil {
			s.Stats.PoolExhausted.Add(1)
			s.log.Warnf("no frame buffer available, skipping frame")
			s.skipFrame = true
		} else {
			f := s.curFrame
			f.StartTS = now
			f.PTS = pts
		}
	}

	if s.skipFrame || s.curFrame == nil {
		return
	}

	if s.frameCollected+len(body) > s.frameSize {
		s.Stats.DiscardedPayloads.Add(1)
		s.log.Debugf("frame buffer overflow: %d + %d > %d", s.frameCollected, len(body), s.frameSize)
		return
	}

	copy(s.curFrame.Data[s.frameCollected:], body)
	s.frameCollected += len(body)

	if s.frameCollected == s.frameSize {
		s.Stats.FramesCaptured.Add(1)
		if s.sink != nil {
			// Ownership transfers to the sink
			s.sink(s.curFrame)
			s.curFrame = nil
		}
		s.frameCollected = 0
	}

	if isEOF {
		// Always restart a frame after eof. The CV1 sensor never seems
		// to set this bit, but others might.
		s.frameCollected = 0
	}
}

func monotonicNow() uint64 {
	return uint64(time.Now().UnixNano())
}
