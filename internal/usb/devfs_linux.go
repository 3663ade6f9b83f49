//go:build linux

package usb

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
)

// usbdevfs ioctl request codes, 64-bit Linux encodings.
const (
	usbdevfsControl          = 0xc0185500 // _IOWR('U', 0, struct usbdevfs_ctrltransfer)
	usbdevfsSetInterface     = 0x80085504 // _IOR('U', 4, struct usbdevfs_setinterface)
	usbdevfsSubmitURB        = 0x8038550a // _IOR('U', 10, struct usbdevfs_urb)
	usbdevfsDiscardURB       = 0x0000550b // _IO('U', 11)
	usbdevfsReapURBNDelay    = 0x4008550d // _IOW('U', 13, void *)
	usbdevfsClaimInterface   = 0x8004550f // _IOR('U', 15, unsigned int)
	usbdevfsReleaseInterface = 0x80045510 // _IOR('U', 16, unsigned int)
	usbdevfsIoctl            = 0xc0105512 // _IOWR('U', 18, struct usbdevfs_ioctl)
	usbdevfsDisconnect       = 0x00005516 // _IO('U', 22)
)

const urbTypeIso = 0

// URB flag: start on the next available frame.
const urbIsoASAP = 0x02

// urb mirrors struct usbdevfs_urb on 64-bit Linux, including padding.
// The iso packet descriptors follow immediately after this struct in the
// same allocation.
type urb struct {
	typ      uint8
	endpoint uint8
	_        [2]byte
	status   int32
	flags    uint32
	_        [4]byte
	buffer       unsafe.Pointer
	bufferLength int32
	actualLength int32
	startFrame   int32
	numberOfPackets int32
	errorCount      int32
	signr           uint32
	usercontext     uintptr
}

type isoPacketDesc struct {
	length       uint32
	actualLength uint32
	status       int32
}

type ctrlTransfer struct {
	bRequestType uint8
	bRequest     uint8
	wValue       uint16
	wIndex       uint16
	wLength      uint16
	timeout      uint32 // milliseconds
	_            [4]byte
	data         unsafe.Pointer
}

type setInterface struct {
	iface      uint32
	altSetting uint32
}

type devfsIoctl struct {
	ifno      int32
	ioctlCode int32
	data      unsafe.Pointer
}

type devfsURB struct {
	raw     []byte // urb header + iso packet descriptors, single allocation
	hdr     *urb
	xfer    *IsoTransfer
	pinned  []byte // transfer buffer, referenced by the kernel while in flight
}

// DevfsDevice drives a device through a /dev/bus/usb/BBB/DDD file
// descriptor. The caller opens the node (enumeration stays out of this
// package) and hands over the fd.
type DevfsDevice struct {
	fd     int
	log    *logging.Logger

	mu       sync.Mutex
	inFlight map[uintptr]*devfsURB // keyed by URB header address
	closed   bool
}

// NewDevfsDevice wraps an open usbdevfs file descriptor.
func NewDevfsDevice(fd int) *DevfsDevice {
	return &DevfsDevice{
		fd:       fd,
		log:      logging.Scope("usbdevfs"),
		inFlight: make(map[uintptr]*devfsURB),
	}
}

func (d *DevfsDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func (d *DevfsDevice) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	ct := ctrlTransfer{
		bRequestType: requestType,
		bRequest:     request,
		wValue:       value,
		wIndex:       index,
		wLength:      uint16(len(data)),
		timeout:      uint32(timeout / time.Millisecond),
	}
	if len(data) > 0 {
		ct.data = unsafe.Pointer(&data[0])
	}

	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsControl, uintptr(unsafe.Pointer(&ct)))
	if errno != 0 {
		return 0, fmt.Errorf("control transfer req=%#x val=%#x: %w", request, value, errno)
	}
	return int(n), nil
}

func (d *DevfsDevice) ClaimInterface(ifnum uint8) error {
	n := uint32(ifnum)
	return d.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&n))
}

func (d *DevfsDevice) ReleaseInterface(ifnum uint8) error {
	n := uint32(ifnum)
	return d.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&n))
}

func (d *DevfsDevice) SetInterfaceAltSetting(ifnum, alt uint8) error {
	si := setInterface{iface: uint32(ifnum), altSetting: uint32(alt)}
	return d.ioctl(usbdevfsSetInterface, unsafe.Pointer(&si))
}

func (d *DevfsDevice) DetachKernelDriver(ifnum uint8) error {
	di := devfsIoctl{ifno: int32(ifnum), ioctlCode: usbdevfsDisconnect}
	err := d.ioctl(usbdevfsIoctl, unsafe.Pointer(&di))
	// ENODATA means no driver was bound, which is fine
	if err == unix.ENODATA {
		return nil
	}
	return err
}

func (d *DevfsDevice) AllocIsoTransfer(endpoint uint8, numPackets, packetSize int, cb func(*IsoTransfer)) *IsoTransfer {
	xfer := &IsoTransfer{
		Endpoint:   endpoint,
		NumPackets: numPackets,
		PacketSize: packetSize,
		Buffer:     make([]byte, numPackets*packetSize),
		Packets:    make([]IsoPacket, numPackets),
		Callback:   cb,
	}

	rawSize := int(unsafe.Sizeof(urb{})) + numPackets*int(unsafe.Sizeof(isoPacketDesc{}))
	du := &devfsURB{
		raw:    make([]byte, rawSize),
		xfer:   xfer,
		pinned: xfer.Buffer,
	}
	du.hdr = (*urb)(unsafe.Pointer(&du.raw[0]))
	xfer.impl = du
	return xfer
}

func (d *DevfsDevice) Submit(t *IsoTransfer) error {
	du, ok := t.impl.(*devfsURB)
	if !ok {
		return fmt.Errorf("transfer was not allocated by this backend")
	}

	hdr := du.hdr
	hdr.typ = urbTypeIso
	hdr.endpoint = t.Endpoint
	hdr.status = 0
	hdr.flags = urbIsoASAP
	hdr.buffer = unsafe.Pointer(&t.Buffer[0])
	hdr.bufferLength = int32(len(t.Buffer))
	hdr.actualLength = 0
	hdr.startFrame = -1
	hdr.numberOfPackets = int32(t.NumPackets)
	hdr.errorCount = 0

	descs := du.packetDescs()
	for i := range descs {
		descs[i] = isoPacketDesc{length: uint32(t.PacketSize)}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device closed")
	}
	d.inFlight[uintptr(unsafe.Pointer(hdr))] = du
	d.mu.Unlock()

	if err := d.ioctl(usbdevfsSubmitURB, unsafe.Pointer(hdr)); err != nil {
		d.mu.Lock()
		delete(d.inFlight, uintptr(unsafe.Pointer(hdr)))
		d.mu.Unlock()
		return fmt.Errorf("submit urb: %w", err)
	}
	return nil
}

func (d *DevfsDevice) Cancel(t *IsoTransfer) error {
	du, ok := t.impl.(*devfsURB)
	if !ok {
		return fmt.Errorf("transfer was not allocated by this backend")
	}
	err := d.ioctl(usbdevfsDiscardURB, unsafe.Pointer(du.hdr))
	// EINVAL: already completed, will still be reaped
	if err == unix.EINVAL {
		return nil
	}
	return err
}

func (du *devfsURB) packetDescs() []isoPacketDesc {
	base := unsafe.Pointer(uintptr(unsafe.Pointer(&du.raw[0])) + unsafe.Sizeof(urb{}))
	return unsafe.Slice((*isoPacketDesc)(base), du.hdr.numberOfPackets)
}

// HandleEvents waits up to timeout for URB completions, then reaps and
// dispatches everything that is ready. Callbacks run on this goroutine.
func (d *DevfsDevice) HandleEvents(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT | unix.POLLERR}}
	if _, err := unix.Poll(fds, int(timeout/time.Millisecond)); err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for {
		var hdrPtr unsafe.Pointer
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsReapURBNDelay, uintptr(unsafe.Pointer(&hdrPtr)))
		if errno == unix.EAGAIN {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}

		d.mu.Lock()
		du := d.inFlight[uintptr(hdrPtr)]
		delete(d.inFlight, uintptr(hdrPtr))
		d.mu.Unlock()

		if du == nil {
			d.log.Warnf("reaped unknown urb %#x", hdrPtr)
			continue
		}
		d.dispatch(du)
	}
}

func (d *DevfsDevice) dispatch(du *devfsURB) {
	t := du.xfer
	descs := du.packetDescs()
	for i := range t.Packets {
		t.Packets[i] = IsoPacket{
			Length:       descs[i].length,
			ActualLength: descs[i].actualLength,
			Status:       descs[i].status,
		}
	}

	switch du.hdr.status {
	case 0:
		t.Status = TransferCompleted
	case -int32(unix.ENOENT), -int32(unix.ECONNRESET):
		t.Status = TransferCancelled
	default:
		t.Status = TransferError
	}

	if t.Callback != nil {
		t.Callback(t)
	}
}

func (d *DevfsDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return unix.Close(d.fd)
}

var _ Device = (*DevfsDevice)(nil)
