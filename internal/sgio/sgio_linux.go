//go:build linux

// Package sgio implements the pass-through Transport on top of the Linux
// SCSI generic (sg) driver. One Send issues one SG_IO ioctl; the driver
// serializes commands per file descriptor, so at most one command is ever
// outstanding on a Device.
package sgio

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	sgcopy "github.com/scsikit/go-sgcopy"
	"github.com/scsikit/go-sgcopy/internal/logging"
)

// sg driver ioctls, from include/scsi/sg.h.
const (
	sgIoctlIO           = 0x2285
	sgIoctlVersionNum   = 0x2282
	sgIoctlReservedSize = 0x2272
)

// Data phase directions for sg_io_hdr.dxfer_direction.
const (
	sgDxferNone    = -1
	sgDxferToDev   = -2
	sgDxferFromDev = -3
)

const (
	sgInterfaceID = 'S'
	// minVersion is the lowest sg driver version with SG_IO support,
	// encoded as major*10000 + minor*100 + release.
	minVersion  = 30000
	senseBufLen = 64
)

// sgIoHdr mirrors struct sg_io_hdr for 64-bit Linux. The layout is fixed by
// the kernel ABI; see TestStructSizes.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32 // milliseconds
	flags          uint32
	packID         int32
	_              [4]byte
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// Device is an open sg pass-through device.
type Device struct {
	path string
	file *os.File
	log  *logging.Logger
}

// Open opens an sg device node and verifies it actually speaks the sg v3
// interface before returning it.
func Open(path string, log *logging.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, sgcopy.WrapError("OPEN", err)
	}

	ver, err := unix.IoctlGetInt(int(f.Fd()), sgIoctlVersionNum)
	if err != nil {
		f.Close()
		return nil, sgcopy.NewDeviceError("OPEN", path, sgcopy.ErrCodeNotSupported,
			"not an sg device node")
	}
	if ver < minVersion {
		f.Close()
		return nil, sgcopy.NewDeviceError("OPEN", path, sgcopy.ErrCodeNotSupported,
			fmt.Sprintf("sg driver version %d too old", ver))
	}

	log.WithDevice(path).Debug("opened sg device", "version", ver)
	return &Device{path: path, file: f, log: log.WithDevice(path)}, nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// Close releases the device node.
func (d *Device) Close() error { return d.file.Close() }

// Send issues one command through SG_IO. The ioctl itself cannot be
// interrupted, so ctx is only consulted before the call; the per-command
// timeout is enforced by the driver.
func (d *Device) Send(ctx context.Context, cdb, data []byte, dir sgcopy.Direction, timeout time.Duration) (sgcopy.Result, error) {
	if err := ctx.Err(); err != nil {
		return sgcopy.Result{}, sgcopy.NewDeviceError("SG_IO", d.path,
			sgcopy.ErrCodeCancelled, err.Error())
	}
	if len(cdb) == 0 {
		return sgcopy.Result{}, sgcopy.NewDeviceError("SG_IO", d.path,
			sgcopy.ErrCodeInvalidParams, "empty cdb")
	}
	if timeout <= 0 {
		timeout = sgcopy.DefaultTimeout
	}

	sense := make([]byte, senseBufLen)
	hdr := makeHdr(cdb, data, sense, dir, timeout)

	d.log.Debug("issuing command", "cdb", fmt.Sprintf("% x", cdb), "len", len(data))

	start := time.Now()
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), sgIoctlIO,
		uintptr(unsafe.Pointer(&hdr)))
	elapsed := time.Since(start)
	runtime.KeepAlive(cdb)
	runtime.KeepAlive(data)
	runtime.KeepAlive(sense)

	if errno != 0 {
		if errno == syscall.ENOMEM {
			d.log.Debug("SG_IO returned ENOMEM")
		}
		return sgcopy.Result{}, sgcopy.WrapError("SG_IO", errno)
	}

	res := sgcopy.Result{
		Status:       hdr.status,
		HostStatus:   hdr.hostStatus,
		DriverStatus: hdr.driverStatus,
		Resid:        hdr.resid,
		Duration:     elapsed,
	}
	if n := int(hdr.sbLenWr); n > 0 && n <= len(sense) {
		res.Sense = sense[:n]
		d.log.Debug("sense data returned",
			"status", hdr.status, "sense", fmt.Sprintf("% x", res.Sense))
	}
	return res, nil
}

// ReservedSize reports the per-command buffer capacity the driver currently
// grants this descriptor. It shrinks under memory pressure, which is what
// the copy engine recomputes its transfer size from.
func (d *Device) ReservedSize() (int, error) {
	size, err := unix.IoctlGetInt(int(d.file.Fd()), sgIoctlReservedSize)
	if err != nil {
		return 0, sgcopy.WrapError("SG_GET_RESERVED_SIZE", err)
	}
	return size, nil
}

func makeHdr(cdb, data, sense []byte, dir sgcopy.Direction, timeout time.Duration) sgIoHdr {
	hdr := sgIoHdr{
		interfaceID:    sgInterfaceID,
		dxferDirection: sgDxferNone,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        uint8(len(sense)),
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
		timeout:        uint32(timeout.Milliseconds()),
	}
	if len(data) > 0 {
		hdr.dxferLen = uint32(len(data))
		hdr.dxferp = uintptr(unsafe.Pointer(&data[0]))
		switch dir {
		case sgcopy.DirIn:
			hdr.dxferDirection = sgDxferFromDev
		case sgcopy.DirOut:
			hdr.dxferDirection = sgDxferToDev
		}
	}
	return hdr
}

var _ sgcopy.Transport = (*Device)(nil)
