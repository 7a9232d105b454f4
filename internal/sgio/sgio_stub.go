//go:build !linux

// Package sgio implements the pass-through Transport on top of the Linux
// SCSI generic (sg) driver. On other platforms every operation reports
// not supported.
package sgio

import (
	"context"
	"time"

	sgcopy "github.com/scsikit/go-sgcopy"
	"github.com/scsikit/go-sgcopy/internal/logging"
)

// Device is an open sg pass-through device.
type Device struct{}

// Open fails: the sg driver only exists on Linux.
func Open(path string, _ *logging.Logger) (*Device, error) {
	return nil, sgcopy.NewDeviceError("OPEN", path, sgcopy.ErrCodeNotSupported,
		"sg pass-through requires Linux")
}

func (d *Device) Path() string { return "" }

func (d *Device) Close() error { return nil }

func (d *Device) Send(context.Context, []byte, []byte, sgcopy.Direction, time.Duration) (sgcopy.Result, error) {
	return sgcopy.Result{}, sgcopy.NewError("SG_IO", sgcopy.ErrCodeNotSupported,
		"sg pass-through requires Linux")
}

func (d *Device) ReservedSize() (int, error) {
	return 0, sgcopy.NewError("SG_GET_RESERVED_SIZE", sgcopy.ErrCodeNotSupported,
		"sg pass-through requires Linux")
}

var _ sgcopy.Transport = (*Device)(nil)
