package sgcopy

import (
	"context"
	"time"
)

// Direction of the data phase of a single command.
type Direction int

const (
	// DirNone transfers no data.
	DirNone Direction = iota
	// DirIn transfers data from the device to the host.
	DirIn
	// DirOut transfers data from the host to the device.
	DirOut
)

// DefaultTimeout is the per-command timeout used when Params leaves it zero.
const DefaultTimeout = 60 * time.Second

// Result is the raw outcome of one pass-through command.
type Result struct {
	// Status is the SCSI status byte.
	Status byte

	// HostStatus and DriverStatus carry midlayer-level failure codes.
	HostStatus   uint16
	DriverStatus uint16

	// Sense holds the sense bytes actually returned, possibly empty.
	Sense []byte

	// Resid is the difference between requested and transferred bytes.
	Resid int32

	// Duration is the command time as reported by the transport.
	Duration time.Duration
}

// Transport sends encoded CDBs to a device. It is the only component that
// performs a blocking system call; implementations must issue at most one
// command per Send and return raw status without interpreting it.
type Transport interface {
	// Send issues one command. A returned error means the command could not
	// be delivered at all (transport-level failure); protocol-level failures
	// are reported through Result.
	Send(ctx context.Context, cdb []byte, data []byte, dir Direction, timeout time.Duration) (Result, error)

	// ReservedSize reports the per-command buffer capacity currently
	// negotiated with the transport, used to recompute the transfer size
	// after a transient out-of-memory failure.
	ReservedSize() (int, error)
}
