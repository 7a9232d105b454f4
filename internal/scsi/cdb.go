// Package scsi implements the pure protocol layer: CDB encoding for the
// SBC READ/WRITE families and classification of status/sense responses.
package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Op selects the data direction of a block command.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Encoding errors. All are wrapped in an *EncodeError carrying the inputs.
var (
	ErrBlockCountOutOfRange    = errors.New("block count out of range for cdb size")
	ErrLbaOutOfRange           = errors.New("lba out of range for cdb size")
	ErrFlagsUnsupportedForSize = errors.New("fua/dpo not representable in 6-byte cdb")
	ErrBadCdbSize              = errors.New("cdb size must be 6, 10, 12 or 16")
)

// EncodeError reports an unencodable command along with the offending inputs.
type EncodeError struct {
	Op     Op
	Size   int
	LBA    uint64
	Blocks uint32
	Reason error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("scsi: cannot encode %s(%d) lba=%d blocks=%d: %v",
		e.Op, e.Size, e.LBA, e.Blocks, e.Reason)
}

func (e *EncodeError) Unwrap() error { return e.Reason }

// Opcode table indexed by CDB size variant.
var rwOpcodes = map[int][2]byte{
	6:  {Read6, Write6},
	10: {Read10, Write10},
	12: {Read12, Write12},
	16: {Read16, Write16},
}

// Addressable LBA span per variant. The 6-byte CDB carries a 21-bit LBA.
const (
	maxLba6  = 1<<21 - 1
	maxLba32 = 1<<32 - 1
)

// EncodeRW builds a READ or WRITE CDB of the requested size variant. The
// returned slice is exactly size bytes and laid out per SBC conventions:
// big-endian LBA and transfer length at fixed per-variant offsets, DPO at
// bit 4 and FUA at bit 3 of byte 1 for the 10/12/16-byte variants. The
// 6-byte variant encodes a transfer length of 256 as zero and cannot carry
// FUA or DPO.
func EncodeRW(op Op, size int, lba uint64, blocks uint32, fua, dpo bool) ([]byte, error) {
	ops, ok := rwOpcodes[size]
	if !ok {
		return nil, &EncodeError{op, size, lba, blocks, ErrBadCdbSize}
	}
	opcode := ops[0]
	if op == OpWrite {
		opcode = ops[1]
	}
	if blocks == 0 {
		return nil, &EncodeError{op, size, lba, blocks, ErrBlockCountOutOfRange}
	}

	var flags byte
	if dpo {
		flags |= 0x10
	}
	if fua {
		flags |= 0x08
	}

	cdb := make([]byte, size)
	cdb[0] = opcode

	switch size {
	case 6:
		if fua || dpo {
			return nil, &EncodeError{op, size, lba, blocks, ErrFlagsUnsupportedForSize}
		}
		if blocks > 256 {
			return nil, &EncodeError{op, size, lba, blocks, ErrBlockCountOutOfRange}
		}
		if lba > maxLba6 || lba+uint64(blocks)-1 > maxLba6 {
			return nil, &EncodeError{op, size, lba, blocks, ErrLbaOutOfRange}
		}
		cdb[1] = byte(lba >> 16 & 0x1f)
		cdb[2] = byte(lba >> 8)
		cdb[3] = byte(lba)
		cdb[4] = byte(blocks) // 256 wraps to 0, meaning 256

	case 10:
		if blocks > 0xffff {
			return nil, &EncodeError{op, size, lba, blocks, ErrBlockCountOutOfRange}
		}
		if lba > maxLba32 || lba+uint64(blocks)-1 > maxLba32 {
			return nil, &EncodeError{op, size, lba, blocks, ErrLbaOutOfRange}
		}
		cdb[1] = flags
		binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
		binary.BigEndian.PutUint16(cdb[7:9], uint16(blocks))

	case 12:
		if lba > maxLba32 || lba+uint64(blocks)-1 > maxLba32 {
			return nil, &EncodeError{op, size, lba, blocks, ErrLbaOutOfRange}
		}
		cdb[1] = flags
		binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
		binary.BigEndian.PutUint32(cdb[6:10], blocks)

	case 16:
		// 64-bit span: only the wrap-around case is unaddressable.
		if lba+uint64(blocks)-1 < lba {
			return nil, &EncodeError{op, size, lba, blocks, ErrLbaOutOfRange}
		}
		cdb[1] = flags
		binary.BigEndian.PutUint64(cdb[2:10], lba)
		binary.BigEndian.PutUint32(cdb[10:14], blocks)
	}

	return cdb, nil
}

// EncodeReadLong10 builds a READ LONG(10) CDB requesting xferLen bytes of
// raw sector data plus ECC at the given LBA. The correct bit asks the device
// to apply ECC correction before returning data.
func EncodeReadLong10(lba uint64, xferLen int, correct bool) ([]byte, error) {
	if lba > maxLba32 {
		return nil, &EncodeError{OpRead, 10, lba, 1, ErrLbaOutOfRange}
	}
	if xferLen < 0 || xferLen > 0xffff {
		return nil, &EncodeError{OpRead, 10, lba, 1, ErrBlockCountOutOfRange}
	}
	cdb := make([]byte, 10)
	cdb[0] = ReadLong
	if correct {
		cdb[1] = 0x02
	}
	binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
	binary.BigEndian.PutUint16(cdb[7:9], uint16(xferLen))
	return cdb, nil
}
