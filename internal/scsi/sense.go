package scsi

import "encoding/binary"

// Category is the classification of one command response.
type Category int

const (
	CategoryClean Category = iota
	CategoryRecovered
	CategoryMediaChanged
	CategoryTimeout
	CategoryInvalidOperation
	CategoryIllegalRequest
	CategoryMediumOrHardware
	CategoryUnitAttention
	CategoryAborted
	CategoryNoMemory
	CategoryOther
)

var categoryNames = map[Category]string{
	CategoryClean:            "clean",
	CategoryRecovered:        "recovered",
	CategoryMediaChanged:     "media changed",
	CategoryTimeout:          "timeout",
	CategoryInvalidOperation: "invalid operation",
	CategoryIllegalRequest:   "illegal request",
	CategoryMediumOrHardware: "medium or hardware error",
	CategoryUnitAttention:    "unit attention",
	CategoryAborted:          "aborted command",
	CategoryNoMemory:         "transient out of memory",
	CategoryOther:            "other",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// SenseRecord is the decoded form of a fixed or descriptor format sense
// buffer. Fields beyond the declared additional sense length, or beyond the
// supplied buffer, are reported as absent rather than failing the decode.
type SenseRecord struct {
	ResponseCode byte
	Descriptor   bool // descriptor format (0x72/0x73)
	Deferred     bool // deferred error (0x71/0x73)

	Key  byte
	ASC  byte
	ASCQ byte

	Info      uint64
	InfoValid bool

	ILI bool

	FieldPointer      uint16
	FieldPointerValid bool

	FRUCode      byte
	FRUCodeValid bool

	// Malformed marks buffers that were truncated mid-field or carried an
	// unrecognized response code. Decoding still yields best-effort values.
	Malformed bool
}

// ParseSense decodes a raw sense buffer. It never reads past len(b) and
// never panics; an empty or unrecognizable buffer yields a zero record with
// Malformed set when the buffer was non-empty.
func ParseSense(b []byte) SenseRecord {
	var r SenseRecord
	if len(b) == 0 {
		return r
	}

	r.ResponseCode = b[0] & 0x7f
	switch r.ResponseCode {
	case SenseFixedCurrent, SenseFixedDeferred:
		r.Deferred = r.ResponseCode == SenseFixedDeferred
		parseFixed(b, &r)
	case SenseDescriptorCurrent, SenseDescriptorDeferred:
		r.Descriptor = true
		r.Deferred = r.ResponseCode == SenseDescriptorDeferred
		parseDescriptor(b, &r)
	default:
		r.Malformed = true
	}
	return r
}

func parseFixed(b []byte, r *SenseRecord) {
	if len(b) < 3 {
		r.Malformed = true
		return
	}
	r.Key = b[2] & 0x0f
	r.ILI = b[2]&0x20 != 0

	if b[0]&0x80 != 0 {
		if len(b) >= 7 {
			r.Info = uint64(binary.BigEndian.Uint32(b[3:7]))
			r.InfoValid = true
		} else {
			r.Malformed = true
		}
	}
	if len(b) < 8 {
		return
	}
	addLen := int(b[7])

	// Additional fields exist only within both the declared additional
	// sense length and the supplied buffer.
	have := func(idx int) bool { return idx < 8+addLen && idx < len(b) }

	if have(13) {
		r.ASC = b[12]
		r.ASCQ = b[13]
	}
	if have(14) {
		r.FRUCode = b[14]
		r.FRUCodeValid = true
	}
	if have(17) && b[15]&0x80 != 0 {
		r.FieldPointer = binary.BigEndian.Uint16(b[16:18])
		r.FieldPointerValid = true
	}
}

func parseDescriptor(b []byte, r *SenseRecord) {
	if len(b) < 4 {
		r.Malformed = true
		return
	}
	r.Key = b[1] & 0x0f
	r.ASC = b[2]
	r.ASCQ = b[3]
	if len(b) < 8 {
		return
	}

	end := 8 + int(b[7])
	if end > len(b) {
		end = len(b)
	}
	for off := 8; off+2 <= end; {
		dtype := b[off]
		dlen := int(b[off+1])
		next := off + 2 + dlen
		if next > end {
			// Descriptor claims more bytes than the buffer holds.
			r.Malformed = true
			return
		}
		d := b[off+2 : next]

		switch dtype {
		case DescInformation:
			// Byte 2 of the descriptor carries the valid bit, bytes 4-11
			// the 64-bit information field.
			if dlen >= 10 && d[0]&0x80 != 0 {
				r.Info = binary.BigEndian.Uint64(d[2:10])
				r.InfoValid = true
			}
		case DescSenseKeySpecific:
			if dlen >= 6 && d[2]&0x80 != 0 {
				r.FieldPointer = binary.BigEndian.Uint16(d[3:5])
				r.FieldPointerValid = true
			}
		case DescFieldReplaceable:
			if dlen >= 2 {
				r.FRUCode = d[1]
				r.FRUCodeValid = true
			}
		case DescBlockCommands:
			if dlen >= 2 {
				r.ILI = d[1]&0x20 != 0
			}
		default:
			// Unknown descriptor types are skipped by their declared length.
		}
		off = next
	}
}

// Outcome is the classification of one transport response.
type Outcome struct {
	Category  Category
	Info      uint64
	InfoValid bool
	Malformed bool
	Sense     SenseRecord
}

// Classify maps a SCSI status byte and raw sense buffer to an Outcome. It is
// a pure function: identical inputs always produce identical outcomes, and
// truncated or malformed buffers degrade to a best-effort category with the
// Malformed flag set.
func Classify(status byte, sense []byte) Outcome {
	rec := ParseSense(sense)
	out := Outcome{Sense: rec, Malformed: rec.Malformed}

	// No parseable sense data: the status byte alone decides.
	known := false
	if len(sense) > 0 {
		switch sense[0] & 0x7f {
		case SenseFixedCurrent, SenseFixedDeferred, SenseDescriptorCurrent, SenseDescriptorDeferred:
			known = true
		}
	}
	if !known {
		if status == StatusGood {
			out.Category = CategoryClean
		} else {
			out.Category = CategoryOther
		}
		return out
	}

	switch {
	case rec.Key == SenseRecoveredError:
		out.Category = CategoryRecovered
	case rec.ASC == AscMediumChanged:
		out.Category = CategoryMediaChanged
	case rec.ASC == AscPowerOnOrReset:
		out.Category = CategoryUnitAttention
	case rec.Key == SenseIllegalRequest && rec.ASC == AscInvalidOpcode && rec.ASCQ == 0x00:
		out.Category = CategoryInvalidOperation
	case rec.Key == SenseIllegalRequest:
		out.Category = CategoryIllegalRequest
	case rec.Key == SenseMediumError || rec.Key == SenseHardwareError:
		out.Category = CategoryMediumOrHardware
		out.Info = rec.Info
		out.InfoValid = rec.InfoValid
	case rec.Key == SenseAbortedCommand:
		out.Category = CategoryAborted
	case rec.Key == SenseUnitAttention:
		out.Category = CategoryUnitAttention
	case rec.Key == SenseNoSense && status == StatusGood:
		out.Category = CategoryClean
	case status != StatusGood:
		out.Category = CategoryOther
	default:
		out.Category = CategoryClean
	}
	return out
}

// ClassifyResult layers host and driver status over Classify. A timed-out
// host status dominates any sense data; other host-level failures without
// sense data classify as Other.
func ClassifyResult(status byte, hostStatus, driverStatus uint16, sense []byte) Outcome {
	if hostStatus == DidTimeOut {
		return Outcome{Category: CategoryTimeout}
	}
	out := Classify(status, sense)
	if out.Category == CategoryClean && hostStatus != DidOK && hostStatus != DidSoftError {
		out.Category = CategoryOther
	}
	return out
}
