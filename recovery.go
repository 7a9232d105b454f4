package sgcopy

import (
	"context"
	"time"

	"github.com/scsikit/go-sgcopy/internal/logging"
	"github.com/scsikit/go-sgcopy/internal/scsi"
)

// eccExtraBytes is the number of ECC bytes requested beyond the sector data
// on a READ LONG.
const eccExtraBytes = 8

// minRecoverBlockSize is the smallest sector size worth a READ LONG; below
// it the ECC framing dominates and devices reject the command.
const minRecoverBlockSize = 32

// recoverer salvages single sectors that failed with a medium or hardware
// error, using READ LONG(10) with the correction bit clear. It is only used
// when the session runs in continue-on-error mode.
type recoverer struct {
	tr        Transport
	blockSize int
	timeout   time.Duration
	log       *logging.Logger
	obs       Observer
}

// recoverSector tries to reconstruct the sector at lba into dst
// (len(dst) == blockSize). Every path terminates with dst holding either
// real data or zeros; the returned bool reports which. A non-nil error
// means the transport itself failed and the session must abort.
func (r *recoverer) recoverSector(ctx context.Context, lba uint64, dst []byte) (bool, error) {
	if r.blockSize < minRecoverBlockSize {
		zeroFill(dst)
		return false, nil
	}
	want := r.blockSize + eccExtraBytes

	out, buf, err := r.readLong(ctx, lba, want)
	if err != nil {
		zeroFill(dst)
		return false, err
	}

	switch out.Category {
	case scsi.CategoryClean:
		copy(dst, buf[:r.blockSize])
		return true, nil

	case scsi.CategoryIllegalRequest:
		rec := out.Sense
		if rec.InfoValid && !rec.ILI {
			// Observed anomaly on some devices: the information field is
			// set but ILI is clear. Logged, not fatal.
			r.log.Warn("read long: information field set without ILI",
				"lba", lba, "info", rec.Info)
			break
		}
		if rec.ILI && rec.InfoValid {
			// The information field carries the difference between the
			// requested and the actual long-read length.
			corrected := want - int(int32(uint32(rec.Info)))
			if corrected >= r.blockSize && corrected <= 0xffff && corrected != want {
				r.log.Debug("read long: retrying with corrected length",
					"lba", lba, "length", corrected)
				out, buf, err = r.readLong(ctx, lba, corrected)
				if err != nil {
					zeroFill(dst)
					return false, err
				}
				if out.Category == scsi.CategoryClean {
					copy(dst, buf[:r.blockSize])
					return true, nil
				}
			}
		}
	}

	r.log.Warn("read long failed, zero-filling sector",
		"lba", lba, "category", out.Category.String())
	zeroFill(dst)
	return false, nil
}

func (r *recoverer) readLong(ctx context.Context, lba uint64, xferLen int) (scsi.Outcome, []byte, error) {
	cdb, err := scsi.EncodeReadLong10(lba, xferLen, false)
	if err != nil {
		// LBA beyond the 32-bit span of READ LONG(10): unsupported on this
		// range, caller zero-fills.
		return scsi.Outcome{Category: scsi.CategoryInvalidOperation}, nil, nil
	}

	buf := make([]byte, xferLen)
	res, err := r.tr.Send(ctx, cdb, buf, DirIn, r.timeout)
	if err != nil {
		r.obs.ObserveRescue(0, false)
		return scsi.Outcome{}, nil, WrapError("READ_LONG", err)
	}

	out := scsi.ClassifyResult(res.Status, res.HostStatus, res.DriverStatus, res.Sense)
	r.obs.ObserveRescue(res.Duration, out.Category == scsi.CategoryClean)
	return out, buf, nil
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
