// Package sgcopy implements a block-copy engine for SCSI command-set devices
// reached through a generic pass-through transport. It encodes READ/WRITE
// CDBs, classifies status and sense responses, and drives a retry/shrink/
// recover loop that survives the partial failures real storage hardware
// produces.
package sgcopy

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/scsikit/go-sgcopy/internal/logging"
	"github.com/scsikit/go-sgcopy/internal/scsi"
)

// State represents the current phase of a copy session.
type State string

const (
	// StateIdle indicates the session has been created but not started.
	StateIdle State = "idle"
	// StateRunning indicates the session is issuing transfer chunks.
	StateRunning State = "running"
	// StateShrinking indicates a transient out-of-memory shrink is in
	// progress.
	StateShrinking State = "shrinking"
	// StateRecovering indicates per-sector READ LONG salvage is in progress.
	StateRecovering State = "recovering"
	// StateDraining indicates final counters are being flushed.
	StateDraining State = "draining"
	// StateDone indicates the loop has exited.
	StateDone State = "done"
)

// Params contains the configuration of one copy invocation. These are plain
// values handed in by the caller; the session itself parses nothing.
type Params struct {
	BlockSize         int    // bytes per logical block
	BlocksPerTransfer int    // initial chunk size in blocks
	Count             uint64 // total blocks to copy
	SkipLBA           uint64 // first source LBA
	SeekLBA           uint64 // first destination LBA
	CdbSize           int    // 6, 10, 12 or 16
	FUA               bool   // force unit access on read/write CDBs
	DPO               bool   // disable page out on read/write CDBs
	CoE               bool   // continue on unrecoverable read errors
	Alignment         AlignmentMode
	Timeout           time.Duration // per-command timeout (DefaultTimeout if zero)
}

// DefaultParams returns the conventional dd-style defaults.
func DefaultParams() Params {
	return Params{
		BlockSize:         512,
		BlocksPerTransfer: 128,
		CdbSize:           10,
		Timeout:           DefaultTimeout,
	}
}

// Counters is the running account of one session. The invariant
// full + partial == issued holds independently for each side, and
// issued never exceeds the requested count.
type Counters struct {
	InFull    uint64 // source blocks fully transferred
	InPartial uint64 // source blocks issued but not fully transferred
	InIssued  uint64

	OutFull    uint64
	OutPartial uint64
	OutIssued  uint64

	Recovered   uint64 // commands completed with a recovered error
	Unrecovered uint64 // medium/hardware error events absorbed in coe mode
	Rescues     uint64 // sectors reconstructed via READ LONG
	ZeroFilled  uint64 // sectors zero-filled after failed recovery
	ResidBytes  int64  // sum of transport-reported residuals
}

// Summary is returned to the caller when the loop exits, on success and on
// fatal termination alike.
type Summary struct {
	Counters
	State     State
	Cancelled bool
}

// Options contains optional collaborators for a session.
type Options struct {
	// Logger for structured diagnostics (if nil, the default logger).
	Logger *logging.Logger

	// Observer for metrics collection (if nil, a no-op observer).
	Observer Observer

	// Progress, if set, is invoked with a counters snapshot between chunks,
	// every ProgressEvery chunks (default 16). It replaces signal-driven
	// stats flushing: the engine never installs handlers itself.
	Progress      func(Counters)
	ProgressEvery int
}

// Session drives one copy invocation. It owns its counters exclusively; no
// state is shared across chunks and at most one command is outstanding at
// any time.
type Session struct {
	src, dst Transport
	params   Params

	buf *WorkBuffer
	bpt int

	remaining uint64
	inLBA     uint64
	outLBA    uint64

	counters Counters
	state    State

	log *logging.Logger
	obs Observer
	rec *recoverer

	progress      func(Counters)
	progressEvery int
}

// NewSession validates the parameters, allocates the work buffer and
// prepares a session. Allocation failure is reported here, before any
// command is issued.
func NewSession(src, dst Transport, params Params, options *Options) (*Session, error) {
	if src == nil || dst == nil {
		return nil, NewError("SESSION", ErrCodeInvalidParams, "source and destination transports required")
	}
	if _, err := scsi.EncodeRW(scsi.OpRead, params.CdbSize, 0, 1, false, false); err != nil {
		return nil, NewError("SESSION", ErrCodeInvalidParams,
			fmt.Sprintf("unsupported cdb size %d", params.CdbSize))
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}

	buf, err := AllocateBuffer(params.BlockSize, params.BlocksPerTransfer, params.Alignment)
	if err != nil {
		return nil, err
	}

	if options == nil {
		options = &Options{}
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}
	var obs Observer = NoOpObserver{}
	if options.Observer != nil {
		obs = options.Observer
	}
	progressEvery := options.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = 16
	}

	s := &Session{
		src:           src,
		dst:           dst,
		params:        params,
		buf:           buf,
		bpt:           params.BlocksPerTransfer,
		remaining:     params.Count,
		inLBA:         params.SkipLBA,
		outLBA:        params.SeekLBA,
		state:         StateIdle,
		log:           log,
		obs:           obs,
		progress:      options.Progress,
		progressEvery: progressEvery,
	}
	s.rec = &recoverer{
		tr:        src,
		blockSize: params.BlockSize,
		timeout:   params.Timeout,
		log:       log,
		obs:       obs,
	}
	return s, nil
}

// State returns the current phase of the session.
func (s *Session) State() State { return s.state }

// Counters returns a copy of the running counters.
func (s *Session) Counters() Counters { return s.counters }

// Run executes the copy loop until the requested count is transferred, a
// fatal error occurs, or ctx is cancelled between chunks. The returned
// Summary is valid in every case.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	s.state = StateRunning
	chunks := 0

	for s.remaining > 0 {
		select {
		case <-ctx.Done():
			s.log.Info("copy cancelled", "remaining", s.remaining)
			sum := s.finish()
			sum.Cancelled = true
			return sum, NewError("COPY", ErrCodeCancelled, "cancelled between chunks")
		default:
		}

		n := s.remaining
		if n > uint64(s.bpt) {
			n = uint64(s.bpt)
		}

		got, err := s.readChunk(ctx, n)
		if err != nil {
			return s.finish(), err
		}

		if err := s.writeChunk(ctx, got); err != nil {
			return s.finish(), err
		}

		s.inLBA += got
		s.outLBA += got
		s.remaining -= got

		chunks++
		if s.progress != nil && chunks%s.progressEvery == 0 {
			s.progress(s.counters)
		}
	}

	return s.finish(), nil
}

func (s *Session) finish() Summary {
	s.state = StateDraining
	if s.progress != nil {
		s.progress(s.counters)
	}
	s.state = StateDone
	return Summary{Counters: s.counters, State: s.state}
}

// readChunk reads n blocks at the current source cursor into the work
// buffer and commits the source-side counters. It returns the number of
// blocks it holds for the write side.
func (s *Session) readChunk(ctx context.Context, n uint64) (uint64, error) {
	uaRetried := false

	for {
		if n > uint64(s.bpt) {
			n = uint64(s.bpt)
		}
		data := s.buf.Bytes(int(n))

		cdb, err := scsi.EncodeRW(scsi.OpRead, s.params.CdbSize, s.inLBA, uint32(n),
			s.params.FUA, s.params.DPO)
		if err != nil {
			return 0, &Error{Op: "READ", LBA: s.inLBA, HasLBA: true,
				Code: ErrCodeEncode, Msg: err.Error(), Inner: err}
		}

		res, err := s.src.Send(ctx, cdb, data, DirIn, s.params.Timeout)
		if err != nil {
			if isNoMem(err) {
				if serr := s.shrinkTransfer(s.src, "READ"); serr != nil {
					return 0, serr
				}
				continue
			}
			return 0, WrapError("READ", err)
		}

		out := scsi.ClassifyResult(res.Status, res.HostStatus, res.DriverStatus, res.Sense)

		switch out.Category {
		case scsi.CategoryClean, scsi.CategoryRecovered:
			if out.Category == scsi.CategoryRecovered {
				s.counters.Recovered++
				s.log.Info("recovered error on read", "lba", s.inLBA)
			}
			full := fullBlocks(n, res.Resid, s.params.BlockSize)
			s.counters.InIssued += n
			s.counters.InFull += full
			s.counters.InPartial += n - full
			s.counters.ResidBytes += int64(res.Resid)
			s.obs.ObserveRead(transferredBytes(data, res.Resid), res.Duration, true)
			s.obs.ObserveResid(int64(res.Resid))
			return n, nil

		case scsi.CategoryMediaChanged, scsi.CategoryUnitAttention:
			s.obs.ObserveRead(0, res.Duration, false)
			if uaRetried {
				return 0, s.fatal("READ", s.inLBA, out)
			}
			uaRetried = true
			s.obs.ObserveRetry()
			s.log.Warn("unit attention on read, retrying chunk",
				"lba", s.inLBA, "category", out.Category.String())
			continue

		case scsi.CategoryMediumOrHardware:
			s.obs.ObserveRead(0, res.Duration, false)
			if !s.params.CoE {
				return 0, s.fatal("READ", s.inLBA, out)
			}
			if err := s.recoverChunk(ctx, n, data, out); err != nil {
				return 0, err
			}
			s.counters.InIssued += n
			s.counters.InFull += n
			return n, nil

		default:
			s.obs.ObserveRead(0, res.Duration, false)
			return 0, s.fatal("READ", s.inLBA, out)
		}
	}
}

// recoverChunk salvages every sector of a failing read chunk, leaving each
// one holding either real data or zeros.
func (s *Session) recoverChunk(ctx context.Context, n uint64, data []byte, out scsi.Outcome) error {
	s.state = StateRecovering
	defer func() { s.state = StateRunning }()

	if out.InfoValid {
		s.log.Warn("medium error, entering recovery",
			"lba", s.inLBA, "blocks", n, "failing_lba", out.Info)
	} else {
		s.log.Warn("medium error, entering recovery", "lba", s.inLBA, "blocks", n)
	}
	s.counters.Unrecovered++

	bs := s.params.BlockSize
	for i := uint64(0); i < n; i++ {
		sector := data[i*uint64(bs) : (i+1)*uint64(bs)]
		rescued, err := s.rec.recoverSector(ctx, s.inLBA+i, sector)
		if err != nil {
			return err
		}
		if rescued {
			s.counters.Rescues++
		} else {
			s.counters.ZeroFilled++
		}
	}
	return nil
}

// writeChunk writes n blocks from the work buffer at the current
// destination cursor, splitting into sub-chunks if the transfer size shrank.
func (s *Session) writeChunk(ctx context.Context, n uint64) error {
	bs := uint64(s.params.BlockSize)
	chunk := s.buf.Bytes(int(n))
	var done uint64

	for done < n {
		m := n - done
		if m > uint64(s.bpt) {
			m = uint64(s.bpt)
		}
		data := chunk[done*bs : (done+m)*bs]
		lba := s.outLBA + done

		uaRetried := false
	retry:
		cdb, err := scsi.EncodeRW(scsi.OpWrite, s.params.CdbSize, lba, uint32(m),
			s.params.FUA, s.params.DPO)
		if err != nil {
			return &Error{Op: "WRITE", LBA: lba, HasLBA: true,
				Code: ErrCodeEncode, Msg: err.Error(), Inner: err}
		}

		res, err := s.dst.Send(ctx, cdb, data, DirOut, s.params.Timeout)
		if err != nil {
			if isNoMem(err) {
				if serr := s.shrinkTransfer(s.dst, "WRITE"); serr != nil {
					return serr
				}
				if uint64(s.bpt) < m {
					m = uint64(s.bpt)
					data = data[:m*bs]
				}
				goto retry
			}
			return WrapError("WRITE", err)
		}

		out := scsi.ClassifyResult(res.Status, res.HostStatus, res.DriverStatus, res.Sense)

		switch out.Category {
		case scsi.CategoryClean, scsi.CategoryRecovered:
			if out.Category == scsi.CategoryRecovered {
				s.counters.Recovered++
				s.log.Info("recovered error on write", "lba", lba)
			}
			full := fullBlocks(m, res.Resid, s.params.BlockSize)
			s.counters.OutIssued += m
			s.counters.OutFull += full
			s.counters.OutPartial += m - full
			s.counters.ResidBytes += int64(res.Resid)
			s.obs.ObserveWrite(transferredBytes(data, res.Resid), res.Duration, true)
			s.obs.ObserveResid(int64(res.Resid))

			if full < m {
				// Short write: the destination accepted fewer bytes than
				// requested. Distinguished from a medium error.
				s.log.Error("destination exhausted",
					"lba", lba, "requested", m, "full", full)
				return &Error{Op: "WRITE", LBA: lba, HasLBA: true,
					Code: ErrCodeDestinationFull, Msg: "short write"}
			}
			done += m

		case scsi.CategoryMediaChanged, scsi.CategoryUnitAttention:
			s.obs.ObserveWrite(0, res.Duration, false)
			if uaRetried {
				return s.fatal("WRITE", lba, out)
			}
			uaRetried = true
			s.obs.ObserveRetry()
			s.log.Warn("unit attention on write, retrying chunk",
				"lba", lba, "category", out.Category.String())
			goto retry

		default:
			s.obs.ObserveWrite(0, res.Duration, false)
			return s.fatal("WRITE", lba, out)
		}
	}
	return nil
}

// shrinkTransfer recomputes blocks-per-transfer from the transport's
// negotiated buffer capacity after a transient ENOMEM. The transfer size
// only ever shrinks within a session.
func (s *Session) shrinkTransfer(tr Transport, op string) error {
	s.state = StateShrinking
	defer func() { s.state = StateRunning }()

	capBytes, err := tr.ReservedSize()
	if err != nil {
		return WrapError(op, err)
	}

	newBpt := capBytes / s.params.BlockSize
	if newBpt >= s.bpt {
		// The transport reports no smaller capacity; halve to guarantee
		// forward progress.
		newBpt = s.bpt / 2
	}
	if newBpt < 1 {
		return NewError(op, ErrCodeNoMemory, "cannot shrink transfer below one block")
	}

	s.log.Warn("transient ENOMEM, shrinking transfer",
		"op", op, "old_bpt", s.bpt, "new_bpt", newBpt)
	s.bpt = newBpt
	s.obs.ObserveRetry()
	return s.buf.Shrink(newBpt)
}

// fatal converts a classified outcome into the session-terminating error.
func (s *Session) fatal(op string, lba uint64, out scsi.Outcome) error {
	e := &Error{Op: op, LBA: lba, HasLBA: true, Code: categoryCode(out.Category),
		Msg: out.Category.String()}
	if out.InfoValid {
		e.LBA = out.Info
	}
	s.log.Error("fatal command failure", "op", op, "lba", e.LBA,
		"category", out.Category.String())
	return e
}

func categoryCode(c scsi.Category) ErrorCode {
	switch c {
	case scsi.CategoryTimeout:
		return ErrCodeTimeout
	case scsi.CategoryInvalidOperation:
		return ErrCodeInvalidOperation
	case scsi.CategoryIllegalRequest:
		return ErrCodeIllegalRequest
	case scsi.CategoryMediumOrHardware:
		return ErrCodeMediumError
	case scsi.CategoryUnitAttention, scsi.CategoryMediaChanged:
		return ErrCodeUnitAttention
	case scsi.CategoryAborted:
		return ErrCodeAborted
	case scsi.CategoryNoMemory:
		return ErrCodeNoMemory
	default:
		return ErrCodeIOError
	}
}

// isNoMem matches the transient out-of-memory failure regardless of whether
// the transport wrapped the errno.
func isNoMem(err error) bool {
	return errors.Is(err, syscall.ENOMEM) || IsErrno(err, syscall.ENOMEM)
}

// transferredBytes is the data-phase byte count net of the residual.
func transferredBytes(data []byte, resid int32) uint64 {
	if resid <= 0 || int(resid) > len(data) {
		return uint64(len(data))
	}
	return uint64(len(data) - int(resid))
}

// fullBlocks computes how many of n issued blocks were fully transferred
// given the transport residual.
func fullBlocks(n uint64, resid int32, blockSize int) uint64 {
	if resid <= 0 {
		return n
	}
	short := (uint64(resid) + uint64(blockSize) - 1) / uint64(blockSize)
	if short >= n {
		return 0
	}
	return n - short
}
