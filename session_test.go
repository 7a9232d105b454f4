package sgcopy

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scsikit/go-sgcopy/internal/logging"
	"github.com/scsikit/go-sgcopy/internal/scsi"
)

// fakeDevice is an in-memory Transport backed by a block image. Scripted
// steps inject faults for specific commands; everything else succeeds.
type fakeDevice struct {
	blockSize int
	image     []byte
	reserved  int

	script []scriptStep
	cdbs   [][]byte
}

type scriptStep struct {
	match func(cdb []byte) bool
	res   Result
	err   error
}

func newFakeDevice(blockSize, blocks int) *fakeDevice {
	return &fakeDevice{
		blockSize: blockSize,
		image:     make([]byte, blockSize*blocks),
		reserved:  blockSize * blocks,
	}
}

func (d *fakeDevice) fillPattern(seed byte) {
	for i := range d.image {
		d.image[i] = seed + byte(i/d.blockSize)
	}
}

func (d *fakeDevice) Send(_ context.Context, cdb, data []byte, _ Direction, _ time.Duration) (Result, error) {
	d.cdbs = append(d.cdbs, append([]byte(nil), cdb...))

	for i, st := range d.script {
		if st.match(cdb) {
			d.script = append(d.script[:i:i], d.script[i+1:]...)
			if st.err != nil {
				return Result{}, st.err
			}
			if st.res.Status == scsi.StatusGood && st.res.HostStatus == scsi.DidOK {
				d.transfer(cdb, data)
			}
			return st.res, nil
		}
	}

	d.transfer(cdb, data)
	return Result{}, nil
}

func (d *fakeDevice) transfer(cdb, data []byte) {
	bs := d.blockSize
	lba := int(binary.BigEndian.Uint32(cdb[2:6]))
	switch cdb[0] {
	case scsi.Read10:
		copy(data, d.image[lba*bs:])
	case scsi.Write10:
		copy(d.image[lba*bs:], data)
	case scsi.ReadLong:
		n := copy(data, d.image[lba*bs:(lba+1)*bs])
		for i := n; i < len(data); i++ {
			data[i] = 0xec // stand-in ECC bytes
		}
	}
}

func (d *fakeDevice) ReservedSize() (int, error) { return d.reserved, nil }

func opAt(op byte, lba uint64) func([]byte) bool {
	return func(cdb []byte) bool {
		return cdb[0] == op && uint64(binary.BigEndian.Uint32(cdb[2:6])) == lba
	}
}

func anyOp(op byte) func([]byte) bool {
	return func(cdb []byte) bool { return cdb[0] == op }
}

func fixedSense(key, asc, ascq byte) []byte {
	b := make([]byte, 18)
	b[0] = scsi.SenseFixedCurrent
	b[2] = key
	b[7] = 10
	b[12] = asc
	b[13] = ascq
	return b
}

func fixedSenseInfo(key, asc, ascq byte, info uint32) []byte {
	b := fixedSense(key, asc, ascq)
	b[0] |= 0x80
	binary.BigEndian.PutUint32(b[3:7], info)
	return b
}

func checkCondition(sense []byte) Result {
	return Result{
		Status:       scsi.StatusCheckCondition,
		DriverStatus: scsi.DriverSense,
		Sense:        sense,
	}
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
	})
}

func testParams(count uint64) Params {
	p := DefaultParams()
	p.BlocksPerTransfer = 4
	p.Count = count
	return p
}

func assertAccounting(t *testing.T, c Counters, requested uint64) {
	t.Helper()
	assert.Equal(t, c.InIssued, c.InFull+c.InPartial, "source accounting")
	assert.Equal(t, c.OutIssued, c.OutFull+c.OutPartial, "destination accounting")
	assert.LessOrEqual(t, c.InIssued, requested)
	assert.LessOrEqual(t, c.OutIssued, requested)
}

func TestSessionCleanCopy(t *testing.T) {
	src := newFakeDevice(512, 16)
	dst := newFakeDevice(512, 16)
	src.fillPattern(0x40)

	p := testParams(8)
	p.SkipLBA = 2
	p.SeekLBA = 5

	s, err := NewSession(src, dst, p, &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, uint64(8), sum.InFull)
	assert.Equal(t, uint64(8), sum.OutFull)
	assert.Zero(t, sum.InPartial)
	assert.Zero(t, sum.OutPartial)
	assertAccounting(t, sum.Counters, 8)

	want := src.image[2*512 : 10*512]
	got := dst.image[5*512 : 13*512]
	assert.True(t, bytes.Equal(want, got), "destination image mismatch")
}

func TestSessionProgressCallback(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)

	var snaps []Counters
	s, err := NewSession(src, dst, testParams(8), &Options{
		Logger:        quietLogger(),
		Progress:      func(c Counters) { snaps = append(snaps, c) },
		ProgressEvery: 1,
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(snaps), 2)
	assert.Equal(t, uint64(8), snaps[len(snaps)-1].InFull)
}

func TestSessionMediumErrorStops(t *testing.T) {
	src := newFakeDevice(512, 16)
	dst := newFakeDevice(512, 16)
	src.script = []scriptStep{{
		match: opAt(scsi.Read10, 8),
		res:   checkCondition(fixedSenseInfo(scsi.SenseMediumError, scsi.AscReadError, 0, 9)),
	}}

	s, err := NewSession(src, dst, testParams(10), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeMediumError), "got %v", err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.True(t, se.HasLBA)
	assert.Equal(t, uint64(9), se.LBA, "failing LBA from the information field")

	assert.Equal(t, uint64(8), sum.InFull)
	assert.Equal(t, uint64(8), sum.OutFull)
	assertAccounting(t, sum.Counters, 10)
}

func TestSessionContinueOnError(t *testing.T) {
	src := newFakeDevice(512, 16)
	dst := newFakeDevice(512, 16)
	src.fillPattern(0x11)
	src.script = []scriptStep{
		{
			match: opAt(scsi.Read10, 8),
			res:   checkCondition(fixedSense(scsi.SenseMediumError, scsi.AscReadError, 0)),
		},
		{
			match: opAt(scsi.ReadLong, 9),
			res:   checkCondition(fixedSense(scsi.SenseMediumError, scsi.AscReadError, 0)),
		},
	}

	p := testParams(10)
	p.CoE = true
	s, err := NewSession(src, dst, p, &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(10), sum.InFull)
	assert.Equal(t, uint64(10), sum.OutFull)
	assert.Equal(t, uint64(1), sum.Unrecovered)
	assert.Equal(t, uint64(1), sum.Rescues)
	assert.Equal(t, uint64(1), sum.ZeroFilled)
	assertAccounting(t, sum.Counters, 10)

	// Sector 8 was salvaged via the long read, sector 9 zero-filled.
	assert.True(t, bytes.Equal(src.image[8*512:9*512], dst.image[8*512:9*512]))
	assert.True(t, bytes.Equal(make([]byte, 512), dst.image[9*512:10*512]))
}

func TestSessionContinueOnErrorAllRescued(t *testing.T) {
	src := newFakeDevice(512, 16)
	dst := newFakeDevice(512, 16)
	src.fillPattern(0x44)
	src.script = []scriptStep{{
		match: opAt(scsi.Read10, 8),
		res:   checkCondition(fixedSense(scsi.SenseMediumError, scsi.AscReadError, 0)),
	}}

	p := testParams(10)
	p.CoE = true
	s, err := NewSession(src, dst, p, &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, uint64(10), sum.InFull)
	assert.Equal(t, uint64(2), sum.Rescues, "both blocks of the failing chunk rescued")
	assert.Zero(t, sum.ZeroFilled)
	assert.True(t, bytes.Equal(src.image[:10*512], dst.image[:10*512]))
}

func TestSessionUnitAttentionRetriedOnce(t *testing.T) {
	for name, sense := range map[string][]byte{
		"unit attention": fixedSense(scsi.SenseUnitAttention, scsi.AscPowerOnOrReset, 0),
		"media changed":  fixedSense(scsi.SenseUnitAttention, scsi.AscMediumChanged, 0),
	} {
		t.Run(name, func(t *testing.T) {
			src := newFakeDevice(512, 8)
			dst := newFakeDevice(512, 8)
			src.fillPattern(0x22)
			src.script = []scriptStep{{match: opAt(scsi.Read10, 0), res: checkCondition(sense)}}

			s, err := NewSession(src, dst, testParams(8), &Options{Logger: quietLogger()})
			require.NoError(t, err)

			sum, err := s.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, uint64(8), sum.InFull)
			assert.True(t, bytes.Equal(src.image, dst.image))
		})
	}
}

func TestSessionUnitAttentionPersistsFatal(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)
	ua := checkCondition(fixedSense(scsi.SenseUnitAttention, scsi.AscPowerOnOrReset, 0))
	src.script = []scriptStep{
		{match: opAt(scsi.Read10, 0), res: ua},
		{match: opAt(scsi.Read10, 0), res: ua},
	}

	s, err := NewSession(src, dst, testParams(8), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeUnitAttention), "got %v", err)
	assert.Zero(t, sum.InIssued)
}

func TestSessionTimeoutFatal(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)
	src.script = []scriptStep{{
		match: anyOp(scsi.Read10),
		res:   Result{HostStatus: scsi.DidTimeOut},
	}}

	s, err := NewSession(src, dst, testParams(8), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout), "got %v", err)
}

func TestSessionShrinkOnNoMem(t *testing.T) {
	src := newFakeDevice(512, 16)
	dst := newFakeDevice(512, 16)
	src.fillPattern(0x33)
	src.reserved = 2 * 512
	src.script = []scriptStep{{match: anyOp(scsi.Read10), err: syscall.ENOMEM}}

	s, err := NewSession(src, dst, testParams(8), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), sum.InFull)
	assert.Equal(t, uint64(8), sum.OutFull)
	assert.True(t, bytes.Equal(src.image[:8*512], dst.image[:8*512]))

	// Every read after the failed one must fit the shrunk transfer size.
	for _, cdb := range src.cdbs[1:] {
		if cdb[0] != scsi.Read10 {
			continue
		}
		n := binary.BigEndian.Uint16(cdb[7:9])
		assert.LessOrEqual(t, n, uint16(2), "transfer did not shrink")
	}
}

func TestSessionShrinkHalvesWithoutCapacityDrop(t *testing.T) {
	src := newFakeDevice(512, 16)
	dst := newFakeDevice(512, 16)
	src.reserved = 16 * 512 // transport claims no smaller capacity
	src.script = []scriptStep{{match: anyOp(scsi.Read10), err: syscall.ENOMEM}}

	s, err := NewSession(src, dst, testParams(8), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.bpt, "expected 4 -> 2 halving")
}

func TestSessionShrinkBelowOneBlockFatal(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)
	src.reserved = 0
	src.script = []scriptStep{{match: anyOp(scsi.Read10), err: syscall.ENOMEM}}

	p := testParams(4)
	p.BlocksPerTransfer = 1
	s, err := NewSession(src, dst, p, &Options{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoMemory), "got %v", err)
}

func TestSessionDestinationExhausted(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)
	src.fillPattern(0x55)
	dst.script = []scriptStep{{
		match: opAt(scsi.Write10, 0),
		res:   Result{Resid: 512},
	}}

	s, err := NewSession(src, dst, testParams(4), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDestinationFull), "got %v", err)

	assert.Equal(t, uint64(4), sum.OutIssued)
	assert.Equal(t, uint64(3), sum.OutFull)
	assert.Equal(t, uint64(1), sum.OutPartial)
	assertAccounting(t, sum.Counters, 4)
}

func TestSessionCancelledBetweenChunks(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := NewSession(src, dst, testParams(8), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	sum, err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCancelled), "got %v", err)
	assert.True(t, sum.Cancelled)
	assert.Zero(t, sum.InIssued)
}

func TestNewSessionValidation(t *testing.T) {
	dev := newFakeDevice(512, 8)

	_, err := NewSession(nil, dev, testParams(1), nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))

	p := testParams(1)
	p.CdbSize = 7
	_, err = NewSession(dev, dev, p, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))

	p = testParams(1)
	p.BlocksPerTransfer = 0
	_, err = NewSession(dev, dev, p, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))
}

func TestSessionMetricsObserver(t *testing.T) {
	src := newFakeDevice(512, 8)
	dst := newFakeDevice(512, 8)
	src.fillPattern(0x66)

	m := NewMetrics()
	s, err := NewSession(src, dst, testParams(8), &Options{
		Logger:   quietLogger(),
		Observer: NewMetricsObserver(m),
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	m.Stop()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.ReadOps)
	assert.Equal(t, uint64(2), snap.WriteOps)
	assert.Equal(t, uint64(8*512), snap.ReadBytes)
	assert.Equal(t, uint64(8*512), snap.WriteBytes)
	assert.Zero(t, snap.ErrorRate)
}
