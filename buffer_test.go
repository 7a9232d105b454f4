package sgcopy

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAllocateBuffer(t *testing.T) {
	w, err := AllocateBuffer(512, 128, Unaligned)
	require.NoError(t, err)
	assert.Equal(t, 512, w.BlockSize())
	assert.Equal(t, 128, w.CapacityBlocks())
	assert.Equal(t, 128, w.WindowBlocks())
	assert.Len(t, w.Bytes(128), 128*512)
}

func TestAllocateBufferPageAligned(t *testing.T) {
	w, err := AllocateBuffer(512, 8, PageAligned)
	require.NoError(t, err)

	addr := uintptr(unsafe.Pointer(&w.Bytes(1)[0]))
	assert.Zero(t, addr%uintptr(unix.Getpagesize()), "buffer start not page aligned")
	assert.Len(t, w.Bytes(8), 8*512)
}

func TestAllocateBufferValidation(t *testing.T) {
	_, err := AllocateBuffer(0, 8, Unaligned)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))

	_, err = AllocateBuffer(512, 0, Unaligned)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))
}

func TestBufferShrink(t *testing.T) {
	w, err := AllocateBuffer(512, 64, Unaligned)
	require.NoError(t, err)

	require.NoError(t, w.Shrink(16))
	assert.Equal(t, 16, w.WindowBlocks())
	assert.Len(t, w.Bytes(64), 16*512, "window caps the view")

	// The window never grows back within a session.
	err = w.Shrink(32)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))
	assert.Equal(t, 16, w.WindowBlocks())

	err = w.Shrink(0)
	assert.True(t, IsCode(err, ErrCodeInvalidParams))

	require.NoError(t, w.Shrink(1))
	assert.Len(t, w.Bytes(1), 512)
}
