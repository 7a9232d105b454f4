package sgcopy

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// AlignmentMode selects the alignment of the work buffer.
type AlignmentMode int

const (
	// Unaligned places no alignment requirement on the buffer.
	Unaligned AlignmentMode = iota
	// PageAligned aligns the buffer start to a page boundary, required for
	// direct and memory-mapped transfers.
	PageAligned
)

// WorkBuffer owns one block-aligned memory region of
// blockSize * blocksPerTransfer bytes. The copy session borrows a window of
// it for the duration of one transfer; shrinking only narrows the logical
// window and never reallocates.
type WorkBuffer struct {
	raw       []byte
	data      []byte
	blockSize int
	capBlocks int
	window    int
}

// AllocateBuffer reserves the work buffer for a session. Failure here is
// fatal and must be reported before any command is issued.
func AllocateBuffer(blockSize, blocksPerTransfer int, mode AlignmentMode) (*WorkBuffer, error) {
	if blockSize <= 0 {
		return nil, NewError("ALLOC", ErrCodeInvalidParams, "block size must be positive")
	}
	if blocksPerTransfer <= 0 {
		return nil, NewError("ALLOC", ErrCodeInvalidParams, "blocks per transfer must be positive")
	}

	size := blockSize * blocksPerTransfer
	w := &WorkBuffer{
		blockSize: blockSize,
		capBlocks: blocksPerTransfer,
		window:    blocksPerTransfer,
	}

	switch mode {
	case PageAligned:
		psz := unix.Getpagesize()
		w.raw = make([]byte, size+psz)
		addr := uintptr(unsafe.Pointer(&w.raw[0]))
		pad := 0
		if rem := int(addr % uintptr(psz)); rem != 0 {
			pad = psz - rem
		}
		w.data = w.raw[pad : pad+size]
	default:
		w.raw = make([]byte, size)
		w.data = w.raw
	}

	return w, nil
}

// Shrink narrows the logical window to n blocks. The window can only shrink
// within a session.
func (w *WorkBuffer) Shrink(n int) error {
	if n < 1 {
		return NewError("SHRINK", ErrCodeInvalidParams, "window must hold at least one block")
	}
	if n > w.window {
		return NewError("SHRINK", ErrCodeInvalidParams, "window can only shrink")
	}
	w.window = n
	return nil
}

// Bytes returns a view of the first n blocks of the current window.
func (w *WorkBuffer) Bytes(n int) []byte {
	if n > w.window {
		n = w.window
	}
	return w.data[:n*w.blockSize]
}

// BlockSize returns the block size the buffer was allocated for.
func (w *WorkBuffer) BlockSize() int { return w.blockSize }

// WindowBlocks returns the current logical window in blocks.
func (w *WorkBuffer) WindowBlocks() int { return w.window }

// CapacityBlocks returns the allocated capacity in blocks.
func (w *WorkBuffer) CapacityBlocks() int { return w.capBlocks }
