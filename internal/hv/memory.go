// Package hv holds the hypervisor-facing surface the device emulation
// depends on: guest physical memory access. The VM exit/entry machinery
// that feeds trapped I/O into devices lives outside this module.
package hv

import (
	"fmt"
	"io"
)

// GuestMemory provides access to guest physical memory.
//
// Slice is the explicit guest-physical to host-accessible translation:
// it returns a live view of guest memory, valid only for addresses
// within the guest window. Callers that need a stable copy should use
// ReadAt instead, since the guest may write the region concurrently.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the size of the guest memory window in bytes.
	Size() uint64

	// Slice returns a host-accessible view of [addr, addr+length).
	Slice(addr uint64, length uint32) ([]byte, error)
}

// RAM is a host-allocated guest memory window.
type RAM struct {
	data []byte
}

// NewRAM allocates a zeroed guest memory window of the given size.
func NewRAM(size uint64) *RAM {
	return &RAM{data: make([]byte, size)}
}

// Size implements GuestMemory.
func (r *RAM) Size() uint64 {
	return uint64(len(r.data))
}

// Slice implements GuestMemory.
func (r *RAM) Slice(addr uint64, length uint32) ([]byte, error) {
	end := addr + uint64(length)
	if end < addr || end > uint64(len(r.data)) {
		return nil, fmt.Errorf("guest memory access [%#x, %#x) outside window of %#x bytes", addr, end, len(r.data))
	}
	return r.data[addr:end], nil
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("guest memory read at %#x outside window", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("guest memory write at %#x outside window", off)
	}
	n := copy(r.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var _ GuestMemory = (*RAM)(nil)
