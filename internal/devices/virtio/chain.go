package virtio

import (
	"fmt"
	"math/bits"
)

// ChainHandler receives one descriptor's host-accessible span and its
// flags, and reports how many bytes it wrote into the span.
type ChainHandler func(span []byte, flags uint16) (written uint32, err error)

// WalkChain walks the descriptor chain headed at head, bounds-checking
// every descriptor against guest memory and handing each buffer to the
// handler. It returns the accumulated bytes written; on success the
// caller owns calling Return(head, written) exactly once.
//
// The walk takes at most queue-size steps. A chain that still continues
// past that bound contains a cycle and is aborted.
func (q *Queue) WalkChain(head uint16, handler ChainHandler) (uint32, error) {
	q.mu.Lock()
	size := q.size
	memSize := q.mem.Size()
	q.mu.Unlock()

	var written uint32
	index := head
	for step := uint16(0); ; step++ {
		if step >= size {
			return written, fmt.Errorf("%w: descriptor chain exceeds queue size %d", ErrOutOfRange, size)
		}

		desc, err := q.readDesc(index)
		if err != nil {
			return written, err
		}

		end, carry := bits.Add64(desc.Addr, uint64(desc.Len), 0)
		if carry != 0 || end > memSize {
			return written, fmt.Errorf("%w: descriptor [%#x, %#x)", ErrOutOfRange, desc.Addr, end)
		}

		span, err := q.mem.Slice(desc.Addr, desc.Len)
		if err != nil {
			return written, err
		}
		n, err := handler(span, desc.Flags)
		written += n
		if err != nil {
			return written, err
		}

		if !desc.HasNext() {
			return written, nil
		}
		index = desc.Next
	}
}

// ReadChain collects the device-readable bytes of the chain at head.
// Useful for transmit queues where the guest hands data to the device.
func (q *Queue) ReadChain(head uint16) ([]byte, error) {
	var data []byte
	_, err := q.WalkChain(head, func(span []byte, flags uint16) (uint32, error) {
		if flags&virtqDescFWrite != 0 {
			return 0, fmt.Errorf("%w: writable descriptor in read chain", ErrInvalidArgs)
		}
		data = append(data, span...)
		return 0, nil
	})
	return data, err
}

// FillChain copies data into the device-writable spans of the chain at
// head, returning the number of bytes written. Useful for receive
// queues where the device hands data to the guest.
func (q *Queue) FillChain(head uint16, data []byte) (uint32, error) {
	consumed := 0
	return q.WalkChain(head, func(span []byte, flags uint16) (uint32, error) {
		if flags&virtqDescFWrite == 0 {
			return 0, fmt.Errorf("%w: read-only descriptor in write chain", ErrInvalidArgs)
		}
		n := copy(span, data[consumed:])
		consumed += n
		return uint32(n), nil
	})
}
