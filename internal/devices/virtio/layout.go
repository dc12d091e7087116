package virtio

import (
	"fmt"
	"math/bits"
)

// Byte sizes of the split-ring structures.
const (
	descSize       = 16 // addr + len + flags + next
	ringHeaderSize = 4  // flags + idx
	usedElemSize   = 8  // id + len
	eventSize      = 2  // used-event / avail-event word
)

// ringLayout holds the guest-physical placement of one virtqueue's ring
// structures. The order and alignment are the wire contract with guest
// drivers: descriptor table at pfn*PageSize, avail ring immediately
// after, used-event word after the avail ring, used ring at the next
// page boundary, avail-event word after the used ring.
type ringLayout struct {
	desc       uint64
	avail      uint64
	usedEvent  uint64
	used       uint64
	availEvent uint64
	end        uint64
}

func pciAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// computeRingLayout derives the ring placement for a queue of the given
// size based at the given page frame, validating that the whole layout
// fits inside a guest memory window of memSize bytes.
func computeRingLayout(pfn uint32, size uint16, memSize uint64) (ringLayout, error) {
	var l ringLayout

	l.desc = uint64(pfn) * PageSize
	descLen := uint64(size) * descSize

	l.avail = l.desc + descLen
	availLen := ringHeaderSize + uint64(size)*2

	l.usedEvent = l.avail + availLen

	l.used = pciAlign(l.usedEvent + eventSize)
	usedLen := ringHeaderSize + uint64(size)*usedElemSize

	l.availEvent = l.used + usedLen

	end, carry := bits.Add64(l.availEvent, eventSize, 0)
	if carry != 0 || end < l.desc || end > memSize {
		return ringLayout{}, fmt.Errorf("%w: ring [%#x, %#x) outside guest memory of %#x bytes", ErrOutOfRange, l.desc, end, memSize)
	}
	l.end = end
	return l, nil
}

func (l ringLayout) availRingEntry(i uint16) uint64 {
	return l.avail + ringHeaderSize + uint64(i)*2
}

func (l ringLayout) usedRingEntry(i uint16) uint64 {
	return l.used + ringHeaderSize + uint64(i)*usedElemSize
}

func (l ringLayout) descEntry(i uint16) uint64 {
	return l.desc + uint64(i)*descSize
}
