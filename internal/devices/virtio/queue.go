package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/aszer/zircon/internal/hv"
)

// Desc is a read-only view of one guest descriptor.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether the chain continues at Next.
func (d Desc) HasNext() bool { return d.Flags&virtqDescFNext != 0 }

// Writable reports whether the buffer is device-writable.
func (d Desc) Writable() bool { return d.Flags&virtqDescFWrite != 0 }

// Queue is the host side of one virtqueue: the guest-configured ring
// layout plus the consumption state for its avail side.
//
// The queue lock guards {index, pfn, size, layout}. It is a leaf lock:
// it is never held across device callbacks or while taking the device
// lock.
type Queue struct {
	mu      sync.Mutex
	availCV *sync.Cond

	mem hv.GuestMemory
	dev *Device

	size   uint16
	pfn    uint32
	layout ringLayout

	// index counts how many avail entries the host has consumed. The
	// guest's avail.idx minus index, mod 2^16, is the backlog; under
	// the queue lock it is always >= 0.
	index uint16

	stopped bool
}

func newQueue(dev *Device, mem hv.GuestMemory) *Queue {
	q := &Queue{mem: mem, dev: dev}
	q.availCV = sync.NewCond(&q.mu)
	return q
}

// Size returns the configured queue size.
func (q *Queue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// SetSize configures the queue size. Legacy guests write this before
// the PFN; the size must be a power of two.
func (q *Queue) SetSize(size uint16) error {
	if size != 0 && size&(size-1) != 0 {
		return fmt.Errorf("%w: queue size %d is not a power of two", ErrInvalidArgs, size)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = size
	return nil
}

// Pfn returns the configured page frame number, zero if unconfigured.
func (q *Queue) Pfn() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pfn
}

// SetPfn places the ring at the given guest page frame. A layout that
// does not fit inside guest memory leaves the queue zeroed and
// unconfigured.
func (q *Queue) SetPfn(pfn uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	layout, err := computeRingLayout(pfn, q.size, q.mem.Size())
	if err != nil {
		q.pfn = 0
		q.size = 0
		q.layout = ringLayout{}
		q.index = 0
		return err
	}
	q.pfn = pfn
	q.layout = layout
	return nil
}

// Ring accesses go through guest memory on every call so that host and
// guest observe each other's updates; nothing here may cache avail.idx
// or used.idx.

func (q *Queue) ringU16(addr uint64) uint16 {
	span, err := q.mem.Slice(addr, 2)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(span)
}

func (q *Queue) putRingU16(addr uint64, v uint16) {
	span, err := q.mem.Slice(addr, 2)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint16(span, v)
}

func (q *Queue) putRingU32(addr uint64, v uint32) {
	span, err := q.mem.Slice(addr, 4)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint32(span, v)
}

// availCountLocked returns the number of unconsumed avail entries.
func (q *Queue) availCountLocked() uint16 {
	if q.pfn == 0 || q.size == 0 {
		return 0
	}
	availIdx := q.ringU16(q.layout.avail + 2)
	return availIdx - q.index
}

func (q *Queue) nextAvailLocked() (uint16, error) {
	if q.availCountLocked() < 1 {
		return 0, ErrNotFound
	}
	head := q.ringU16(q.layout.availRingEntry(q.index % q.size))
	q.index++
	return head, nil
}

// NextAvail pops the next descriptor head from the avail ring. The only
// error it returns is ErrNotFound; any guest memory anomaly is deferred
// to descriptor walk time.
func (q *Queue) NextAvail() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextAvailLocked()
}

// Wait blocks until an avail entry can be popped, then pops it. It
// returns ErrStop once the queue has been shut down.
func (q *Queue) Wait() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped {
			return 0, ErrStop
		}
		head, err := q.nextAvailLocked()
		if err == nil {
			return head, nil
		}
		q.availCV.Wait()
	}
}

// Signal wakes one waiter if the avail ring currently has entries.
// Called after a guest notify; spurious notifies wake nobody.
func (q *Queue) Signal() {
	q.mu.Lock()
	if q.availCountLocked() > 0 {
		q.availCV.Signal()
	}
	q.mu.Unlock()
}

// shutdown releases all waiters with ErrStop.
func (q *Queue) shutdown() {
	q.mu.Lock()
	q.stopped = true
	q.availCV.Broadcast()
	q.mu.Unlock()
}

// Return publishes a completed chain to the used ring and marks the
// queue interrupt pending. It must be called exactly once per consumed
// avail entry.
func (q *Queue) Return(head uint16, written uint32) {
	q.mu.Lock()
	if q.pfn != 0 && q.size != 0 {
		usedIdx := q.ringU16(q.layout.used + 2)
		slot := q.layout.usedRingEntry(usedIdx % q.size)
		q.putRingU32(slot, uint32(head))
		q.putRingU32(slot+4, written)
		q.putRingU16(q.layout.used+2, usedIdx+1)
	}
	q.mu.Unlock()

	// The device lock is taken only after the queue lock is released;
	// queue locks are leaves.
	q.dev.setISR(VIRTIO_ISR_QUEUE)
}

// readDesc reads descriptor i from the descriptor table.
func (q *Queue) readDesc(i uint16) (Desc, error) {
	q.mu.Lock()
	layout := q.layout
	size := q.size
	configured := q.pfn != 0
	q.mu.Unlock()

	if !configured || i >= size {
		return Desc{}, fmt.Errorf("%w: descriptor index %d (queue size %d)", ErrOutOfRange, i, size)
	}
	span, err := q.mem.Slice(layout.descEntry(i), descSize)
	if err != nil {
		return Desc{}, err
	}
	return Desc{
		Addr:  binary.LittleEndian.Uint64(span[0:8]),
		Len:   binary.LittleEndian.Uint32(span[8:12]),
		Flags: binary.LittleEndian.Uint16(span[12:14]),
		Next:  binary.LittleEndian.Uint16(span[14:16]),
	}, nil
}
