package virtio

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/hv"
)

const testMemSize = 1 << 20

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// irqRecorder counts interrupt pulses per line.
type irqRecorder struct {
	mu     sync.Mutex
	pulses map[uint32]int
}

func newIRQRecorder() *irqRecorder {
	return &irqRecorder{pulses: make(map[uint32]int)}
}

func (r *irqRecorder) PulseIRQ(line uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulses[line]++
	return nil
}

func (r *irqRecorder) count(line uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulses[line]
}

// nopOps is an Ops with no config space and an accepting notify.
type nopOps struct{}

func (nopOps) ReadConfig(offset uint16) (pci.IoValue, error) { return pci.IoValue{}, ErrUnsupported }
func (nopOps) WriteConfig(offset uint16, value pci.IoValue) error {
	return ErrUnsupported
}
func (nopOps) QueueNotify(queue uint16) error { return nil }

// guestRing drives the guest half of a virtqueue directly in guest
// memory, the way a driver would.
type guestRing struct {
	t    *testing.T
	mem  hv.GuestMemory
	size uint16

	desc  uint64
	avail uint64
	used  uint64

	availIdx uint16
	lastUsed uint16
}

// newGuestRing computes the legacy ring placement for the given PFN,
// mirroring what the device derives from a QUEUE_PFN write.
func newGuestRing(t *testing.T, mem hv.GuestMemory, pfn uint32, size uint16) *guestRing {
	t.Helper()
	r := &guestRing{t: t, mem: mem, size: size}
	r.desc = uint64(pfn) * PageSize
	r.avail = r.desc + uint64(size)*16
	availEnd := r.avail + 4 + uint64(size)*2 + 2
	r.used = (availEnd + PageSize - 1) &^ (PageSize - 1)
	return r
}

func (r *guestRing) slice(addr uint64, length uint32) []byte {
	r.t.Helper()
	span, err := r.mem.Slice(addr, length)
	if err != nil {
		r.t.Fatalf("guest memory access at %#x: %v", addr, err)
	}
	return span
}

func (r *guestRing) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	span := r.slice(r.desc+uint64(i)*16, 16)
	binary.LittleEndian.PutUint64(span[0:8], addr)
	binary.LittleEndian.PutUint32(span[8:12], length)
	binary.LittleEndian.PutUint16(span[12:14], flags)
	binary.LittleEndian.PutUint16(span[14:16], next)
}

// push publishes head on the avail ring and bumps avail.idx.
func (r *guestRing) push(head uint16) {
	binary.LittleEndian.PutUint16(r.slice(r.avail+4+uint64(r.availIdx%r.size)*2, 2), head)
	r.availIdx++
	binary.LittleEndian.PutUint16(r.slice(r.avail+2, 2), r.availIdx)
}

func (r *guestRing) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.slice(r.used+2, 2))
}

// popUsed returns the next used element the device published.
func (r *guestRing) popUsed() (id uint32, length uint32, ok bool) {
	if r.usedIdx() == r.lastUsed {
		return 0, 0, false
	}
	elem := r.slice(r.used+4+uint64(r.lastUsed%r.size)*8, 8)
	r.lastUsed++
	return binary.LittleEndian.Uint32(elem[0:4]), binary.LittleEndian.Uint32(elem[4:8]), true
}

// newTestDevice builds a device over fresh RAM with the given queue
// count.
func newTestDevice(t *testing.T, numQueues int, ops Ops, irq pci.Interrupter) (*Device, *hv.RAM) {
	t.Helper()
	mem := hv.NewRAM(testMemSize)
	dev, err := NewDevice(DeviceConfig{
		Kind:        VIRTIO_ID_CONSOLE,
		Features:    0x1,
		NumQueues:   numQueues,
		ConfigSize:  4,
		Memory:      mem,
		Ops:         ops,
		Interrupter: irq,
		IRQLine:     9,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	return dev, mem
}

// setupQueue sizes queue i and places its ring at pfn, returning the
// guest half.
func setupQueue(t *testing.T, dev *Device, i int, size uint16, pfn uint32, mem *hv.RAM) *guestRing {
	t.Helper()
	q := dev.Queue(i)
	if q == nil {
		t.Fatalf("queue %d does not exist", i)
	}
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize(%d) failed: %v", size, err)
	}
	if err := q.SetPfn(pfn); err != nil {
		t.Fatalf("SetPfn(%#x) failed: %v", pfn, err)
	}
	return newGuestRing(t, mem, pfn, size)
}
