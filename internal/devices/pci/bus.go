// Package pci models the slice of the PCI framework that port-mapped
// device transports interact with: function identity, BAR-relative port
// I/O dispatch, and interrupt delivery.
package pci

import (
	"fmt"
	"log/slog"
	"sync"
)

const type0BARCount = 6

// DeviceHeader describes the PCI config-space identity of a function.
// The config-space framework that serves these fields to the guest is
// external; devices only declare them.
type DeviceHeader struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	ClassCode         uint32
	InterruptPin      uint8
	InterruptLine     uint8

	// BARSizes holds the size of each BAR window in bytes. Zero means
	// the BAR is not implemented.
	BARSizes [type0BARCount]uint32
}

// IoValue carries a sized port I/O access. Size is the access width in
// bytes (1, 2 or 4); Value holds the data in its low bits.
type IoValue struct {
	Size  uint8
	Value uint32
}

// U8 returns a 1-byte IoValue.
func U8(v uint8) IoValue { return IoValue{Size: 1, Value: uint32(v)} }

// U16 returns a 2-byte IoValue.
func U16(v uint16) IoValue { return IoValue{Size: 2, Value: uint32(v)} }

// U32 returns a 4-byte IoValue.
func U32(v uint32) IoValue { return IoValue{Size: 4, Value: v} }

// Function is a PCI function whose BAR 0 is a port I/O window. The bus
// dispatches trapped guest port accesses to these entry points with
// BAR-relative offsets.
type Function interface {
	Header() DeviceHeader

	ReadBAR(bar uint8, port uint16) (IoValue, error)
	WriteBAR(bar uint8, port uint16, value IoValue) error
}

// Interrupter asserts a guest interrupt line. On amd64 virtual machines
// this is the PulseIRQ path of the hypervisor.
type Interrupter interface {
	PulseIRQ(line uint32) error
}

// InterrupterFunc adapts a function to the Interrupter interface.
type InterrupterFunc func(line uint32) error

func (f InterrupterFunc) PulseIRQ(line uint32) error { return f(line) }

type portRange struct {
	base uint16
	size uint32
	fn   Function
}

// Bus owns a region of the x86 port space and dispatches trapped I/O
// port accesses to the registered functions' BAR 0 windows.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	next   uint16
	limit  uint16
	ranges []portRange
}

// NewBus creates a bus allocating BAR 0 windows from [base, base+size).
func NewBus(logger *slog.Logger, base uint16, size uint16) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		log:   logger,
		next:  base,
		limit: base + size,
	}
}

// Register assigns the function's BAR 0 a port window and returns its
// base port.
func (b *Bus) Register(fn Function) (uint16, error) {
	if fn == nil {
		return 0, fmt.Errorf("pci: function cannot be nil")
	}
	size := fn.Header().BARSizes[0]
	if size == 0 {
		return 0, fmt.Errorf("pci: function declares no BAR 0 window")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Port windows are aligned to their own size rounded up to a power
	// of two, matching how firmware programs I/O BARs.
	align := uint32(4)
	for align < size {
		align <<= 1
	}
	base := (uint32(b.next) + align - 1) &^ (align - 1)
	if base+size > uint32(b.limit) {
		return 0, fmt.Errorf("pci: port space exhausted")
	}
	b.next = uint16(base + size)
	b.ranges = append(b.ranges, portRange{base: uint16(base), size: size, fn: fn})
	return uint16(base), nil
}

func (b *Bus) resolve(port uint16) (Function, uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.ranges {
		if port >= r.base && uint32(port-r.base) < r.size {
			return r.fn, port - r.base, true
		}
	}
	return nil, 0, false
}

// ReadIOPort dispatches a trapped guest port read. Unclaimed ports read
// as all-ones, matching absent hardware.
func (b *Bus) ReadIOPort(port uint16, data []byte) error {
	fn, offset, ok := b.resolve(port)
	if !ok {
		b.log.Warn("pci: read from unclaimed port", "port", fmt.Sprintf("%#x", port))
		for i := range data {
			data[i] = 0xff
		}
		return nil
	}
	value, err := fn.ReadBAR(0, offset)
	if err != nil {
		return err
	}
	for i := range data {
		if i < int(value.Size) {
			data[i] = byte(value.Value >> (8 * i))
		} else {
			data[i] = 0
		}
	}
	return nil
}

// WriteIOPort dispatches a trapped guest port write.
func (b *Bus) WriteIOPort(port uint16, data []byte) error {
	fn, offset, ok := b.resolve(port)
	if !ok {
		b.log.Warn("pci: write to unclaimed port", "port", fmt.Sprintf("%#x", port))
		return nil
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pci: unsupported port access width %d", len(data))
	}
	value := IoValue{Size: uint8(len(data))}
	for i, by := range data {
		value.Value |= uint32(by) << (8 * i)
	}
	return fn.WriteBAR(0, offset, value)
}
