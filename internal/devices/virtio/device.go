package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/hv"
)

// DeviceConfig describes one virtio device instance.
type DeviceConfig struct {
	// Kind is the virtio device type (VIRTIO_ID_*).
	Kind uint16

	// Features is the fixed feature bitmask the device advertises.
	Features uint32

	// NumQueues is the number of virtqueues the device exposes.
	NumQueues int

	// ConfigSize is the size of the device-specific config space that
	// follows the legacy header in BAR 0.
	ConfigSize uint16

	// Memory is the guest physical memory window.
	Memory hv.GuestMemory

	// Ops supplies the device-specific accessors; may be nil for
	// devices with no config space or notify handling.
	Ops Ops

	// Interrupter delivers guest interrupts; may be nil in tests.
	Interrupter pci.Interrupter

	// IRQLine is the interrupt line pulsed on completions.
	IRQLine uint32

	Logger *slog.Logger
}

// Device is one virtio device instance: negotiated state, ISR, and its
// virtqueues. The device lock guards {status, isr} only and is always
// acquired after any queue lock has been released.
type Device struct {
	mu sync.Mutex

	kind       uint16
	features   uint32
	configSize uint16

	status uint8
	isr    uint8

	mem hv.GuestMemory
	ops Ops

	irq     pci.Interrupter
	irqLine uint32

	log *slog.Logger

	queueSel uint16
	queues   []*Queue
	workers  []*PollWorker
}

// NewDevice constructs a device with cfg.NumQueues empty queues. Queues
// are populated later by guest PFN writes through the transport.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("virtio: device requires guest memory")
	}
	if cfg.NumQueues <= 0 {
		return nil, fmt.Errorf("virtio: device must expose at least one queue")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dev := &Device{
		kind:       cfg.Kind,
		features:   cfg.Features,
		configSize: cfg.ConfigSize,
		mem:        cfg.Memory,
		ops:        cfg.Ops,
		irq:        cfg.Interrupter,
		irqLine:    cfg.IRQLine,
		log:        logger,
	}
	dev.queues = make([]*Queue, cfg.NumQueues)
	dev.workers = make([]*PollWorker, cfg.NumQueues)
	for i := range dev.queues {
		dev.queues[i] = newQueue(dev, cfg.Memory)
	}
	return dev, nil
}

// SetOps installs the device-specific accessors. Backends that embed
// their own Device call this after construction.
func (d *Device) SetOps(ops Ops) {
	d.ops = ops
}

// Kind returns the virtio device type.
func (d *Device) Kind() uint16 { return d.kind }

// Features returns the advertised feature bitmask.
func (d *Device) Features() uint32 { return d.features }

// NumQueues returns the number of virtqueues.
func (d *Device) NumQueues() int { return len(d.queues) }

// Queue returns queue i, or nil if out of range.
func (d *Device) Queue(i int) *Queue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i]
}

// selectedQueue returns the queue addressed by QUEUE_SELECT, nil if the
// selector is out of range.
func (d *Device) selectedQueue() *Queue {
	d.mu.Lock()
	sel := d.queueSel
	d.mu.Unlock()
	if int(sel) >= len(d.queues) {
		return nil
	}
	return d.queues[sel]
}

// Status returns the driver-written status byte.
func (d *Device) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) setStatus(status uint8) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
}

// setISR marks interrupt causes pending.
func (d *Device) setISR(bits uint8) {
	d.mu.Lock()
	d.isr |= bits
	d.mu.Unlock()
}

// isrPending reports whether any interrupt cause is pending.
func (d *Device) isrPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isr != 0
}

// readAndClearISR returns the ISR and resets it. From VIRTIO 1.0
// section 4.1.4.5: reading the ISR register resets it to 0 and causes
// the device to de-assert the interrupt.
func (d *Device) readAndClearISR() uint8 {
	d.mu.Lock()
	isr := d.isr
	d.isr = 0
	d.mu.Unlock()
	return isr
}

// Interrupt asserts the device's interrupt line.
func (d *Device) Interrupt() error {
	if d.irq == nil {
		return nil
	}
	return d.irq.PulseIRQ(d.irqLine)
}

// ConfigChanged marks a device config change pending and asserts the
// interrupt so the guest rereads config space.
func (d *Device) ConfigChanged() error {
	d.setISR(VIRTIO_ISR_CONFIG)
	return d.Interrupt()
}

// Header returns the PCI identity of the legacy transport function:
// virtio vendor, legacy device ID, and a BAR 0 port window covering the
// legacy header plus device config space.
func (d *Device) Header() pci.DeviceHeader {
	hdr := pci.DeviceHeader{
		VendorID:          PCIVendorID,
		DeviceID:          LegacyID(d.kind),
		SubsystemVendorID: 0,
		SubsystemID:       d.kind,
		InterruptPin:      1,
		InterruptLine:     uint8(d.irqLine),
	}
	hdr.BARSizes[0] = uint32(VIRTIO_PCI_DEVICE_CFG_BASE) + uint32(d.configSize)
	return hdr
}

// StartPoll launches the background worker for queue i. At most one
// worker may exist per queue.
func (d *Device) StartPoll(i int, handler PollHandler) (*PollWorker, error) {
	q := d.Queue(i)
	if q == nil {
		return nil, fmt.Errorf("virtio: queue %d does not exist", i)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workers[i] != nil {
		return nil, fmt.Errorf("virtio: queue %d already has a poll worker", i)
	}
	w := startPollWorker(q, handler)
	d.workers[i] = w
	return w, nil
}

// Close shuts down all queues and joins any poll workers.
func (d *Device) Close() error {
	for _, q := range d.queues {
		q.shutdown()
	}
	d.mu.Lock()
	workers := make([]*PollWorker, len(d.workers))
	copy(workers, d.workers)
	d.mu.Unlock()
	for _, w := range workers {
		if w != nil {
			w.join()
		}
	}
	return nil
}
