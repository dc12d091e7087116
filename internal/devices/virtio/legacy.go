package virtio

import (
	"fmt"

	"github.com/aszer/zircon/internal/devices/pci"
)

// Transport serves the legacy virtio PCI register map out of a device's
// BAR 0 port window. One transport wraps one device.
type Transport struct {
	dev *Device
}

// NewTransport wraps dev in its legacy PCI transport.
func NewTransport(dev *Device) *Transport {
	return &Transport{dev: dev}
}

var _ pci.Function = (*Transport)(nil)

// Header returns the wrapped device's PCI identity.
func (t *Transport) Header() pci.DeviceHeader {
	return t.dev.Header()
}

// ReadBAR serves a guest port read from BAR 0. Ports at or beyond the
// device config base are delegated to the device's Ops.
func (t *Transport) ReadBAR(bar uint8, port uint16) (pci.IoValue, error) {
	if bar != 0 {
		return pci.IoValue{}, fmt.Errorf("%w: read from BAR %d", ErrUnsupported, bar)
	}
	d := t.dev

	switch port {
	case VIRTIO_PCI_DEVICE_FEATURES:
		return pci.U32(d.Features()), nil

	case VIRTIO_PCI_QUEUE_PFN:
		q := d.selectedQueue()
		if q == nil {
			return pci.IoValue{}, fmt.Errorf("%w: PFN read with no queue selected", ErrUnsupported)
		}
		return pci.U32(q.Pfn()), nil

	case VIRTIO_PCI_QUEUE_SIZE:
		q := d.selectedQueue()
		if q == nil {
			return pci.IoValue{}, fmt.Errorf("%w: size read with no queue selected", ErrUnsupported)
		}
		return pci.U16(q.Size()), nil

	case VIRTIO_PCI_DEVICE_STATUS:
		return pci.U8(d.Status()), nil

	case VIRTIO_PCI_ISR_STATUS:
		return pci.U8(d.readAndClearISR()), nil
	}

	if port >= VIRTIO_PCI_DEVICE_CFG_BASE {
		if d.ops == nil {
			return pci.IoValue{}, fmt.Errorf("%w: device has no config space", ErrUnsupported)
		}
		return d.ops.ReadConfig(port - VIRTIO_PCI_DEVICE_CFG_BASE)
	}

	d.log.Warn("virtio: unhandled register read", "port", fmt.Sprintf("%#x", port))
	return pci.IoValue{}, fmt.Errorf("%w: register read at %#x", ErrUnsupported, port)
}

// WriteBAR serves a guest port write to BAR 0. Register widths are
// enforced; a mis-sized access is rejected without side effects.
func (t *Transport) WriteBAR(bar uint8, port uint16, value pci.IoValue) error {
	if bar != 0 {
		return fmt.Errorf("%w: write to BAR %d", ErrUnsupported, bar)
	}
	d := t.dev

	switch port {
	case VIRTIO_PCI_DRIVER_FEATURES:
		if value.Size != 4 {
			return fmt.Errorf("%w: %d-byte write to DRIVER_FEATURES", ErrIoDataIntegrity, value.Size)
		}
		// Legacy devices have no feature negotiation protocol beyond
		// this write; drivers must accept the feature set as offered.
		if value.Value != d.Features() {
			return fmt.Errorf("%w: driver features %#x differ from device features %#x",
				ErrInvalidArgs, value.Value, d.Features())
		}
		return nil

	case VIRTIO_PCI_QUEUE_PFN:
		if value.Size != 4 {
			return fmt.Errorf("%w: %d-byte write to QUEUE_PFN", ErrIoDataIntegrity, value.Size)
		}
		q := d.selectedQueue()
		if q == nil {
			return fmt.Errorf("%w: PFN write with no queue selected", ErrUnsupported)
		}
		return q.SetPfn(value.Value)

	case VIRTIO_PCI_QUEUE_SIZE:
		if value.Size != 2 {
			return fmt.Errorf("%w: %d-byte write to QUEUE_SIZE", ErrIoDataIntegrity, value.Size)
		}
		q := d.selectedQueue()
		if q == nil {
			return fmt.Errorf("%w: size write with no queue selected", ErrUnsupported)
		}
		return q.SetSize(uint16(value.Value))

	case VIRTIO_PCI_QUEUE_SELECT:
		if value.Size != 2 {
			return fmt.Errorf("%w: %d-byte write to QUEUE_SELECT", ErrIoDataIntegrity, value.Size)
		}
		if int(value.Value) >= d.NumQueues() {
			d.log.Warn("virtio: queue select out of range",
				"queue", value.Value, "queues", d.NumQueues())
			return fmt.Errorf("%w: queue select %d", ErrUnsupported, value.Value)
		}
		d.mu.Lock()
		d.queueSel = uint16(value.Value)
		d.mu.Unlock()
		return nil

	case VIRTIO_PCI_QUEUE_NOTIFY:
		if value.Size != 2 {
			return fmt.Errorf("%w: %d-byte write to QUEUE_NOTIFY", ErrIoDataIntegrity, value.Size)
		}
		if int(value.Value) >= d.NumQueues() {
			d.log.Warn("virtio: queue notify out of range",
				"queue", value.Value, "queues", d.NumQueues())
			return fmt.Errorf("%w: queue notify %d", ErrUnsupported, value.Value)
		}
		return t.notify(uint16(value.Value))

	case VIRTIO_PCI_DEVICE_STATUS:
		if value.Size != 1 {
			return fmt.Errorf("%w: %d-byte write to DEVICE_STATUS", ErrIoDataIntegrity, value.Size)
		}
		// Stored verbatim; a zero write is the guest's reset request.
		d.setStatus(uint8(value.Value))
		return nil
	}

	if port >= VIRTIO_PCI_DEVICE_CFG_BASE {
		if d.ops == nil {
			return fmt.Errorf("%w: device has no config space", ErrUnsupported)
		}
		return d.ops.WriteConfig(port-VIRTIO_PCI_DEVICE_CFG_BASE, value)
	}

	d.log.Warn("virtio: unhandled register write",
		"port", fmt.Sprintf("%#x", port), "value", fmt.Sprintf("%#x", value.Value))
	return fmt.Errorf("%w: register write at %#x", ErrUnsupported, port)
}

// notify handles a guest queue kick: run the device callback, deliver
// any interrupt it raised, then wake ring waiters. Waiters are signaled
// even when the interrupt path fails, so a backlog is never stranded
// behind an IRQ error.
func (t *Transport) notify(queue uint16) error {
	d := t.dev

	var irqErr error
	if d.ops != nil {
		if err := d.ops.QueueNotify(queue); err != nil {
			return err
		}
	}
	if d.isrPending() {
		irqErr = d.Interrupt()
	}
	if q := d.Queue(int(queue)); q != nil {
		q.Signal()
	}
	return irqErr
}
