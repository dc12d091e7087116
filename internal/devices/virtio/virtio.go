// Package virtio implements the host side of the virtio device
// transport over the legacy PCI port I/O interface: virtqueue ring
// access, descriptor chain walking, the legacy register map, and the
// per-queue poll workers that hand guest buffers to device backends.
package virtio

import (
	"errors"

	"github.com/aszer/zircon/internal/devices/pci"
)

// Legacy virtio-over-PCI register offsets within BAR 0 (virtio 1.0
// spec, section 4.1.4.8 "Legacy Interface"). Device-specific config
// space starts immediately after the common header.
const (
	VIRTIO_PCI_DEVICE_FEATURES = 0x00 // 4 bytes, RO
	VIRTIO_PCI_DRIVER_FEATURES = 0x04 // 4 bytes, WO
	VIRTIO_PCI_QUEUE_PFN       = 0x08 // 4 bytes, RW
	VIRTIO_PCI_QUEUE_SIZE      = 0x0c // 2 bytes, RO (guest-settable here)
	VIRTIO_PCI_QUEUE_SELECT    = 0x0e // 2 bytes, WO
	VIRTIO_PCI_QUEUE_NOTIFY    = 0x10 // 2 bytes, WO
	VIRTIO_PCI_DEVICE_STATUS   = 0x12 // 1 byte, RW
	VIRTIO_PCI_ISR_STATUS      = 0x13 // 1 byte, RO, cleared on read
	VIRTIO_PCI_DEVICE_CFG_BASE = 0x14
)

// Device status byte bits, accumulated by the guest driver.
const (
	VIRTIO_STATUS_ACKNOWLEDGE = 1 << 0
	VIRTIO_STATUS_DRIVER      = 1 << 1
	VIRTIO_STATUS_DRIVER_OK   = 1 << 2
	VIRTIO_STATUS_FAILED      = 1 << 7
)

// ISR status bits.
const (
	VIRTIO_ISR_QUEUE  = 1 << 0
	VIRTIO_ISR_CONFIG = 1 << 1
)

// Descriptor flags.
const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4
)

// Virtio device type identifiers.
const (
	VIRTIO_ID_NET     = 1
	VIRTIO_ID_BLOCK   = 2
	VIRTIO_ID_CONSOLE = 3
)

const (
	// PCIVendorID is the virtio PCI vendor.
	PCIVendorID = 0x1af4

	// PageSize is the guest page size PFN values are expressed in.
	PageSize = 4096
)

// LegacyID returns the PCI device ID for a legacy transport device of
// the given virtio type.
func LegacyID(virtioID uint16) uint16 {
	return virtioID + 0xfff
}

var (
	// ErrUnsupported marks an unknown or unimplemented register
	// access. Logged by the transport, never fatal to the device.
	ErrUnsupported = errors.New("virtio: unsupported access")

	// ErrIoDataIntegrity marks a register access with the wrong width.
	ErrIoDataIntegrity = errors.New("virtio: access width mismatch")

	// ErrInvalidArgs marks a guest request the device cannot honour,
	// such as negotiating features the device did not offer.
	ErrInvalidArgs = errors.New("virtio: invalid arguments")

	// ErrOutOfRange marks a ring layout or descriptor range that falls
	// outside guest memory, or a descriptor chain that exceeds the
	// ring size.
	ErrOutOfRange = errors.New("virtio: out of range")

	// ErrNotFound reports an empty avail ring. Internal: it drives the
	// wait loop and is never guest-visible.
	ErrNotFound = errors.New("virtio: no descriptor available")

	// ErrStop is returned by poll handlers to end their worker, and by
	// Queue.Wait after the queue has been shut down.
	ErrStop = errors.New("virtio: stop")
)

// Ops is the device-specific half of a virtio device: config space
// accessors and the queue notify callback. Implemented per device kind
// (block, net, console).
type Ops interface {
	// ReadConfig reads from device config space. offset is relative to
	// the start of the device-specific region.
	ReadConfig(offset uint16) (pci.IoValue, error)

	// WriteConfig writes to device config space.
	WriteConfig(offset uint16, value pci.IoValue) error

	// QueueNotify is invoked when the guest kicks the given queue. It
	// runs on the vCPU trap path and must not block indefinitely.
	QueueNotify(queue uint16) error
}
