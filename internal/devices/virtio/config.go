package virtio

import (
	"fmt"

	"github.com/aszer/zircon/internal/devices/pci"
)

// readConfigWindow serves a sized read out of a device config byte
// window. Legacy drivers issue 1, 2 and 4 byte accesses at arbitrary
// offsets; a read straddling the window end is clamped to the bytes
// that exist.
func readConfigWindow(window []byte, offset uint16, size uint8) (pci.IoValue, error) {
	if size != 1 && size != 2 && size != 4 {
		return pci.IoValue{}, fmt.Errorf("%w: %d-byte config read", ErrIoDataIntegrity, size)
	}
	if int(offset) >= len(window) {
		return pci.IoValue{}, fmt.Errorf("%w: config read at %#x beyond %#x-byte window",
			ErrOutOfRange, offset, len(window))
	}
	end := int(offset) + int(size)
	if end > len(window) {
		end = len(window)
	}
	value := pci.IoValue{Size: uint8(end - int(offset))}
	for i := 0; int(offset)+i < end; i++ {
		value.Value |= uint32(window[int(offset)+i]) << (8 * i)
	}
	return value, nil
}

// writeConfigWindow applies a sized write into a device config byte
// window.
func writeConfigWindow(window []byte, offset uint16, value pci.IoValue) error {
	end := int(offset) + int(value.Size)
	if value.Size != 1 && value.Size != 2 && value.Size != 4 {
		return fmt.Errorf("%w: %d-byte config write", ErrIoDataIntegrity, value.Size)
	}
	if end > len(window) {
		return fmt.Errorf("%w: config write [%#x, %#x) beyond %#x-byte window",
			ErrOutOfRange, offset, end, len(window))
	}
	for i := 0; i < int(value.Size); i++ {
		window[int(offset)+i] = byte(value.Value >> (8 * i))
	}
	return nil
}
