//go:build linux

package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// TapBackend bridges guest frames to a host TAP interface. Unlike the
// netstack backend it moves real packets, so it needs an existing tap
// device and the privileges to open it.
type TapBackend struct {
	file *os.File
	name string
}

// NewTapBackend opens the named TAP interface.
func NewTapBackend(name string) (*TapBackend, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF %q: %w", name, err)
	}

	return &TapBackend{
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
	}, nil
}

// Name returns the attached interface name.
func (t *TapBackend) Name() string { return t.name }

// Attach implements NetBackend: frames read off the tap are handed to
// deliver until the backend is closed.
func (t *TapBackend) Attach(deliver func(frame []byte)) {
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := t.file.Read(buf)
			if err != nil {
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			deliver(frame)
		}
	}()
}

// SendFrame implements NetBackend.
func (t *TapBackend) SendFrame(frame []byte) error {
	if _, err := t.file.Write(frame); err != nil {
		return fmt.Errorf("tap: write frame: %w", err)
	}
	return nil
}

// Close implements NetBackend. Closing the file ends the reader
// goroutine started by Attach.
func (t *TapBackend) Close() error {
	return t.file.Close()
}

var _ NetBackend = (*TapBackend)(nil)
