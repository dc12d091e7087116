//go:build !linux

package virtio

import "fmt"

// TapBackend is only available on Linux.
type TapBackend struct{}

func NewTapBackend(name string) (*TapBackend, error) {
	return nil, fmt.Errorf("tap: %w: not supported on this platform", ErrUnsupported)
}

func (t *TapBackend) Attach(deliver func(frame []byte)) {}

func (t *TapBackend) SendFrame(frame []byte) error { return ErrUnsupported }

func (t *TapBackend) Close() error { return nil }

var _ NetBackend = (*TapBackend)(nil)
