package virtio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/hv"
)

// captureBackend records guest frames and lets tests inject inbound
// ones.
type captureBackend struct {
	mu      sync.Mutex
	sent    [][]byte
	deliver func(frame []byte)
}

func (b *captureBackend) Attach(deliver func(frame []byte)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

func (b *captureBackend) SendFrame(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(frame))
	copy(out, frame)
	b.sent = append(b.sent, out)
	return nil
}

func (b *captureBackend) Close() error { return nil }

func (b *captureBackend) sentFrames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

func (b *captureBackend) inject(frame []byte) {
	b.mu.Lock()
	deliver := b.deliver
	b.mu.Unlock()
	deliver(frame)
}

func newTestNet(t *testing.T) (*Net, *captureBackend, *hv.RAM) {
	t.Helper()
	mem := hv.NewRAM(testMemSize)
	backend := &captureBackend{}
	n, err := NewNet(NetConfig{
		Memory:  mem,
		Logger:  testLogger(),
		Backend: backend,
		MAC:     [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee},
	})
	if err != nil {
		t.Fatalf("NewNet failed: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n, backend, mem
}

func TestNetTX(t *testing.T) {
	n, backend, mem := newTestNet(t)
	ring := setupQueue(t, n.Device(), netQueueTX, 8, 4, mem)
	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A transmit buffer carries the 10-byte virtio-net header followed
	// by the ethernet frame.
	const buf = uint64(0x40000)
	frame := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 2, 0, 0, 0, 0, 2, 0x08, 0x06, 1, 2, 3}
	span, _ := mem.Slice(buf, uint32(netHdrSize+len(frame)))
	copy(span[netHdrSize:], frame)
	ring.writeDesc(0, buf, uint32(netHdrSize+len(frame)), 0, 0)
	ring.push(0)
	n.Device().Queue(netQueueTX).Signal()

	deadline := time.Now().Add(time.Second)
	for {
		if sent := backend.sentFrames(); len(sent) > 0 {
			if !bytes.Equal(sent[0], frame) {
				t.Errorf("backend got %x, want %x", sent[0], frame)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNetTXShortBuffer(t *testing.T) {
	n, backend, mem := newTestNet(t)
	ring := setupQueue(t, n.Device(), netQueueTX, 8, 4, mem)
	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Shorter than the virtio-net header: rejected, never sent.
	ring.writeDesc(0, 0x40000, 4, 0, 0)
	ring.push(0)
	n.Device().Queue(netQueueTX).Signal()

	time.Sleep(50 * time.Millisecond)
	if len(backend.sentFrames()) != 0 {
		t.Error("short buffer reached the backend")
	}
}

func TestNetRX(t *testing.T) {
	n, backend, mem := newTestNet(t)
	ring := setupQueue(t, n.Device(), netQueueRX, 8, 4, mem)
	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const buf = uint64(0x50000)
	ring.writeDesc(0, buf, 256, virtqDescFWrite, 0)
	ring.push(0)
	n.Device().Queue(netQueueRX).Signal()

	frame := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	backend.inject(frame)

	deadline := time.Now().Add(time.Second)
	for {
		if _, length, ok := ring.popUsed(); ok {
			if length != uint32(netHdrSize+len(frame)) {
				t.Errorf("used length = %d, want %d", length, netHdrSize+len(frame))
			}
			span, _ := mem.Slice(buf, length)
			// Header is zeroed, frame follows.
			if !bytes.Equal(span[:netHdrSize], make([]byte, netHdrSize)) {
				t.Errorf("net header not zeroed: %x", span[:netHdrSize])
			}
			if !bytes.Equal(span[netHdrSize:], frame) {
				t.Errorf("frame = %x, want %x", span[netHdrSize:], frame)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never delivered to the guest")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNetConfigMAC(t *testing.T) {
	n, _, _ := newTestNet(t)
	want := []byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	for i, b := range want {
		v, err := n.ReadConfig(uint16(i))
		if err != nil {
			t.Fatalf("config read at %d failed: %v", i, err)
		}
		if uint8(v.Value) != b {
			t.Errorf("MAC byte %d = %#x, want %#x", i, v.Value, b)
		}
	}
	if n.Device().Features()&VIRTIO_NET_F_MAC == 0 {
		t.Error("MAC feature not advertised")
	}
	if err := n.WriteConfig(0, pci.U8(0)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("config write got %v, want ErrUnsupported", err)
	}
}
