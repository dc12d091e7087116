package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/hv"
)

const (
	netQueueRX = 0
	netQueueTX = 1

	// netHdrSize is the legacy virtio-net header prepended to every
	// frame on both queues. Without MRG_RXBUF it is 10 bytes.
	netHdrSize = 10
)

// Virtio net feature bits.
const (
	VIRTIO_NET_F_MAC = 1 << 5
)

// netConfigSize covers the MAC address and status word.
const netConfigSize = 8

// NetBackend carries ethernet frames between the device and the host
// network. SendFrame receives frames the guest transmitted; the backend
// delivers inbound frames through the receiver it was attached with.
type NetBackend interface {
	// Attach hands the backend its inbound frame sink. Called once,
	// before any SendFrame.
	Attach(deliver func(frame []byte))

	// SendFrame transmits one guest frame to the host network.
	SendFrame(frame []byte) error

	// Close releases the backend.
	Close() error
}

// Net is a virtio network device. Guest transmit frames go to the
// backend; backend frames are queued and delivered into guest receive
// buffers by the RX worker.
type Net struct {
	dev *Device
	log *slog.Logger

	backend NetBackend
	mac     [6]byte

	rxCh    chan []byte
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	rxWorker *PollWorker
	txWorker *PollWorker
}

// NetConfig describes a network device instance.
type NetConfig struct {
	Memory      hv.GuestMemory
	Interrupter pci.Interrupter
	IRQLine     uint32
	Logger      *slog.Logger

	Backend NetBackend
	MAC     [6]byte
}

// NewNet creates a network device over cfg.Backend.
func NewNet(cfg NetConfig) (*Net, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("virtio-net: backend required")
	}
	n := &Net{
		backend: cfg.Backend,
		mac:     cfg.MAC,
		rxCh:    make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	dev, err := NewDevice(DeviceConfig{
		Kind:        VIRTIO_ID_NET,
		Features:    VIRTIO_NET_F_MAC,
		NumQueues:   2,
		ConfigSize:  netConfigSize,
		Memory:      cfg.Memory,
		Ops:         n,
		Interrupter: cfg.Interrupter,
		IRQLine:     cfg.IRQLine,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	n.dev = dev
	n.log = dev.log
	return n, nil
}

// Device returns the underlying virtio device.
func (n *Net) Device() *Device { return n.dev }

// MAC returns the device's hardware address.
func (n *Net) MAC() [6]byte { return n.mac }

// Start attaches the backend and launches the queue workers.
func (n *Net) Start() error {
	n.backend.Attach(n.DeliverFrame)

	rx, err := n.dev.StartPoll(netQueueRX, n.handleRX)
	if err != nil {
		return err
	}
	n.rxWorker = rx
	tx, err := n.dev.StartPoll(netQueueTX, n.handleTX)
	if err != nil {
		return err
	}
	n.txWorker = tx
	return nil
}

// Close stops the workers, shuts the device down and closes the
// backend.
func (n *Net) Close() error {
	n.closeMu.Lock()
	if !n.closed {
		n.closed = true
		close(n.done)
	}
	n.closeMu.Unlock()
	if err := n.dev.Close(); err != nil {
		return err
	}
	return n.backend.Close()
}

// DeliverFrame queues one inbound frame for the guest. Frames arriving
// faster than the guest posts receive buffers are dropped.
func (n *Net) DeliverFrame(frame []byte) {
	copied := make([]byte, len(frame))
	copy(copied, frame)
	select {
	case n.rxCh <- copied:
	default:
		n.log.Debug("virtio-net: receive queue full, frame dropped", "length", len(frame))
	}
}

// handleRX holds a guest receive buffer until an inbound frame arrives,
// then fills it behind a zeroed virtio-net header.
func (n *Net) handleRX(q *Queue, head uint16) (uint32, error) {
	var frame []byte
	select {
	case frame = <-n.rxCh:
	case <-n.done:
		return 0, ErrStop
	}

	buf := make([]byte, netHdrSize+len(frame))
	copy(buf[netHdrSize:], frame)
	return q.FillChain(head, buf)
}

// handleTX strips the virtio-net header from one guest frame and hands
// it to the backend.
func (n *Net) handleTX(q *Queue, head uint16) (uint32, error) {
	data, err := q.ReadChain(head)
	if err != nil {
		return 0, err
	}
	if len(data) < netHdrSize {
		// Malformed transmit buffers are dropped, not fatal.
		n.log.Debug("virtio-net: transmit buffer lacks net header", "length", len(data))
		return 0, nil
	}
	if err := n.backend.SendFrame(data[netHdrSize:]); err != nil {
		n.log.Error("virtio-net: backend send failed", "error", err)
	}
	return 0, nil
}

// ReadConfig implements Ops.
func (n *Net) ReadConfig(offset uint16) (pci.IoValue, error) {
	var window [netConfigSize]byte
	copy(window[0:6], n.mac[:])
	window[6] = 1 // VIRTIO_NET_S_LINK_UP
	return readConfigWindow(window[:], offset, 1)
}

// WriteConfig implements Ops. The net config window is read-only.
func (n *Net) WriteConfig(offset uint16, value pci.IoValue) error {
	return fmt.Errorf("%w: write to read-only net config at %#x", ErrUnsupported, offset)
}

// QueueNotify implements Ops. Both queues are drained by poll workers,
// which the transport wakes after this returns.
func (n *Net) QueueNotify(queue uint16) error {
	if int(queue) >= n.dev.NumQueues() {
		return fmt.Errorf("%w: notify for queue %d", ErrInvalidArgs, queue)
	}
	return nil
}

var _ Ops = (*Net)(nil)
