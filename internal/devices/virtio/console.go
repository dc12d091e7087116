package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/hv"
)

const (
	consoleQueueRX = 0
	consoleQueueTX = 1
)

// Virtio console feature bits.
const (
	VIRTIO_CONSOLE_F_SIZE = 1 << 0
)

// consoleConfigSize covers the cols and rows words.
const consoleConfigSize = 4

// Console is a virtio console device bridging guest serial traffic to a
// host reader and writer. Guest writes drain to Output; host bytes read
// from Input are delivered into guest receive buffers.
type Console struct {
	dev *Device
	log *slog.Logger

	input  io.Reader
	output io.Writer

	mu   sync.Mutex
	cols uint16
	rows uint16

	inputCh chan []byte
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	rxWorker *PollWorker
	txWorker *PollWorker
}

// ConsoleConfig describes a console device instance.
type ConsoleConfig struct {
	Memory      hv.GuestMemory
	Interrupter pci.Interrupter
	IRQLine     uint32
	Logger      *slog.Logger

	Input  io.Reader
	Output io.Writer

	Cols uint16
	Rows uint16
}

// NewConsole creates a console device over cfg.Input and cfg.Output.
func NewConsole(cfg ConsoleConfig) (*Console, error) {
	c := &Console{
		input:   cfg.Input,
		output:  cfg.Output,
		cols:    cfg.Cols,
		rows:    cfg.Rows,
		inputCh: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	dev, err := NewDevice(DeviceConfig{
		Kind:        VIRTIO_ID_CONSOLE,
		Features:    VIRTIO_CONSOLE_F_SIZE,
		NumQueues:   2,
		ConfigSize:  consoleConfigSize,
		Memory:      cfg.Memory,
		Ops:         c,
		Interrupter: cfg.Interrupter,
		IRQLine:     cfg.IRQLine,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.dev = dev
	c.log = dev.log
	return c, nil
}

// Device returns the underlying virtio device.
func (c *Console) Device() *Device { return c.dev }

// Start launches the queue workers and, when an input reader is
// configured, the goroutine pumping host bytes toward the guest.
func (c *Console) Start() error {
	rx, err := c.dev.StartPoll(consoleQueueRX, c.handleRX)
	if err != nil {
		return err
	}
	c.rxWorker = rx
	tx, err := c.dev.StartPoll(consoleQueueTX, c.handleTX)
	if err != nil {
		return err
	}
	c.txWorker = tx

	if c.input != nil {
		go c.pumpInput()
	}
	return nil
}

// Close stops the workers and shuts the device down.
func (c *Console) Close() error {
	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.closeMu.Unlock()
	return c.dev.Close()
}

// Resize updates the advertised terminal size and notifies the guest of
// the config change.
func (c *Console) Resize(cols, rows uint16) error {
	c.mu.Lock()
	c.cols = cols
	c.rows = rows
	c.mu.Unlock()
	return c.dev.ConfigChanged()
}

func (c *Console) pumpInput() {
	buf := make([]byte, 4096)
	for {
		n, err := c.input.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.inputCh <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.Error("virtio-console: input read failed", "error", err)
			}
			return
		}
	}
}

// handleRX holds a guest receive buffer until host input arrives, then
// fills it.
func (c *Console) handleRX(q *Queue, head uint16) (uint32, error) {
	select {
	case chunk := <-c.inputCh:
		return q.FillChain(head, chunk)
	case <-c.done:
		return 0, ErrStop
	}
}

// handleTX drains one guest transmit buffer to the output writer.
func (c *Console) handleTX(q *Queue, head uint16) (uint32, error) {
	data, err := q.ReadChain(head)
	if err != nil {
		return 0, err
	}
	if c.output != nil {
		if _, err := c.output.Write(data); err != nil {
			c.log.Error("virtio-console: output write failed", "error", err)
		}
	}
	return 0, nil
}

// ReadConfig implements Ops.
func (c *Console) ReadConfig(offset uint16) (pci.IoValue, error) {
	c.mu.Lock()
	var window [consoleConfigSize]byte
	binary.LittleEndian.PutUint16(window[0:2], c.cols)
	binary.LittleEndian.PutUint16(window[2:4], c.rows)
	c.mu.Unlock()
	return readConfigWindow(window[:], offset, 2)
}

// WriteConfig implements Ops. The console config window is read-only.
func (c *Console) WriteConfig(offset uint16, value pci.IoValue) error {
	return fmt.Errorf("%w: write to read-only console config at %#x", ErrUnsupported, offset)
}

// QueueNotify implements Ops. Both queues are drained by poll workers,
// which the transport wakes after this returns.
func (c *Console) QueueNotify(queue uint16) error {
	if int(queue) >= c.dev.NumQueues() {
		return fmt.Errorf("%w: notify for queue %d", ErrInvalidArgs, queue)
	}
	return nil
}

var _ Ops = (*Console)(nil)
