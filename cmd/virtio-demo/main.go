// Command virtio-demo assembles a machine from a YAML description and
// exercises its console device end to end: a minimal guest driver is
// run against the legacy port interface, echoing terminal input through
// the virtqueues and back out through the device.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/devices/virtio"
	"github.com/aszer/zircon/internal/hv"
	"github.com/aszer/zircon/internal/machine"
)

func run() error {
	configPath := flag.String("config", "machine.yaml", "machine description")
	echo := flag.Bool("echo", true, "run the console echo loop after assembly")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `virtio-demo - assemble and exercise virtio devices

USAGE:
  virtio-demo [flags]

FLAGS:
  -config PATH   Machine description YAML (default: machine.yaml)
  -echo          Drive the console device from a builtin guest driver,
                 echoing terminal input through the rings (default: true)
  -log-level L   Log level: debug, info, warn, error (default: warn)

The echo loop runs the terminal in raw mode. Press Ctrl-C to exit.
`)
	}
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("bad log level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := machine.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	m, err := machine.Build(cfg, machine.Options{
		Logger: logger,
		Interrupter: pci.InterrupterFunc(func(line uint32) error {
			logger.Debug("irq pulse", "line", line)
			return nil
		}),
		ConsoleOutput: os.Stdout,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	for _, dev := range m.Devices {
		fmt.Printf("%-8s ports=%#x irq=%d\n", dev.Kind, dev.BasePort, dev.IRQ)
	}

	if err := m.Start(); err != nil {
		return err
	}

	if !*echo {
		return nil
	}
	var console *machine.Device
	for _, dev := range m.Devices {
		if dev.Kind == "console" {
			console = dev
			break
		}
	}
	if console == nil {
		return fmt.Errorf("no console device in %s", *configPath)
	}
	return echoLoop(m, console.BasePort)
}

// guestDriver drives one legacy virtio device the way a guest kernel
// would: through port I/O and shared ring memory.
type guestDriver struct {
	mem  hv.GuestMemory
	bus  *pci.Bus
	base uint16
}

func (g *guestDriver) outl(port uint16, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return g.bus.WriteIOPort(g.base+port, b[:])
}

func (g *guestDriver) outw(port uint16, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return g.bus.WriteIOPort(g.base+port, b[:])
}

func (g *guestDriver) outb(port uint16, v uint8) error {
	return g.bus.WriteIOPort(g.base+port, []byte{v})
}

func (g *guestDriver) inl(port uint16) (uint32, error) {
	var b [4]byte
	if err := g.bus.ReadIOPort(g.base+port, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// guestQueue is the guest half of one virtqueue.
type guestQueue struct {
	g    *guestDriver
	size uint16

	desc  uint64
	avail uint64
	used  uint64

	availIdx uint16
	lastUsed uint16
}

func (g *guestDriver) setupQueue(index, size uint16, pfn uint32) (*guestQueue, error) {
	if err := g.outw(virtio.VIRTIO_PCI_QUEUE_SELECT, index); err != nil {
		return nil, err
	}
	if err := g.outw(virtio.VIRTIO_PCI_QUEUE_SIZE, size); err != nil {
		return nil, err
	}
	if err := g.outl(virtio.VIRTIO_PCI_QUEUE_PFN, pfn); err != nil {
		return nil, err
	}

	q := &guestQueue{g: g, size: size}
	q.desc = uint64(pfn) * virtio.PageSize
	q.avail = q.desc + uint64(size)*16
	availEnd := q.avail + 4 + uint64(size)*2 + 2
	q.used = (availEnd + virtio.PageSize - 1) &^ (virtio.PageSize - 1)
	return q, nil
}

func (q *guestQueue) writeDesc(i uint16, addr uint64, length uint32, flags uint16) {
	span, err := q.g.mem.Slice(q.desc+uint64(i)*16, 16)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(span[0:8], addr)
	binary.LittleEndian.PutUint32(span[8:12], length)
	binary.LittleEndian.PutUint16(span[12:14], flags)
	binary.LittleEndian.PutUint16(span[14:16], 0)
}

func (q *guestQueue) push(head uint16) {
	span, err := q.g.mem.Slice(q.avail+4+uint64(q.availIdx%q.size)*2, 2)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint16(span, head)
	q.availIdx++
	idx, err := q.g.mem.Slice(q.avail+2, 2)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint16(idx, q.availIdx)
}

// popUsed returns the next used element, or false if none is pending.
func (q *guestQueue) popUsed() (uint32, uint32, bool) {
	idxSpan, err := q.g.mem.Slice(q.used+2, 2)
	if err != nil {
		panic(err)
	}
	if binary.LittleEndian.Uint16(idxSpan) == q.lastUsed {
		return 0, 0, false
	}
	elem, err := q.g.mem.Slice(q.used+4+uint64(q.lastUsed%q.size)*8, 8)
	if err != nil {
		panic(err)
	}
	q.lastUsed++
	return binary.LittleEndian.Uint32(elem[0:4]), binary.LittleEndian.Uint32(elem[4:8]), true
}

// echoLoop initializes the console device and echoes received input
// back through the transmit queue until Ctrl-C.
func echoLoop(m *machine.Machine, base uint16) error {
	g := &guestDriver{mem: m.Memory, bus: m.Bus, base: base}

	features, err := g.inl(virtio.VIRTIO_PCI_DEVICE_FEATURES)
	if err != nil {
		return err
	}
	if err := g.outb(virtio.VIRTIO_PCI_DEVICE_STATUS,
		virtio.VIRTIO_STATUS_ACKNOWLEDGE|virtio.VIRTIO_STATUS_DRIVER); err != nil {
		return err
	}
	if err := g.outl(virtio.VIRTIO_PCI_DRIVER_FEATURES, features); err != nil {
		return err
	}

	const (
		queueSize = 8
		rxPFN     = 0x10
		txPFN     = 0x14
		rxBufs    = 0x40000
		txBufs    = 0x50000
		bufLen    = 256
	)
	rx, err := g.setupQueue(0, queueSize, rxPFN)
	if err != nil {
		return err
	}
	tx, err := g.setupQueue(1, queueSize, txPFN)
	if err != nil {
		return err
	}
	if err := g.outb(virtio.VIRTIO_PCI_DEVICE_STATUS,
		virtio.VIRTIO_STATUS_ACKNOWLEDGE|virtio.VIRTIO_STATUS_DRIVER|virtio.VIRTIO_STATUS_DRIVER_OK); err != nil {
		return err
	}

	// Post every receive buffer up front.
	for i := uint16(0); i < queueSize; i++ {
		rx.writeDesc(i, rxBufs+uint64(i)*bufLen, bufLen, 2 /* device-writable */)
		rx.push(i)
	}
	if err := g.outw(virtio.VIRTIO_PCI_QUEUE_NOTIFY, 0); err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}
	fmt.Print("console echo ready, Ctrl-C to exit\r\n")

	txHead := uint16(0)
	for {
		head, length, ok := rx.popUsed()
		if !ok {
			// Drain transmit completions while idle.
			for {
				if _, _, ok := tx.popUsed(); !ok {
					break
				}
			}
			time.Sleep(time.Millisecond)
			continue
		}

		span, err := m.Memory.Slice(rxBufs+uint64(head)*bufLen, length)
		if err != nil {
			return err
		}
		for _, b := range span {
			if b == 0x03 {
				fmt.Print("\r\n")
				return nil
			}
		}

		// Echo through the transmit queue.
		txSpan, err := m.Memory.Slice(txBufs+uint64(txHead%queueSize)*bufLen, length)
		if err != nil {
			return err
		}
		copy(txSpan, span)
		tx.writeDesc(txHead%queueSize, txBufs+uint64(txHead%queueSize)*bufLen, length, 0)
		tx.push(txHead % queueSize)
		txHead++
		if err := g.outw(virtio.VIRTIO_PCI_QUEUE_NOTIFY, 1); err != nil {
			return err
		}

		// Recycle the receive buffer.
		rx.push(uint16(head))
		if err := g.outw(virtio.VIRTIO_PCI_QUEUE_NOTIFY, 0); err != nil {
			return err
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtio-demo: %v\n", err)
		os.Exit(1)
	}
}
