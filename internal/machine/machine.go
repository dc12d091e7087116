package machine

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/devices/virtio"
	"github.com/aszer/zircon/internal/hv"
)

// Device is one assembled virtio device: the backend, its transport,
// and the port window the bus assigned to it.
type Device struct {
	Kind     string
	BasePort uint16
	IRQ      uint32

	starter interface{ Start() error }
	closer  io.Closer
}

// Machine is the assembled device set.
type Machine struct {
	log *slog.Logger

	Memory  *hv.RAM
	Bus     *pci.Bus
	Devices []*Device

	dns   *virtio.DNSServer
	files []*os.File
}

// Options carries the host-side resources device construction needs.
type Options struct {
	Logger *slog.Logger

	// Interrupter delivers device interrupts to the guest. Nil wires a
	// no-op, useful for inspection without a running VM.
	Interrupter pci.Interrupter

	// ConsoleInput and ConsoleOutput back console devices. They
	// default to os.Stdin and os.Stdout.
	ConsoleInput  io.Reader
	ConsoleOutput io.Writer

	// PortBase and PortSize pick the I/O port window the bus allocates
	// BARs from. Zero defaults to [0x6000, 0x7000).
	PortBase uint16
	PortSize uint16
}

// Build assembles the machine described by cfg.
func Build(cfg *Config, opts Options) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	irq := opts.Interrupter
	if irq == nil {
		irq = pci.InterrupterFunc(func(line uint32) error { return nil })
	}
	portBase := opts.PortBase
	if portBase == 0 {
		portBase = 0x6000
	}
	portSize := opts.PortSize
	if portSize == 0 {
		portSize = 0x1000
	}

	m := &Machine{
		log:    logger,
		Memory: hv.NewRAM(uint64(cfg.MemoryMB) << 20),
		Bus:    pci.NewBus(logger, portBase, portSize),
	}

	nextIRQ := uint32(5)
	for i, devCfg := range cfg.Devices {
		line := devCfg.IRQ
		if line == 0 {
			line = nextIRQ
			nextIRQ++
		}
		dev, err := m.buildDevice(devCfg, line, irq, opts)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("machine: device %d: %w", i, err)
		}
		m.Devices = append(m.Devices, dev)
	}
	return m, nil
}

func (m *Machine) buildDevice(cfg DeviceConfig, line uint32, irq pci.Interrupter, opts Options) (*Device, error) {
	var (
		vdev    *virtio.Device
		starter interface{ Start() error }
		closer  io.Closer
	)

	switch cfg.Kind {
	case "blk":
		file, err := os.OpenFile(cfg.Blk.Image, openFlags(cfg.Blk.ReadOnly), 0)
		if err != nil {
			return nil, fmt.Errorf("open image: %w", err)
		}
		m.files = append(m.files, file)
		blk, err := virtio.NewBlk(virtio.BlkConfig{
			Memory:      m.Memory,
			Interrupter: irq,
			IRQLine:     line,
			Logger:      m.log,
			File:        file,
			ReadOnly:    cfg.Blk.ReadOnly,
		})
		if err != nil {
			return nil, err
		}
		vdev, starter, closer = blk.Device(), blk, blk

	case "console":
		input := opts.ConsoleInput
		if input == nil {
			input = os.Stdin
		}
		output := opts.ConsoleOutput
		if output == nil {
			output = os.Stdout
		}
		var cols, rows uint16 = 80, 25
		if cfg.Console != nil {
			if cfg.Console.Cols != 0 {
				cols = cfg.Console.Cols
			}
			if cfg.Console.Rows != 0 {
				rows = cfg.Console.Rows
			}
		}
		console, err := virtio.NewConsole(virtio.ConsoleConfig{
			Memory:      m.Memory,
			Interrupter: irq,
			IRQLine:     line,
			Logger:      m.log,
			Input:       input,
			Output:      output,
			Cols:        cols,
			Rows:        rows,
		})
		if err != nil {
			return nil, err
		}
		vdev, starter, closer = console.Device(), console, console

	case "net":
		backend, mac, err := m.buildNetBackend(cfg.Net)
		if err != nil {
			return nil, err
		}
		netdev, err := virtio.NewNet(virtio.NetConfig{
			Memory:      m.Memory,
			Interrupter: irq,
			IRQLine:     line,
			Logger:      m.log,
			Backend:     backend,
			MAC:         mac,
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
		vdev, starter, closer = netdev.Device(), netdev, netdev

	default:
		return nil, fmt.Errorf("unknown device kind %q", cfg.Kind)
	}

	base, err := m.Bus.Register(virtio.NewTransport(vdev))
	if err != nil {
		closer.Close()
		return nil, err
	}
	m.log.Info("machine: device registered",
		"kind", cfg.Kind, "ports", fmt.Sprintf("%#x", base), "irq", line)

	return &Device{
		Kind:     cfg.Kind,
		BasePort: base,
		IRQ:      line,
		starter:  starter,
		closer:   closer,
	}, nil
}

func (m *Machine) buildNetBackend(cfg *NetConfig) (virtio.NetBackend, [6]byte, error) {
	var mac [6]byte
	if cfg.MAC != "" {
		hw, err := net.ParseMAC(cfg.MAC)
		if err != nil {
			return nil, mac, err
		}
		copy(mac[:], hw)
	} else {
		// Locally administered, stable default.
		mac = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	}

	switch cfg.Backend {
	case "netstack":
		hostIP := net.IPv4(10, 0, 2, 2)
		if cfg.HostIP != "" {
			hostIP = net.ParseIP(cfg.HostIP)
		}
		backend, err := virtio.NewNetstackBackend(virtio.NetstackBackendConfig{
			HostIP:    hostIP,
			PrefixLen: 24,
			HostMAC:   net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		})
		if err != nil {
			return nil, mac, err
		}
		if cfg.DNS {
			conn, err := backend.ListenUDP(53)
			if err != nil {
				backend.Close()
				return nil, mac, fmt.Errorf("dns listener: %w", err)
			}
			m.dns = virtio.NewDNSServer(m.log, virtio.HostLookup, conn)
			m.dns.Start()
		}
		return backend, mac, nil

	case "tap":
		backend, err := virtio.NewTapBackend(cfg.Interface)
		if err != nil {
			return nil, mac, err
		}
		return backend, mac, nil

	default:
		return nil, mac, fmt.Errorf("unknown net backend %q", cfg.Backend)
	}
}

func openFlags(readonly bool) int {
	if readonly {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

// Start launches every device's queue workers.
func (m *Machine) Start() error {
	for _, dev := range m.Devices {
		if err := dev.starter.Start(); err != nil {
			return fmt.Errorf("machine: start %s: %w", dev.Kind, err)
		}
	}
	return nil
}

// Close stops the DNS forwarder, every device, and releases backing
// files.
func (m *Machine) Close() error {
	if m.dns != nil {
		m.dns.Stop()
		m.dns = nil
	}
	var firstErr error
	for _, dev := range m.Devices {
		if err := dev.closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
