// Package machine assembles a set of virtio devices over a shared guest
// memory window and PCI bus, driven by a declarative configuration.
package machine

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the machine description loaded from YAML.
type Config struct {
	// MemoryMB is the guest memory window size in megabytes.
	MemoryMB int `yaml:"memory_mb"`

	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one virtio device. Kind selects which of the
// optional sections applies.
type DeviceConfig struct {
	// Kind is one of "blk", "console", "net".
	Kind string `yaml:"kind"`

	// IRQ is the interrupt line; zero picks the next free line.
	IRQ uint32 `yaml:"irq,omitempty"`

	Blk     *BlkConfig     `yaml:"blk,omitempty"`
	Console *ConsoleConfig `yaml:"console,omitempty"`
	Net     *NetConfig     `yaml:"net,omitempty"`
}

// BlkConfig configures a block device.
type BlkConfig struct {
	Image    string `yaml:"image"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// ConsoleConfig configures a console device.
type ConsoleConfig struct {
	Cols uint16 `yaml:"cols,omitempty"`
	Rows uint16 `yaml:"rows,omitempty"`
}

// NetConfig configures a network device.
type NetConfig struct {
	// Backend is "netstack" or "tap".
	Backend string `yaml:"backend"`

	MAC string `yaml:"mac,omitempty"`

	// HostIP is the netstack host address, e.g. 10.0.2.2.
	HostIP string `yaml:"host_ip,omitempty"`

	// DNS enables the builtin DNS forwarder on the netstack host IP.
	DNS bool `yaml:"dns,omitempty"`

	// Interface is the tap interface name.
	Interface string `yaml:"interface,omitempty"`
}

// LoadConfig reads and validates a machine description.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("machine: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the description for problems a Build would hit.
func (c *Config) Validate() error {
	if c.MemoryMB <= 0 {
		return fmt.Errorf("machine: memory_mb must be positive, got %d", c.MemoryMB)
	}
	for i, dev := range c.Devices {
		switch dev.Kind {
		case "blk":
			if dev.Blk == nil || dev.Blk.Image == "" {
				return fmt.Errorf("machine: device %d: blk requires an image path", i)
			}
		case "console":
			// All console fields are optional.
		case "net":
			if dev.Net == nil {
				return fmt.Errorf("machine: device %d: net requires a net section", i)
			}
			switch dev.Net.Backend {
			case "netstack":
			case "tap":
				if dev.Net.Interface == "" {
					return fmt.Errorf("machine: device %d: tap backend requires an interface name", i)
				}
			default:
				return fmt.Errorf("machine: device %d: unknown net backend %q", i, dev.Net.Backend)
			}
			if dev.Net.MAC != "" {
				if _, err := net.ParseMAC(dev.Net.MAC); err != nil {
					return fmt.Errorf("machine: device %d: %w", i, err)
				}
			}
			if dev.Net.HostIP != "" && net.ParseIP(dev.Net.HostIP) == nil {
				return fmt.Errorf("machine: device %d: invalid host IP %q", i, dev.Net.HostIP)
			}
		default:
			return fmt.Errorf("machine: device %d: unknown kind %q", i, dev.Kind)
		}
	}
	return nil
}
