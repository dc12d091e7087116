package virtio

import (
	"context"
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const netstackNICID tcpip.NICID = 1

// NetstackBackend runs the host side of a guest network in userspace on
// a gVisor TCP/IP stack: guest frames are injected into the stack, and
// frames the stack emits are delivered back into guest receive buffers.
// The stack owns the host address, so guest traffic needs no tap device
// or host privileges.
type NetstackBackend struct {
	stack *stack.Stack
	ep    *channel.Endpoint

	hostIP net.IP

	cancel context.CancelFunc
}

// NetstackBackendConfig describes the userspace network.
type NetstackBackendConfig struct {
	// HostIP is the address the stack answers on, e.g. 10.0.2.2.
	HostIP net.IP

	// PrefixLen is the subnet prefix length shared with the guest.
	PrefixLen int

	// HostMAC is the stack's link address.
	HostMAC net.HardwareAddr
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("netstack: %s is not an IPv4 address", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// NewNetstackBackend builds the userspace network stack.
func NewNetstackBackend(cfg NetstackBackendConfig) (*NetstackBackend, error) {
	if len(cfg.HostMAC) != 6 {
		return nil, fmt.Errorf("netstack: host MAC must be 6 bytes, got %d", len(cfg.HostMAC))
	}
	hostAddr, err := addrFrom4(cfg.HostIP)
	if err != nil {
		return nil, err
	}
	prefix := cfg.PrefixLen
	if prefix <= 0 || prefix > 32 {
		prefix = 24
	}

	// channel.Endpoint.MTU is the L2 MTU; ethernet.Endpoint subtracts
	// the ethernet header to get the L3 MTU.
	ep := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.HostMAC)))
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if terr := s.CreateNIC(netstackNICID, ethernet.New(ep)); terr != nil {
		return nil, fmt.Errorf("netstack: create NIC: %s", terr)
	}
	if terr := s.AddProtocolAddress(netstackNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   hostAddr,
			PrefixLen: prefix,
		},
	}, stack.AddressProperties{}); terr != nil {
		return nil, fmt.Errorf("netstack: add address: %s", terr)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: netstackNICID},
	})

	return &NetstackBackend{
		stack:  s,
		ep:     ep,
		hostIP: cfg.HostIP,
	}, nil
}

// Attach implements NetBackend: frames the stack emits are read off the
// channel endpoint and handed to deliver until the backend is closed.
func (b *NetstackBackend) Attach(deliver func(frame []byte)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	go func() {
		for {
			pkt := b.ep.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := pkt.ToView().AsSlice()
			out := make([]byte, len(frame))
			copy(out, frame)
			pkt.DecRef()
			deliver(out)
		}
	}()
}

// SendFrame implements NetBackend: one guest ethernet frame is injected
// into the stack.
func (b *NetstackBackend) SendFrame(frame []byte) error {
	out := make([]byte, len(frame))
	copy(out, frame)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(out),
	})
	// The ethernet link endpoint parses the ethernet header itself and
	// ignores the protocol argument.
	b.ep.InjectInbound(0, pkt)
	return nil
}

// Close implements NetBackend.
func (b *NetstackBackend) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.ep.Close()
	b.stack.Close()
	return nil
}

// Stack exposes the host stack for services listening on the host IP,
// such as the DNS forwarder.
func (b *NetstackBackend) Stack() *stack.Stack { return b.stack }

// HostIP returns the address the stack answers on.
func (b *NetstackBackend) HostIP() net.IP { return b.hostIP }

// ListenTCP opens a TCP listener on the host IP inside the stack.
func (b *NetstackBackend) ListenTCP(port uint16) (net.Listener, error) {
	addr, err := addrFrom4(b.hostIP)
	if err != nil {
		return nil, err
	}
	return gonet.ListenTCP(b.stack, tcpip.FullAddress{
		NIC:  netstackNICID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// ListenUDP opens a UDP socket on the host IP inside the stack.
func (b *NetstackBackend) ListenUDP(port uint16) (net.PacketConn, error) {
	addr, err := addrFrom4(b.hostIP)
	if err != nil {
		return nil, err
	}
	return gonet.DialUDP(b.stack, &tcpip.FullAddress{
		NIC:  netstackNICID,
		Addr: addr,
		Port: port,
	}, nil, ipv4.ProtocolNumber)
}

var _ NetBackend = (*NetstackBackend)(nil)
