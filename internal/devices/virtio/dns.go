package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSServer answers guest A queries on the netstack host IP. Names are
// resolved through a lookup callback; unknown names get NXDOMAIN.
type DNSServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup func(name string) (string, error)
}

// HostLookup resolves names through the host resolver, for guests that
// should see the host's view of DNS.
func HostLookup(name string) (string, error) {
	addrs, err := net.LookupHost(name)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	return "", fmt.Errorf("dns: no IPv4 address for %s", name)
}

// NewDNSServer serves DNS over the given packet connection, typically a
// UDP socket opened inside the netstack on port 53.
func NewDNSServer(logger *slog.Logger, lookup func(name string) (string, error), conn net.PacketConn) *DNSServer {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &DNSServer{
		log:    logger,
		lookup: lookup,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Addr:       ":53",
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	return srv
}

// Start serves queries in the background.
func (s *DNSServer) Start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

// Stop shuts the server down.
func (s *DNSServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = s.server.ShutdownContext(ctx)
	if s.server.PacketConn != nil {
		_ = s.server.PacketConn.Close()
	}
}

func (s *DNSServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, err := s.lookup(q.Name)
		if err != nil {
			s.log.Debug("dns: lookup failed", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		if ip == "" {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip))
		if err != nil {
			s.log.Debug("dns: create rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}
