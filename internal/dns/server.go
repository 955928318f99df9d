package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/logging"

	"github.com/miekg/dns"
)

const zone = "internal."

// Server answers A queries for <interface>.internal. with the virtual
// address of each running tunnel.
type Server struct {
	logger  logging.Logger
	addr    string
	mux     *dns.ServeMux
	udp     *dns.Server
	tcp     *dns.Server
	records map[string]net.IP // iface.internal. -> address
	mu      sync.RWMutex
}

func NewServer(logger logging.Logger, addr string) *Server {
	s := &Server{
		logger:  logger,
		addr:    addr,
		mux:     dns.NewServeMux(),
		records: make(map[string]net.IP),
	}
	s.mux.HandleFunc(zone, s.handleInternal)
	return s
}

// Start binds UDP and TCP listeners on the same port and serves in the
// background.
func (s *Server) Start() error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen dns udp: %w", err)
	}
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("listen dns tcp: %w", err)
	}

	s.udp = &dns.Server{PacketConn: pc, Handler: s.mux}
	s.tcp = &dns.Server{Listener: ln, Handler: s.mux}
	s.logger.WithField("addr", pc.LocalAddr().String()).Info("Starting internal DNS server")

	go func() {
		if err := s.udp.ActivateAndServe(); err != nil {
			s.logger.WithError(err).Error("DNS UDP server exited")
		}
	}()
	go func() {
		if err := s.tcp.ActivateAndServe(); err != nil {
			s.logger.WithError(err).Error("DNS TCP server exited")
		}
	}()
	return nil
}

// LocalAddr is the bound UDP address, valid after Start.
func (s *Server) LocalAddr() string {
	if s.udp == nil || s.udp.PacketConn == nil {
		return ""
	}
	return s.udp.PacketConn.LocalAddr().String()
}

func (s *Server) Stop() {
	if s.udp != nil {
		if err := s.udp.Shutdown(); err != nil {
			s.logger.WithError(err).Warn("Failed to shutdown DNS UDP server")
		}
	}
	if s.tcp != nil {
		if err := s.tcp.Shutdown(); err != nil {
			s.logger.WithError(err).Warn("Failed to shutdown DNS TCP server")
		}
	}
}

// SetRecord points <name>.internal. at address. CIDR suffixes are dropped.
func (s *Server) SetRecord(name, address string) error {
	fqdn, err := fqdnFor(name)
	if err != nil {
		return err
	}
	host := strings.TrimSpace(address)
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("dns record %q has invalid ipv4 address %q", fqdn, address)
	}

	s.mu.Lock()
	s.records[fqdn] = ip.To4()
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{"record": fqdn, "ip": ip.String()}).Debug("Set DNS record")
	return nil
}

// RemoveRecord drops the record for name, if any.
func (s *Server) RemoveRecord(name string) {
	fqdn, err := fqdnFor(name)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.records, fqdn)
	s.mu.Unlock()
}

func (s *Server) lookup(fqdn string) (net.IP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ip, ok := s.records[fqdn]
	return ip, ok
}

func fqdnFor(name string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return "", fmt.Errorf("dns record name is empty")
	}
	return trimmed + "." + zone, nil
}

func (s *Server) handleInternal(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false

	if len(r.Question) == 0 {
		return
	}

	q := r.Question[0]
	domain := strings.ToLower(q.Name)
	m.Authoritative = true

	ip, ok := s.lookup(domain)
	switch {
	case !ok:
		m.Rcode = dns.RcodeNameError
		s.logger.WithField("domain", domain).Debug("DNS query not found")
	case q.Qtype == dns.TypeA:
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
			A:   ip,
		})
		s.logger.WithField("domain", domain).Debug("DNS query resolved")
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.WithError(err).Warn("Failed to write DNS response")
	}
}
