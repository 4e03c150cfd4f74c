package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// runDNS serves the ledger as an authoritative zone so operators can check
// what the provider should be answering.
func (s *server) runDNS(ctx context.Context, network string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNS)

	dnsServer := &dns.Server{Addr: s.cfg.DNSListen, Net: network, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = dnsServer.ShutdownContext(context.Background())
	}()

	s.log.Info("dns listening", "addr", s.cfg.DNSListen, "net", network)
	if err := dnsServer.ListenAndServe(); err != nil {
		return fmt.Errorf("dns/%s listen: %w", network, err)
	}
	return nil
}

func (s *server) handleDNS(w dns.ResponseWriter, req *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = w.WriteMsg(s.resolveDNS(ctx, req))
}

func (s *server) resolveDNS(ctx context.Context, req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	if len(req.Question) == 0 {
		resp.Rcode = dns.RcodeFormatError
		return resp
	}

	q := req.Question[0]
	name := normalizeName(q.Name)
	suffix := normalizeName(s.cfg.DefaultSuffix)
	ttl := s.cfg.RecordTTL

	d, inZone, srvQuery, err := s.lookupName(ctx, name, suffix)
	if err != nil {
		s.log.Error("dns ledger lookup failed", "name", name, "err", err)
		resp.Rcode = dns.RcodeServerFailure
		return resp
	}
	if d == nil && !inZone {
		resp.Rcode = dns.RcodeRefused
		return resp
	}
	if d == nil {
		resp.Rcode = dns.RcodeNameError
		resp.Ns = append(resp.Ns, s.soa(suffix))
		return resp
	}

	switch {
	case srvQuery && (q.Qtype == dns.TypeSRV || q.Qtype == dns.TypeANY):
		target := normalizeName(s.cfg.publicName(d.ThirdLevelDomain))
		resp.Answer = append(resp.Answer, &dns.SRV{
			Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
			Priority: srvPriority,
			Weight:   srvWeight,
			Port:     uint16(d.TargetPort),
			Target:   target,
		})
		if ip := net.ParseIP(d.TargetIP).To4(); ip != nil {
			resp.Extra = append(resp.Extra, &dns.A{
				Hdr: dns.RR_Header{Name: target, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   ip,
			})
		}
	case !srvQuery && (q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY):
		if ip := net.ParseIP(d.TargetIP).To4(); ip != nil {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   ip,
			})
		}
	}

	if len(resp.Answer) == 0 {
		resp.Ns = append(resp.Ns, s.soa(suffix))
	}
	return resp
}

// lookupName maps a query name to its ledger row. inZone reports whether the
// name falls under the default suffix, srvQuery whether it carried the SRV
// service prefix.
func (s *server) lookupName(ctx context.Context, name, suffix string) (d *domainRecord, inZone, srvQuery bool, err error) {
	srvPrefix := strings.ToLower(s.cfg.SRVService + "." + s.cfg.SRVProtocol + ".")
	host := strings.TrimPrefix(name, srvPrefix)
	srvQuery = host != name

	if label, ok := labelUnder(host, suffix); ok && !strings.Contains(label, ".") {
		d, err = s.engine.persist.findByLabel(ctx, label)
		if err != nil {
			return nil, true, srvQuery, err
		}
		if d != nil && srvQuery && !s.cfg.isReserved(label) {
			return nil, true, srvQuery, nil
		}
		return d, true, srvQuery, nil
	}
	if dns.IsSubDomain(suffix, name) {
		return nil, true, srvQuery, nil
	}

	if srvQuery {
		return nil, false, srvQuery, nil
	}
	d, err = s.engine.persist.findByCustomDomain(ctx, strings.TrimSuffix(name, "."))
	return d, false, false, err
}

func (s *server) soa(zone string) dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: s.cfg.RecordTTL},
		Ns:      "ns." + zone,
		Mbox:    "hostmaster." + zone,
		Serial:  uint32(s.start.Unix()),
		Refresh: 30,
		Retry:   30,
		Expire:  300,
		Minttl:  s.cfg.RecordTTL,
	}
}
