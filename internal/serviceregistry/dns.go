// SPDX-License-Identifier: Apache-2.0

package serviceregistry

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/infralink/control-plane/internal/apis/core"
)

// ClusterDomain is the DNS suffix every Service name resolves under.
const ClusterDomain = "cluster.local."

// RecordTTL keeps A records short-lived so clients re-resolve quickly
// after endpoint churn.
const RecordTTL = 30

// Zone holds the synthesized DNS records for every Service and answers
// lookups the way a stub resolver embedded in the control plane would.
type Zone struct {
	mu      sync.RWMutex
	records map[string][]dns.RR // keyed by fully-qualified owner name
}

// NewZone constructs an empty Zone.
func NewZone() *Zone {
	return &Zone{records: make(map[string][]dns.RR)}
}

func serviceFQDN(namespace, name string) string {
	return fmt.Sprintf("%s.%s.svc.%s", name, namespace, ClusterDomain)
}

// SetService rebuilds the A record (and any SRV records for named
// ports) for a ClusterIP-style Service from its current address set.
func (z *Zone) SetService(svc *core.Service, addrs []core.EndpointAddress) {
	fqdn := serviceFQDN(svc.Namespace, svc.Name)

	z.mu.Lock()
	defer z.mu.Unlock()

	var rrs []dns.RR
	if svc.Spec.ClusterIP != "" {
		if ip := net.ParseIP(svc.Spec.ClusterIP); ip != nil {
			a := &dns.A{
				Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: RecordTTL},
				A:   ip,
			}
			rrs = append(rrs, a)
		}
	}

	for _, p := range svc.Spec.Ports {
		if p.Name == "" {
			continue
		}
		proto := strings.ToLower(string(p.Protocol))
		if proto == "" {
			proto = "tcp"
		}
		srvName := fmt.Sprintf("_%s._%s.%s", p.Name, proto, fqdn)
		for _, a := range addrs {
			if a.PortName != p.Name || !a.Ready {
				continue
			}
			rrs = append(rrs, &dns.SRV{
				Hdr:      dns.RR_Header{Name: srvName, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: RecordTTL},
				Priority: 0,
				Weight:   0,
				Port:     uint16(a.Port),
				Target:   fqdn,
			})
		}
	}

	z.records[fqdn] = rrs
}

// SetCNAME records an ExternalName Service's CNAME instead of an A
// record.
func (z *Zone) SetCNAME(namespace, name, target string) {
	fqdn := serviceFQDN(namespace, name)
	if !strings.HasSuffix(target, ".") {
		target += "."
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.records[fqdn] = []dns.RR{&dns.CNAME{
		Hdr:    dns.RR_Header{Name: fqdn, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: RecordTTL},
		Target: target,
	}}
}

// RemoveService drops every record owned by a deleted Service.
func (z *Zone) RemoveService(namespace, name string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.records, serviceFQDN(namespace, name))
}

// Lookup returns the RRs for a fully-qualified name, matching the
// shape a miekg/dns server handler passes back in an answer section.
func (z *Zone) Lookup(fqdn string) []dns.RR {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return append([]dns.RR(nil), z.records[fqdn]...)
}

// ServeDNS implements dns.Handler so Zone can be mounted directly on a
// miekg/dns server for the cluster.local zone.
func (z *Zone) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true

	for _, q := range req.Question {
		msg.Answer = append(msg.Answer, z.Lookup(q.Name)...)
	}
	if len(msg.Answer) == 0 {
		msg.Rcode = dns.RcodeNameError
	}
	_ = w.WriteMsg(msg)
}
