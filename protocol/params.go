package protocol

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DefaultDNSSeeds are the well-known hostnames queried to bootstrap a node
// that knows no peers yet.
var DefaultDNSSeeds = []string{
	"bitseed.xf2.org",
	"dnsseed.bluematt.me",
	"seed.bitcoin.sipa.be",
	"dnsseed.bitcoin.dashjr.org",
}

const (
	// DefaultPort is the network service port.
	DefaultPort uint16 = 8333

	// DefaultMaxOutbound is the target number of outbound connections.
	DefaultMaxOutbound = 8

	// DefaultHostsFile is the file the host directory persists to.
	DefaultHostsFile = "hosts"

	// DefaultRetryInterval is how often the manager re-checks whether the
	// outbound set needs refilling.
	DefaultRetryInterval = 10 * time.Second

	// DefaultSeedTimeout bounds how long a single seed path waits for an
	// addr reply before it is counted as failed.
	DefaultSeedTimeout = 30 * time.Second

	// maxSeedNodeTries caps how many of a seed's resolved IPs are dialed
	// before the path gives up.
	maxSeedNodeTries = 3
)

// ResolveSeed resolves the A records of a DNS seed. The configured
// nameservers are queried directly so a single slow resolver entry cannot
// stall the whole bootstrap; if none of them answer, the system resolver is
// used as a last resort.
func ResolveSeed(host string) ([]net.IP, error) {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return lookupHostFallback(host)
	}

	client := new(dns.Client)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	for _, server := range config.Servers {
		resp, _, err := client.Exchange(
			msg, net.JoinHostPort(server, config.Port),
		)
		if err != nil {
			log.Tracef("Seed query for %v via %v failed: %v", host,
				server, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			log.Tracef("Seed query for %v via %v returned rcode "+
				"%v", host, server, resp.Rcode)
			continue
		}

		var ips []net.IP
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}

	return lookupHostFallback(host)
}

// lookupHostFallback resolves the seed through the system resolver.
func lookupHostFallback(host string) ([]net.IP, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve seed %v: %w", host,
			err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("seed %v resolved to no usable "+
			"addresses", host)
	}

	return ips, nil
}
