package intercept

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Resolver maps an upstream host:port to the address dialed.
type Resolver interface {
	Resolve(string) (*net.TCPAddr, error)
}

// DNSResolver resolves upstream names by querying Server directly, bypassing
// the system resolver. A records are preferred over AAAA.
type DNSResolver struct {
	// Server is the nameserver address, host:port.
	Server string
	Client *dns.Client
}

func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{Server: server, Client: &dns.Client{Net: "udp", Timeout: timeout}}
}

func (r *DNSResolver) Resolve(addr string) (*net.TCPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if port, err = net.LookupPort("tcp", portStr); err != nil {
			return nil, err
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: port}, nil
	}

	client := r.Client
	if client == nil {
		client = new(dns.Client)
	}
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := client.Exchange(m, r.Server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s", dns.RcodeToString[in.Rcode])
			continue
		}
		for _, rr := range in.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				return &net.TCPAddr{IP: rr.A, Port: port}, nil
			case *dns.AAAA:
				return &net.TCPAddr{IP: rr.AAAA, Port: port}, nil
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no such host")
	}
	return nil, &net.DNSError{Err: lastErr.Error(), Name: host, Server: r.Server}
}
