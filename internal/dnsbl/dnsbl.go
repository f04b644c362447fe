// Package dnsbl implements DNSBL zone lookups: an address is rendered as
// a reversed-label query name under a reputation zone, and an A-record
// hit means the address is listed (§4.2 step 4, §4.4 remove_or_renew
// "requery the DNSBL zones").
package dnsbl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/logging"
)

// Config controls how lookups are issued.
type Config struct {
	Resolver string // "host:port"; defaults to 127.0.0.1:53
	Timeout  time.Duration
}

// Client issues DNSBL queries over a single shared *dns.Client.
type Client struct {
	cfg      Config
	resolver string
	dnsClient *dns.Client
	log      *logging.Logger
}

// New returns a Client. If cfg.Resolver is empty, New falls back to
// 127.0.0.1:53, standing in for the predecessor's reliance on the system
// resolver via getaddrinfo(); a different upstream is chosen by setting
// cfg.Resolver.
func New(cfg Config) *Client {
	resolver := cfg.Resolver
	if resolver == "" {
		resolver = "127.0.0.1:53"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		cfg:      cfg,
		resolver: resolver,
		dnsClient: &dns.Client{Timeout: timeout},
		log:      logging.WithComponent("dnsbl"),
	}
}

// Query reports whether addr is listed under zone: true if the zone
// answers the reversed-label A query with at least one record,
// false on NXDOMAIN, and an error on any other resolution failure.
func (c *Client) Query(ctx context.Context, zone string, addr address.Address) (bool, error) {
	name, err := queryName(addr, zone)
	if err != nil {
		return false, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := c.dnsClient.ExchangeContext(ctx, msg, c.resolver)
	if err != nil {
		return false, fmt.Errorf("dnsbl: query %s: %w", name, err)
	}
	if reply.Rcode == dns.RcodeNameError {
		return false, nil
	}
	if reply.Rcode != dns.RcodeSuccess {
		return false, fmt.Errorf("dnsbl: query %s: rcode %s", name, dns.RcodeToString[reply.Rcode])
	}
	return len(reply.Answer) > 0, nil
}

// queryName builds the reversed-octet (v4) or reversed-nibble (v6) DNSBL
// query name under zone, mirroring convert_to_dnsbl_hostname in the
// predecessor exactly (§4.2/§4.4).
func queryName(addr address.Address, zone string) (string, error) {
	b := addr.Bytes()
	var labels []string

	switch addr.Family() {
	case address.FamilyV4:
		if len(b) != 4 {
			return "", fmt.Errorf("dnsbl: malformed v4 address")
		}
		for i := len(b) - 1; i >= 0; i-- {
			labels = append(labels, fmt.Sprintf("%d", b[i]))
		}
	case address.FamilyV6:
		if len(b) != 16 {
			return "", fmt.Errorf("dnsbl: malformed v6 address")
		}
		for i := len(b) - 1; i >= 0; i-- {
			labels = append(labels, fmt.Sprintf("%x", b[i]&0x0f))
			labels = append(labels, fmt.Sprintf("%x", b[i]>>4))
		}
	default:
		return "", fmt.Errorf("dnsbl: unsupported address family")
	}

	z := strings.TrimSuffix(zone, ".")
	return dns.Fqdn(strings.Join(labels, ".") + "." + z), nil
}
