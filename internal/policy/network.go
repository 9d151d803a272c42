package policy

import (
	"fmt"
	"net"
	"strings"
)

// networkDoc is the wire shape of one "allowed_networks" entry (spec.md §4.1
// "Construction — Network entries"): an object carrying exactly one of
// "path" (unix), "domain" (DNS-resolved at load time), or "address" (a
// literal IPv4/IPv6), plus an optional "port" and "listen" bit.
type networkDoc struct {
	Path   string `json:"path"`
	Domain string `json:"domain"`
	Address string `json:"address"`
	Port   *int   `json:"port"`
	Listen bool   `json:"listen"`
}

// route resolves the entry and appends it to the Policy list matching
// spec.md §8 property 3 ("Address-family routing"): a unix path lands in
// AllowedUnixPaths; a literal IPv4 address (contains ".") lands in
// AllowedIPv4; a literal IPv6 address (contains ":") lands in AllowedIPv6; a
// domain name lands in whichever list matches the resolved family.
func (n networkDoc) route(p *Policy) error {
	set := 0
	if n.Path != "" {
		set++
	}

	if n.Domain != "" {
		set++
	}

	if n.Address != "" {
		set++
	}

	if set != 1 {
		return fmt.Errorf("policy: %w: allowed_networks entry must carry exactly one of path/domain/address, got path=%q domain=%q address=%q",
			ErrConfig, n.Path, n.Domain, n.Address)
	}

	if n.Path != "" {
		p.AllowedUnixPaths = append(p.AllowedUnixPaths, n.Path)

		return nil
	}

	endpoint := NetworkEndpoint{Listen: n.Listen}

	if n.Port != nil {
		endpoint.HasPort = true
		endpoint.PortNet = [2]byte{byte(*n.Port >> 8), byte(*n.Port)}
	}

	if n.Address != "" {
		endpoint.Address = n.Address

		switch {
		case strings.Contains(n.Address, ":"):
			p.AllowedIPv6 = append(p.AllowedIPv6, endpoint)
		case strings.Contains(n.Address, "."):
			p.AllowedIPv4 = append(p.AllowedIPv4, endpoint)
		default:
			return fmt.Errorf("policy: %w: allowed_networks address %q is neither a literal IPv4 nor IPv6 address", ErrConfig, n.Address)
		}

		return nil
	}

	// n.Domain != "": resolve at load time to the first IPv4/IPv6 result, as
	// spec.md §4.1 specifies. net.LookupHost is the stdlib tool for this: no
	// retrieval-pack repo wires a third-party DNS client for plain
	// hostname-to-address resolution, and the standard resolver already
	// honors /etc/hosts and /etc/resolv.conf the way a sandboxed guest's
	// allow-list needs.
	addrs, err := net.LookupHost(n.Domain)
	if err != nil {
		return fmt.Errorf("policy: %w: resolving domain %q: %v", ErrConfig, n.Domain, err)
	}

	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}

		endpoint.Address = a

		if ip.To4() != nil {
			p.AllowedIPv4 = append(p.AllowedIPv4, endpoint)
		} else {
			p.AllowedIPv6 = append(p.AllowedIPv6, endpoint)
		}

		return nil
	}

	return fmt.Errorf("policy: %w: domain %q resolved no usable address", ErrConfig, n.Domain)
}
