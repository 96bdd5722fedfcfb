package socks

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MaxDomainLength is the longest domain name a SOCKS5 frame can carry
// (single length-prefix byte).
const MaxDomainLength = 255

// Protocol identifies the transport a request asks for. Only TCP exists
// today; the type leaves room for future transports without breaking rules.
type Protocol uint8

const (
	// ProtocolTCP is the only relayed transport
	ProtocolTCP Protocol = iota
)

// String returns the protocol name
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Address is a destination address variant: IPv4, IPv6 or a domain name.
// Addresses are immutable once constructed.
type Address struct {
	kind   byte
	ip     net.IP
	domain string
}

// IPv4Address creates an IPv4 address. The ip must have a 4-byte form.
func IPv4Address(ip net.IP) (Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("socks: %v is not an IPv4 address", ip)
	}
	return Address{kind: AtypIPv4, ip: v4}, nil
}

// IPv6Address creates an IPv6 address
func IPv6Address(ip net.IP) (Address, error) {
	if ip.To4() != nil || ip.To16() == nil {
		return Address{}, fmt.Errorf("socks: %v is not an IPv6 address", ip)
	}
	return Address{kind: AtypIPv6, ip: ip.To16()}, nil
}

// DomainAddress creates a domain-name address. Names are lowercased for
// consistency with DNS case-insensitivity.
func DomainAddress(name string) (Address, error) {
	if name == "" {
		return Address{}, fmt.Errorf("socks: empty domain name")
	}
	if len(name) > MaxDomainLength {
		return Address{}, fmt.Errorf("socks: domain name exceeds %d bytes", MaxDomainLength)
	}
	return Address{kind: AtypDomain, domain: strings.ToLower(name)}, nil
}

// Kind returns the SOCKS5 address type (AtypIPv4, AtypDomain or AtypIPv6)
func (a Address) Kind() byte {
	return a.kind
}

// IsDomain reports whether the address is a domain name
func (a Address) IsDomain() bool {
	return a.kind == AtypDomain
}

// IP returns the IP for IPv4/IPv6 addresses, nil for domains
func (a Address) IP() net.IP {
	return a.ip
}

// Domain returns the domain name, empty for IP addresses
func (a Address) Domain() string {
	return a.domain
}

// Host returns the destination host as dialed: the domain name or the
// textual IP.
func (a Address) Host() string {
	if a.kind == AtypDomain {
		return a.domain
	}
	return a.ip.String()
}

// String returns the textual form of the address
func (a Address) String() string {
	return a.Host()
}

// Request is a parsed SOCKS5 CONNECT request: the input to the filter and
// the connector.
type Request struct {
	Dest  Address
	Port  uint16
	Proto Protocol
}

// HostPort returns the destination in host:port form suitable for dialing
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Dest.Host(), strconv.Itoa(int(r.Port)))
}
