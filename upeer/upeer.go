// Package upeer decodes the remote end of an accepted connection into an
// address-family tagged value. Resolution is best effort: anything that
// cannot be decoded becomes Unknown instead of an error.
package upeer

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// NoPort is reported for peers whose port could not be resolved.
const NoPort = -1

// Peer is the resolved remote end of a connection.
// Addr is valid only for FamilyIPv4 and FamilyIPv6.
type Peer struct {
	Family Family
	Addr   netip.Addr
	Port   int
}

var Unknown = Peer{Family: FamilyUnknown, Port: NoPort}

func (p Peer) Known() bool {
	return p.Family != FamilyUnknown
}

// String returns "addr:port" (IPv6 in brackets) or "unknown".
func (p Peer) String() string {
	if !p.Known() {
		return "unknown"
	}
	return netip.AddrPortFrom(p.Addr, uint16(p.Port)).String()
}

// TCPAddr converts a known peer back to a *net.TCPAddr, nil for Unknown.
func (p Peer) TCPAddr() *net.TCPAddr {
	if !p.Known() {
		return nil
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(p.Addr, uint16(p.Port)))
}

// FromAddrPort classifies an address by family. IPv4-mapped IPv6 addresses,
// which is how a dual-stack socket reports IPv4 clients, come back as IPv4.
func FromAddrPort(ap netip.AddrPort) Peer {
	addr := ap.Addr()
	switch {
	case !addr.IsValid():
		return Unknown
	case addr.Is4() || addr.Is4In6():
		return Peer{Family: FamilyIPv4, Addr: addr.Unmap(), Port: int(ap.Port())}
	case addr.Is6():
		return Peer{Family: FamilyIPv6, Addr: addr, Port: int(ap.Port())}
	}
	return Unknown
}

// FromAddr resolves whatever a net.Conn reports as its remote address.
func FromAddr(a net.Addr) Peer {
	switch v := a.(type) {
	case nil:
		return Unknown
	case *net.TCPAddr:
		if v == nil || v.IP == nil {
			return Unknown
		}
		return FromAddrPort(v.AddrPort())
	case *net.UDPAddr:
		if v == nil || v.IP == nil {
			return Unknown
		}
		return FromAddrPort(v.AddrPort())
	}

	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return Unknown
	}
	return FromAddrPort(ap)
}

// FromSockaddr decodes a raw socket address as returned by getpeername(2).
func FromSockaddr(sa unix.Sockaddr) Peer {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Peer{Family: FamilyIPv4, Addr: netip.AddrFrom4(v.Addr), Port: v.Port}
	case *unix.SockaddrInet6:
		return FromAddrPort(netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)))
	}
	return Unknown
}
