// Package netudp provides the non-blocking UDP unicast endpoint that a
// stubborn link pair sits on top of. Sockets are raw fds rather than
// *net.UDPConn so they can be registered directly with internal/reactor,
// going straight to raw syscalls instead of a higher-level wrapper when a
// caller needs the underlying descriptor. SO_REUSEADDR/SO_REUSEPORT let
// several sockets share a port during restart/rebinding.
package netudp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Endpoint is a non-blocking UDP socket bound to a local address. An
// unconnected Endpoint unicasts with SendTo and receives with RecvFrom;
// each stubborn link opens its own Endpoint and connects it to its peer
// (see Connect), so a process holds one socket per peer pair.
type Endpoint struct {
	fd         int
	localAddr  *net.UDPAddr
}

// Open binds a non-blocking UDP socket to ip:port with SO_REUSEADDR and
// SO_REUSEPORT set, so a restarted process can rebind its port immediately
// without waiting out TIME_WAIT-style kernel bookkeeping.
func Open(ip net.IP, port uint16) (*Endpoint, error) {
	domain := unix.AF_INET
	if ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("netudp: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netudp: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netudp: SO_REUSEPORT: %w", err)
	}

	sa, err := toSockaddr(ip, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netudp: bind %s:%d: %w", ip, port, err)
	}

	local, err := addrOf(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Endpoint{fd: fd, localAddr: local}, nil
}

// FD returns the raw socket descriptor for registration with an
// internal/reactor.Loop.
func (e *Endpoint) FD() int {
	return e.fd
}

// Connect restricts this endpoint to one peer, so each StubbornLink's
// underlying socket is a distinct connected endpoint sharing the process's
// local ip:port via SO_REUSEPORT. Once connected, Write/Read replace
// SendTo/RecvFrom.
func (e *Endpoint) Connect(peer *net.UDPAddr) error {
	sa, err := toSockaddr(peer.IP, uint16(peer.Port))
	if err != nil {
		return err
	}
	if err := unix.Connect(e.fd, sa); err != nil {
		return fmt.Errorf("netudp: connect %s: %w", peer, err)
	}
	return nil
}

// Write sends one datagram to the connected peer.
func (e *Endpoint) Write(payload []byte) error {
	_, err := unix.Write(e.fd, payload)
	return err
}

// Read reads one datagram from the connected peer.
func (e *Endpoint) Read(buf []byte) (int, error) {
	return unix.Read(e.fd, buf)
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.localAddr
}

// SendTo writes one datagram to dst. A nil error with n < len(payload) never
// happens for UDP; EAGAIN/EWOULDBLOCK surface as unix.EAGAIN so the caller
// (internal/links.StubbornLink) can treat them as a transient would-block
// condition, and ECONNREFUSED (ICMP port-unreachable folded back onto the
// socket) as a transient "abort this retransmit cycle" condition.
func (e *Endpoint) SendTo(payload []byte, dst *net.UDPAddr) error {
	sa, err := toSockaddr(dst.IP, uint16(dst.Port))
	if err != nil {
		return err
	}
	return unix.Sendto(e.fd, payload, 0, sa)
}

// RecvFrom reads one datagram into buf, returning the number of bytes read
// and the sender's address. Returns unix.EAGAIN when no datagram is
// currently queued on the non-blocking socket.
func (e *Endpoint) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, from, err := unix.Recvfrom(e.fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	addr, err := fromSockaddr(from)
	if err != nil {
		return n, nil, err
	}
	return n, addr, nil
}

// Close releases the socket descriptor.
func (e *Endpoint) Close() error {
	return unix.Close(e.fd)
}

func toSockaddr(ip net.IP, port uint16) (unix.Sockaddr, error) {
	if v4 := ip.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = int(port)
		copy(sa.Addr[:], v4)
		return &sa, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("netudp: invalid IP %v", ip)
	}
	var sa unix.SockaddrInet6
	sa.Port = int(port)
	copy(sa.Addr[:], v6)
	return &sa, nil
}

func fromSockaddr(sa unix.Sockaddr) (*net.UDPAddr, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	default:
		return nil, fmt.Errorf("netudp: unsupported sockaddr type %T", sa)
	}
}

func addrOf(fd int) (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("netudp: getsockname: %w", err)
	}
	return fromSockaddr(sa)
}
