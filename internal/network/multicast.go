package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"

	"pongnet/internal/proto"
)

// pollInterval bounds how long a multicast read blocks before rechecking ctx.
const pollInterval = 200 * time.Millisecond

// MulticastConn is a group-joined UDP socket used for both publishing and
// listening. Several processes on one host may share the group port.
type MulticastConn struct {
	udp   *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
}

// ListenMulticast binds group's port with address reuse, joins group on ifi
// (nil picks the system default) and enables loopback so peers on the same
// host see each other.
func ListenMulticast(group string, ifi *net.Interface) (*MulticastConn, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("%w: multicast group %q: %v", proto.ErrTransport, group, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast address", proto.ErrTransport, gaddr.IP)
	}
	lc := net.ListenConfig{Control: reuseControl}
	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", gaddr.Port))
	if err != nil {
		return nil, fmt.Errorf("%w: bind multicast port %d: %v", proto.ErrTransport, gaddr.Port, err)
	}
	udp := c.(*net.UDPConn)
	pc := ipv4.NewPacketConn(udp)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: gaddr.IP}); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("%w: join %s: %v", proto.ErrTransport, gaddr.IP, err)
	}
	if ifi != nil {
		_ = pc.SetMulticastInterface(ifi)
	}
	_ = pc.SetMulticastLoopback(true)
	_ = pc.SetMulticastTTL(1)
	return &MulticastConn{udp: udp, pc: pc, group: gaddr}, nil
}

func (m *MulticastConn) Group() *net.UDPAddr {
	return m.group
}

func (m *MulticastConn) ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		_ = m.udp.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, src, err := m.pc.ReadFrom(b)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return 0, nil, err
		}
		return n, src, nil
	}
}

func (m *MulticastConn) WritePacket(b []byte, addr net.Addr) (int, error) {
	if addr == nil {
		addr = m.group
	}
	return m.pc.WriteTo(b, nil, addr)
}

func (m *MulticastConn) LocalAddr() net.Addr {
	return m.udp.LocalAddr()
}

func (m *MulticastConn) Close() error {
	_ = m.pc.LeaveGroup(nil, &net.UDPAddr{IP: m.group.IP})
	return m.udp.Close()
}

// InterfaceByName resolves a configured interface name; empty means default.
func InterfaceByName(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %q: %v", proto.ErrTransport, name, err)
	}
	return ifi, nil
}
