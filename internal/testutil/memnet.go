package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
)

const memQueue = 256

type datagram struct {
	data []byte
	src  net.Addr
}

// MemNet is an in-memory datagram network. Unicast writes reach the conn
// bound to the destination; writes to a group address fan out to every
// member, the writer included. Full queues drop like a real socket.
type MemNet struct {
	mu     sync.Mutex
	conns  map[string]*MemConn
	groups map[string]map[*MemConn]struct{}
	drop   func(data []byte, from, to net.Addr) bool
}

func NewMemNet() *MemNet {
	return &MemNet{
		conns:  make(map[string]*MemConn),
		groups: make(map[string]map[*MemConn]struct{}),
	}
}

// SetDrop installs a filter that discards datagrams it returns true for.
// A nil filter delivers everything.
func (n *MemNet) SetDrop(fn func(data []byte, from, to net.Addr) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Listen binds a unicast conn at addr ("ip:port").
func (n *MemNet) Listen(addr string) (*MemConn, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[ua.String()]; ok {
		return nil, fmt.Errorf("address %s in use", ua)
	}
	c := n.newConnLocked(ua, "")
	n.conns[ua.String()] = c
	return c, nil
}

// Join adds a group member whose source address is local.
func (n *MemNet) Join(group, local string) (*MemConn, error) {
	ga, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	la, err := net.ResolveUDPAddr("udp4", local)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.newConnLocked(la, ga.String())
	members := n.groups[ga.String()]
	if members == nil {
		members = make(map[*MemConn]struct{})
		n.groups[ga.String()] = members
	}
	members[c] = struct{}{}
	return c, nil
}

func (n *MemNet) newConnLocked(addr *net.UDPAddr, group string) *MemConn {
	return &MemConn{
		net:    n,
		addr:   addr,
		group:  group,
		in:     make(chan datagram, memQueue),
		closed: make(chan struct{}),
	}
}

func (n *MemNet) route(from *MemConn, b []byte, to net.Addr) {
	key := to.String()
	n.mu.Lock()
	var targets []*MemConn
	if members, ok := n.groups[key]; ok {
		for c := range members {
			targets = append(targets, c)
		}
	} else if c, ok := n.conns[key]; ok {
		targets = append(targets, c)
	}
	drop := n.drop
	n.mu.Unlock()
	for _, c := range targets {
		if drop != nil && drop(b, from.addr, c.addr) {
			continue
		}
		c.enqueue(datagram{data: append([]byte(nil), b...), src: from.addr})
	}
}

func (n *MemNet) remove(c *MemConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.group != "" {
		delete(n.groups[c.group], c)
		return
	}
	if n.conns[c.addr.String()] == c {
		delete(n.conns, c.addr.String())
	}
}

// MemConn satisfies the network package's PacketConn.
type MemConn struct {
	net    *MemNet
	addr   *net.UDPAddr
	group  string
	in     chan datagram
	closed chan struct{}
	once   sync.Once
}

func (c *MemConn) enqueue(d datagram) {
	select {
	case <-c.closed:
	case c.in <- d:
	default:
	}
}

// Inject delivers a raw datagram as if it arrived from src.
func (c *MemConn) Inject(data []byte, src string) error {
	sa, err := net.ResolveUDPAddr("udp4", src)
	if err != nil {
		return err
	}
	c.enqueue(datagram{data: append([]byte(nil), data...), src: sa})
	return nil
}

func (c *MemConn) ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case d := <-c.in:
		return copy(b, d.data), d.src, nil
	}
}

func (c *MemConn) WritePacket(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if addr == nil {
		if c.group == "" {
			return 0, fmt.Errorf("missing destination")
		}
		addr, _ = net.ResolveUDPAddr("udp4", c.group)
	}
	c.net.route(c, b, addr)
	return len(b), nil
}

func (c *MemConn) LocalAddr() net.Addr {
	return c.addr
}

func (c *MemConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.net.remove(c)
	})
	return nil
}
