package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"pongnet/internal/proto"
)

const (
	DefaultMinPort     = 2000
	DefaultMaxPort     = 20000
	DefaultBindRetries = 16

	writeMaxAttempts = 3
	backoffBase      = 20 * time.Millisecond
	backoffMax       = 500 * time.Millisecond
)

// PacketConn is the datagram surface the transport and discovery run on.
// ReadPacket must return promptly once ctx is done.
type PacketConn interface {
	ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error)
	WritePacket(b []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// dataConn carries game datagrams through a quic.Transport. Our version byte
// never looks like QUIC, so every packet lands on the non-QUIC path and the
// same socket stays usable for QUIC later.
type dataConn struct {
	udp *net.UDPConn
	tr  *quic.Transport
}

// ListenData binds the data socket to a random port in [minPort, maxPort],
// retrying on collisions.
func ListenData(bindIP string, minPort, maxPort, attempts int) (PacketConn, error) {
	if minPort <= 0 {
		minPort = DefaultMinPort
	}
	if maxPort < minPort {
		maxPort = DefaultMaxPort
	}
	if attempts <= 0 {
		attempts = DefaultBindRetries
	}
	ip := net.IPv4zero
	if bindIP != "" {
		if ip = net.ParseIP(bindIP); ip == nil {
			return nil, fmt.Errorf("%w: bad bind ip %q", proto.ErrTransport, bindIP)
		}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		port := minPort + rand.Intn(maxPort-minPort+1)
		udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		return &dataConn{udp: udp, tr: &quic.Transport{Conn: udp}}, nil
	}
	return nil, fmt.Errorf("%w: bind data socket after %d attempts: %v", proto.ErrTransport, attempts, lastErr)
}

func (c *dataConn) ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error) {
	return c.tr.ReadNonQUICPacket(ctx, b)
}

func (c *dataConn) WritePacket(b []byte, addr net.Addr) (int, error) {
	return c.tr.WriteTo(b, addr)
}

func (c *dataConn) LocalAddr() net.Addr {
	return c.udp.LocalAddr()
}

func (c *dataConn) Close() error {
	err := c.tr.Close()
	if cerr := c.udp.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// writeWithRetry sends b, backing off between transient failures.
func writeWithRetry(ctx context.Context, conn PacketConn, b []byte, addr net.Addr) error {
	var lastErr error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		_, err := conn.WritePacket(b, addr)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(lastErr, net.ErrClosed) || !BackoffRetry(ctx, attempt) {
			break
		}
	}
	return fmt.Errorf("%w: write to %s: %v", proto.ErrTransport, addr, lastErr)
}

// BackoffRetry sleeps an exponential backoff for the given number of
// consecutive failures. It returns false when ctx ends first.
func BackoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := backoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > backoffMax {
		d = backoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// LocalIPv4 returns the first non-loopback IPv4 address of an up interface,
// or 127.0.0.1 when there is none.
func LocalIPv4() net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				return ip4
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
