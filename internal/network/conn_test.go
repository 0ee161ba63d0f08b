package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"pongnet/internal/proto"
)

func TestDataConnCarriesNonQUICDatagrams(t *testing.T) {
	a, err := ListenData("127.0.0.1", 0, 0, 0)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenData("127.0.0.1", 0, 0, 0)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	port := b.LocalAddr().(*net.UDPAddr).Port
	if port < DefaultMinPort || port > DefaultMaxPort {
		t.Fatalf("port %d outside the default range", port)
	}
	pkt, err := proto.EncodePacket(proto.Packet{Addr: "127.0.0.1:1", Body: []byte{1, 2, 3}}, 64)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := writeWithRetry(context.Background(), a, pkt, b.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 1500)
	n, src, err := b.ReadPacket(ctx, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 64 || src.(*net.UDPAddr).Port != a.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("unexpected datagram n=%d src=%s", n, src)
	}
	got, err := proto.DecodePacket(buf[:n])
	if err != nil || string(got.Body) != "\x01\x02\x03" {
		t.Fatalf("decode: %v %v", got, err)
	}
}

func TestDataConnReadHonoursContext(t *testing.T) {
	c, err := ListenData("127.0.0.1", 0, 0, 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := c.ReadPacket(ctx, make([]byte, 16)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestListenDataRejectsBadBindIP(t *testing.T) {
	if _, err := ListenData("not-an-ip", 0, 0, 1); !errors.Is(err, proto.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestListenMulticastRejectsUnicastGroup(t *testing.T) {
	if _, err := ListenMulticast("127.0.0.1:5004", nil); !errors.Is(err, proto.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestLocalIPv4(t *testing.T) {
	if ip := LocalIPv4(); ip.To4() == nil {
		t.Fatalf("expected an IPv4 address, got %v", ip)
	}
}
