package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pongnet/internal/crypto"
	"pongnet/internal/debuglog"
	"pongnet/internal/metrics"
	"pongnet/internal/peer"
	"pongnet/internal/proto"
)

// MaxReadFailures is how many consecutive read errors a receive loop
// tolerates before giving up.
const MaxReadFailures = 10

// LocalKeys is the local side of the box: the private key to seal with and
// every private key still accepted for opening.
type LocalKeys interface {
	SealKey() ([32]byte, error)
	OpenKeys(now time.Time) [][32]byte
}

// Codec holds the framing knobs shared by both ends of the pipeline.
type Codec struct {
	PadSize          int
	CompressionLevel int
	MaxMessageSize   int
}

func DefaultCodec() Codec {
	return Codec{
		PadSize:          proto.DefaultPadSize,
		CompressionLevel: proto.DefaultCompressionLevel,
		MaxMessageSize:   proto.DefaultMaxMessageSize,
	}
}

// Seal runs the outbound pipeline: serialize, compress, box (unless priv is
// nil), frame with the declared address and pad. Only init may go unsealed.
func (c Codec) Seal(msg proto.Message, declared string, peerPub, priv *[32]byte) ([]byte, error) {
	if priv == nil && msg.Type() != proto.TypeInit {
		return nil, fmt.Errorf("%w: %s requires a trusted peer key", proto.ErrCryptoFailure, msg.Type())
	}
	raw, err := proto.MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	body, err := proto.Compress(raw, c.CompressionLevel)
	if err != nil {
		return nil, err
	}
	pkt := proto.Packet{Addr: declared, Body: body}
	if priv != nil {
		nonce, ct, err := crypto.Seal(body, peerPub, priv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", proto.ErrCryptoFailure, err)
		}
		pkt.Flags = proto.FlagSealed
		pkt.Body = append(ct, nonce[:]...)
	}
	return proto.EncodePacket(pkt, c.PadSize)
}

// Open reverses Seal for an already parsed packet. Sealed bodies are tried
// against every (peer key, local key) pair; an unsealed body must carry init.
func (c Codec) Open(pkt proto.Packet, peerPubs, privs [][32]byte) (proto.Message, error) {
	body := pkt.Body
	if pkt.Sealed() {
		if len(body) < crypto.BoxOverhead+crypto.BoxNonceSize {
			return proto.Message{}, fmt.Errorf("%w: sealed body too short", proto.ErrCryptoFailure)
		}
		var nonce [crypto.BoxNonceSize]byte
		split := len(body) - crypto.BoxNonceSize
		copy(nonce[:], body[split:])
		plain, ok := openAny(body[:split], &nonce, peerPubs, privs)
		if !ok {
			return proto.Message{}, fmt.Errorf("%w: box open failed", proto.ErrCryptoFailure)
		}
		body = plain
	}
	// Unsealed bodies are inflated and parsed before anyone checks the init
	// signature; MaxMessageSize caps that work per datagram.
	raw, err := proto.Decompress(body, c.MaxMessageSize)
	if err != nil {
		return proto.Message{}, err
	}
	msg, err := proto.UnmarshalMessage(raw)
	if err != nil {
		return proto.Message{}, err
	}
	if !pkt.Sealed() && msg.Type() != proto.TypeInit {
		return proto.Message{}, fmt.Errorf("%w: unsealed %s", proto.ErrCryptoFailure, msg.Type())
	}
	return msg, nil
}

func openAny(ct []byte, nonce *[crypto.BoxNonceSize]byte, peerPubs, privs [][32]byte) ([]byte, bool) {
	for i := range peerPubs {
		for j := range privs {
			if plain, err := crypto.Open(ct, nonce, &peerPubs[i], &privs[j]); err == nil {
				return plain, true
			}
		}
	}
	return nil, false
}

type TransportOptions struct {
	// Declared is the "ip:port" written into every packet so peers on the
	// same host can tell sockets apart.
	Declared string
	Codec    Codec
	// VerifyInit authenticates an init before any registry state changes.
	VerifyInit func(proto.Message) error
	Logger     *debuglog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Transport is the secure datagram layer on the data socket.
type Transport struct {
	conn PacketConn
	keys LocalKeys
	reg  *peer.Registry
	opts TransportOptions
	log  *debuglog.Logger
}

func NewTransport(conn PacketConn, keys LocalKeys, reg *peer.Registry, opts TransportOptions) *Transport {
	if opts.Codec == (Codec{}) {
		opts.Codec = DefaultCodec()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transport{conn: conn, keys: keys, reg: reg, opts: opts, log: opts.Logger}
}

func (t *Transport) Declared() string {
	return t.opts.Declared
}

// Send wraps body in a fresh message and sends it to addr.
func (t *Transport) Send(to string, body proto.Body) error {
	msg, err := proto.NewMessage(body, t.opts.Now())
	if err != nil {
		return err
	}
	return t.SendMessage(to, msg)
}

// SendMessage seals msg for to (init travels in the clear) and writes it.
func (t *Transport) SendMessage(to string, msg proto.Message) error {
	var data []byte
	var err error
	if msg.Type() == proto.TypeInit {
		data, err = t.opts.Codec.Seal(msg, t.opts.Declared, nil, nil)
	} else {
		data, err = t.sealFor(to, msg)
	}
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp4", to)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", proto.ErrTransport, to, err)
	}
	if err := writeWithRetry(context.Background(), t.conn, data, addr); err != nil {
		return err
	}
	t.opts.Metrics.IncPacketSent()
	return nil
}

func (t *Transport) sealFor(to string, msg proto.Message) ([]byte, error) {
	peerPub, err := t.reg.SealKey(to)
	if err != nil {
		return nil, err
	}
	priv, err := t.keys.SealKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrCryptoFailure, err)
	}
	defer crypto.Wipe(priv[:])
	return t.opts.Codec.Seal(msg, t.opts.Declared, &peerPub, &priv)
}

// Run reads datagrams until ctx is done and hands each authenticated,
// fresh, in-budget message to deliver. Everything else is dropped silently,
// counted and logged. Run returns nil on cancellation.
func (t *Transport) Run(ctx context.Context, deliver func(from string, msg proto.Message)) error {
	buf := make([]byte, proto.MaxPacketSize)
	failures := 0
	for {
		n, src, err := t.conn.ReadPacket(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			if failures >= MaxReadFailures {
				return fmt.Errorf("%w: %d consecutive read failures: %v", proto.ErrTransport, failures, err)
			}
			t.log.RateLimited("read", debuglog.LevelWarn, "data socket read failed", "err", err)
			if !BackoffRetry(ctx, failures) {
				return nil
			}
			continue
		}
		failures = 0
		t.opts.Metrics.IncPacketReceived()
		from, msg, err := t.receive(buf[:n], src)
		if err != nil {
			t.drop(from, err)
			continue
		}
		t.opts.Metrics.IncDelivered(msg.Channel().String())
		deliver(from, msg)
	}
}

func (t *Transport) receive(data []byte, src net.Addr) (string, proto.Message, error) {
	from := addrString(src)
	pkt, err := proto.DecodePacket(data)
	if err != nil {
		return from, proto.Message{}, err
	}
	from = ResolvePeer(pkt.Addr, src)
	now := t.opts.Now()

	var peerPubs, privs [][32]byte
	if pkt.Sealed() {
		peerPubs, err = t.reg.OpenKeys(from, now)
		if err != nil {
			return from, proto.Message{}, err
		}
		privs = t.keys.OpenKeys(now)
	}
	msg, err := t.opts.Codec.Open(pkt, peerPubs, privs)
	if err != nil {
		return from, proto.Message{}, err
	}
	if hello, ok := msg.Body.(proto.Init); ok {
		if t.opts.VerifyInit != nil {
			if err := t.opts.VerifyInit(msg); err != nil {
				return from, proto.Message{}, err
			}
		}
		if err := t.reg.Upsert(from, hello.Name, nil, nil, now); err != nil {
			return from, proto.Message{}, fmt.Errorf("%w: %v", proto.ErrRateLimited, err)
		}
	}
	if err := t.reg.CheckRateLimit(from, now); err != nil {
		return from, proto.Message{}, err
	}
	if err := t.reg.CheckAndRecordNonce(from, msg.Nonce, msg.Timestamp, now); err != nil {
		return from, proto.Message{}, err
	}
	if pkt.Sealed() {
		t.reg.MarkSeen(from, now)
	}
	return from, msg, nil
}

func (t *Transport) drop(from string, err error) {
	reason := proto.Reason(err)
	t.opts.Metrics.IncDrop(reason)
	if errors.Is(err, proto.ErrCryptoFailure) {
		t.log.RateLimited("drop:"+reason+":"+from, debuglog.LevelWarn, "dropped packet", "peer", from, "reason", reason, "err", err)
		return
	}
	t.log.RateLimited("drop:"+reason+":"+from, debuglog.LevelDebug, "dropped packet", "peer", from, "reason", reason, "err", err)
}

// ResolvePeer picks the identity of a datagram's sender: the declared
// address when it names the same host as the UDP source, otherwise the
// source itself. A remote host cannot claim another host's address.
func ResolvePeer(declared string, src net.Addr) string {
	source := addrString(src)
	if declared == "" {
		return source
	}
	dhost, _, err := net.SplitHostPort(declared)
	if err != nil {
		return source
	}
	shost, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	dip, sip := net.ParseIP(dhost), net.ParseIP(shost)
	if dip == nil || sip == nil {
		return source
	}
	if dip.Equal(sip) || (dip.IsLoopback() && sip.IsLoopback()) {
		return declared
	}
	return source
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	if u, ok := a.(*net.UDPAddr); ok {
		if ip4 := u.IP.To4(); ip4 != nil {
			return (&net.UDPAddr{IP: ip4, Port: u.Port}).String()
		}
	}
	return a.String()
}
