package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pongnet/internal/peer"
	"pongnet/internal/proto"
)

type wireMsg struct {
	from, to string
	msg      proto.Message
}

// loopback queues sends so delivery happens outside the coordinator's
// emit path, the way a socket would.
type loopback struct {
	mu    sync.Mutex
	self  string
	queue *[]wireMsg
	drop  func(wireMsg) bool
}

func (l *loopback) SendMessage(to string, msg proto.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := wireMsg{from: l.self, to: to, msg: msg}
	if l.drop != nil && l.drop(w) {
		return nil
	}
	*l.queue = append(*l.queue, w)
	return nil
}

type side struct {
	addr   string
	node   *Node
	reg    *peer.Registry
	coord  *Coordinator
	events []SessionEvent
}

type harness struct {
	queue []wireMsg
	sides map[string]*side
	log   []wireMsg
	// rejected collects crypto failures instead of failing the test when set.
	rejected *[]error
}

func newHarness(t *testing.T, now time.Time, names ...string) *harness {
	t.Helper()
	h := &harness{sides: make(map[string]*side)}
	for i, name := range names {
		addr := []string{"10.0.0.1:4000", "10.0.0.2:4000", "10.0.0.3:4000"}[i]
		km, err := NewKeyManager(time.Minute, 10*time.Second, now)
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		n, err := New(name, km)
		if err != nil {
			t.Fatalf("node: %v", err)
		}
		s := &side{addr: addr, node: n, reg: peer.NewRegistry(peer.Options{})}
		out := &loopback{self: addr, queue: &h.queue}
		s.coord = NewCoordinator(n, s.reg, out, CoordinatorOptions{
			OnEvent: func(ev SessionEvent) { s.events = append(s.events, ev) },
		})
		h.sides[addr] = s
	}
	return h
}

func (h *harness) side(i int) *side {
	return h.sides[[]string{"10.0.0.1:4000", "10.0.0.2:4000", "10.0.0.3:4000"}[i]]
}

// pump delivers queued messages until the network is quiet.
func (h *harness) pump(t *testing.T, now time.Time) {
	t.Helper()
	for steps := 0; len(h.queue) > 0; steps++ {
		if steps > 100 {
			t.Fatalf("handshake did not quiesce")
		}
		w := h.queue[0]
		h.queue = h.queue[1:]
		h.log = append(h.log, w)
		dst := h.sides[w.to]
		if dst == nil {
			continue
		}
		err := dst.coord.HandleControl(w.from, w.msg, now)
		if h.rejected != nil && errors.Is(err, proto.ErrCryptoFailure) {
			*h.rejected = append(*h.rejected, err)
			continue
		}
		if err != nil && !errors.Is(err, ErrBusy) {
			t.Fatalf("%s handling %s from %s: %v", w.to, w.msg.Type(), w.from, err)
		}
	}
}

func countFrom(log []wireMsg, from string) map[proto.Type]int {
	out := make(map[proto.Type]int)
	for _, w := range log {
		if w.from == from {
			out[w.msg.Type()]++
		}
	}
	return out
}

func TestHandshakeConvergesInSixMessages(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	a, b := h.side(0), h.side(1)
	if err := a.coord.PeerFound(b.addr, "Bob", now); err != nil {
		t.Fatalf("peer found: %v", err)
	}
	h.pump(t, now)

	if len(h.log) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(h.log))
	}
	for _, addr := range []string{a.addr, b.addr} {
		got := countFrom(h.log, addr)
		if got[proto.TypeInit] != 1 || got[proto.TypeSyncReady] != 1 || got[proto.TypeSyncAck] != 1 {
			t.Fatalf("%s sent %v, want one of each control type", addr, got)
		}
	}
	for i := 1; i < len(h.log); i++ {
		if h.log[i].from == h.log[i-1].from && h.log[i].msg.Type() == h.log[i-1].msg.Type() {
			t.Fatalf("message %s repeated back to back", h.log[i].msg.Type())
		}
	}
	sa, ok := a.coord.Active()
	if !ok || sa.Addr != b.addr {
		t.Fatalf("alice not active with bob")
	}
	sb, ok := b.coord.Active()
	if !ok || sb.Addr != a.addr {
		t.Fatalf("bob not active with alice")
	}
	if !sa.Owner || sb.Owner || sa.OwnerName != "Alice" || sb.OwnerName != "Alice" {
		t.Fatalf("owner mismatch: alice=%v bob=%v", sa.Owner, sb.Owner)
	}
	if len(a.events) != 1 || a.events[0].Kind != SessionActive || len(b.events) != 1 {
		t.Fatalf("expected one active event per side, got %d/%d", len(a.events), len(b.events))
	}
	if p, _ := a.reg.Get(b.addr); !p.Trusted || p.Name != "Bob" {
		t.Fatalf("bob's keys not trusted by alice: %+v", p)
	}
}

func TestSimultaneousDiscovery(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	a, b := h.side(0), h.side(1)
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	_ = b.coord.PeerFound(a.addr, "Alice", now)
	h.pump(t, now)
	if !a.coord.IsActive(b.addr) || !b.coord.IsActive(a.addr) {
		t.Fatalf("both sides should be active")
	}
}

func TestHandshakeRecoversFromLostInit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	a, b := h.side(0), h.side(1)
	dropped := false
	a.coord.out.(*loopback).drop = func(w wireMsg) bool {
		if !dropped && w.msg.Type() == proto.TypeInit {
			dropped = true
			return true
		}
		return false
	}
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)
	if a.coord.IsActive(b.addr) {
		t.Fatalf("should not be active after losing init")
	}
	now = now.Add(DefaultRetransmit)
	a.coord.Tick(now)
	h.pump(t, now)
	if !a.coord.IsActive(b.addr) || !b.coord.IsActive(a.addr) {
		t.Fatalf("retransmit did not complete the handshake")
	}
}

func TestHandshakeRecoversFromLostSyncReady(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	a, b := h.side(0), h.side(1)
	dropped := false
	b.coord.out.(*loopback).drop = func(w wireMsg) bool {
		if !dropped && w.msg.Type() == proto.TypeSyncReady {
			dropped = true
			return true
		}
		return false
	}
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)
	// Bob acked Alice's ready, so Alice treats that ack as Bob's readiness.
	if !a.coord.IsActive(b.addr) || !b.coord.IsActive(a.addr) {
		t.Fatalf("ack-implies-ready did not converge: a=%v b=%v", a.coord.IsActive(b.addr), b.coord.IsActive(a.addr))
	}
}

func TestOneOpponentAtATime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob", "Carol")
	a, b, c := h.side(0), h.side(1), h.side(2)
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)
	if err := a.coord.PeerFound(c.addr, "Carol", now); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	_ = c.coord.PeerFound(a.addr, "Alice", now)
	h.pump(t, now)
	if c.coord.IsActive(a.addr) {
		t.Fatalf("carol should not get a match with a busy alice")
	}
	if p, ok := a.reg.Get(c.addr); ok && p.Trusted {
		t.Fatalf("busy side must not trust a third party's keys")
	}
}

func TestCloseAndHeartbeat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	a, b := h.side(0), h.side(1)
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)

	h.log = nil
	now = now.Add(DefaultHeartbeat)
	a.coord.Tick(now)
	h.pump(t, now)
	if len(h.log) != 1 || h.log[0].msg.Type() != proto.TypeSyncAck {
		t.Fatalf("expected a single heartbeat ack, got %d messages", len(h.log))
	}

	if !a.coord.Close(b.addr, ErrClosedByPeer, now) {
		t.Fatalf("close returned false")
	}
	if a.coord.Close(b.addr, ErrClosedByPeer, now) {
		t.Fatalf("second close should be a no-op")
	}
	last := a.events[len(a.events)-1]
	if last.Kind != SessionClosed || !errors.Is(last.Reason, ErrClosedByPeer) || last.Session.State != StateClosed {
		t.Fatalf("unexpected close event %+v", last)
	}
	// A fresh discovery after close starts over.
	if err := a.coord.PeerFound(b.addr, "Bob", now); err != nil {
		t.Fatalf("rediscovery: %v", err)
	}
	if s, _ := a.coord.Session(b.addr); s.State != StateDiscovered {
		t.Fatalf("expected new discovered session, got %s", s.State)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice")
	a := h.side(0)
	_ = a.coord.PeerFound("10.9.9.9:4000", "ghost", now)
	a.coord.Tick(now.Add(DefaultHandshakeTimeout + time.Second))
	if len(a.coord.Sessions()) != 0 {
		t.Fatalf("stalled handshake was not closed")
	}
	if len(a.events) != 1 || !errors.Is(a.events[0].Reason, proto.ErrPeerTimeout) {
		t.Fatalf("expected timeout close event")
	}
}

func TestRestartedPeerRejoinsAfterSessionEnds(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	var rejected []error
	h.rejected = &rejected
	a, b := h.side(0), h.side(1)
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)
	oldKeys := b.node.Keys.CurrentKeys()

	// Bob restarts with new keys on the same address. His fresh init cannot
	// vouch for the change, so the running session ignores it.
	km, _ := NewKeyManager(time.Minute, 10*time.Second, now)
	nb, _ := New("Bob", km)
	b.node = nb
	b.reg = peer.NewRegistry(peer.Options{})
	b.coord = NewCoordinator(nb, b.reg, &loopback{self: b.addr, queue: &h.queue}, CoordinatorOptions{})
	now = now.Add(2 * time.Second)
	_ = b.coord.PeerFound(a.addr, "Alice", now)
	h.pump(t, now)
	if len(rejected) == 0 {
		t.Fatalf("restarted peer's init was accepted into the old session")
	}
	if p, _ := a.reg.Get(b.addr); p.EncKey != oldKeys.EncPub {
		t.Fatalf("alice replaced keys without an endorsement")
	}

	// The old session ends (the silent peer is evicted), then Bob's
	// retransmitted init opens a new one.
	now = now.Add(6 * time.Second)
	a.coord.Close(b.addr, proto.ErrPeerTimeout, now)
	b.coord.Tick(now)
	h.pump(t, now)
	if !a.coord.IsActive(b.addr) || !b.coord.IsActive(a.addr) {
		t.Fatalf("restarted peer did not rejoin after the old session ended")
	}
	if p, _ := a.reg.Get(b.addr); p.EncKey != km.CurrentKeys().EncPub {
		t.Fatalf("alice did not adopt bob's new keys in the new session")
	}
}

func TestForeignInitCannotTakeOverSession(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	var rejected []error
	h.rejected = &rejected
	a, b := h.side(0), h.side(1)
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)
	bobKeys := b.node.Keys.CurrentKeys()

	km, _ := NewKeyManager(time.Minute, 10*time.Second, now)
	aaron, _ := New("Aaron", km)
	impostor, _ := New("Bob", km)
	impostor.Instance = b.node.Instance
	for _, n := range []*Node{aaron, impostor} {
		msg, err := n.BuildInit(now)
		if err != nil {
			t.Fatalf("build init: %v", err)
		}
		if err := a.coord.HandleControl(b.addr, msg, now); !errors.Is(err, proto.ErrCryptoFailure) {
			t.Fatalf("%s: expected crypto failure, got %v", n.Name, err)
		}
	}
	p, _ := a.reg.Get(b.addr)
	if p.EncKey != bobKeys.EncPub || p.Name != "Bob" {
		t.Fatalf("trusted peer changed: %+v", p)
	}
	s, ok := a.coord.Active()
	if !ok || s.Addr != b.addr || s.PeerName != "Bob" || s.OwnerName != "Alice" || !s.Owner {
		t.Fatalf("session hijacked: %+v", s)
	}
}

func TestEndorsedRotationKeepsSession(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice", "Bob")
	a, b := h.side(0), h.side(1)
	_ = a.coord.PeerFound(b.addr, "Bob", now)
	h.pump(t, now)

	now = now.Add(61 * time.Second)
	if rotated, err := b.node.Keys.RotateIfExpired(now); err != nil || !rotated {
		t.Fatalf("rotate: %v %v", rotated, err)
	}
	b.coord.Reannounce(now)
	h.pump(t, now)
	p, _ := a.reg.Get(b.addr)
	if p.EncKey != b.node.Keys.CurrentKeys().EncPub {
		t.Fatalf("alice did not accept bob's endorsed rotation")
	}
	s, ok := a.coord.Active()
	if !ok || s.Addr != b.addr || s.OwnerName != "Alice" {
		t.Fatalf("rotation disturbed the session: %+v", s)
	}
}

func TestIdenticalNamesElectOneOwner(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Dave", "Dave")
	a, b := h.side(0), h.side(1)
	_ = a.coord.PeerFound(b.addr, "Dave", now)
	// Bob answers Alice's init, then rotates before the handshake finishes.
	first := h.queue[0]
	h.queue = h.queue[1:]
	if err := b.coord.HandleControl(first.from, first.msg, now); err != nil {
		t.Fatalf("bob handling init: %v", err)
	}
	if err := b.node.Keys.Rotate(now); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	h.pump(t, now)
	sa, okA := a.coord.Active()
	sb, okB := b.coord.Active()
	if !okA || !okB {
		t.Fatalf("handshake did not complete")
	}
	if sa.Owner == sb.Owner {
		t.Fatalf("both sides claim the same role: owner=%v", sa.Owner)
	}
}

func TestNonControlMessageRejected(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, now, "Alice")
	msg, _ := proto.NewMessage(proto.PadPos{Y: 1}, now)
	if err := h.side(0).coord.HandleControl("10.0.0.2:4000", msg, now); !errors.Is(err, proto.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	ack, _ := proto.NewMessage(proto.SyncAck{}, now)
	if err := h.side(0).coord.HandleControl("10.0.0.2:4000", ack, now); !errors.Is(err, proto.ErrProtocol) {
		t.Fatalf("expected protocol error for sessionless ack, got %v", err)
	}
}
