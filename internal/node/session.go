package node

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pongnet/internal/debuglog"
	"pongnet/internal/metrics"
	"pongnet/internal/peer"
	"pongnet/internal/proto"
)

type State int

const (
	StateDiscovered State = iota
	StateKeysExchanged
	StateSyncRequested
	StateSynced
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateKeysExchanged:
		return "keys_exchanged"
	case StateSyncRequested:
		return "sync_requested"
	case StateSynced:
		return "synced"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	DefaultRetransmit       = 500 * time.Millisecond
	DefaultHeartbeat        = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrBusy         = errors.New("already in a match")
	ErrClosedByPeer = errors.New("peer closed the game")
	ErrShutdown     = errors.New("local shutdown")
)

// Sender transmits a fully built message. The transport decides whether it
// travels sealed.
type Sender interface {
	SendMessage(to string, msg proto.Message) error
}

type SessionEventKind int

const (
	SessionActive SessionEventKind = iota + 1
	SessionClosed
)

type SessionEvent struct {
	Kind    SessionEventKind
	Session SessionInfo
	Reason  error
}

// SessionInfo is a snapshot of one handshake session.
type SessionInfo struct {
	ID          string
	Addr        string
	PeerName     string
	PeerSignKey  []byte
	PeerInstance [proto.InstanceSize]byte
	State        State
	Owner       bool
	OwnerName   string
	CreatedAt   time.Time
	ActiveAt    time.Time
}

type CoordinatorOptions struct {
	Retransmit       time.Duration
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration

	// OnEvent runs after the coordinator lock is released but in transition
	// order. It must not call back into the Coordinator.
	OnEvent func(SessionEvent)
	Logger  *debuglog.Logger
	Metrics *metrics.Metrics
}

type session struct {
	SessionInfo
	keyed         bool
	lastSent      proto.Type
	lastSentAt    time.Time
	lastInitReply time.Time
}

type outbound struct {
	to  string
	typ proto.Type
}

type effects struct {
	sends  []outbound
	events []SessionEvent
}

func (fx *effects) send(to string, typ proto.Type) {
	fx.sends = append(fx.sends, outbound{to: to, typ: typ})
}

// Coordinator drives one handshake session per peer and allows at most one
// live opponent at a time. Sends and events are applied after the state lock
// is released, serialized by emitMu so observers see transitions in order.
type Coordinator struct {
	node *Node
	reg  *peer.Registry
	out  Sender
	opts CoordinatorOptions
	log  *debuglog.Logger

	mu       sync.Mutex
	emitMu   sync.Mutex
	sessions map[string]*session
}

func NewCoordinator(n *Node, reg *peer.Registry, out Sender, opts CoordinatorOptions) *Coordinator {
	if opts.Retransmit <= 0 {
		opts.Retransmit = DefaultRetransmit
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Coordinator{
		node:     n,
		reg:      reg,
		out:      out,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*session),
	}
}

// PeerFound opens a Discovered session toward addr and sends our init.
func (c *Coordinator) PeerFound(addr, name string, now time.Time) error {
	c.mu.Lock()
	if _, ok := c.sessions[addr]; ok {
		c.mu.Unlock()
		return nil
	}
	if live := c.liveLocked(); live != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: matched with %s", ErrBusy, live.Addr)
	}
	s := c.newSessionLocked(addr, name, now)
	var fx effects
	fx.send(addr, proto.TypeInit)
	s.markSent(proto.TypeInit, now)
	s.lastInitReply = now
	c.unlockAndApply(now, fx)
	return nil
}

// HandleControl feeds an authenticated control message from addr into the
// state machine.
func (c *Coordinator) HandleControl(from string, msg proto.Message, now time.Time) error {
	switch msg.Body.(type) {
	case proto.Init:
		return c.handleInit(from, msg, now)
	case proto.SyncReady:
		return c.handleSyncReady(from, now)
	case proto.SyncAck:
		return c.handleSyncAck(from, now)
	}
	return fmt.Errorf("%w: %s is not a control message", proto.ErrProtocol, msg.Type())
}

func (c *Coordinator) handleInit(from string, msg proto.Message, now time.Time) error {
	body, err := VerifyInit(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.sessions[from]
	created := false
	if !ok {
		if live := c.liveLocked(); live != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: matched with %s", ErrBusy, live.Addr)
		}
		s = c.newSessionLocked(from, body.Name, now)
		created = true
	}
	// A keyed session is bound to the peer that first completed the key
	// exchange: same process, same name, keys changed only with endorsement.
	if s.keyed && (body.Instance != s.PeerInstance || body.Name != s.PeerName) {
		c.mu.Unlock()
		return fmt.Errorf("%w: init from %s does not match the session's peer", proto.ErrCryptoFailure, from)
	}
	endorsed := func(trusted ed25519.PublicKey) bool { return Endorsed(msg, trusted) }
	rotated, err := c.reg.TrustKeys(from, body.Name, body.EncKey, body.SignKey, endorsed, now)
	if err != nil {
		if created {
			delete(c.sessions, from)
		}
		c.mu.Unlock()
		return err
	}
	if !s.keyed {
		s.keyed = true
		s.PeerName = body.Name
		s.PeerInstance = body.Instance
	}
	s.PeerSignKey = append([]byte(nil), body.SignKey...)
	if rotated {
		c.opts.Metrics.IncPeerRotation()
		c.log.Debug("peer rotated keys", "session", s.ID, "peer", from)
	}

	var fx effects
	switch s.State {
	case StateDiscovered:
		if created {
			fx.send(from, proto.TypeInit)
			s.lastInitReply = now
		}
		c.advanceLocked(s, StateKeysExchanged)
		fx.send(from, proto.TypeSyncReady)
		s.markSent(proto.TypeSyncReady, now)
	case StateKeysExchanged, StateSyncRequested:
		// The peer is still waiting for our keys.
		if now.Sub(s.lastInitReply) >= c.opts.Retransmit {
			fx.send(from, proto.TypeInit)
			s.lastInitReply = now
		}
	case StateSynced, StateActive:
		// Endorsed new keys mid-match: answer so the peer has our current keys.
		if rotated && now.Sub(s.lastInitReply) >= c.opts.Retransmit {
			fx.send(from, proto.TypeInit)
			s.lastInitReply = now
		}
	}
	c.unlockAndApply(now, fx)
	return nil
}

func (c *Coordinator) handleSyncReady(from string, now time.Time) error {
	c.mu.Lock()
	s, ok := c.sessions[from]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: sync_ready without session", proto.ErrProtocol)
	}
	var fx effects
	switch s.State {
	case StateDiscovered:
		// Their init has not reached us yet; wait for its retransmit.
	case StateKeysExchanged:
		c.advanceLocked(s, StateSyncRequested)
		fx.send(from, proto.TypeSyncAck)
		s.markSent(proto.TypeSyncAck, now)
	default:
		fx.send(from, proto.TypeSyncAck)
		s.markSent(proto.TypeSyncAck, now)
	}
	c.unlockAndApply(now, fx)
	return nil
}

func (c *Coordinator) handleSyncAck(from string, now time.Time) error {
	c.mu.Lock()
	s, ok := c.sessions[from]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: sync_ack without session", proto.ErrProtocol)
	}
	var fx effects
	switch s.State {
	case StateKeysExchanged:
		// An ack means the peer saw our ready while ready itself.
		fx.send(from, proto.TypeSyncAck)
		s.markSent(proto.TypeSyncAck, now)
		c.activateLocked(s, now, &fx)
	case StateSyncRequested:
		c.activateLocked(s, now, &fx)
	}
	c.unlockAndApply(now, fx)
	return nil
}

func (c *Coordinator) activateLocked(s *session, now time.Time, fx *effects) {
	c.advanceLocked(s, StateSynced)
	c.advanceLocked(s, StateActive)
	s.ActiveAt = now
	local := Contender{Name: c.node.Name, Instance: c.node.Instance}
	remote := Contender{Name: s.PeerName, Instance: s.PeerInstance}
	s.OwnerName = ElectOwner(local, remote).Name
	s.Owner = IsOwner(local, remote)
	c.opts.Metrics.IncHandshake()
	c.log.Info("match started", "session", s.ID, "peer", s.Addr, "opponent", s.PeerName, "owner", s.OwnerName)
	fx.events = append(fx.events, SessionEvent{Kind: SessionActive, Session: s.snapshot()})
}

// Tick retransmits stalled handshakes, sends heartbeats on active sessions
// and closes handshakes that never completed.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()
	var fx effects
	for addr, s := range c.sessions {
		switch {
		case s.State < StateActive && now.Sub(s.CreatedAt) > c.opts.HandshakeTimeout:
			c.closeLocked(addr, s, fmt.Errorf("%w: handshake incomplete after %s", proto.ErrPeerTimeout, c.opts.HandshakeTimeout), &fx)
		case s.State < StateActive && now.Sub(s.lastSentAt) >= c.opts.Retransmit:
			fx.send(addr, s.lastSent)
			s.markSent(s.lastSent, now)
			c.opts.Metrics.IncRetransmit()
		case s.State == StateActive && now.Sub(s.lastSentAt) >= c.opts.Heartbeat:
			fx.send(addr, proto.TypeSyncAck)
			s.markSent(proto.TypeSyncAck, now)
		}
	}
	c.unlockAndApply(now, fx)
}

// Reannounce sends a fresh init to every live session after a local rotation.
func (c *Coordinator) Reannounce(now time.Time) {
	c.mu.Lock()
	var fx effects
	for addr, s := range c.sessions {
		fx.send(addr, proto.TypeInit)
		s.lastInitReply = now
	}
	c.unlockAndApply(now, fx)
}

// Close ends the session with addr. Closed is terminal; a later rediscovery
// starts a new session.
func (c *Coordinator) Close(addr string, reason error, now time.Time) bool {
	c.mu.Lock()
	s, ok := c.sessions[addr]
	if !ok {
		c.mu.Unlock()
		return false
	}
	var fx effects
	c.closeLocked(addr, s, reason, &fx)
	c.unlockAndApply(now, fx)
	return true
}

// CloseAll ends every session and returns what was closed.
func (c *Coordinator) CloseAll(reason error, now time.Time) []SessionInfo {
	c.mu.Lock()
	var fx effects
	out := make([]SessionInfo, 0, len(c.sessions))
	for addr, s := range c.sessions {
		out = append(out, s.snapshot())
		c.closeLocked(addr, s, reason, &fx)
	}
	c.unlockAndApply(now, fx)
	return out
}

func (c *Coordinator) closeLocked(addr string, s *session, reason error, fx *effects) {
	c.advanceLocked(s, StateClosed)
	delete(c.sessions, addr)
	// Trust is per session; a rediscovered peer starts from a fresh init.
	c.reg.Remove(addr)
	c.log.Info("session closed", "session", s.ID, "peer", addr, "reason", reason)
	fx.events = append(fx.events, SessionEvent{Kind: SessionClosed, Session: s.snapshot(), Reason: reason})
}

func (c *Coordinator) Session(addr string) (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[addr]
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// Active returns the session currently in the Active state, if any.
func (c *Coordinator) Active() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.State == StateActive {
			return s.snapshot(), true
		}
	}
	return SessionInfo{}, false
}

func (c *Coordinator) IsActive(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[addr]
	return ok && s.State == StateActive
}

func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

func (c *Coordinator) newSessionLocked(addr, name string, now time.Time) *session {
	s := &session{SessionInfo: SessionInfo{
		ID:        uuid.NewString(),
		Addr:      addr,
		PeerName:  name,
		State:     StateDiscovered,
		CreatedAt: now,
	}}
	c.sessions[addr] = s
	c.log.Debug("session opened", "session", s.ID, "peer", addr)
	return s
}

func (c *Coordinator) liveLocked() *session {
	for _, s := range c.sessions {
		return s
	}
	return nil
}

func (c *Coordinator) advanceLocked(s *session, to State) {
	c.log.Debug("handshake transition", "session", s.ID, "peer", s.Addr, "from", s.State.String(), "to", to.String())
	s.State = to
}

func (c *Coordinator) unlockAndApply(now time.Time, fx effects) {
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, o := range fx.sends {
		msg, err := c.build(o.typ, now)
		if err != nil {
			c.log.Error("build control message", "type", o.typ.String(), "err", err)
			continue
		}
		if err := c.out.SendMessage(o.to, msg); err != nil {
			c.log.RateLimited("control-send:"+o.to, debuglog.LevelWarn, "control send failed", "peer", o.to, "type", o.typ.String(), "err", err)
		}
	}
	if c.opts.OnEvent == nil {
		return
	}
	for _, ev := range fx.events {
		c.opts.OnEvent(ev)
	}
}

func (c *Coordinator) build(t proto.Type, now time.Time) (proto.Message, error) {
	switch t {
	case proto.TypeInit:
		return c.node.BuildInit(now)
	case proto.TypeSyncReady:
		return proto.NewMessage(proto.SyncReady{}, now)
	case proto.TypeSyncAck:
		return proto.NewMessage(proto.SyncAck{}, now)
	}
	return proto.Message{}, fmt.Errorf("%w: %s is not a control type", proto.ErrProtocol, t)
}

func (s *session) markSent(t proto.Type, now time.Time) {
	s.lastSent = t
	s.lastSentAt = now
}

func (s *session) snapshot() SessionInfo {
	info := s.SessionInfo
	info.PeerSignKey = append([]byte(nil), s.PeerSignKey...)
	return info
}
