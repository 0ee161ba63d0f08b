// Package daemon wires discovery, the secure transport and the handshake
// coordinator into one networking subsystem a game can start and stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pongnet/internal/config"
	"pongnet/internal/debuglog"
	"pongnet/internal/discovery"
	"pongnet/internal/metrics"
	"pongnet/internal/network"
	"pongnet/internal/node"
	"pongnet/internal/peer"
	"pongnet/internal/proto"
)

var (
	ErrNotStarted = errors.New("runner not started")
	ErrStopped    = errors.New("runner stopped")
	ErrNoMatch    = errors.New("no active match")
)

type EventKind int

const (
	EventMatchStarted EventKind = iota + 1
	EventMessage
	EventPeerLost
)

func (k EventKind) String() string {
	switch k {
	case EventMatchStarted:
		return "match_started"
	case EventMessage:
		return "message"
	case EventPeerLost:
		return "peer_lost"
	default:
		return "unknown"
	}
}

// Match describes the current opponent.
type Match struct {
	SessionID string
	Peer      string
	Opponent  string
	Owner     bool
	OwnerName string
	Since     time.Time
}

// Event is what the game consumes. EventPeerLost carries a game_close
// message and the reason the session ended.
type Event struct {
	Kind    EventKind
	Peer    string
	Message proto.Message
	Match   Match
	Reason  error
}

type Options struct {
	// DataConn and MulticastConn replace the real sockets when set; Group
	// is then the address announcements are written to.
	DataConn      network.PacketConn
	MulticastConn network.PacketConn
	Group         net.Addr

	Logger  *debuglog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Runner owns one node's sockets and loops. Several runners may coexist in
// one process.
type Runner struct {
	cfg  config.Config
	opts Options
	log  *debuglog.Logger
	met  *metrics.Metrics
	now  func() time.Time

	Node   *node.Node
	keys   *node.KeyManager
	reg    *peer.Registry
	router *Router
	events chan Event

	mu       sync.Mutex
	started  bool
	stopped  bool
	declared proto.HostPort
	data     network.PacketConn
	mcast    network.PacketConn
	tr       *network.Transport
	coord    *node.Coordinator
	disc     *discovery.Service
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		level, _ := debuglog.ParseLevel(cfg.LogLevel)
		log = debuglog.New(nil, level)
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	keys, err := node.NewKeyManager(cfg.KeyLifetime, cfg.KeyGrace, opts.Now())
	if err != nil {
		return nil, err
	}
	met.IncKeyRotation()
	n, err := node.New(cfg.Name, keys)
	if err != nil {
		keys.Destroy()
		return nil, err
	}
	r := &Runner{
		cfg:  cfg,
		opts: opts,
		log:  log,
		met:  met,
		now:  opts.Now,
		Node: n,
		keys: keys,
		reg: peer.NewRegistry(peer.Options{
			Cap:          cfg.PeerCap,
			PerHostCap:   cfg.PerHostCap,
			ReplaySkew:   cfg.ReplaySkew,
			ReplayWindow: cfg.ReplayWindow,
			RateLimit:    cfg.RateLimit,
			RateWindow:   cfg.RateWindow,
			KeyGrace:     cfg.KeyGrace,
		}),
		router: NewRouter(),
		events: make(chan Event, cfg.EventQueue),
	}
	if err := r.registerRoutes(); err != nil {
		keys.Destroy()
		return nil, err
	}
	return r, nil
}

func (r *Runner) registerRoutes() error {
	control := func(from string, msg proto.Message) error {
		err := r.coord.HandleControl(from, msg, r.now())
		if errors.Is(err, node.ErrBusy) {
			return nil
		}
		return err
	}
	for _, t := range []proto.Type{proto.TypeInit, proto.TypeSyncReady, proto.TypeSyncAck} {
		if err := r.router.Register(t, control); err != nil {
			return err
		}
	}
	for _, t := range proto.AllTypes() {
		switch t {
		case proto.TypeInit, proto.TypeSyncReady, proto.TypeSyncAck:
			continue
		case proto.TypeGameClose:
			if err := r.router.Register(t, r.handleGameClose); err != nil {
				return err
			}
		default:
			if err := r.router.Register(t, r.handlePayload); err != nil {
				return err
			}
		}
	}
	return r.router.Validate()
}

func (r *Runner) handlePayload(from string, msg proto.Message) error {
	if !r.coord.IsActive(from) {
		return fmt.Errorf("%w: %s from %s outside an active match", proto.ErrProtocol, msg.Type(), from)
	}
	r.push(Event{Kind: EventMessage, Peer: from, Message: msg})
	return nil
}

func (r *Runner) handleGameClose(from string, msg proto.Message) error {
	if !r.coord.Close(from, node.ErrClosedByPeer, r.now()) {
		return fmt.Errorf("%w: game_close from %s without a session", proto.ErrProtocol, from)
	}
	return nil
}

// Start opens the sockets and launches every loop. Socket failures are
// returned; nothing is left running on error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return nil
	}
	data, mcast, group, err := r.openSockets()
	if err != nil {
		return err
	}
	declared, err := r.declaredAddr(data)
	if err != nil {
		_ = data.Close()
		_ = mcast.Close()
		return err
	}
	r.data, r.mcast, r.declared = data, mcast, declared

	r.tr = network.NewTransport(data, r.keys, r.reg, network.TransportOptions{
		Declared: declared.String(),
		Codec: network.Codec{
			PadSize:          r.cfg.PadSize,
			CompressionLevel: r.cfg.CompressionLevel,
			MaxMessageSize:   r.cfg.MaxMessageSize,
		},
		VerifyInit: func(m proto.Message) error {
			_, err := node.VerifyInit(m)
			return err
		},
		Logger:  r.log,
		Metrics: r.met,
		Now:     r.now,
	})
	r.coord = node.NewCoordinator(r.Node, r.reg, r.tr, node.CoordinatorOptions{
		Retransmit:       r.cfg.Retransmit,
		Heartbeat:        r.cfg.Heartbeat,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		OnEvent:          r.onSessionEvent,
		Logger:           r.log,
		Metrics:          r.met,
	})
	r.disc = discovery.New(mcast, group, declared, r.Node, r.reg, discovery.Options{
		Tag:      r.cfg.Tag,
		Interval: r.cfg.AnnounceInterval,
		OnPeer:   r.onPeerFound,
		Logger:   r.log,
		Metrics:  r.met,
		Now:      r.now,
	})

	r.ctx, r.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(r.ctx)
	r.group = g
	g.Go(func() error { return r.tr.Run(gctx, r.deliver) })
	g.Go(func() error { return r.disc.Listen(gctx) })
	g.Go(func() error { return r.disc.Publish(gctx) })
	g.Go(func() error { return r.every(gctx, r.cfg.Retransmit, r.coord.Tick) })
	g.Go(func() error { return r.every(gctx, r.cfg.MaintenanceInterval, r.maintain) })
	r.started = true
	r.log.Info("networking started", "name", r.Node.Name, "addr", declared.String(), "group", group.String())
	return nil
}

func (r *Runner) openSockets() (network.PacketConn, network.PacketConn, net.Addr, error) {
	data := r.opts.DataConn
	if data == nil {
		c, err := network.ListenData(r.cfg.BindIP, r.cfg.MinPort, r.cfg.MaxPort, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		data = c
	}
	if r.opts.MulticastConn != nil {
		group := r.opts.Group
		if group == nil {
			g, err := r.cfg.Group()
			if err != nil {
				_ = data.Close()
				return nil, nil, nil, err
			}
			group = g
		}
		return data, r.opts.MulticastConn, group, nil
	}
	ifi, err := network.InterfaceByName(r.cfg.Interface)
	if err != nil {
		_ = data.Close()
		return nil, nil, nil, err
	}
	mc, err := network.ListenMulticast(r.cfg.MulticastGroup, ifi)
	if err != nil {
		_ = data.Close()
		return nil, nil, nil, err
	}
	return data, mc, mc.Group(), nil
}

// declaredAddr is the data socket address peers are told to reach.
func (r *Runner) declaredAddr(data network.PacketConn) (proto.HostPort, error) {
	hp, err := proto.ParseHostPort(data.LocalAddr().String())
	if err != nil {
		return proto.HostPort{}, fmt.Errorf("%w: data socket address: %v", proto.ErrTransport, err)
	}
	switch {
	case r.cfg.AdvertiseIP != "":
		hp.IP = r.cfg.AdvertiseIP
	case net.ParseIP(hp.IP) == nil || net.ParseIP(hp.IP).IsUnspecified():
		hp.IP = network.LocalIPv4().String()
	}
	return hp, nil
}

func (r *Runner) every(ctx context.Context, d time.Duration, fn func(time.Time)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(r.now())
		}
	}
}

// maintain rotates expired keys and evicts silent peers.
func (r *Runner) maintain(now time.Time) {
	r.rotateIfExpired(now)
	for _, p := range r.reg.EvictStale(now, r.cfg.EvictTimeout) {
		r.met.AddEvictions(1)
		r.log.Info("peer evicted", "peer", p.Addr, "name", p.Name, "last_seen", p.LastSeen)
		r.disc.Forget(p.Addr)
		r.coord.Close(p.Addr, fmt.Errorf("%w: silent since %s", proto.ErrPeerTimeout, p.LastSeen.Format(time.RFC3339)), now)
	}
	r.met.SetPeers(r.reg.Len())
}

func (r *Runner) rotateIfExpired(now time.Time) {
	rotated, err := r.keys.RotateIfExpired(now)
	if err != nil {
		r.log.Error("key rotation failed", "err", err)
		return
	}
	if rotated {
		r.met.IncKeyRotation()
		r.log.Info("rotated session keys")
		r.coord.Reannounce(now)
	}
}

func (r *Runner) onPeerFound(addr, name string) {
	if err := r.coord.PeerFound(addr, name, r.now()); err != nil && !errors.Is(err, node.ErrBusy) {
		r.log.Warn("peer found", "peer", addr, "err", err)
	}
}

func (r *Runner) onSessionEvent(ev node.SessionEvent) {
	switch ev.Kind {
	case node.SessionActive:
		r.disc.SetSearching(false)
		r.push(Event{Kind: EventMatchStarted, Peer: ev.Session.Addr, Match: matchOf(ev.Session)})
	case node.SessionClosed:
		r.disc.Forget(ev.Session.Addr)
		r.disc.SetSearching(true)
		if ev.Session.ActiveAt.IsZero() {
			return
		}
		closeMsg, err := proto.NewMessage(proto.GameClose{}, r.now())
		if err != nil {
			r.log.Error("build game_close", "err", err)
		}
		r.push(Event{Kind: EventPeerLost, Peer: ev.Session.Addr, Message: closeMsg, Match: matchOf(ev.Session), Reason: ev.Reason})
	}
}

func (r *Runner) deliver(from string, msg proto.Message) {
	if err := r.router.Dispatch(from, msg); err != nil {
		r.met.IncDrop(proto.Reason(err))
		r.log.RateLimited("route:"+from, debuglog.LevelDebug, "message rejected", "peer", from, "type", msg.Type().String(), "err", err)
	}
}

// push queues ev for the game, waiting for room unless the runner is
// stopping.
func (r *Runner) push(ev Event) {
	select {
	case r.events <- ev:
		return
	default:
	}
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		r.met.IncDrop("event_queue")
	}
}

// Events is closed after Stop.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Send delivers a payload message to the current opponent.
func (r *Runner) Send(body proto.Body) error {
	r.mu.Lock()
	started, stopped := r.started, r.stopped
	r.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}
	if body == nil || body.Type().Channel() != proto.ChannelPayload {
		return fmt.Errorf("%w: only payload messages can be sent", proto.ErrProtocol)
	}
	s, ok := r.coord.Active()
	if !ok {
		return ErrNoMatch
	}
	r.rotateIfExpired(r.now())
	return r.tr.Send(s.Addr, body)
}

func (r *Runner) Match() (Match, bool) {
	r.mu.Lock()
	coord := r.coord
	r.mu.Unlock()
	if coord == nil {
		return Match{}, false
	}
	s, ok := coord.Active()
	if !ok {
		return Match{}, false
	}
	return matchOf(s), true
}

func (r *Runner) Peers() []peer.Peer {
	return r.reg.List()
}

// Addr is the declared data address, empty before Start.
func (r *Runner) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ""
	}
	return r.declared.String()
}

func (r *Runner) Metrics() *metrics.Metrics {
	return r.met
}

// Wait blocks until the loops exit and returns the first loop error.
func (r *Runner) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Stop tells the opponent the game is over, stops every loop, then closes
// the sockets. It is safe to call more than once.
func (r *Runner) Stop() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		started := r.started
		r.mu.Unlock()
		if !started {
			r.keys.Destroy()
			close(r.events)
			return
		}
		if s, ok := r.coord.Active(); ok {
			if err := r.tr.Send(s.Addr, proto.GameClose{}); err != nil {
				r.log.Warn("game_close not sent", "peer", s.Addr, "err", err)
			}
		}
		r.cancel()
		r.stopErr = r.group.Wait()
		r.coord.CloseAll(node.ErrShutdown, r.now())
		if err := r.data.Close(); err != nil && r.stopErr == nil {
			r.stopErr = err
		}
		if err := r.mcast.Close(); err != nil && r.stopErr == nil {
			r.stopErr = err
		}
		r.keys.Destroy()
		close(r.events)
		r.log.Info("networking stopped")
	})
	return r.stopErr
}

func matchOf(s node.SessionInfo) Match {
	return Match{
		SessionID: s.ID,
		Peer:      s.Addr,
		Opponent:  s.PeerName,
		Owner:     s.Owner,
		OwnerName: s.OwnerName,
		Since:     s.ActiveAt,
	}
}
