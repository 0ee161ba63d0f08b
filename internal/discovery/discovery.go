// Package discovery announces this node on the LAN multicast group and turns
// other nodes' announcements into registry entries and peer-found callbacks.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"pongnet/internal/debuglog"
	"pongnet/internal/metrics"
	"pongnet/internal/network"
	"pongnet/internal/node"
	"pongnet/internal/peer"
	"pongnet/internal/proto"
)

const (
	DefaultInterval      = 2 * time.Second
	DefaultMatchedFactor = 5
)

var errSelf = errors.New("own announcement")

type Options struct {
	Tag           string
	Interval      time.Duration
	MatchedFactor int
	// OnPeer runs once per new candidate while searching.
	OnPeer  func(addr, name string)
	Logger  *debuglog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service runs the publisher and listener on one multicast conn.
type Service struct {
	conn  network.PacketConn
	group net.Addr
	self  proto.HostPort
	node  *node.Node
	reg   *peer.Registry
	pool  *peer.CandidatePool
	opts  Options
	log   *debuglog.Logger

	searching atomic.Bool
	wake      chan struct{}
}

// New builds a service announcing self (the data socket's declared address)
// to group.
func New(conn network.PacketConn, group net.Addr, self proto.HostPort, n *node.Node, reg *peer.Registry, opts Options) *Service {
	if opts.Tag == "" {
		opts.Tag = proto.DefaultAnnounceType
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MatchedFactor <= 0 {
		opts.MatchedFactor = DefaultMatchedFactor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		conn:  conn,
		group: group,
		self:  self,
		node:  n,
		reg:   reg,
		pool:  peer.NewCandidatePool(0, 0),
		opts:  opts,
		log:   opts.Logger,
		wake:  make(chan struct{}, 1),
	}
	s.searching.Store(true)
	return s
}

// SetSearching switches between full-rate announcing and the reduced rate
// used while matched. Resuming the search announces immediately.
func (s *Service) SetSearching(on bool) {
	if s.searching.Swap(on) == on || !on {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) Searching() bool {
	return s.searching.Load()
}

// Forget drops addr from the candidate pool so its next announcement raises
// a fresh peer-found callback.
func (s *Service) Forget(addr string) {
	s.pool.Remove(addr)
}

func (s *Service) interval() time.Duration {
	if s.searching.Load() {
		return s.opts.Interval
	}
	return s.opts.Interval * time.Duration(s.opts.MatchedFactor)
}

// Announcement builds the record for our current keys.
func (s *Service) Announcement() proto.Announcement {
	ks := s.node.Keys.CurrentKeys()
	return proto.NewAnnouncement(s.self, s.node.Name, ks.EncPub, ks.SignPub, s.opts.Tag)
}

// AnnounceOnce sends a single announcement to the group.
func (s *Service) AnnounceOnce() error {
	data, err := proto.EncodeAnnouncement(s.Announcement())
	if err != nil {
		return err
	}
	if _, err := s.conn.WritePacket(data, s.group); err != nil {
		return fmt.Errorf("%w: announce: %v", proto.ErrTransport, err)
	}
	s.opts.Metrics.IncAnnouncementSent()
	return nil
}

// Publish announces until ctx is done.
func (s *Service) Publish(ctx context.Context) error {
	for {
		if err := s.AnnounceOnce(); err != nil {
			s.log.RateLimited("announce", debuglog.LevelWarn, "announcement failed", "err", err)
		}
		t := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Listen reads announcements until ctx is done. Transient read errors are
// retried with backoff; only a run of network.MaxReadFailures ends it.
func (s *Service) Listen(ctx context.Context) error {
	buf := make([]byte, proto.MaxAnnouncementSize+1)
	failures := 0
	for {
		n, src, err := s.conn.ReadPacket(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			if failures >= network.MaxReadFailures {
				return fmt.Errorf("%w: %d consecutive multicast read failures: %v", proto.ErrTransport, failures, err)
			}
			s.log.RateLimited("multicast-read", debuglog.LevelWarn, "multicast read failed", "err", err)
			if !network.BackoffRetry(ctx, failures) {
				return nil
			}
			continue
		}
		failures = 0
		if err := s.HandleAnnouncement(buf[:n], s.opts.Now()); err != nil && !errors.Is(err, errSelf) {
			s.log.RateLimited("announce-drop:"+addrOf(src), debuglog.LevelDebug, "ignored announcement", "src", addrOf(src), "err", err)
		}
	}
}

// HandleAnnouncement validates one datagram from the group and records the
// announcing peer.
func (s *Service) HandleAnnouncement(data []byte, now time.Time) error {
	a, err := proto.DecodeAnnouncement(data)
	if err != nil {
		return err
	}
	if a.Type != s.opts.Tag {
		return fmt.Errorf("%w: foreign tag %q", proto.ErrProtocol, a.Type)
	}
	enc, sign, err := a.Keys()
	if err != nil {
		return err
	}
	if a.Addr == s.self || bytes.Equal(sign, s.node.Keys.CurrentKeys().SignPub) {
		return errSelf
	}
	addr := a.Addr.String()
	if err := s.reg.Upsert(addr, a.Name, &enc, sign, now); err != nil {
		return err
	}
	s.opts.Metrics.IncAnnouncementReceived()
	s.opts.Metrics.SetPeers(s.reg.Len())
	if !s.searching.Load() {
		return nil
	}
	if s.pool.Add(addr, now) {
		s.log.Debug("candidate discovered", "peer", addr, "name", a.Name)
		if s.opts.OnPeer != nil {
			s.opts.OnPeer(addr, a.Name)
		}
	}
	return nil
}

func addrOf(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
