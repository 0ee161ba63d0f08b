package peer

import (
	"bytes"
	"container/list"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"pongnet/internal/proto"
)

const (
	DefaultCap      = 64
	DefaultKeyGrace = 10 * time.Second
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrRegistryFull = errors.New("peer registry full")
)

// Peer is a point-in-time copy of one registry entry.
type Peer struct {
	Addr string
	Name string

	// Declared keys come from announcements and are never used for crypto.
	DeclaredEncKey  [32]byte
	DeclaredSignKey ed25519.PublicKey
	HasDeclared     bool

	// Trusted keys come only from a verified init.
	EncKey      [32]byte
	SignKey     ed25519.PublicKey
	Trusted     bool
	KeyReceived time.Time

	LastSeen   time.Time
	Violations int
}

type Options struct {
	Cap          int
	PerHostCap   int
	ReplaySkew   time.Duration
	ReplayWindow int
	RateLimit    int
	RateWindow   time.Duration
	KeyGrace     time.Duration
}

type entry struct {
	peer        Peer
	prevEncKey  [32]byte
	prevExpires time.Time
	hasPrev     bool
	replay      *replayWindow
	rate        *slidingWindow
}

// Registry tracks every peer the node has heard from. The list is ordered
// by last activity, most recent at the front.
type Registry struct {
	mu    sync.Mutex
	opts  Options
	hot   map[string]*list.Element
	order *list.List
	hosts *hostLimiter
}

func NewRegistry(opts Options) *Registry {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.PerHostCap <= 0 {
		opts.PerHostCap = DefaultPerHostCap
	}
	if opts.ReplaySkew <= 0 {
		opts.ReplaySkew = DefaultReplaySkew
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = DefaultReplayWindow
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.KeyGrace <= 0 {
		opts.KeyGrace = DefaultKeyGrace
	}
	return &Registry{
		opts:  opts,
		hot:   make(map[string]*list.Element),
		order: list.New(),
		hosts: newHostLimiter(opts.PerHostCap),
	}
}

// Upsert records a peer heard through discovery or a first contact. Declared
// keys are stored as hints only. Activity from an unauthenticated source only
// refreshes peers whose keys are not yet trusted.
func (r *Registry) Upsert(addr, name string, encKey *[32]byte, signKey ed25519.PublicKey, now time.Time) error {
	if addr == "" {
		return fmt.Errorf("missing addr")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.getOrCreateLocked(addr, now)
	if err != nil {
		return err
	}
	if name != "" && !e.peer.Trusted {
		e.peer.Name = name
	}
	if encKey != nil && len(signKey) == ed25519.PublicKeySize {
		e.peer.DeclaredEncKey = *encKey
		e.peer.DeclaredSignKey = append(ed25519.PublicKey(nil), signKey...)
		e.peer.HasDeclared = true
	}
	if !e.peer.Trusted {
		r.touchLocked(addr, e, now)
	}
	return nil
}

// Endorser reports whether a key change is vouched for by trusted, the
// signing key currently held for the peer.
type Endorser func(trusted ed25519.PublicKey) bool

// TrustKeys installs keys from a verified init. Once a peer is trusted its
// keys only change when endorsed accepts the currently trusted signing key,
// and its name is fixed. On such a change the old encryption key stays usable
// for the grace period and rotated reports true.
func (r *Registry) TrustKeys(addr, name string, encKey [32]byte, signKey ed25519.PublicKey, endorsed Endorser, now time.Time) (rotated bool, err error) {
	if len(signKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: bad signing key", proto.ErrCryptoFailure)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.getOrCreateLocked(addr, now)
	if err != nil {
		return false, err
	}
	if e.peer.Trusted {
		if e.peer.EncKey == encKey && bytes.Equal(e.peer.SignKey, signKey) {
			r.touchLocked(addr, e, now)
			return false, nil
		}
		if endorsed == nil || !endorsed(e.peer.SignKey) {
			return false, fmt.Errorf("%w: key change for %s not endorsed by its trusted signing key", proto.ErrCryptoFailure, addr)
		}
		e.prevEncKey = e.peer.EncKey
		e.prevExpires = now.Add(r.opts.KeyGrace)
		e.hasPrev = true
		rotated = true
	} else if name != "" {
		e.peer.Name = name
	}
	e.peer.EncKey = encKey
	e.peer.SignKey = append(ed25519.PublicKey(nil), signKey...)
	e.peer.Trusted = true
	e.peer.KeyReceived = now
	r.touchLocked(addr, e, now)
	return rotated, nil
}

func (r *Registry) MarkSeen(addr string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.hot[addr]; ok {
		r.touchLocked(addr, el.Value.(*entry), now)
	}
}

// EvictStale removes peers silent for longer than timeout and returns them.
func (r *Registry) EvictStale(now time.Time, timeout time.Duration) []Peer {
	if timeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Peer
	for el := r.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if now.Sub(e.peer.LastSeen) > timeout {
			out = append(out, snapshot(e))
			r.removeLocked(e.peer.Addr, el)
		}
		el = prev
	}
	return out
}

func (r *Registry) Remove(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[addr]
	if !ok {
		return false
	}
	r.removeLocked(addr, el)
	return true
}

// CheckAndRecordNonce accepts a message only if its timestamp is within the
// skew, its nonce is unseen and it is newer than the evicted-nonce floor.
func (r *Registry) CheckAndRecordNonce(addr string, nonce [proto.NonceSize]byte, ts, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[addr]
	if !ok {
		return fmt.Errorf("%w: %w %s", proto.ErrReplay, ErrUnknownPeer, addr)
	}
	return el.Value.(*entry).replay.check(nonce, ts, now)
}

func (r *Registry) CheckRateLimit(addr string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[addr]
	if !ok {
		return fmt.Errorf("%w: %w %s", proto.ErrRateLimited, ErrUnknownPeer, addr)
	}
	e := el.Value.(*entry)
	err := e.rate.allow(now)
	e.peer.Violations = e.rate.violations
	return err
}

func (r *Registry) Get(addr string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[addr]
	if !ok {
		return Peer{}, false
	}
	return snapshot(el.Value.(*entry)), true
}

// List returns peers most recently seen first.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.hot))
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, snapshot(el.Value.(*entry)))
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hot)
}

// SealKey returns the trusted encryption key used to seal toward addr.
func (r *Registry) SealKey(addr string) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[addr]
	if !ok || !el.Value.(*entry).peer.Trusted {
		return [32]byte{}, fmt.Errorf("%w: no trusted key for %s", proto.ErrCryptoFailure, addr)
	}
	return el.Value.(*entry).peer.EncKey, nil
}

// OpenKeys returns the sender keys a packet from addr may be sealed under:
// the current trusted key and, within the grace period, the previous one.
func (r *Registry) OpenKeys(addr string, now time.Time) ([][32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[addr]
	if !ok || !el.Value.(*entry).peer.Trusted {
		return nil, fmt.Errorf("%w: no trusted key for %s", proto.ErrCryptoFailure, addr)
	}
	e := el.Value.(*entry)
	keys := [][32]byte{e.peer.EncKey}
	if e.hasPrev {
		if now.Before(e.prevExpires) {
			keys = append(keys, e.prevEncKey)
		} else {
			e.hasPrev = false
			e.prevEncKey = [32]byte{}
		}
	}
	return keys, nil
}

func (r *Registry) getOrCreateLocked(addr string, now time.Time) (*entry, error) {
	if el, ok := r.hot[addr]; ok {
		return el.Value.(*entry), nil
	}
	host := hostOf(addr)
	if r.hosts.full(host) && !r.evictUntrustedLocked(host) {
		return nil, fmt.Errorf("%w: host %s at cap", ErrRegistryFull, host)
	}
	if len(r.hot) >= r.opts.Cap && !r.evictUntrustedLocked("") {
		return nil, ErrRegistryFull
	}
	e := &entry{
		peer:   Peer{Addr: addr, LastSeen: now},
		replay: newReplayWindow(r.opts.ReplaySkew, r.opts.ReplayWindow),
		rate:   newSlidingWindow(r.opts.RateLimit, r.opts.RateWindow),
	}
	r.hot[addr] = r.order.PushFront(e)
	r.hosts.acquire(host)
	return e, nil
}

// evictUntrustedLocked drops the least recently seen untrusted entry,
// restricted to host when it is non-empty.
func (r *Registry) evictUntrustedLocked(host string) bool {
	for el := r.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.peer.Trusted {
			continue
		}
		if host != "" && hostOf(e.peer.Addr) != host {
			continue
		}
		r.removeLocked(e.peer.Addr, el)
		return true
	}
	return false
}

func (r *Registry) touchLocked(addr string, e *entry, now time.Time) {
	if now.After(e.peer.LastSeen) {
		e.peer.LastSeen = now
	}
	r.order.MoveToFront(r.hot[addr])
}

func (r *Registry) removeLocked(addr string, el *list.Element) {
	delete(r.hot, addr)
	r.order.Remove(el)
	r.hosts.release(hostOf(addr))
}

func snapshot(e *entry) Peer {
	p := e.peer
	p.DeclaredSignKey = append(ed25519.PublicKey(nil), e.peer.DeclaredSignKey...)
	p.SignKey = append(ed25519.PublicKey(nil), e.peer.SignKey...)
	return p
}
