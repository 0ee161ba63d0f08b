package peer

import (
	"fmt"
	"time"

	"pongnet/internal/proto"
)

const (
	DefaultReplaySkew   = 5 * time.Second
	DefaultReplayWindow = 2048
)

// replayWindow remembers the most recent nonces of one peer in arrival order.
// Once a nonce falls out of the set its timestamp raises the floor, so a
// replay of anything that old is still rejected without keeping the nonce.
type replayWindow struct {
	skew  time.Duration
	seen  map[[proto.NonceSize]byte]time.Time
	ring  [][proto.NonceSize]byte
	head  int
	floor time.Time
}

func newReplayWindow(skew time.Duration, size int) *replayWindow {
	if skew <= 0 {
		skew = DefaultReplaySkew
	}
	if size <= 0 {
		size = DefaultReplayWindow
	}
	return &replayWindow{
		skew: skew,
		seen: make(map[[proto.NonceSize]byte]time.Time, size),
		ring: make([][proto.NonceSize]byte, 0, size),
	}
}

func (w *replayWindow) check(nonce [proto.NonceSize]byte, ts, now time.Time) error {
	if ts.Before(now.Add(-w.skew)) || ts.After(now.Add(w.skew)) {
		return fmt.Errorf("%w: timestamp %s outside skew %s", proto.ErrReplay, ts.Sub(now), w.skew)
	}
	if _, ok := w.seen[nonce]; ok {
		return fmt.Errorf("%w: duplicate nonce", proto.ErrReplay)
	}
	if !w.floor.IsZero() && !ts.After(w.floor) {
		return fmt.Errorf("%w: timestamp at or below window floor", proto.ErrReplay)
	}
	w.record(nonce, ts)
	return nil
}

func (w *replayWindow) record(nonce [proto.NonceSize]byte, ts time.Time) {
	w.seen[nonce] = ts
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, nonce)
		return
	}
	old := w.ring[w.head]
	if oldTS, ok := w.seen[old]; ok {
		if oldTS.After(w.floor) {
			w.floor = oldTS
		}
		delete(w.seen, old)
	}
	w.ring[w.head] = nonce
	w.head = (w.head + 1) % len(w.ring)
}

func (w *replayWindow) len() int {
	return len(w.seen)
}
