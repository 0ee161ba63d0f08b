package node

import (
	"bytes"

	"pongnet/internal/proto"
)

// Contender is one side of an owner election. Instance is the per-process id
// from init, fixed for the whole session unlike the rotating keys.
type Contender struct {
	Name     string
	Instance [proto.InstanceSize]byte
}

// ElectOwner picks the game owner: the name that sorts first bytewise.
// Identical names fall back to the instance ids so both sides still agree.
// The result does not depend on argument order.
func ElectOwner(a, b Contender) Contender {
	switch c := bytes.Compare([]byte(a.Name), []byte(b.Name)); {
	case c < 0:
		return a
	case c > 0:
		return b
	}
	if bytes.Compare(a.Instance[:], b.Instance[:]) <= 0 {
		return a
	}
	return b
}

// IsOwner reports whether local wins the election against remote.
func IsOwner(local, remote Contender) bool {
	return ElectOwner(local, remote) == local
}
