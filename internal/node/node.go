package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pongnet/internal/crypto"
	"pongnet/internal/proto"
)

// Node is the local identity: a display name bound to the ephemeral keys.
// Instance is random per process and outlives key rotations.
type Node struct {
	Name     string
	Instance [proto.InstanceSize]byte
	Keys     *KeyManager
}

func New(name string, keys *KeyManager) (*Node, error) {
	if keys == nil {
		return nil, errors.New("missing key manager")
	}
	if name == "" {
		name = RandomName()
	}
	if len(name) > proto.MaxNameLen {
		return nil, fmt.Errorf("name longer than %d bytes", proto.MaxNameLen)
	}
	n := &Node{Name: name, Keys: keys}
	if _, err := rand.Read(n.Instance[:]); err != nil {
		return nil, err
	}
	return n, nil
}

// RandomName returns a default display name such as "player_0421337".
func RandomName() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10_000_000))
	if err != nil {
		return "player_0000000"
	}
	return fmt.Sprintf("player_%07d", n.Int64())
}

// BuildInit returns a signed init carrying the current public keys. Keys and
// signature come from the same generation even if a rotation is racing.
// While the previous generation is inside its grace period it endorses the
// new keys, which lets peers that trusted it accept the rotation.
func (n *Node) BuildInit(now time.Time) (proto.Message, error) {
	n.Keys.mu.Lock()
	defer n.Keys.mu.Unlock()
	n.Keys.expirePrevLocked(now)
	g := n.Keys.cur
	body := proto.Init{
		Name:     n.Name,
		EncKey:   g.box.Public(),
		SignKey:  g.sign.Public(),
		Instance: n.Instance,
	}
	msg, err := proto.NewMessage(body, now)
	if err != nil {
		return proto.Message{}, err
	}
	sig, err := g.sign.Sign(proto.InitSigningInput(body, msg.Timestamp, msg.Nonce))
	if err != nil {
		return proto.Message{}, err
	}
	if prev := n.Keys.prev; prev != nil {
		endorsement, err := prev.sign.Sign(proto.InitEndorsementInput(body, msg.Timestamp, msg.Nonce))
		if err != nil {
			return proto.Message{}, err
		}
		body.Endorsement = endorsement
	}
	body.Signature = sig
	msg.Body = body
	return msg, nil
}

// VerifyInit checks that an init is signed by the signing key it declares.
func VerifyInit(msg proto.Message) (proto.Init, error) {
	body, ok := msg.Body.(proto.Init)
	if !ok {
		return proto.Init{}, fmt.Errorf("%w: not an init message", proto.ErrProtocol)
	}
	if !crypto.Verify(body.SignKey, proto.InitSigningInput(body, msg.Timestamp, msg.Nonce), body.Signature) {
		return proto.Init{}, fmt.Errorf("%w: init signature mismatch", proto.ErrCryptoFailure)
	}
	return body, nil
}

// Endorsed reports whether the init's keys are vouched for by trusted, the
// signing key the receiver already holds for the sender.
func Endorsed(msg proto.Message, trusted ed25519.PublicKey) bool {
	body, ok := msg.Body.(proto.Init)
	if !ok || len(body.Endorsement) == 0 {
		return false
	}
	return crypto.Verify(trusted, proto.InitEndorsementInput(body, msg.Timestamp, msg.Nonce), body.Endorsement)
}
