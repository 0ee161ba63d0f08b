package node

import (
	"crypto/ed25519"
	"sync"
	"time"

	"pongnet/internal/crypto"
)

const (
	DefaultKeyLifetime = 60 * time.Second
	DefaultKeyGrace    = 10 * time.Second
)

// KeySet is a copy of the active keys. Callers that hold private halves
// should crypto.Wipe them when done.
type KeySet struct {
	EncPub    [32]byte
	EncPriv   [32]byte
	SignPub   ed25519.PublicKey
	SignPriv  ed25519.PrivateKey
	CreatedAt time.Time
	ExpiresAt time.Time
}

type keyGen struct {
	box       *crypto.BoxKeyPair
	sign      *crypto.SigningKeyPair
	createdAt time.Time
}

func newKeyGen(now time.Time) (*keyGen, error) {
	box, err := crypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, err
	}
	sign, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		box.Destroy()
		return nil, err
	}
	return &keyGen{box: box, sign: sign, createdAt: now}, nil
}

func (g *keyGen) destroy() {
	g.box.Destroy()
	g.sign.Destroy()
}

// KeyManager owns the ephemeral encryption and signing keypairs. There is
// exactly one current generation; the previous one stays usable for
// decryption until its grace period ends and is then wiped.
type KeyManager struct {
	mu        sync.Mutex
	lifetime  time.Duration
	grace     time.Duration
	cur       *keyGen
	prev      *keyGen
	prevUntil time.Time
}

func NewKeyManager(lifetime, grace time.Duration, now time.Time) (*KeyManager, error) {
	if lifetime <= 0 {
		lifetime = DefaultKeyLifetime
	}
	if grace < 0 {
		grace = 0
	}
	g, err := newKeyGen(now)
	if err != nil {
		return nil, err
	}
	return &KeyManager{lifetime: lifetime, grace: grace, cur: g}, nil
}

func (k *KeyManager) CurrentKeys() KeySet {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.keySetLocked()
}

func (k *KeyManager) keySetLocked() KeySet {
	ks := KeySet{
		EncPub:    k.cur.box.Public(),
		SignPub:   k.cur.sign.Public(),
		CreatedAt: k.cur.createdAt,
		ExpiresAt: k.cur.createdAt.Add(k.lifetime),
	}
	if priv, err := k.cur.box.Private(); err == nil {
		ks.EncPriv = *priv
	}
	if priv, err := k.cur.sign.PrivateCopy(); err == nil {
		ks.SignPriv = priv
	}
	return ks
}

// RotateIfExpired replaces the current generation once its age exceeds the
// lifetime. A true result means the new public keys must be re-announced.
func (k *KeyManager) RotateIfExpired(now time.Time) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.expirePrevLocked(now)
	if now.Sub(k.cur.createdAt) <= k.lifetime {
		return false, nil
	}
	if err := k.rotateLocked(now); err != nil {
		return false, err
	}
	return true, nil
}

// Rotate forces a new generation regardless of age.
func (k *KeyManager) Rotate(now time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.expirePrevLocked(now)
	return k.rotateLocked(now)
}

func (k *KeyManager) rotateLocked(now time.Time) error {
	g, err := newKeyGen(now)
	if err != nil {
		return err
	}
	if k.prev != nil {
		k.prev.destroy()
	}
	k.prev = k.cur
	k.prevUntil = now.Add(k.grace)
	k.cur = g
	return nil
}

// OpenKeys returns copies of the private encryption keys that may still
// decrypt inbound packets, current first.
func (k *KeyManager) OpenKeys(now time.Time) [][32]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.expirePrevLocked(now)
	out := make([][32]byte, 0, 2)
	if priv, err := k.cur.box.Private(); err == nil {
		out = append(out, *priv)
	}
	if k.prev != nil {
		if priv, err := k.prev.box.Private(); err == nil {
			out = append(out, *priv)
		}
	}
	return out
}

// SealKey returns a copy of the current private encryption key.
func (k *KeyManager) SealKey() ([32]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	priv, err := k.cur.box.Private()
	if err != nil {
		return [32]byte{}, err
	}
	return *priv, nil
}

func (k *KeyManager) expirePrevLocked(now time.Time) {
	if k.prev != nil && !now.Before(k.prevUntil) {
		k.prev.destroy()
		k.prev = nil
	}
}

// Destroy wipes every private key. The manager is unusable afterwards.
func (k *KeyManager) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.prev != nil {
		k.prev.destroy()
		k.prev = nil
	}
	k.cur.destroy()
}
