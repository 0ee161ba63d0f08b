package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// pongnet crypto suite
//
// - X25519 + XSalsa20-Poly1305 (NaCl box) for packet encryption
// - Ed25519 for signed init messages
// - SHA3-256 only for display fingerprints
// -----------------------------------------------------------------------------

const (
	KeySize       = 32
	BoxNonceSize  = 24
	BoxOverhead   = box.Overhead
	SignatureSize = ed25519.SignatureSize
)

var (
	ErrOpenFailed = errors.New("box open failed")
	ErrDestroyed  = errors.New("key destroyed")
)

// -----------------------------------------------------------------------------
// NaCl box
// -----------------------------------------------------------------------------

// Seal encrypts plaintext for peerPub with a fresh random nonce. The nonce is
// returned separately so callers decide where it travels.
func Seal(plaintext []byte, peerPub, priv *[KeySize]byte) (nonce [BoxNonceSize]byte, ciphertext []byte, err error) {
	if peerPub == nil || priv == nil {
		return nonce, nil, errors.New("empty key material")
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, err
	}
	return nonce, box.Seal(nil, plaintext, &nonce, peerPub, priv), nil
}

func Open(ciphertext []byte, nonce *[BoxNonceSize]byte, peerPub, priv *[KeySize]byte) ([]byte, error) {
	if peerPub == nil || priv == nil || nonce == nil {
		return nil, errors.New("empty key material")
	}
	if len(ciphertext) < BoxOverhead {
		return nil, fmt.Errorf("ciphertext too short: %d", len(ciphertext))
	}
	out, ok := box.Open(nil, ciphertext, nonce, peerPub, priv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Box keypair
// -----------------------------------------------------------------------------

type BoxKeyPair struct {
	pub       [KeySize]byte
	priv      [KeySize]byte
	destroyed bool
}

func (k *BoxKeyPair) String() string {
	return "BoxKeyPair{REDACTED}"
}

func (k *BoxKeyPair) GoString() string {
	return "crypto.BoxKeyPair{REDACTED}"
}

func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	k := &BoxKeyPair{pub: *pub, priv: *priv}
	Wipe(priv[:])
	return k, nil
}

func (k *BoxKeyPair) Public() [KeySize]byte {
	return k.pub
}

// Private returns a pointer into the keypair; it is only valid until Destroy.
func (k *BoxKeyPair) Private() (*[KeySize]byte, error) {
	if k == nil || k.destroyed {
		return nil, ErrDestroyed
	}
	return &k.priv, nil
}

func (k *BoxKeyPair) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	Wipe(k.priv[:])
	k.destroyed = true
}

// -----------------------------------------------------------------------------
// Ed25519
// -----------------------------------------------------------------------------

type SigningKeyPair struct {
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
	destroyed bool
}

func (k *SigningKeyPair) String() string {
	return "SigningKeyPair{REDACTED}"
}

func (k *SigningKeyPair) GoString() string {
	return "crypto.SigningKeyPair{REDACTED}"
}

func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{pub: pub, priv: priv}, nil
}

func (k *SigningKeyPair) Public() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(k.pub))
	copy(out, k.pub)
	return out
}

func (k *SigningKeyPair) Sign(msg []byte) ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, ErrDestroyed
	}
	return ed25519.Sign(k.priv, msg), nil
}

// PrivateCopy hands out a copy so callers can wipe it independently.
func (k *SigningKeyPair) PrivateCopy() (ed25519.PrivateKey, error) {
	if k == nil || k.destroyed {
		return nil, ErrDestroyed
	}
	out := make(ed25519.PrivateKey, len(k.priv))
	copy(out, k.priv)
	return out, nil
}

func (k *SigningKeyPair) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	Wipe(k.priv)
	k.priv = nil
	k.destroyed = true
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// Fingerprint is a short SHA3-256 prefix of a public key for logs.
func Fingerprint(pub []byte) string {
	sum := sha3.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Wipe zeroes b. Best effort only.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
