package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := GenerateBoxKeyPair()
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bob, err := GenerateBoxKeyPair()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}
	alicePriv, _ := alice.Private()
	bobPriv, _ := bob.Private()
	bobPub := bob.Public()
	alicePub := alice.Public()

	msg := []byte("pad_pos 120.5")
	nonce, ct, err := Seal(msg, &bobPub, alicePriv)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(ct) != len(msg)+BoxOverhead {
		t.Fatalf("unexpected ciphertext length %d", len(ct))
	}
	got, err := Open(ct, &nonce, &alicePub, bobPriv)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("plaintext mismatch")
	}
}

func TestOpenRejectsTamperAndWrongKey(t *testing.T) {
	alice, _ := GenerateBoxKeyPair()
	bob, _ := GenerateBoxKeyPair()
	eve, _ := GenerateBoxKeyPair()
	alicePriv, _ := alice.Private()
	bobPriv, _ := bob.Private()
	bobPub := bob.Public()
	alicePub := alice.Public()
	evePub := eve.Public()

	nonce, ct, err := Seal([]byte("score"), &bobPub, alicePriv)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := Open(tampered, &nonce, &alicePub, bobPriv); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected open failure on tamper, got %v", err)
	}
	if _, err := Open(ct, &nonce, &evePub, bobPriv); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected open failure with wrong sender key, got %v", err)
	}
	if _, err := Open(ct[:4], &nonce, &alicePub, bobPriv); err == nil {
		t.Fatalf("expected short ciphertext error")
	}
}

func TestDestroyWipesPrivate(t *testing.T) {
	k, err := GenerateBoxKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	priv, _ := k.Private()
	k.Destroy()
	if !bytes.Equal(priv[:], make([]byte, KeySize)) {
		t.Fatalf("expected private key wiped")
	}
	if _, err := k.Private(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected destroyed error, got %v", err)
	}

	s, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate signing: %v", err)
	}
	s.Destroy()
	if _, err := s.Sign([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected destroyed error, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	k, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, err := k.Sign([]byte("init"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(k.Public(), []byte("init"), sig) {
		t.Fatalf("expected valid signature")
	}
	if Verify(k.Public(), []byte("init!"), sig) {
		t.Fatalf("expected signature mismatch")
	}
	if Verify(k.Public()[:10], []byte("init"), sig) {
		t.Fatalf("expected short key rejection")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint([]byte("key"))
	if a != Fingerprint([]byte("key")) || len(a) != 16 {
		t.Fatalf("unexpected fingerprint %q", a)
	}
	if a == Fingerprint([]byte("other")) {
		t.Fatalf("expected distinct fingerprints")
	}
}
