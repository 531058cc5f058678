package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

func TestVerify_Valid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("vend one item")
	sig := ed25519.Sign(priv, msg)

	ok, err := Verify(pub, sig, msg)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerify_BitFlipsReturnFalse(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("vend one item")
	sig := ed25519.Sign(priv, msg)

	for _, idx := range []int{32, 40, 50, 62} {
		flipped := append([]byte(nil), sig...)
		flipped[idx] ^= 0x01
		ok, err := Verify(pub, flipped, msg)
		if err != nil {
			t.Fatalf("byte %d: unexpected error %v", idx, err)
		}
		if ok {
			t.Fatalf("byte %d: expected false", idx)
		}
	}

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0x80
	ok, err := Verify(pub, sig, tampered)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if ok {
		t.Fatalf("expected false for tampered message")
	}
}

func TestVerify_InvalidLengths(t *testing.T) {
	_, err := Verify([]byte{1, 2, 3}, make([]byte, 64), nil)
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}

	_, err = Verify(make([]byte, 32), make([]byte, 10), nil)
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestVerify_InvalidPoint(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sig := ed25519.Sign(priv, []byte("m"))

	// y = 2 is not the y-coordinate of any curve point.
	bad := make([]byte, 32)
	bad[0] = 2

	_, err = Verify(bad, sig, []byte("m"))
	if !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint for pubkey, got %v", err)
	}

	badSig := append([]byte(nil), sig...)
	copy(badSig[:32], bad)
	_, err = Verify(pub, badSig, []byte("m"))
	if !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint for R, got %v", err)
	}
	if errors.Is(err, ErrArithmeticFailure) {
		t.Fatalf("kinds must not match each other")
	}
}
