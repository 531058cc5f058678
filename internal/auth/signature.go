package auth

import (
	"bytes"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	PublicKeySize = 32
	SignatureSize = 64
)

type VerificationErrorKind int

const (
	InvalidLength VerificationErrorKind = iota + 1
	InvalidPoint
	ArithmeticFailure
)

func (k VerificationErrorKind) String() string {
	switch k {
	case InvalidLength:
		return "invalid length"
	case InvalidPoint:
		return "invalid point"
	case ArithmeticFailure:
		return "arithmetic failure"
	default:
		return fmt.Sprintf("verification error %d", int(k))
	}
}

// VerificationError reports that a signature could not be checked at all.
// A signature that was checked and did not match is not an error.
type VerificationError struct {
	Kind   VerificationErrorKind
	Detail string
}

var (
	ErrInvalidLength     = &VerificationError{Kind: InvalidLength}
	ErrInvalidPoint      = &VerificationError{Kind: InvalidPoint}
	ErrArithmeticFailure = &VerificationError{Kind: ArithmeticFailure}
)

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "signature verification: " + e.Kind.String()
	}
	return "signature verification: " + e.Kind.String() + ": " + e.Detail
}

// Is matches any VerificationError of the same kind.
func (e *VerificationError) Is(target error) bool {
	t, ok := target.(*VerificationError)
	return ok && t.Kind == e.Kind
}

func verificationError(kind VerificationErrorKind, detail string) error {
	return &VerificationError{Kind: kind, Detail: detail}
}

// Verify checks an ed25519 signature with the same arithmetic the ledger
// program runs on-chain: S is reduced mod l, H is a wide reduction of
// SHA-512(R || A || M), and S·B − H·A must encode to exactly R.
func Verify(pubkey, signature, message []byte) (bool, error) {
	if len(pubkey) != PublicKeySize {
		return false, verificationError(InvalidLength, fmt.Sprintf("public key has %d bytes", len(pubkey)))
	}
	if len(signature) != SignatureSize {
		return false, verificationError(InvalidLength, fmt.Sprintf("signature has %d bytes", len(signature)))
	}

	a, err := new(edwards25519.Point).SetBytes(pubkey)
	if err != nil {
		return false, verificationError(InvalidPoint, "pubkey is not a valid Edwards point")
	}
	rBytes := signature[:32]
	if _, err := new(edwards25519.Point).SetBytes(rBytes); err != nil {
		return false, verificationError(InvalidPoint, "signature R is not a valid Edwards point")
	}

	s, err := reduceScalar(signature[32:])
	if err != nil {
		return false, verificationError(ArithmeticFailure, "failed to reduce S")
	}

	hasher := sha512.New()
	hasher.Write(rBytes)
	hasher.Write(pubkey)
	hasher.Write(message)
	h, err := new(edwards25519.Scalar).SetUniformBytes(hasher.Sum(nil))
	if err != nil {
		return false, verificationError(ArithmeticFailure, "failed to reduce H")
	}

	sb := new(edwards25519.Point).ScalarBaseMult(s)
	ha := new(edwards25519.Point).ScalarMult(h, a)
	rPrime := new(edwards25519.Point).Subtract(sb, ha)

	return bytes.Equal(rPrime.Bytes(), rBytes), nil
}

// reduceScalar reduces a 32-byte little-endian value mod l.
func reduceScalar(b []byte) (*edwards25519.Scalar, error) {
	var wide [64]byte
	copy(wide[:], b)
	return new(edwards25519.Scalar).SetUniformBytes(wide[:])
}
