package auth

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SignMessagePrefix is prepended to every digest a user signs.
const SignMessagePrefix = "DePHY vending machine/Example:\n"

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrSignatureExpired  = errors.New("signature expired")
)

// RecoverInfo is a user's signed authorization to spend from their vault.
type RecoverInfo struct {
	Signature [64]byte
	Payload   [64]byte
	Deadline  int64
}

type recoverInfoWire struct {
	Signature []int           `json:"signature"`
	Payload   []int           `json:"payload"`
	Deadline  json.RawMessage `json:"deadline"`
}

func (ri RecoverInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Signature []int `json:"signature"`
		Payload   []int `json:"payload"`
		Deadline  int64 `json:"deadline"`
	}{
		Signature: bytesToInts(ri.Signature[:]),
		Payload:   bytesToInts(ri.Payload[:]),
		Deadline:  ri.Deadline,
	})
}

func (ri *RecoverInfo) UnmarshalJSON(data []byte) error {
	var wire recoverInfoWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if err := intsToBytes(ri.Signature[:], wire.Signature, "signature"); err != nil {
		return err
	}
	if err := intsToBytes(ri.Payload[:], wire.Payload, "payload"); err != nil {
		return err
	}
	deadline, err := parseDeadline(wire.Deadline)
	if err != nil {
		return err
	}
	ri.Deadline = deadline
	return nil
}

// ParseRecoverInfo decodes the JSON carried in a session payload.
func ParseRecoverInfo(s string) (RecoverInfo, error) {
	var ri RecoverInfo
	if err := json.Unmarshal([]byte(s), &ri); err != nil {
		return RecoverInfo{}, errors.Wrap(err, "parse recover_info")
	}
	return ri, nil
}

func (ri RecoverInfo) Encode() (string, error) {
	b, err := json.Marshal(ri)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Digest builds the exact message a user signs for a payload, nonce and
// deadline.
func Digest(payload [64]byte, nonce uint64, deadline int64) []byte {
	msg := make([]byte, 0, 80)
	msg = append(msg, payload[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, nonce)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(deadline))
	hash := crypto.Keccak256(msg)

	out := make([]byte, 0, len(SignMessagePrefix)+44)
	out = append(out, SignMessagePrefix...)
	out = append(out, base58.Encode(hash)...)
	return out
}

// Check verifies ri against the user's ed25519 key and the on-ledger nonce.
// A deadline equal to now is still valid.
func (ri RecoverInfo) Check(user []byte, nonce uint64, now time.Time) error {
	ok, err := Verify(user, ri.Signature[:], Digest(ri.Payload, nonce, ri.Deadline))
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignatureMismatch
	}
	if now.Unix() > ri.Deadline {
		return ErrSignatureExpired
	}
	return nil
}

func SignRecoverInfo(priv ed25519.PrivateKey, payload [64]byte, nonce uint64, deadline int64) RecoverInfo {
	ri := RecoverInfo{Payload: payload, Deadline: deadline}
	copy(ri.Signature[:], ed25519.Sign(priv, Digest(payload, nonce, deadline)))
	return ri
}

// NewPayload returns 64 random bytes built from four v4 UUIDs.
func NewPayload() [64]byte {
	var p [64]byte
	for i := 0; i < 4; i++ {
		id := uuid.New()
		copy(p[i*16:], id[:])
	}
	return p
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func intsToBytes(dst []byte, src []int, field string) error {
	if len(src) != len(dst) {
		return errors.Errorf("%s must have %d bytes, got %d", field, len(dst), len(src))
	}
	for i, v := range src {
		if v < 0 || v > 255 {
			return errors.Errorf("%s[%d] out of byte range: %d", field, i, v)
		}
		dst[i] = byte(v)
	}
	return nil
}

// parseDeadline accepts a JSON number or a hex string such as the one
// produced by BN.toJSON.
func parseDeadline(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing deadline")
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.Errorf("invalid deadline %s", string(raw))
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid deadline %q", s)
	}
	return n, nil
}
