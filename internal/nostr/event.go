package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"
)

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// EventID is the sha256 of an event's canonical serialization.
type EventID [32]byte

func ParseEventID(s string) (EventID, error) {
	var id EventID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "invalid event id hex")
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("event id must be 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id EventID) String() string { return hex.EncodeToString(id[:]) }

func (id EventID) IsZero() bool { return id == EventID{} }

func (id EventID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type Signature [64]byte

func (s Signature) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(s[:])), nil }

func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return errors.Wrap(err, "invalid signature hex")
	}
	if len(b) != len(s) {
		return fmt.Errorf("signature must be 64 bytes, got %d", len(b))
	}
	copy(s[:], b)
	return nil
}

type Tag []string

type Tags []Tag

// Value returns the first value of the first tag named name.
func (t Tags) Value(name string) (string, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

func (t Tags) Has(name, value string) bool {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

type Event struct {
	ID        EventID   `json:"id"`
	PubKey    PublicKey `json:"pubkey"`
	CreatedAt int64     `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       Signature `json:"sig"`
}

// NewEvent builds an unsigned event authored by keys.
func NewEvent(keys Keys, kind int, content string, tags Tags, createdAt time.Time) *Event {
	if tags == nil {
		tags = Tags{}
	}
	return &Event{
		PubKey:    keys.PublicKey(),
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

func (e *Event) Time() time.Time { return time.Unix(e.CreatedAt, 0) }

// Serialize returns the canonical [0,pubkey,created_at,kind,tags,content]
// array the id is computed over.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, e.PubKey.Hex()...)
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

func (e *Event) ComputeID() EventID {
	return sha256.Sum256(e.Serialize())
}

// Sign sets the id and signature.
func (e *Event) Sign(keys Keys) error {
	if e.PubKey != keys.PublicKey() {
		return errors.New("event pubkey does not match signing key")
	}
	e.ID = e.ComputeID()
	sig, err := keys.sign(e.ID)
	if err != nil {
		return err
	}
	e.Sig = sig
	return nil
}

func (e *Event) CheckID() bool {
	return e.ComputeID() == e.ID
}

// Verify checks both the id and the BIP-340 signature.
func (e *Event) Verify() error {
	if !e.CheckID() {
		return ErrInvalidID
	}
	pub, err := e.PubKey.schnorrKey()
	if err != nil {
		return errors.Wrap(err, "invalid event pubkey")
	}
	sig, err := schnorr.ParseSignature(e.Sig[:])
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if !sig.Verify(e.ID[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

func (e Event) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("event %s", e.ID)
	}
	return string(b)
}

// appendString writes s as a JSON string using the minimal escaping the
// canonical form requires.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf = append(buf, `�`...)
			} else {
				buf = append(buf, s[i:i+size]...)
			}
			i += size
			continue
		}
		switch c {
		case '"':
			buf = append(buf, `\"`...)
		case '\\':
			buf = append(buf, `\\`...)
		case '\n':
			buf = append(buf, `\n`...)
		case '\r':
			buf = append(buf, `\r`...)
		case '\t':
			buf = append(buf, `\t`...)
		case '\b':
			buf = append(buf, `\b`...)
		case '\f':
			buf = append(buf, `\f`...)
		default:
			if c < 0x20 {
				buf = append(buf, fmt.Sprintf(`\u%04x`, c)...)
			} else {
				buf = append(buf, c)
			}
		}
		i++
	}
	return append(buf, '"')
}
