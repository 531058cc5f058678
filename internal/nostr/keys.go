package nostr

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"
)

const (
	hrpSecret = "nsec"
	hrpPublic = "npub"
)

// PublicKey is a BIP-340 x-only public key.
type PublicKey [32]byte

func (p PublicKey) Hex() string { return hex.EncodeToString(p[:]) }

func (p PublicKey) String() string { return p.Hex() }

func (p PublicKey) IsZero() bool { return p == PublicKey{} }

func (p PublicKey) Npub() (string, error) {
	return encodeBech32(hrpPublic, p[:])
}

func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.Hex()), nil
}

func (p *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p PublicKey) schnorrKey() (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(p[:])
}

// ParsePublicKey accepts 64 hex characters or an npub.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(s, hrpPublic+"1") {
		b, err := decodeBech32(hrpPublic, s)
		if err != nil {
			return p, err
		}
		raw = b
	} else {
		b, err := hex.DecodeString(s)
		if err != nil {
			return p, errors.Wrap(err, "invalid public key hex")
		}
		raw = b
	}
	if len(raw) != 32 {
		return p, errors.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return p, errors.Wrap(err, "invalid public key")
	}
	copy(p[:], raw)
	return p, nil
}

// Keys is a secp256k1 signing key with its x-only public key.
type Keys struct {
	secret *btcec.PrivateKey
	public PublicKey
}

func GenerateKeys() (Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return Keys{}, errors.Wrap(err, "generate key")
	}
	return keysFromPrivate(priv), nil
}

// ParseKeys accepts a 64 hex character secret key or an nsec.
func ParseKeys(s string) (Keys, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(s, hrpSecret+"1") {
		b, err := decodeBech32(hrpSecret, s)
		if err != nil {
			return Keys{}, err
		}
		raw = b
	} else {
		b, err := hex.DecodeString(s)
		if err != nil {
			return Keys{}, errors.Wrap(err, "invalid secret key hex")
		}
		raw = b
	}
	if len(raw) != 32 {
		return Keys{}, errors.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return Keys{}, errors.New("secret key is zero")
	}
	return keysFromPrivate(priv), nil
}

func keysFromPrivate(priv *btcec.PrivateKey) Keys {
	var pub PublicKey
	copy(pub[:], schnorr.SerializePubKey(priv.PubKey()))
	return Keys{secret: priv, public: pub}
}

func (k Keys) PublicKey() PublicKey { return k.public }

func (k Keys) SecretHex() string { return hex.EncodeToString(k.secret.Serialize()) }

func (k Keys) Nsec() (string, error) { return encodeBech32(hrpSecret, k.secret.Serialize()) }

func (k Keys) Valid() bool { return k.secret != nil }

func (k Keys) sign(hash [32]byte) (Signature, error) {
	var out Signature
	if k.secret == nil {
		return out, errors.New("keys not initialized")
	}
	sig, err := schnorr.Sign(k.secret, hash[:])
	if err != nil {
		return out, errors.Wrap(err, "schnorr sign")
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

// LoadOrGenerateKeys reads a hex secret key from path. When the file does
// not exist a new key is generated and written there together with a .pub
// file holding the public key.
func LoadOrGenerateKeys(path string) (Keys, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseKeys(string(data))
	}
	if !os.IsNotExist(err) {
		return Keys{}, errors.Wrapf(err, "read key file %s", path)
	}

	keys, err := GenerateKeys()
	if err != nil {
		return Keys{}, err
	}
	if err := WriteKeys(path, keys); err != nil {
		return Keys{}, err
	}
	return keys, nil
}

func WriteKeys(path string, keys Keys) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, "create key dir")
		}
	}
	if err := os.WriteFile(path, []byte(keys.SecretHex()), 0o600); err != nil {
		return errors.Wrapf(err, "write key file %s", path)
	}
	if err := os.WriteFile(path+".pub", []byte(keys.PublicKey().Hex()), 0o644); err != nil {
		return errors.Wrapf(err, "write public key file %s.pub", path)
	}
	return nil
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", errors.Wrap(err, "bech32 convert")
	}
	return bech32.Encode(hrp, conv)
}

func decodeBech32(wantHRP, s string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid bech32")
	}
	if hrp != wantHRP {
		return nil, errors.Errorf("expected %s prefix, got %s", wantHRP, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, errors.Wrap(err, "bech32 convert")
	}
	return raw, nil
}
