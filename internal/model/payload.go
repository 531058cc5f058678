package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// SessionPayload is carried as a JSON string in Request and Status payloads.
// User is the base58 ledger address and RecoverInfo the JSON encoded
// signed authorization.
type SessionPayload struct {
	User        string `json:"user"`
	Nonce       uint64 `json:"nonce"`
	RecoverInfo string `json:"recover_info"`
}

func ParseSessionPayload(s string) (SessionPayload, error) {
	var fields struct {
		User        *string `json:"user"`
		Nonce       *uint64 `json:"nonce"`
		RecoverInfo *string `json:"recover_info"`
	}
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return SessionPayload{}, errors.Wrap(err, "parse session payload")
	}
	if fields.User == nil || fields.Nonce == nil || fields.RecoverInfo == nil {
		return SessionPayload{}, errors.New("session payload is missing a field")
	}
	return SessionPayload{User: *fields.User, Nonce: *fields.Nonce, RecoverInfo: *fields.RecoverInfo}, nil
}

func (p SessionPayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
