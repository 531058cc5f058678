package model

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"vending-controller/internal/nostr"
)

type Status int

const (
	StatusAvailable Status = iota + 1
	StatusWorking
)

var statusNames = map[Status]string{
	StatusAvailable: "Available",
	StatusWorking:   "Working",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, errors.Errorf("unknown status %d", int(s))
	}
	return []byte(name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Reason int

const (
	ReasonUserRequest Reason = iota + 1
	ReasonAdminRequest
	ReasonUserBehaviour
	ReasonReset
	ReasonLockFailed
)

var reasonNames = map[Reason]string{
	ReasonUserRequest:   "UserRequest",
	ReasonAdminRequest:  "AdminRequest",
	ReasonUserBehaviour: "UserBehaviour",
	ReasonReset:         "Reset",
	ReasonLockFailed:    "LockFailed",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

func ParseReason(name string) (Reason, error) {
	for r, n := range reasonNames {
		if n == name {
			return r, nil
		}
	}
	return 0, errors.Errorf("unknown reason %q", name)
}

func (r Reason) MarshalText() ([]byte, error) {
	name, ok := reasonNames[r]
	if !ok {
		return nil, errors.Errorf("unknown reason %d", int(r))
	}
	return []byte(name), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

const (
	tagRequest = "Request"
	tagStatus  = "Status"
)

// Message is the content of every application event: either a Request or a
// StatusUpdate.
type Message interface {
	json.Marshaler
	isMessage()
}

// Request asks a machine's controller to move it to ToStatus.
type Request struct {
	ToStatus       Status        `json:"to_status"`
	Reason         Reason        `json:"reason"`
	InitialRequest nostr.EventID `json:"initial_request"`
	Payload        string        `json:"payload"`
}

// StatusUpdate announces a machine's new status. InitialRequest is the id of
// the request event that caused it.
type StatusUpdate struct {
	Status         Status        `json:"status"`
	Reason         Reason        `json:"reason"`
	InitialRequest nostr.EventID `json:"initial_request"`
	Payload        string        `json:"payload"`
}

func (Request) isMessage()      {}
func (StatusUpdate) isMessage() {}

type requestBody Request
type statusBody StatusUpdate

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]requestBody{tagRequest: requestBody(r)})
}

func (s StatusUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]statusBody{tagStatus: statusBody(s)})
}

// DecodeMessage parses externally tagged event content.
func DecodeMessage(content string) (Message, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &outer); err != nil {
		return nil, errors.Wrap(err, "message is not a JSON object")
	}
	if len(outer) != 1 {
		return nil, errors.Errorf("message must have exactly one variant, got %d", len(outer))
	}

	for tag, body := range outer {
		switch tag {
		case tagRequest:
			var fields struct {
				ToStatus       *Status        `json:"to_status"`
				Reason         *Reason        `json:"reason"`
				InitialRequest *nostr.EventID `json:"initial_request"`
				Payload        *string        `json:"payload"`
			}
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, errors.Wrap(err, "invalid Request")
			}
			if fields.ToStatus == nil || fields.Reason == nil || fields.InitialRequest == nil || fields.Payload == nil {
				return nil, errors.New("Request is missing a field")
			}
			return Request{
				ToStatus:       *fields.ToStatus,
				Reason:         *fields.Reason,
				InitialRequest: *fields.InitialRequest,
				Payload:        *fields.Payload,
			}, nil
		case tagStatus:
			var fields struct {
				Status         *Status        `json:"status"`
				Reason         *Reason        `json:"reason"`
				InitialRequest *nostr.EventID `json:"initial_request"`
				Payload        *string        `json:"payload"`
			}
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, errors.Wrap(err, "invalid Status")
			}
			if fields.Status == nil || fields.Reason == nil || fields.InitialRequest == nil || fields.Payload == nil {
				return nil, errors.New("Status is missing a field")
			}
			return StatusUpdate{
				Status:         *fields.Status,
				Reason:         *fields.Reason,
				InitialRequest: *fields.InitialRequest,
				Payload:        *fields.Payload,
			}, nil
		default:
			return nil, errors.Errorf("unknown message variant %q", tag)
		}
	}
	return nil, errors.New("empty message")
}

func EncodeMessage(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
