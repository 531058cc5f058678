package nostr

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelClosed = "CLOSED"
	labelNotice = "NOTICE"
)

// ClientMessage is sent from a client to a relay.
type ClientMessage interface {
	json.Marshaler
	clientMessage()
}

// RelayMessage is sent from a relay to a client.
type RelayMessage interface {
	json.Marshaler
	relayMessage()
}

type PublishMessage struct {
	Event Event
}

type ReqMessage struct {
	SubscriptionID string
	Filters        []Filter
}

type CloseMessage struct {
	SubscriptionID string
}

type EventMessage struct {
	SubscriptionID string
	Event          Event
}

type OKMessage struct {
	EventID  EventID
	Accepted bool
	Message  string
}

type EOSEMessage struct {
	SubscriptionID string
}

type ClosedMessage struct {
	SubscriptionID string
	Message        string
}

type NoticeMessage struct {
	Message string
}

func (PublishMessage) clientMessage() {}
func (ReqMessage) clientMessage()     {}
func (CloseMessage) clientMessage()   {}

func (EventMessage) relayMessage()  {}
func (OKMessage) relayMessage()     {}
func (EOSEMessage) relayMessage()   {}
func (ClosedMessage) relayMessage() {}
func (NoticeMessage) relayMessage() {}

func (m PublishMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelEvent, m.Event})
}

func (m ReqMessage) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, 2+len(m.Filters))
	arr = append(arr, labelReq, m.SubscriptionID)
	for _, f := range m.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func (m CloseMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelClose, m.SubscriptionID})
}

func (m EventMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelEvent, m.SubscriptionID, m.Event})
}

func (m OKMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelOK, m.EventID, m.Accepted, m.Message})
}

func (m EOSEMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelEOSE, m.SubscriptionID})
}

func (m ClosedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelClosed, m.SubscriptionID, m.Message})
}

func (m NoticeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{labelNotice, m.Message})
}

func splitEnvelope(data []byte) (string, []json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", nil, errors.Wrap(err, "envelope is not a JSON array")
	}
	if len(arr) == 0 {
		return "", nil, errors.New("empty envelope")
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return "", nil, errors.New("invalid envelope label")
	}
	return label, arr[1:], nil
}

func wantArgs(label string, args []json.RawMessage, n int) error {
	if len(args) < n {
		return fmt.Errorf("%s envelope needs %d elements, got %d", label, n, len(args))
	}
	return nil
}

func ParseClientMessage(data []byte) (ClientMessage, error) {
	label, args, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch label {
	case labelEvent:
		if err := wantArgs(label, args, 1); err != nil {
			return nil, err
		}
		var m PublishMessage
		if err := json.Unmarshal(args[0], &m.Event); err != nil {
			return nil, errors.Wrap(err, "invalid event")
		}
		return m, nil
	case labelReq:
		if err := wantArgs(label, args, 1); err != nil {
			return nil, err
		}
		var m ReqMessage
		if err := json.Unmarshal(args[0], &m.SubscriptionID); err != nil {
			return nil, errors.New("invalid subscription id")
		}
		for _, raw := range args[1:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, errors.Wrap(err, "invalid filter")
			}
			m.Filters = append(m.Filters, f)
		}
		return m, nil
	case labelClose:
		if err := wantArgs(label, args, 1); err != nil {
			return nil, err
		}
		var m CloseMessage
		if err := json.Unmarshal(args[0], &m.SubscriptionID); err != nil {
			return nil, errors.New("invalid subscription id")
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown client message %q", label)
	}
}

func ParseRelayMessage(data []byte) (RelayMessage, error) {
	label, args, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch label {
	case labelEvent:
		if err := wantArgs(label, args, 2); err != nil {
			return nil, err
		}
		var m EventMessage
		if err := json.Unmarshal(args[0], &m.SubscriptionID); err != nil {
			return nil, errors.New("invalid subscription id")
		}
		if err := json.Unmarshal(args[1], &m.Event); err != nil {
			return nil, errors.Wrap(err, "invalid event")
		}
		return m, nil
	case labelOK:
		if err := wantArgs(label, args, 2); err != nil {
			return nil, err
		}
		var m OKMessage
		if err := json.Unmarshal(args[0], &m.EventID); err != nil {
			return nil, errors.Wrap(err, "invalid event id")
		}
		if err := json.Unmarshal(args[1], &m.Accepted); err != nil {
			return nil, errors.New("invalid OK flag")
		}
		if len(args) > 2 {
			_ = json.Unmarshal(args[2], &m.Message)
		}
		return m, nil
	case labelEOSE:
		if err := wantArgs(label, args, 1); err != nil {
			return nil, err
		}
		var m EOSEMessage
		if err := json.Unmarshal(args[0], &m.SubscriptionID); err != nil {
			return nil, errors.New("invalid subscription id")
		}
		return m, nil
	case labelClosed:
		if err := wantArgs(label, args, 1); err != nil {
			return nil, err
		}
		var m ClosedMessage
		if err := json.Unmarshal(args[0], &m.SubscriptionID); err != nil {
			return nil, errors.New("invalid subscription id")
		}
		if len(args) > 1 {
			_ = json.Unmarshal(args[1], &m.Message)
		}
		return m, nil
	case labelNotice:
		var m NoticeMessage
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &m.Message)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown relay message %q", label)
	}
}
