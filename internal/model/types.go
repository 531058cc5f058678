package model

import (
	"vending-controller/internal/nostr"
)

// Machine is a read-only view of one controlled machine.
type Machine struct {
	PubKey         string         `json:"pubkey"`
	Status         Status         `json:"status"`
	InitialRequest *nostr.EventID `json:"initial_request,omitempty"`
	UpdatedAt      int64          `json:"updated_at,omitempty"`
}

// ReceivedEventRecord is the settlement server's durable cursor row.
type ReceivedEventRecord struct {
	ID          int64  `json:"id"`
	EventID     string `json:"event_id"`
	CreatedAt   int64  `json:"created_at"`
	IsProcessed bool   `json:"is_processed"`
}
