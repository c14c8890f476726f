// Package gateway relays realtime backend events to browser clients over
// WebSocket. A client opens a socket, declares which pool entry and inbound
// feed it watches, and receives every matching event as a JSON frame.
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/barmate/match-app/internal/backend"
)

// Client -> server frame types.
const (
	TypeWatchEntry     = "watch_entry"
	TypeUnwatchEntry   = "unwatch_entry"
	TypeWatchInbound   = "watch_inbound"
	TypeUnwatchInbound = "unwatch_inbound"
	TypePing           = "ping"
)

// Server -> client frame types.
const (
	TypeEntryUpdate = "entry_update"
	TypeMessage     = "message"
	TypeError       = "error"
	TypePong        = "pong"
)

// ClientFrame is a request from the browser. ID names the pool entry or
// receiver the watch applies to.
type ClientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ParseClientFrame decodes a frame and validates its type discriminator.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("gateway: parse frame: %w", err)
	}
	switch frame.Type {
	case TypeWatchEntry, TypeUnwatchEntry, TypeWatchInbound, TypeUnwatchInbound, TypePing:
	default:
		return nil, fmt.Errorf("gateway: unknown frame type %q", frame.Type)
	}
	switch frame.Type {
	case TypePing:
	default:
		if frame.ID == "" {
			return nil, fmt.Errorf("gateway: frame type %q requires an id", frame.Type)
		}
	}
	return &frame, nil
}

// EntryUpdateFrame wraps a pool-change event for the wire.
type EntryUpdateFrame struct {
	Type  string             `json:"type"`
	Event backend.EntryEvent `json:"event"`
}

// MessageFrame wraps a stored message for the wire.
type MessageFrame struct {
	Type    string                `json:"type"`
	Message backend.StoredMessage `json:"message"`
}

// ErrorFrame reports a protocol error to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"`
}
