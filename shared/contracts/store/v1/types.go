// Package v1 defines the KiyomiTalk store sync protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe registers interest in a store path (client -> server).
	// The client chooses sub_id so no round-trip is needed before updates flow.
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe cancels a prior subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypeUpdate carries the current value at a subscribed path
	// (server -> client); sent immediately on subscribe and on every change
	// at, below, or above the subscribed path.
	TypeUpdate = "update"

	// TypeWrite overwrites the value at a path wholesale (client -> server).
	TypeWrite = "write"
	// TypeAppend appends a child with a server-generated key (client -> server).
	TypeAppend = "append"
	// TypeAppendAck returns the generated child key (server -> client).
	TypeAppendAck = "append_ack"
	// TypeDelete removes the value at a path (client -> server).
	TypeDelete = "delete"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeUnsubscribe,
		TypeUpdate,
		TypeWrite,
		TypeAppend,
		TypeAppendAck,
		TypeDelete,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SubscribePayload registers a client-chosen subscription id for a path.
type SubscribePayload struct {
	SubID string `json:"sub_id"`
	Path  string `json:"path"`
}

// UnsubscribePayload cancels the subscription with the given id.
type UnsubscribePayload struct {
	SubID string `json:"sub_id"`
}

// UpdatePayload delivers the current value at a subscribed path.
// Value is the raw JSON of the store value; null when the path is unset.
type UpdatePayload struct {
	SubID string          `json:"sub_id"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// WritePayload overwrites the value at Path wholesale.
type WritePayload struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// AppendPayload appends Value under Path with a server-generated key.
type AppendPayload struct {
	ReqID string          `json:"req_id"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// AppendAckPayload returns the generated child key for an append request.
type AppendAckPayload struct {
	ReqID string `json:"req_id"`
	Path  string `json:"path"`
	Key   string `json:"key"`
}

// DeletePayload removes the value at Path.
type DeletePayload struct {
	Path string `json:"path"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
