// Package protocol defines the wire envelope carried on every bus channel
// and the codec that maps registered message types to typed payloads.
//
// The envelope is self-describing JSON. Payload bytes are retained verbatim
// on decode so unknown fields survive a relay unchanged.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Codec errors. Callers match with errors.Is.
var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrVersionMismatch = errors.New("message version mismatch")
	ErrDecode          = errors.New("malformed message")
)

// Envelope is the JSON frame for every message on the bus. Field names are
// part of the wire contract and must not change.
type Envelope struct {
	Type          string          `json:"type"`
	Sender        string          `json:"sender"`
	Target        string          `json:"target,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// Broadcast reports whether the envelope is addressed to everyone.
func (e *Envelope) Broadcast() bool {
	return e.Target == ""
}

// Schema binds a message type string to its payload shape and version.
type Schema struct {
	Type    string
	Version int

	// New allocates a zero payload value for decoding.
	New func() any

	// AcceptVersion widens version acceptance for a type. Nil means the
	// wire version must equal Schema.Version exactly.
	AcceptVersion func(v int) bool
}

// Codec is a process-local registry of payload schemas. Registration must
// happen before the first subscribe for a type.
type Codec struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{schemas: make(map[string]Schema)}
}

// Register adds or replaces the schema for a message type.
func (c *Codec) Register(s Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[s.Type] = s
}

// Registered reports whether a type has a schema.
func (c *Codec) Registered(msgType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.schemas[msgType]
	return ok
}

func (c *Codec) schema(msgType string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[msgType]
	return s, ok
}

// Encode builds an envelope for a registered type. Timestamp is the caller's
// wall clock in milliseconds; Version comes from the schema.
func (c *Codec) Encode(sender, target, correlationID, msgType string, payload any) (*Envelope, error) {
	s, ok := c.schema(msgType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		Type:          msgType,
		Sender:        sender,
		Target:        target,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UnixMilli(),
		Version:       s.Version,
		Payload:       body,
	}, nil
}

// Marshal serializes an envelope to wire bytes.
func (c *Codec) Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses wire bytes into an envelope and its typed payload.
// Fails with ErrUnknownType for unregistered types, ErrVersionMismatch when
// the schema rejects the wire version, and ErrDecode on malformed bodies.
// Unknown payload fields are ignored on the typed value but remain intact in
// Envelope.Payload.
func (c *Codec) Decode(data []byte) (*Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	payload, err := c.DecodePayload(&env)
	if err != nil {
		return &env, nil, err
	}
	return &env, payload, nil
}

// DecodePayload resolves an already-parsed envelope to its typed payload.
func (c *Codec) DecodePayload(env *Envelope) (any, error) {
	s, ok := c.schema(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if s.AcceptVersion != nil {
		if !s.AcceptVersion(env.Version) {
			return nil, fmt.Errorf("%w: type %s version %d", ErrVersionMismatch, env.Type, env.Version)
		}
	} else if env.Version != s.Version {
		return nil, fmt.Errorf("%w: type %s version %d, want %d", ErrVersionMismatch, env.Type, env.Version, s.Version)
	}

	v := s.New()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrDecode, env.Type, err)
		}
	}
	return v, nil
}
