// Package envelope defines the signaling messages exchanged between two
// sessions over a caller-supplied transport, and their JSON wire format.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the kind of signaling message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "iceCandidate"
)

// Known reports whether t is one of the message types a session understands.
func (t Type) Known() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// ErrMalformedEnvelope is returned by Decode for input that is not a
// well-formed envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one signaling message. Data is an engine-opaque JSON object.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes a message of type t carrying payload. The payload must
// marshal to a JSON object. The result never contains a newline.
func Encode(t Type, payload any) ([]byte, error) {
	var data json.RawMessage

	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		data = raw
	}

	if !isObject(data) {
		return nil, fmt.Errorf("encode %s payload: data is not a JSON object", t)
	}

	// Compact strips any newlines a pre-encoded payload may carry, which keeps
	// the output safe for line framing.
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{Type: t, Data: compact.Bytes()}); err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return bytes.TrimRight(out.Bytes(), "\n"), nil
}

// Decode parses one envelope. Only the envelope shape is checked; the
// payload of each type is validated by the session.
func Decode(p []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p, &fields); err != nil || fields == nil {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}

	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	var t string
	if !bytes.HasPrefix(bytes.TrimSpace(rawType), []byte(`"`)) || json.Unmarshal(rawType, &t) != nil {
		return Envelope{}, fmt.Errorf("%w: type is not a string", ErrMalformedEnvelope)
	}

	data, ok := fields["data"]
	if !ok || !isObject(data) {
		return Envelope{}, fmt.Errorf("%w: data is not an object", ErrMalformedEnvelope)
	}

	return Envelope{Type: Type(t), Data: data}, nil
}

// Payload unmarshals the envelope data into v.
func (e Envelope) Payload(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
