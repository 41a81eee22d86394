package domain

import (
	"encoding/json"
	"fmt"
)

// EnvelopeKind tags the two payload types multiplexed over a direct channel.
type EnvelopeKind string

const (
	KindProfileInfo EnvelopeKind = "profile-info"
	KindChatMessage EnvelopeKind = "chat-message"
)

// Envelope is the framing for every payload sent over a connected channel:
// one JSON text frame per envelope.
type Envelope struct {
	Kind EnvelopeKind    `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func EncodeProfileEnvelope(p Profile) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	return json.Marshal(Envelope{Kind: KindProfileInfo, Body: body})
}

func EncodeMessageEnvelope(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return json.Marshal(Envelope{Kind: KindChatMessage, Body: body})
}

// DecodeEnvelope parses one frame. It fails closed: anything that is not a
// well-formed envelope with a known kind and a body of the matching shape is
// an error for the caller to log and drop, never a reason to close the
// channel.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Kind {
	case KindProfileInfo, KindChatMessage:
		return &env, nil
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
}

// DecodeProfile extracts the Profile body of a profile-info envelope.
func (e *Envelope) DecodeProfile() (Profile, error) {
	var p Profile
	if err := json.Unmarshal(e.Body, &p); err != nil {
		return Profile{}, fmt.Errorf("malformed profile body: %w", err)
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("profile body missing id")
	}
	return p, nil
}

// DecodeMessage extracts the Message body of a chat-message envelope.
func (e *Envelope) DecodeMessage() (Message, error) {
	var m Message
	if err := json.Unmarshal(e.Body, &m); err != nil {
		return Message{}, fmt.Errorf("malformed message body: %w", err)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("message body missing id")
	}
	return m, nil
}
