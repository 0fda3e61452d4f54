// Package envelope defines the neutral wire format exchanged between
// agents and its versioned JSON codec. The payload is opaque to the
// protocol: the codec never inspects it beyond checking that it is
// well-formed JSON carried as a raw blob.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the current envelope wire version. Decoders reject any
// other version rather than guessing.
const Version = 1

// DefaultMaxSize is the default upper bound for an encoded envelope.
const DefaultMaxSize = 1 << 20 // 1 MiB

// MessageType identifies the protocol-level kind of a Message.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeDelegate MessageType = "delegate"
	TypeRespond  MessageType = "respond"
	TypeError    MessageType = "error"
	TypeAck      MessageType = "ack"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeDelegate, TypeRespond, TypeError, TypeAck:
		return true
	}
	return false
}

// Outcome is the small typed status a respond Message carries next to
// its opaque payload. It drives the delegation state machine without
// requiring the protocol to interpret payload content.
type Outcome string

const (
	// OutcomeAccepted signals the delegate accepted a requested task.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected signals explicit refusal.
	OutcomeRejected Outcome = "rejected"
	// OutcomeStarted signals work has begun on an accepted task.
	OutcomeStarted Outcome = "started"
	// OutcomeCompleted signals successful completion with a result.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed signals the delegate could not complete the task.
	OutcomeFailed Outcome = "failed"
)

// Message is the atomic unit of exchange between agents. A Message is
// immutable once constructed; every logical protocol step creates a
// new one.
type Message struct {
	ID                   string          `json:"message_id"`
	SenderID             string          `json:"sender_id"`
	ReceiverID           string          `json:"receiver_id"`
	Type                 MessageType     `json:"type"`
	CorrelationID        string          `json:"correlation_id,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	CapabilitiesRequired []string        `json:"capabilities_required,omitempty"`
	Outcome              Outcome         `json:"outcome,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	TTL                  time.Duration   `json:"ttl"`
}

// Expired reports whether the message TTL has elapsed at now. A zero
// TTL means the message never expires.
func (m Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(m.TTL))
}

// Deadline returns the instant after which the message is void, or the
// zero time when the message has no TTL.
func (m Message) Deadline() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.Timestamp.Add(m.TTL)
}

// NewDelegate constructs a delegate Message carrying a unit of work for
// the receiver. The payload is opaque to the protocol.
func NewDelegate(senderID, receiverID string, payload json.RawMessage, caps []string, ttl time.Duration) Message {
	return Message{
		ID:                   uuid.New().String(),
		SenderID:             senderID,
		ReceiverID:           receiverID,
		Type:                 TypeDelegate,
		Payload:              payload,
		CapabilitiesRequired: caps,
		Timestamp:            time.Now().UTC().Truncate(time.Millisecond),
		TTL:                  ttl,
	}
}

// NewRequest constructs a request Message. Requests are one-shot
// exchanges that do not create a Task.
func NewRequest(senderID, receiverID string, payload json.RawMessage, caps []string, ttl time.Duration) Message {
	m := NewDelegate(senderID, receiverID, payload, caps, ttl)
	m.Type = TypeRequest
	return m
}

// NewRespond constructs a respond Message correlated to an earlier
// Message from the receiver.
func NewRespond(senderID, receiverID, correlationID string, outcome Outcome, payload json.RawMessage) Message {
	return Message{
		ID:            uuid.New().String(),
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Type:          TypeRespond,
		CorrelationID: correlationID,
		Outcome:       outcome,
		Payload:       payload,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// NewError constructs an error Message correlated to the offending
// input. The reason travels in the payload as a plain JSON string.
func NewError(senderID, receiverID, correlationID, reason string) Message {
	payload, _ := json.Marshal(reason)
	return Message{
		ID:            uuid.New().String(),
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Type:          TypeError,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// NewAck constructs an ack Message confirming receipt of the message
// identified by correlationID.
func NewAck(senderID, receiverID, correlationID string) Message {
	return Message{
		ID:            uuid.New().String(),
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Type:          TypeAck,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Validate checks the structural invariants a Message must satisfy
// before it may enter the protocol.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message is missing an id")
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return fmt.Errorf("message %s is missing sender or receiver", m.ID)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("message %s has unknown type %q", m.ID, m.Type)
	}
	if m.Type == TypeRespond && m.CorrelationID == "" {
		return fmt.Errorf("respond message %s has no correlation id", m.ID)
	}
	return nil
}
