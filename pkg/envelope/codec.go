package envelope

import (
	"encoding/json"
	"fmt"
)

// DecodeReason classifies why a wire envelope was rejected.
type DecodeReason string

const (
	MalformedEnvelope  DecodeReason = "malformed_envelope"
	UnsupportedVersion DecodeReason = "unsupported_version"
	SizeExceeded       DecodeReason = "size_exceeded"
)

// DecodeError reports a rejected wire envelope. All decode failures are
// returned as values; attacker-controlled input never panics the codec.
type DecodeError struct {
	Reason DecodeReason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode failed: %s", e.Reason)
	}
	return fmt.Sprintf("decode failed: %s: %s", e.Reason, e.Detail)
}

// wireEnvelope is the versioned frame around a Message on the wire.
type wireEnvelope struct {
	Version int     `json:"v"`
	Message Message `json:"message"`
}

// Codec encodes and decodes Messages to the versioned wire format.
// The zero value is not usable; use NewCodec.
type Codec struct {
	maxSize int
}

// NewCodec returns a Codec enforcing maxSize on decode input. A
// non-positive maxSize selects DefaultMaxSize.
func NewCodec(maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Codec{maxSize: maxSize}
}

// Encode serializes m into the versioned wire format. Encoding is
// deterministic for a given Message.
func (c *Codec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	data, err := json.Marshal(wireEnvelope{Version: Version, Message: m})
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode parses raw wire bytes into a Message. Failures are reported
// as *DecodeError values.
func (c *Codec) Decode(raw []byte) (Message, error) {
	if len(raw) > c.maxSize {
		return Message{}, &DecodeError{
			Reason: SizeExceeded,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", len(raw), c.maxSize),
		}
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, &DecodeError{Reason: MalformedEnvelope, Detail: err.Error()}
	}
	if env.Version != Version {
		return Message{}, &DecodeError{
			Reason: UnsupportedVersion,
			Detail: fmt.Sprintf("version %d, want %d", env.Version, Version),
		}
	}
	if err := env.Message.Validate(); err != nil {
		return Message{}, &DecodeError{Reason: MalformedEnvelope, Detail: err.Error()}
	}
	return env.Message, nil
}
