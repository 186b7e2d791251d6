package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Codec serializes envelopes as one JSON object per text frame, enforcing the
// configured maximum frame size in both directions.
type Codec struct {
	MaxMessageSize int64
}

// NewCodec returns a codec with the given frame size limit (bytes).
func NewCodec(maxSize int64) *Codec {
	return &Codec{MaxMessageSize: maxSize}
}

// Encode marshals an envelope into a frame payload.
func (c *Codec) Encode(env *protocol.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if c.MaxMessageSize > 0 && int64(len(data)) > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooLarge, len(data), c.MaxMessageSize)
	}
	return data, nil
}

// Decode parses a frame payload into an envelope.
func (c *Codec) Decode(data []byte) (*protocol.Envelope, error) {
	if c.MaxMessageSize > 0 && int64(len(data)) > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooLarge, len(data), c.MaxMessageSize)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !env.Valid() {
		return nil, fmt.Errorf("%w: unknown envelope type %q", ErrInvalidPayload, env.Type)
	}
	return &env, nil
}
