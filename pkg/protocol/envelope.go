// Package protocol defines the wire format shared by nodes, agents and mods:
// the envelope carried on every frame, the system command set, and the error
// kinds surfaced to the wire.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 1

// EnvelopeType discriminates the frame kinds on the wire.
type EnvelopeType string

const (
	TypeSystemRequest     EnvelopeType = "system_request"
	TypeSystemResponse    EnvelopeType = "system_response"
	TypeHeartbeat         EnvelopeType = "heartbeat"
	TypeHeartbeatResponse EnvelopeType = "heartbeat_response"
	TypeModMessage        EnvelopeType = "mod_message"
	TypeMessage           EnvelopeType = "message"
	TypeBroadcast         EnvelopeType = "broadcast"
)

// Mod message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Envelope is the unit every transport carries. It is self-contained:
// intermediate routers may stamp RelevantAgentID and Hops but must not touch
// Content. MessageID is assigned by the first node that handles the envelope.
type Envelope struct {
	Type            EnvelopeType    `json:"type"`
	SenderID        string          `json:"sender_id,omitempty"`
	TargetID        string          `json:"target_id,omitempty"`
	Mod             string          `json:"mod,omitempty"`
	Direction       string          `json:"direction,omitempty"`
	RelevantAgentID string          `json:"relevant_agent_id,omitempty"`
	Command         string          `json:"command,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	MessageID       uint64          `json:"message_id,omitempty"`
	Hops            int             `json:"hops,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	Timestamp       time.Time       `json:"timestamp,omitempty"`
}

// Valid reports whether the envelope carries a known type.
func (e *Envelope) Valid() bool {
	switch e.Type {
	case TypeSystemRequest, TypeSystemResponse, TypeHeartbeat,
		TypeHeartbeatResponse, TypeModMessage, TypeMessage, TypeBroadcast:
		return true
	}
	return false
}

// DecodeContent unmarshals the envelope content into v.
func (e *Envelope) DecodeContent(v any) error {
	if len(e.Content) == 0 {
		return fmt.Errorf("envelope has no content")
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", e.Type, err)
	}
	return nil
}

// NewSystemRequest builds a system_request envelope for the given command.
func NewSystemRequest(command, requestID, senderID string, payload any) (*Envelope, error) {
	content, err := marshalContent(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      TypeSystemRequest,
		Command:   command,
		RequestID: requestID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewSystemResponse builds the response to a system_request, echoing its
// command and request id.
func NewSystemResponse(req *Envelope, payload any) (*Envelope, error) {
	content, err := marshalContent(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      TypeSystemResponse,
		Command:   req.Command,
		RequestID: req.RequestID,
		TargetID:  req.SenderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewModMessage builds a mod_message envelope addressed to the named mod.
func NewModMessage(mod, direction, senderID, targetID string, payload any) (*Envelope, error) {
	content, err := marshalContent(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      TypeModMessage,
		Mod:       mod,
		Direction: direction,
		SenderID:  senderID,
		TargetID:  targetID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewHeartbeat builds a server-initiated liveness probe.
func NewHeartbeat(nodeID string) *Envelope {
	return &Envelope{
		Type:      TypeHeartbeat,
		SenderID:  nodeID,
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatResponse replies to a heartbeat, carrying the replying agent id.
func NewHeartbeatResponse(agentID string) *Envelope {
	return &Envelope{
		Type:      TypeHeartbeatResponse,
		SenderID:  agentID,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorEnvelope builds an error mod_message or system_response depending on
// whether the failing envelope expected a response.
func NewErrorEnvelope(in *Envelope, kind, message string) *Envelope {
	content, _ := json.Marshal(ErrorPayload{ErrorKind: kind, Error: message})
	out := &Envelope{
		TargetID:  in.SenderID,
		RequestID: in.RequestID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if in.Type == TypeSystemRequest {
		out.Type = TypeSystemResponse
		out.Command = in.Command
	} else {
		out.Type = TypeModMessage
		out.Mod = in.Mod
		out.Direction = DirectionOutbound
	}
	return out
}

func marshalContent(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope content: %w", err)
	}
	return data, nil
}
