package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValid(t *testing.T) {
	tests := []struct {
		name string
		typ  EnvelopeType
		want bool
	}{
		{"system request", TypeSystemRequest, true},
		{"system response", TypeSystemResponse, true},
		{"heartbeat", TypeHeartbeat, true},
		{"heartbeat response", TypeHeartbeatResponse, true},
		{"mod message", TypeModMessage, true},
		{"message", TypeMessage, true},
		{"broadcast", TypeBroadcast, true},
		{"empty", EnvelopeType(""), false},
		{"unknown", EnvelopeType("telemetry"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Envelope{Type: tt.typ}
			if got := e.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewSystemRequest(CommandRegisterAgent, "req-1", "agent-a", RegisterAgentRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"code_review"},
	})
	if err != nil {
		t.Fatalf("NewSystemRequest: %v", err)
	}
	env.MessageID = 42

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Type != TypeSystemRequest || back.Command != CommandRegisterAgent {
		t.Errorf("type/command = %s/%s", back.Type, back.Command)
	}
	if back.RequestID != "req-1" || back.MessageID != 42 {
		t.Errorf("request_id/message_id = %s/%d", back.RequestID, back.MessageID)
	}
	var req RegisterAgentRequest
	if err := back.DecodeContent(&req); err != nil {
		t.Fatalf("DecodeContent: %v", err)
	}
	if req.AgentID != "agent-a" || len(req.Capabilities) != 1 {
		t.Errorf("content = %+v", req)
	}
}

func TestSystemResponseCorrelation(t *testing.T) {
	req, _ := NewSystemRequest(CommandListAgents, "req-7", "agent-b", nil)
	resp, err := NewSystemResponse(req, ListAgentsResponse{Success: true})
	if err != nil {
		t.Fatalf("NewSystemResponse: %v", err)
	}
	if resp.Type != TypeSystemResponse {
		t.Errorf("type = %s", resp.Type)
	}
	if resp.RequestID != req.RequestID {
		t.Errorf("request_id = %q, want %q", resp.RequestID, req.RequestID)
	}
	if resp.Command != req.Command {
		t.Errorf("command = %q, want %q", resp.Command, req.Command)
	}
	if resp.TargetID != "agent-b" {
		t.Errorf("target = %q, want sender of request", resp.TargetID)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	t.Run("system request gets system response", func(t *testing.T) {
		in, _ := NewSystemRequest("bogus_command", "req-9", "agent-c", nil)
		out := NewErrorEnvelope(in, ErrKindUnknownCommand, "unknown command")
		if out.Type != TypeSystemResponse || out.Command != "bogus_command" {
			t.Errorf("type/command = %s/%s", out.Type, out.Command)
		}
		var p ErrorPayload
		if err := out.DecodeContent(&p); err != nil {
			t.Fatalf("DecodeContent: %v", err)
		}
		if p.Success || p.ErrorKind != ErrKindUnknownCommand {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("mod message gets mod message", func(t *testing.T) {
		in, _ := NewModMessage("thread_messaging", DirectionInbound, "agent-c", "", nil)
		out := NewErrorEnvelope(in, ErrKindInvalidPayload, "bad request")
		if out.Type != TypeModMessage || out.Mod != "thread_messaging" {
			t.Errorf("type/mod = %s/%s", out.Type, out.Mod)
		}
		if out.Direction != DirectionOutbound {
			t.Errorf("direction = %q", out.Direction)
		}
		if out.TargetID != "agent-c" {
			t.Errorf("target = %q", out.TargetID)
		}
	})
}

func TestDecodeContentEmpty(t *testing.T) {
	e := &Envelope{Type: TypeModMessage}
	var v map[string]any
	if err := e.DecodeContent(&v); err == nil {
		t.Error("expected error decoding empty content")
	}
}
