package thread

import (
	"encoding/base64"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// fakeRuntime records mod outbound traffic and answers directory checks from
// a fixed agent set.
type fakeRuntime struct {
	agents map[string]bool

	mu   sync.Mutex
	sent []sentEnvelope
}

type sentEnvelope struct {
	agentID string
	env     *protocol.Envelope
}

func newFakeRuntime(agents ...string) *fakeRuntime {
	set := map[string]bool{}
	for _, a := range agents {
		set[a] = true
	}
	return &fakeRuntime{agents: set}
}

func (r *fakeRuntime) NodeID() string      { return "node-test" }
func (r *fakeRuntime) NetworkName() string { return "testnet" }
func (r *fakeRuntime) Mode() string        { return protocol.ModeCentralized }

func (r *fakeRuntime) HasAgent(agentID string) bool { return r.agents[agentID] }

func (r *fakeRuntime) ListAgents(capabilities []string) []protocol.AgentInfo {
	var out []protocol.AgentInfo
	for a := range r.agents {
		out = append(out, protocol.AgentInfo{AgentID: a})
	}
	return out
}

func (r *fakeRuntime) SendToAgent(agentID string, env *protocol.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentEnvelope{agentID: agentID, env: env})
	r.mu.Unlock()
	return nil
}

// notificationsTo decodes every Notification delivered to an agent.
func (r *fakeRuntime) notificationsTo(t *testing.T, agentID string) []Notification {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, s := range r.sent {
		if s.agentID != agentID {
			continue
		}
		var note Notification
		if err := s.env.DecodeContent(&note); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		if note.Event != "" {
			out = append(out, note)
		}
	}
	return out
}

// lastResponseTo decodes the most recent tool Response delivered to an agent.
func (r *fakeRuntime) lastResponseTo(t *testing.T, agentID string) Response {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].agentID != agentID {
			continue
		}
		var resp Response
		if err := r.sent[i].env.DecodeContent(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Action != "" {
			return resp
		}
	}
	t.Fatalf("no response delivered to %s", agentID)
	return Response{}
}

func newTestMod(t *testing.T, rt *fakeRuntime, raw map[string]any) *Mod {
	t.Helper()
	m, err := New(raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.OnStart(rt); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	return m
}

func send(t *testing.T, m *Mod, sender string, req Request) {
	t.Helper()
	env, err := protocol.NewModMessage(ModName, protocol.DirectionInbound, sender, "", req)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := m.OnEnvelope("peer-"+sender, env); err != nil {
		t.Fatalf("OnEnvelope: %v", err)
	}
}

func TestDirectMessageDelivery(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{
		Action:        ActionSendDirectMessage,
		TargetAgentID: "bob",
		Content:       MessageContent{Text: "hello bob"},
	})

	resp := rt.lastResponseTo(t, "alice")
	if !resp.Success || resp.MessageID == "" {
		t.Fatalf("response = %+v", resp)
	}

	notes := rt.notificationsTo(t, "bob")
	if len(notes) != 1 {
		t.Fatalf("bob received %d notifications", len(notes))
	}
	note := notes[0]
	if note.Event != EventDirectMessage || note.SenderID != "alice" {
		t.Errorf("note = %+v", note)
	}
	if note.Text != "hello bob" {
		t.Errorf("text = %q", note.Text)
	}
	if note.ThreadLevel != 0 || !note.IsRoot {
		t.Errorf("thread info = level %d root %v", note.ThreadLevel, note.IsRoot)
	}
}

func TestDirectMessageUnknownTarget(t *testing.T) {
	rt := newFakeRuntime("alice")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{
		Action:        ActionSendDirectMessage,
		TargetAgentID: "ghost",
		Content:       MessageContent{Text: "anyone there"},
	})

	resp := rt.lastResponseTo(t, "alice")
	if resp.Success || resp.ErrorKind != protocol.ErrKindNotRegistered {
		t.Errorf("response = %+v", resp)
	}
	if m.Store().DMSlice("alice", "ghost", 10, 0, false) != nil {
		t.Error("failed send must not store a message")
	}
}

func TestChannelMessageFanout(t *testing.T) {
	rt := newFakeRuntime("alice", "bob", "carol")
	m := newTestMod(t, rt, map[string]any{
		"default_channels": []any{map[string]any{"name": "general"}},
	})

	// Bob and carol become members by posting first.
	send(t, m, "bob", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "bob here"}})
	send(t, m, "carol", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "carol here"}})
	rt.mu.Lock()
	rt.sent = nil
	rt.mu.Unlock()

	send(t, m, "alice", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "hi all"}})

	for _, member := range []string{"bob", "carol"} {
		notes := rt.notificationsTo(t, member)
		if len(notes) != 1 || notes[0].Event != EventChannelMessage {
			t.Errorf("%s notifications = %+v", member, notes)
		}
	}
	if len(rt.notificationsTo(t, "alice")) != 0 {
		t.Error("sender must not be notified of its own message")
	}
}

func TestChannelMessageMention(t *testing.T) {
	rt := newFakeRuntime("alice", "dave")
	m := newTestMod(t, rt, map[string]any{
		"default_channels": []any{map[string]any{"name": "general"}},
	})

	send(t, m, "alice", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "paging dave"}, MentionedAgentID: "dave"})

	notes := rt.notificationsTo(t, "dave")
	if len(notes) != 1 {
		t.Fatalf("mentioned agent got %d notifications", len(notes))
	}
}

func TestChannelMessageMissingChannel(t *testing.T) {
	rt := newFakeRuntime("alice")
	m := newTestMod(t, rt, map[string]any{"auto_create_channels": false})

	send(t, m, "alice", Request{Action: ActionSendChannelMessage, Channel: "ghost",
		Content: MessageContent{Text: "hi"}})
	resp := rt.lastResponseTo(t, "alice")
	if resp.Success || resp.ErrorKind != protocol.ErrKindChannelMissing {
		t.Errorf("response = %+v", resp)
	}
}

func TestReplyNotifiesOtherParty(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{Action: ActionSendDirectMessage, TargetAgentID: "bob",
		Content: MessageContent{Text: "root"}})
	rootID := rt.lastResponseTo(t, "alice").MessageID

	rt.mu.Lock()
	rt.sent = nil
	rt.mu.Unlock()
	send(t, m, "bob", Request{Action: ActionReplyMessage, ReplyToID: rootID,
		Content: MessageContent{Text: "reply"}})

	notes := rt.notificationsTo(t, "alice")
	if len(notes) != 1 {
		t.Fatalf("alice got %d notifications, want exactly 1", len(notes))
	}
	if notes[0].Event != EventReply || notes[0].ReplyToID != rootID || notes[0].ThreadLevel != 1 {
		t.Errorf("note = %+v", notes[0])
	}
}

func TestReplyDepthExceededResponse(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, map[string]any{"max_thread_depth": 1})

	send(t, m, "alice", Request{Action: ActionSendDirectMessage, TargetAgentID: "bob",
		Content: MessageContent{Text: "root"}})
	rootID := rt.lastResponseTo(t, "alice").MessageID

	send(t, m, "bob", Request{Action: ActionReplyMessage, ReplyToID: rootID,
		Content: MessageContent{Text: "level 1"}})
	level1 := rt.lastResponseTo(t, "bob").MessageID

	send(t, m, "alice", Request{Action: ActionReplyMessage, ReplyToID: level1,
		Content: MessageContent{Text: "level 2"}})
	resp := rt.lastResponseTo(t, "alice")
	if resp.Success || resp.ErrorKind != protocol.ErrKindDepthExceeded {
		t.Errorf("response = %+v", resp)
	}
}

func TestReactionFlow(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{Action: ActionSendDirectMessage, TargetAgentID: "bob",
		Content: MessageContent{Text: "react to this"}})
	msgID := rt.lastResponseTo(t, "alice").MessageID

	rt.mu.Lock()
	rt.sent = nil
	rt.mu.Unlock()
	send(t, m, "bob", Request{Action: ActionReaction, TargetMessageID: msgID,
		ReactionType: "heart"})

	resp := rt.lastResponseTo(t, "bob")
	if !resp.Success || resp.Reactions["heart"] != 1 {
		t.Fatalf("response = %+v", resp)
	}

	// The message author is told, with the add action defaulted.
	notes := rt.notificationsTo(t, "alice")
	if len(notes) != 1 || notes[0].Event != EventReaction {
		t.Fatalf("alice notifications = %+v", notes)
	}
	if notes[0].Reaction != "heart" || notes[0].ReactionAction != ReactionAdd {
		t.Errorf("note = %+v", notes[0])
	}

	// Removal brings the count back down.
	send(t, m, "bob", Request{Action: ActionReaction, TargetMessageID: msgID,
		ReactionType: "heart", ReactionAction: ReactionRemove})
	resp = rt.lastResponseTo(t, "bob")
	if !resp.Success || resp.Reactions["heart"] != 0 {
		t.Errorf("response after remove = %+v", resp)
	}
}

func TestReactionLikeSupportedByDefault(t *testing.T) {
	rt := newFakeRuntime("alpha", "beta")
	m := newTestMod(t, rt, nil)

	send(t, m, "alpha", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "m0"}})
	msgID := rt.lastResponseTo(t, "alpha").MessageID

	send(t, m, "beta", Request{Action: ActionReaction, TargetMessageID: msgID,
		ReactionType: "like"})
	resp := rt.lastResponseTo(t, "beta")
	if !resp.Success || resp.Reactions["like"] != 1 {
		t.Fatalf("response = %+v", resp)
	}

	views, err := m.Store().ChannelSlice("general", 10, 0, false)
	if err != nil {
		t.Fatalf("ChannelSlice: %v", err)
	}
	if views[0].Reactions["like"] != 1 {
		t.Errorf("reaction map = %+v", views[0].Reactions)
	}
}

func TestReactionUnsupportedType(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{Action: ActionSendDirectMessage, TargetAgentID: "bob",
		Content: MessageContent{Text: "msg"}})
	msgID := rt.lastResponseTo(t, "alice").MessageID

	send(t, m, "bob", Request{Action: ActionReaction, TargetMessageID: msgID,
		ReactionType: "eye_roll"})
	resp := rt.lastResponseTo(t, "bob")
	if resp.Success || resp.ErrorKind != protocol.ErrKindInvalidReaction {
		t.Errorf("response = %+v", resp)
	}
}

func TestSelfReactionNotNotified(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{Action: ActionSendDirectMessage, TargetAgentID: "bob",
		Content: MessageContent{Text: "msg"}})
	msgID := rt.lastResponseTo(t, "alice").MessageID

	rt.mu.Lock()
	rt.sent = nil
	rt.mu.Unlock()
	send(t, m, "alice", Request{Action: ActionReaction, TargetMessageID: msgID,
		ReactionType: "laugh"})
	if len(rt.notificationsTo(t, "alice")) != 0 {
		t.Error("self reaction must not notify the author")
	}
}

func TestRetrieveChannelMessagesAction(t *testing.T) {
	rt := newFakeRuntime("alice")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "first"}})
	send(t, m, "alice", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "second"}})

	send(t, m, "alice", Request{Action: ActionRetrieveChannelMessages, Channel: "general",
		IncludeThreads: true})
	resp := rt.lastResponseTo(t, "alice")
	if !resp.Success || len(resp.Messages) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Messages[0].Content.Text != "second" {
		t.Errorf("newest first: got %q", resp.Messages[0].Content.Text)
	}
}

func TestFileUploadAction(t *testing.T) {
	rt := newFakeRuntime("alice")
	m := newTestMod(t, rt, map[string]any{"max_file_size": 16})

	payload := base64.StdEncoding.EncodeToString([]byte("attachment"))
	send(t, m, "alice", Request{Action: ActionFileUpload, FileName: "notes.txt",
		FileContent: payload})
	resp := rt.lastResponseTo(t, "alice")
	if !resp.Success || resp.AttachmentID == "" || resp.Size != 10 {
		t.Fatalf("response = %+v", resp)
	}

	// Oversized and undecodable uploads are rejected.
	big := base64.StdEncoding.EncodeToString(make([]byte, 32))
	send(t, m, "alice", Request{Action: ActionFileUpload, FileName: "big.bin", FileContent: big})
	resp = rt.lastResponseTo(t, "alice")
	if resp.Success || resp.ErrorKind != protocol.ErrKindPayloadTooLarge {
		t.Errorf("oversized response = %+v", resp)
	}

	send(t, m, "alice", Request{Action: ActionFileUpload, FileName: "bad.bin", FileContent: "%%%"})
	resp = rt.lastResponseTo(t, "alice")
	if resp.Success || resp.ErrorKind != protocol.ErrKindInvalidPayload {
		t.Errorf("bad base64 response = %+v", resp)
	}
}

func TestUnknownAction(t *testing.T) {
	rt := newFakeRuntime("alice")
	m := newTestMod(t, rt, nil)

	send(t, m, "alice", Request{Action: "dance"})
	resp := rt.lastResponseTo(t, "alice")
	if resp.Success || resp.ErrorKind != protocol.ErrKindInvalidPayload {
		t.Errorf("response = %+v", resp)
	}
}

func TestListChannelsAction(t *testing.T) {
	rt := newFakeRuntime("alice")
	m := newTestMod(t, rt, map[string]any{
		"default_channels": []any{
			map[string]any{"name": "general", "description": "open floor"},
			map[string]any{"name": "dev"},
		},
	})

	send(t, m, "alice", Request{Action: ActionListChannels})
	resp := rt.lastResponseTo(t, "alice")
	if !resp.Success || len(resp.Channels) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Channels[0].Name != "dev" || resp.Channels[1].Name != "general" {
		t.Errorf("channels = %+v", resp.Channels)
	}
}
