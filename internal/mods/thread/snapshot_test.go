package thread

import (
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	rt := newFakeRuntime("alice", "bob")
	m := newTestMod(t, rt, map[string]any{
		"default_channels": []any{map[string]any{"name": "general", "description": "open floor"}},
	})

	send(t, m, "alice", Request{Action: ActionSendChannelMessage, Channel: "general",
		Content: MessageContent{Text: "channel root"}})
	rootID := rt.lastResponseTo(t, "alice").MessageID
	send(t, m, "bob", Request{Action: ActionReplyMessage, ReplyToID: rootID,
		Content: MessageContent{Text: "threaded reply"}})
	send(t, m, "bob", Request{Action: ActionReaction, TargetMessageID: rootID,
		ReactionType: "celebrate"})
	send(t, m, "alice", Request{Action: ActionSendDirectMessage, TargetAgentID: "bob",
		Content: MessageContent{Text: "a dm"}})
	if _, err := m.Files().Put("alice", "doc.txt", []byte("contents")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := m.SnapshotState()
	if err != nil {
		t.Fatalf("SnapshotState: %v", err)
	}

	rt2 := newFakeRuntime("alice", "bob")
	m2 := newTestMod(t, rt2, nil)
	if err := m2.RestoreState(data); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	// Channel view survives with thread structure and reactions.
	views, err := m2.Store().ChannelSlice("general", 10, 0, true)
	if err != nil {
		t.Fatalf("ChannelSlice: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("restored %d channel messages, want 2", len(views))
	}
	if views[0].MessageID != rootID || views[0].Reactions["celebrate"] != 1 {
		t.Errorf("root view = %+v", views[0])
	}
	if views[1].ReplyToID != rootID || views[1].ThreadInfo.ThreadLevel != 1 {
		t.Errorf("reply view = %+v", views[1])
	}

	// DM conversation and attachments survive too.
	dms := m2.Store().DMSlice("alice", "bob", 10, 0, false)
	if len(dms) != 1 || dms[0].Content.Text != "a dm" {
		t.Errorf("restored dms = %+v", dms)
	}
	if m2.Files().Count() != 1 {
		t.Errorf("restored attachments = %d", m2.Files().Count())
	}

	// Structural invariants hold after restore.
	if refs := m2.Store().danglingRefs(); len(refs) != 0 {
		t.Errorf("dangling refs after restore: %v", refs)
	}

	// The restored store accepts further writes against restored parents.
	if _, _, err := m2.Store().AddReply(rootID, "alice", "post-restore", "", "", nil); err != nil {
		t.Errorf("reply after restore: %v", err)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestMod(t, rt, nil)
	if err := m.RestoreState([]byte("not json")); err == nil {
		t.Error("expected error restoring malformed snapshot")
	}
}
