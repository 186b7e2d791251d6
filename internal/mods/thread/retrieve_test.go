package thread

import "testing"

// buildThread creates a channel with two roots; the first root carries a
// nested reply chain, the second a flat pair of replies.
func buildThread(t *testing.T) (*Store, map[string]string) {
	t.Helper()
	s := NewStore(5, 100)
	s.CreateChannel("general", "")
	ids := map[string]string{}

	r1, _, err := s.AddChannelRoot("general", "alice", "", "first topic", "", "", nil, false)
	if err != nil {
		t.Fatalf("root 1: %v", err)
	}
	ids["r1"] = r1.ID
	a, _, err := s.AddReply(r1.ID, "bob", "reply a", "", "", nil)
	if err != nil {
		t.Fatalf("reply a: %v", err)
	}
	ids["a"] = a.ID
	aa, _, err := s.AddReply(a.ID, "carol", "reply a.a", "", "", nil)
	if err != nil {
		t.Fatalf("reply a.a: %v", err)
	}
	ids["aa"] = aa.ID
	b, _, err := s.AddReply(r1.ID, "carol", "reply b", "", "", nil)
	if err != nil {
		t.Fatalf("reply b: %v", err)
	}
	ids["b"] = b.ID

	r2, _, err := s.AddChannelRoot("general", "bob", "", "second topic", "", "", nil, false)
	if err != nil {
		t.Fatalf("root 2: %v", err)
	}
	ids["r2"] = r2.ID
	return s, ids
}

func TestChannelSlicePreorder(t *testing.T) {
	s, ids := buildThread(t)
	views, err := s.ChannelSlice("general", 10, 0, true)
	if err != nil {
		t.Fatalf("ChannelSlice: %v", err)
	}

	// Newest root first, then the older root expanded depth-first with
	// children in creation order.
	wantOrder := []string{ids["r2"], ids["r1"], ids["a"], ids["aa"], ids["b"]}
	if len(views) != len(wantOrder) {
		t.Fatalf("got %d views, want %d", len(views), len(wantOrder))
	}
	for i, want := range wantOrder {
		if views[i].MessageID != want {
			t.Errorf("views[%d] = %s, want %s", i, views[i].MessageID, want)
		}
	}

	// Thread info mirrors the tree shape.
	root := views[1]
	if !root.ThreadInfo.IsRoot || root.ThreadInfo.ChildrenCount != 2 {
		t.Errorf("root thread info = %+v", root.ThreadInfo)
	}
	nested := views[3]
	if nested.ThreadInfo.IsRoot || nested.ThreadInfo.ThreadLevel != 2 {
		t.Errorf("nested thread info = %+v", nested.ThreadInfo)
	}
	if views[2].ReplyToID != ids["r1"] {
		t.Errorf("reply_to = %s", views[2].ReplyToID)
	}
}

func TestChannelSliceWithoutThreads(t *testing.T) {
	s, ids := buildThread(t)
	views, err := s.ChannelSlice("general", 10, 0, false)
	if err != nil {
		t.Fatalf("ChannelSlice: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d views, want roots only", len(views))
	}
	if views[0].MessageID != ids["r2"] || views[1].MessageID != ids["r1"] {
		t.Errorf("order = %s, %s", views[0].MessageID, views[1].MessageID)
	}
}

func TestChannelSliceLimitOffset(t *testing.T) {
	s, ids := buildThread(t)

	views, err := s.ChannelSlice("general", 1, 0, false)
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if len(views) != 1 || views[0].MessageID != ids["r2"] {
		t.Errorf("limit 1 = %v", views)
	}

	views, err = s.ChannelSlice("general", 1, 1, true)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if len(views) != 4 || views[0].MessageID != ids["r1"] {
		t.Errorf("offset 1 returned %d views starting %s", len(views), views[0].MessageID)
	}
}

func TestChannelSliceUnknownChannel(t *testing.T) {
	s := NewStore(5, 100)
	if _, err := s.ChannelSlice("ghost", 10, 0, true); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestDMSliceBothDirections(t *testing.T) {
	s := NewStore(5, 100)
	m1 := s.AddDirectMessage("alice", "bob", "one", "", "", nil)
	m2 := s.AddDirectMessage("bob", "alice", "two", "", "", nil)
	if _, _, err := s.AddReply(m1.ID, "bob", "threaded", "", "", nil); err != nil {
		t.Fatalf("reply: %v", err)
	}
	s.AddDirectMessage("alice", "carol", "unrelated", "", "", nil)

	// Both parties see the same conversation regardless of argument order.
	forAlice := s.DMSlice("alice", "bob", 10, 0, true)
	forBob := s.DMSlice("bob", "alice", 10, 0, true)
	if len(forAlice) != 3 || len(forBob) != 3 {
		t.Fatalf("views = %d / %d, want 3", len(forAlice), len(forBob))
	}
	if forAlice[0].MessageID != m2.ID {
		t.Errorf("newest first: got %s", forAlice[0].MessageID)
	}
	if forAlice[1].MessageID != m1.ID {
		t.Errorf("older root second: got %s", forAlice[1].MessageID)
	}
	if forAlice[2].ReplyToID != m1.ID {
		t.Errorf("thread not expanded under its root")
	}
}

func TestSliceDefaultLimit(t *testing.T) {
	s := NewStore(5, 200)
	s.CreateChannel("busy", "")
	for i := 0; i < 60; i++ {
		if _, _, err := s.AddChannelRoot("busy", "alice", "", "msg", "", "", nil, false); err != nil {
			t.Fatalf("root %d: %v", i, err)
		}
	}
	views, err := s.ChannelSlice("busy", 0, 0, false)
	if err != nil {
		t.Fatalf("ChannelSlice: %v", err)
	}
	if len(views) != 50 {
		t.Errorf("default limit returned %d roots, want 50", len(views))
	}
}
