package thread

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store errors mapped to wire error kinds by the mod.
var (
	ErrChannelMissing = errors.New("channel not found")
	ErrParentMissing  = errors.New("parent message not found")
	ErrDepthExceeded  = errors.New("thread depth limit exceeded")
	ErrMessageMissing = errors.New("message not found")
)

// Message is one stored message record. Children are kept in creation order,
// which is also the order replies are emitted during retrieval.
type Message struct {
	ID              string
	SenderID        string
	TargetID        string // set for DMs and mentions
	Channel         string // empty for DMs
	Text            string
	Timestamp       time.Time
	ReplyToID       string
	ThreadLevel     int
	QuotedMessageID string
	QuotedExcerpt   string
	Attachments     []string
	Children        []string

	reactions map[string]map[string]struct{} // reaction type → reacting agents
}

// ReactionCounts projects the reaction map to distinct-agent counts.
func (m *Message) ReactionCounts() map[string]int {
	out := map[string]int{}
	for rtype, agents := range m.reactions {
		if len(agents) > 0 {
			out[rtype] = len(agents)
		}
	}
	return out
}

// Channel is a named room: ordered root list plus implicit membership
// (agents join on their first message in the channel).
type Channel struct {
	Name          string
	Description   string
	Members       map[string]struct{}
	Roots         []string // creation order; newest last
	TotalMessages int
}

// Store owns all thread-messaging state: messages, channels and DM
// conversations. One mutex guards it. Every public operation is atomic:
// either all of its effects land or none do.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*Message
	channels map[string]*Channel
	dms      map[string][]string // pair key → level-0 message ids, creation order

	maxDepth   int
	historyCap int
}

// NewStore creates an empty store with the given thread depth and
// per-channel root cap.
func NewStore(maxDepth, historyCap int) *Store {
	return &Store{
		messages:   map[string]*Message{},
		channels:   map[string]*Channel{},
		dms:        map[string][]string{},
		maxDepth:   maxDepth,
		historyCap: historyCap,
	}
}

// dmKey builds the unordered pair key for a DM conversation.
func dmKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// CreateChannel adds a channel if absent. Safe to call repeatedly.
func (s *Store) CreateChannel(name, description string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureChannelLocked(name, description)
}

func (s *Store) ensureChannelLocked(name, description string) *Channel {
	if ch, ok := s.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		Name:        name,
		Description: description,
		Members:     map[string]struct{}{},
	}
	s.channels[name] = ch
	return ch
}

// HasChannel reports whether a channel exists.
func (s *Store) HasChannel(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// newMessage builds an unstored message record.
func newMessage(sender, target, channel, text, quotedID, quotedExcerpt string, attachments []string) *Message {
	return &Message{
		ID:              uuid.NewString(),
		SenderID:        sender,
		TargetID:        target,
		Channel:         channel,
		Text:            text,
		Timestamp:       time.Now().UTC(),
		QuotedMessageID: quotedID,
		QuotedExcerpt:   quotedExcerpt,
		Attachments:     append([]string(nil), attachments...),
		reactions:       map[string]map[string]struct{}{},
	}
}

// AddChannelRoot creates a root message in a channel, enforcing the history
// cap by evicting the oldest root together with its whole thread. autoCreate
// governs whether an unknown channel is created on the fly. Returns the
// stored message and the evicted message ids, if any.
func (s *Store) AddChannelRoot(channel, sender, target, text, quotedID, quotedExcerpt string, attachments []string, autoCreate bool) (*Message, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		if !autoCreate {
			return nil, nil, fmt.Errorf("%w: %q", ErrChannelMissing, channel)
		}
		ch = s.ensureChannelLocked(channel, "")
	}

	msg := newMessage(sender, target, channel, text, quotedID, quotedExcerpt, attachments)
	s.messages[msg.ID] = msg
	ch.Roots = append(ch.Roots, msg.ID)
	ch.TotalMessages++
	ch.Members[sender] = struct{}{}

	var evicted []string
	for len(ch.Roots) > s.historyCap {
		evicted = append(evicted, s.evictRootLocked(ch)...)
	}
	return msg, evicted, nil
}

// evictRootLocked removes the channel's oldest root and its descendants. A
// root and its thread are one eviction unit.
func (s *Store) evictRootLocked(ch *Channel) []string {
	rootID := ch.Roots[0]
	ch.Roots = ch.Roots[1:]
	var removed []string
	var walk func(id string)
	walk = func(id string) {
		msg, ok := s.messages[id]
		if !ok {
			return
		}
		for _, child := range msg.Children {
			walk(child)
		}
		delete(s.messages, id)
		removed = append(removed, id)
	}
	walk(rootID)
	ch.TotalMessages -= len(removed)
	if ch.TotalMessages < 0 {
		ch.TotalMessages = 0
	}
	return removed
}

// AddDirectMessage creates a level-0 DM record and appends it to the pair's
// conversation.
func (s *Store) AddDirectMessage(sender, target, text, quotedID, quotedExcerpt string, attachments []string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := newMessage(sender, target, "", text, quotedID, quotedExcerpt, attachments)
	s.messages[msg.ID] = msg
	key := dmKey(sender, target)
	s.dms[key] = append(s.dms[key], msg.ID)
	return msg
}

// AddReply validates the parent, computes the thread level and stores the
// reply, keeping the parent's children list consistent. Nothing is mutated
// on a validation failure.
func (s *Store) AddReply(parentID, sender, text, quotedID, quotedExcerpt string, attachments []string) (*Message, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.messages[parentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrParentMissing, parentID)
	}
	level := parent.ThreadLevel + 1
	if level > s.maxDepth {
		return nil, nil, fmt.Errorf("%w: level %d > %d", ErrDepthExceeded, level, s.maxDepth)
	}

	target := ""
	if parent.Channel == "" {
		// DM thread: the reply goes to the other party.
		target = parent.SenderID
		if sender == parent.SenderID {
			target = parent.TargetID
		}
	}

	msg := newMessage(sender, target, parent.Channel, text, quotedID, quotedExcerpt, attachments)
	msg.ReplyToID = parentID
	msg.ThreadLevel = level
	s.messages[msg.ID] = msg
	parent.Children = append(parent.Children, msg.ID)

	if parent.Channel != "" {
		if ch, ok := s.channels[parent.Channel]; ok {
			ch.TotalMessages++
			ch.Members[sender] = struct{}{}
		}
	}
	return msg, parent, nil
}

// Get returns a message by id.
func (s *Store) Get(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// React applies one add/remove for (message, reaction, agent). Add when
// present and remove when absent are no-ops; the returned counts reflect the
// state after the operation.
func (s *Store) React(messageID, agentID, reaction string, add bool) (map[string]int, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrMessageMissing, messageID)
	}
	agents := msg.reactions[reaction]
	if add {
		if agents == nil {
			agents = map[string]struct{}{}
			msg.reactions[reaction] = agents
		}
		agents[agentID] = struct{}{}
	} else if agents != nil {
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(msg.reactions, reaction)
		}
	}
	return msg.ReactionCounts(), msg, nil
}

// ChannelDescriptor is one list_channels row.
type ChannelDescriptor struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	MemberCount  int    `json:"member_count"`
	MessageCount int    `json:"message_count"`
	ThreadCount  int    `json:"thread_count"`
}

// ListChannels returns channel descriptors sorted by name.
func (s *Store) ListChannels() []ChannelDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelDescriptor, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ChannelDescriptor{
			Name:         ch.Name,
			Description:  ch.Description,
			MemberCount:  len(ch.Members),
			MessageCount: ch.TotalMessages,
			ThreadCount:  len(ch.Roots),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelMembers returns the member set of a channel minus the excluded
// agent.
func (s *Store) ChannelMembers(channel, exclude string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.Members))
	for m := range ch.Members {
		if m != exclude {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Validate invariants helper for tests: returns the ids referenced by any
// surviving message that do not resolve.
func (s *Store) danglingRefs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range s.messages {
		if m.ReplyToID != "" {
			if _, ok := s.messages[m.ReplyToID]; !ok {
				out = append(out, m.ID+"->"+m.ReplyToID)
			}
		}
		for _, child := range m.Children {
			if _, ok := s.messages[child]; !ok {
				out = append(out, m.ID+"=>"+child)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i], out[j]) < 0 })
	return out
}
