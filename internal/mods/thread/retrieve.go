package thread

import (
	"fmt"
	"time"
)

// ThreadInfo is carried on each retrieved record so clients can rebuild the
// tree without extra lookups.
type ThreadInfo struct {
	IsRoot        bool `json:"is_root"`
	ThreadLevel   int  `json:"thread_level"`
	ChildrenCount int  `json:"children_count"`
}

// MessageView is the wire projection of a message record.
type MessageView struct {
	MessageID       string         `json:"message_id"`
	SenderID        string         `json:"sender_id"`
	TargetAgentID   string         `json:"target_agent_id,omitempty"`
	Channel         string         `json:"channel,omitempty"`
	Content         MessageContent `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	ReplyToID       string         `json:"reply_to_id,omitempty"`
	QuotedMessageID string         `json:"quoted_message_id,omitempty"`
	QuotedExcerpt   string         `json:"quoted_excerpt,omitempty"`
	Reactions       map[string]int `json:"reactions,omitempty"`
	Attachments     []string       `json:"attachments,omitempty"`
	ThreadInfo      ThreadInfo     `json:"thread_info"`
}

// MessageContent is the content blob of a message.
type MessageContent struct {
	Text          string   `json:"text"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

func viewOf(m *Message) MessageView {
	return MessageView{
		MessageID:       m.ID,
		SenderID:        m.SenderID,
		TargetAgentID:   m.TargetID,
		Channel:         m.Channel,
		Content:         MessageContent{Text: m.Text, AttachmentIDs: m.Attachments},
		Timestamp:       m.Timestamp,
		ReplyToID:       m.ReplyToID,
		QuotedMessageID: m.QuotedMessageID,
		QuotedExcerpt:   m.QuotedExcerpt,
		Reactions:       m.ReactionCounts(),
		Attachments:     m.Attachments,
		ThreadInfo: ThreadInfo{
			IsRoot:        m.ReplyToID == "",
			ThreadLevel:   m.ThreadLevel,
			ChildrenCount: len(m.Children),
		},
	}
}

// ChannelSlice returns the limit newest roots after offset, each followed by
// its subtree in pre-order when includeThreads is set. Children are emitted
// in creation order.
func (s *Store) ChannelSlice(channel string, limit, offset int, includeThreads bool) ([]MessageView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelMissing, channel)
	}
	return s.sliceLocked(ch.Roots, limit, offset, includeThreads), nil
}

// DMSlice returns the newest limit level-0 messages of the pair's
// conversation after offset, with thread reconstruction.
func (s *Store) DMSlice(a, b string, limit, offset int, includeThreads bool) []MessageView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sliceLocked(s.dms[dmKey(a, b)], limit, offset, includeThreads)
}

// sliceLocked walks roots newest-first applying offset and limit, expanding
// each selected root depth-first in pre-order.
func (s *Store) sliceLocked(roots []string, limit, offset int, includeThreads bool) []MessageView {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []MessageView
	taken := 0
	for i := len(roots) - 1 - offset; i >= 0 && taken < limit; i-- {
		root, ok := s.messages[roots[i]]
		if !ok {
			continue
		}
		taken++
		if includeThreads {
			s.emitPreorderLocked(root, &out)
		} else {
			out = append(out, viewOf(root))
		}
	}
	return out
}

func (s *Store) emitPreorderLocked(m *Message, out *[]MessageView) {
	*out = append(*out, viewOf(m))
	for _, childID := range m.Children {
		if child, ok := s.messages[childID]; ok {
			s.emitPreorderLocked(child, out)
		}
	}
}
