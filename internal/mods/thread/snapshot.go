package thread

import (
	"encoding/json"
	"fmt"
	"time"
)

// Serialized forms for the optional node snapshot. Reactions flatten to
// reaction type → agent ids.

type messageState struct {
	ID              string              `json:"id"`
	SenderID        string              `json:"sender_id"`
	TargetID        string              `json:"target_id,omitempty"`
	Channel         string              `json:"channel,omitempty"`
	Text            string              `json:"text"`
	Timestamp       time.Time           `json:"timestamp"`
	ReplyToID       string              `json:"reply_to_id,omitempty"`
	ThreadLevel     int                 `json:"thread_level"`
	QuotedMessageID string              `json:"quoted_message_id,omitempty"`
	QuotedExcerpt   string              `json:"quoted_excerpt,omitempty"`
	Attachments     []string            `json:"attachments,omitempty"`
	Children        []string            `json:"children,omitempty"`
	Reactions       map[string][]string `json:"reactions,omitempty"`
}

type channelState struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Members       []string `json:"members,omitempty"`
	Roots         []string `json:"roots,omitempty"`
	TotalMessages int      `json:"total_messages"`
}

type modState struct {
	Messages []messageState       `json:"messages"`
	Channels []channelState       `json:"channels"`
	DMs      map[string][]string  `json:"dms,omitempty"`
	Files    []attachmentState    `json:"files,omitempty"`
}

type attachmentState struct {
	ID       string    `json:"id"`
	FileName string    `json:"file_name"`
	MimeType string    `json:"mime_type"`
	Uploaded time.Time `json:"uploaded_at"`
	OwnerID  string    `json:"owner_id"`
	Data     []byte    `json:"data"`
}

// SnapshotState implements mods.Snapshotter.
func (m *Mod) SnapshotState() ([]byte, error) {
	s := m.store
	s.mu.RLock()
	state := modState{DMs: map[string][]string{}}
	for _, msg := range s.messages {
		reactions := map[string][]string{}
		for rtype, agents := range msg.reactions {
			for a := range agents {
				reactions[rtype] = append(reactions[rtype], a)
			}
		}
		state.Messages = append(state.Messages, messageState{
			ID: msg.ID, SenderID: msg.SenderID, TargetID: msg.TargetID,
			Channel: msg.Channel, Text: msg.Text, Timestamp: msg.Timestamp,
			ReplyToID: msg.ReplyToID, ThreadLevel: msg.ThreadLevel,
			QuotedMessageID: msg.QuotedMessageID, QuotedExcerpt: msg.QuotedExcerpt,
			Attachments: msg.Attachments, Children: msg.Children,
			Reactions: reactions,
		})
	}
	for _, ch := range s.channels {
		members := make([]string, 0, len(ch.Members))
		for a := range ch.Members {
			members = append(members, a)
		}
		state.Channels = append(state.Channels, channelState{
			Name: ch.Name, Description: ch.Description, Members: members,
			Roots: ch.Roots, TotalMessages: ch.TotalMessages,
		})
	}
	for key, ids := range s.dms {
		state.DMs[key] = append([]string(nil), ids...)
	}
	s.mu.RUnlock()

	m.files.mu.RLock()
	for _, id := range m.files.order {
		if att, ok := m.files.files[id]; ok {
			state.Files = append(state.Files, attachmentState{
				ID: att.ID, FileName: att.FileName, MimeType: att.MimeType,
				Uploaded: att.Uploaded, OwnerID: att.OwnerID, Data: att.Data,
			})
		}
	}
	m.files.mu.RUnlock()

	return json.Marshal(state)
}

// RestoreState implements mods.Snapshotter.
func (m *Mod) RestoreState(data []byte) error {
	var state modState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("thread mod: restore snapshot: %w", err)
	}
	s := m.store
	s.mu.Lock()
	s.messages = map[string]*Message{}
	s.channels = map[string]*Channel{}
	s.dms = map[string][]string{}
	for _, ms := range state.Messages {
		reactions := map[string]map[string]struct{}{}
		for rtype, agents := range ms.Reactions {
			set := map[string]struct{}{}
			for _, a := range agents {
				set[a] = struct{}{}
			}
			reactions[rtype] = set
		}
		s.messages[ms.ID] = &Message{
			ID: ms.ID, SenderID: ms.SenderID, TargetID: ms.TargetID,
			Channel: ms.Channel, Text: ms.Text, Timestamp: ms.Timestamp,
			ReplyToID: ms.ReplyToID, ThreadLevel: ms.ThreadLevel,
			QuotedMessageID: ms.QuotedMessageID, QuotedExcerpt: ms.QuotedExcerpt,
			Attachments: ms.Attachments, Children: ms.Children,
			reactions: reactions,
		}
	}
	for _, cs := range state.Channels {
		members := map[string]struct{}{}
		for _, a := range cs.Members {
			members[a] = struct{}{}
		}
		s.channels[cs.Name] = &Channel{
			Name: cs.Name, Description: cs.Description, Members: members,
			Roots: cs.Roots, TotalMessages: cs.TotalMessages,
		}
	}
	for key, ids := range state.DMs {
		s.dms[key] = ids
	}
	s.mu.Unlock()

	m.files.mu.Lock()
	m.files.files = map[string]*Attachment{}
	m.files.order = nil
	m.files.total = 0
	for _, fs := range state.Files {
		att := &Attachment{
			ID: fs.ID, FileName: fs.FileName, MimeType: fs.MimeType,
			Size: int64(len(fs.Data)), Uploaded: fs.Uploaded,
			OwnerID: fs.OwnerID, Data: fs.Data,
		}
		m.files.files[att.ID] = att
		m.files.order = append(m.files.order, att.ID)
		m.files.total += att.Size
	}
	m.files.mu.Unlock()
	return nil
}
