// Package thread implements the thread messaging mod: channels, direct
// messages, nested replies to a bounded depth, reactions, a file store, and
// retrieval with thread reconstruction.
package thread

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/mods"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// ModName is the name envelopes are addressed to.
const ModName = "thread_messaging"

// Actions invoked through mod envelopes.
const (
	ActionSendDirectMessage       = "send_direct_message"
	ActionSendChannelMessage      = "send_channel_message"
	ActionReplyMessage            = "reply_message"
	ActionReaction                = "reaction"
	ActionListChannels            = "list_channels"
	ActionRetrieveChannelMessages = "retrieve_channel_messages"
	ActionRetrieveDirectMessages  = "retrieve_direct_messages"
	ActionFileUpload              = "file_upload_message"
)

// Reaction sub-actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Request is the payload of an inbound thread mod envelope, discriminated by
// Action.
type Request struct {
	Action string `json:"action"`

	TargetAgentID    string         `json:"target_agent_id,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	Content          MessageContent `json:"content,omitempty"`
	ReplyToID        string         `json:"reply_to_id,omitempty"`
	QuotedMessageID  string         `json:"quoted_message_id,omitempty"`
	MentionedAgentID string         `json:"mentioned_agent_id,omitempty"`

	TargetMessageID string `json:"target_message_id,omitempty"`
	ReactionType    string `json:"reaction_type,omitempty"`
	ReactionAction  string `json:"reaction_action,omitempty"`

	Limit          int  `json:"limit,omitempty"`
	Offset         int  `json:"offset,omitempty"`
	IncludeThreads bool `json:"include_threads,omitempty"`

	FileName    string `json:"file_name,omitempty"`
	FileContent string `json:"file_content,omitempty"` // base64
}

// Response is the payload returned to the requesting agent.
type Response struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`

	MessageID    string              `json:"message_id,omitempty"`
	Channel      string              `json:"channel,omitempty"`
	Channels     []ChannelDescriptor `json:"channels,omitempty"`
	Messages     []MessageView       `json:"messages,omitempty"`
	Reactions    map[string]int      `json:"reactions,omitempty"`
	AttachmentID string              `json:"attachment_id,omitempty"`
	FileName     string              `json:"file_name,omitempty"`
	Size         int64               `json:"size,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notification is the payload forwarded to recipients of messages and
// reactions.
type Notification struct {
	Event           string         `json:"event"`
	MessageID       string         `json:"message_id,omitempty"`
	Channel         string         `json:"channel,omitempty"`
	SenderID        string         `json:"sender_id"`
	TargetAgentID   string         `json:"target_agent_id,omitempty"`
	Text            string         `json:"text,omitempty"`
	ReplyToID       string         `json:"reply_to_id,omitempty"`
	ThreadLevel     int            `json:"thread_level"`
	IsRoot          bool           `json:"is_root"`
	QuotedMessageID string         `json:"quoted_message_id,omitempty"`
	QuotedExcerpt   string         `json:"quoted_excerpt,omitempty"`
	Attachments     []string       `json:"attachments,omitempty"`
	Reaction        string         `json:"reaction,omitempty"`
	ReactionAction  string         `json:"reaction_action,omitempty"`
	Reactions       map[string]int `json:"reactions,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Notification event names.
const (
	EventDirectMessage  = "direct_message"
	EventChannelMessage = "channel_message"
	EventReply          = "reply"
	EventReaction       = "reaction"
)

// Mod is the thread messaging mod.
type Mod struct {
	cfg   Config
	rt    mods.Runtime
	store *Store
	files *FileStore
}

// New creates the mod from its raw config block.
func New(raw map[string]any) (*Mod, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Mod{
		cfg:   cfg,
		store: NewStore(cfg.MaxThreadDepth, cfg.MaxMessageHistory),
		files: NewFileStore(cfg.MaxFileSize, cfg.MaxFileStoreBytes),
	}, nil
}

// Name implements mods.Mod.
func (m *Mod) Name() string { return ModName }

// Store exposes the message store; used by tests and the snapshotter.
func (m *Mod) Store() *Store { return m.store }

// Files exposes the attachment store.
func (m *Mod) Files() *FileStore { return m.files }

// OnStart implements mods.Mod: creates the statically configured channels.
func (m *Mod) OnStart(rt mods.Runtime) error {
	m.rt = rt
	for _, ch := range m.cfg.DefaultChannels {
		if ch.Name == "" {
			return fmt.Errorf("thread mod: default channel with empty name")
		}
		m.store.CreateChannel(ch.Name, ch.Description)
	}
	slog.Info("thread messaging mod started",
		"channels", len(m.cfg.DefaultChannels),
		"max_depth", m.cfg.MaxThreadDepth,
		"history_cap", m.cfg.MaxMessageHistory)
	return nil
}

// OnShutdown implements mods.Mod.
func (m *Mod) OnShutdown(ctx context.Context) error { return nil }

// OnEnvelope implements mods.Mod: decodes the action request and dispatches.
// Tool failures are answered with an error response to the sender; only
// undecodable envelopes surface an error to the host.
func (m *Mod) OnEnvelope(senderPeer string, env *protocol.Envelope) error {
	var req Request
	if err := env.DecodeContent(&req); err != nil {
		return fmt.Errorf("thread mod: %w", err)
	}
	sender := env.SenderID
	if sender == "" {
		return errors.New("thread mod: envelope has no sender")
	}

	var resp Response
	switch req.Action {
	case ActionSendDirectMessage:
		resp = m.handleDirectMessage(sender, req)
	case ActionSendChannelMessage:
		resp = m.handleChannelMessage(sender, req)
	case ActionReplyMessage:
		resp = m.handleReply(sender, req)
	case ActionReaction:
		resp = m.handleReaction(sender, req)
	case ActionListChannels:
		resp = Response{Action: req.Action, Success: true, Channels: m.store.ListChannels()}
	case ActionRetrieveChannelMessages:
		resp = m.handleRetrieveChannel(req)
	case ActionRetrieveDirectMessages:
		resp = m.handleRetrieveDirect(sender, req)
	case ActionFileUpload:
		resp = m.handleFileUpload(sender, req)
	default:
		resp = errResponse(req.Action, protocol.ErrKindInvalidPayload,
			fmt.Sprintf("unknown action %q", req.Action))
	}

	m.respond(sender, resp)
	return nil
}

func (m *Mod) handleDirectMessage(sender string, req Request) Response {
	if req.TargetAgentID == "" || req.Content.Text == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "target_agent_id and content.text are required")
	}
	if !m.rt.HasAgent(req.TargetAgentID) {
		return errResponse(req.Action, protocol.ErrKindNotRegistered,
			fmt.Sprintf("agent %q is not registered", req.TargetAgentID))
	}
	quotedExcerpt := m.excerpt(req.QuotedMessageID)
	msg := m.store.AddDirectMessage(sender, req.TargetAgentID, req.Content.Text,
		req.QuotedMessageID, quotedExcerpt, req.Content.AttachmentIDs)

	m.notify(req.TargetAgentID, m.notification(EventDirectMessage, msg))
	return Response{Action: req.Action, Success: true, MessageID: msg.ID}
}

func (m *Mod) handleChannelMessage(sender string, req Request) Response {
	if req.Channel == "" || req.Content.Text == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "channel and content.text are required")
	}
	quotedExcerpt := m.excerpt(req.QuotedMessageID)
	msg, evicted, err := m.store.AddChannelRoot(req.Channel, sender, req.MentionedAgentID,
		req.Content.Text, req.QuotedMessageID, quotedExcerpt, req.Content.AttachmentIDs, m.cfg.AutoCreate())
	if err != nil {
		return m.storeError(req.Action, err)
	}
	if len(evicted) > 0 {
		slog.Debug("channel history cap reached, oldest thread evicted",
			"channel", req.Channel, "messages", len(evicted))
	}

	note := m.notification(EventChannelMessage, msg)
	for _, member := range m.store.ChannelMembers(req.Channel, sender) {
		m.notify(member, note)
	}
	if req.MentionedAgentID != "" && req.MentionedAgentID != sender {
		m.notify(req.MentionedAgentID, note)
	}
	return Response{Action: req.Action, Success: true, MessageID: msg.ID, Channel: req.Channel}
}

func (m *Mod) handleReply(sender string, req Request) Response {
	if req.ReplyToID == "" || req.Content.Text == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "reply_to_id and content.text are required")
	}
	quotedExcerpt := m.excerpt(req.QuotedMessageID)
	msg, _, err := m.store.AddReply(req.ReplyToID, sender, req.Content.Text,
		req.QuotedMessageID, quotedExcerpt, req.Content.AttachmentIDs)
	if err != nil {
		return m.storeError(req.Action, err)
	}

	note := m.notification(EventReply, msg)
	if msg.Channel != "" {
		for _, member := range m.store.ChannelMembers(msg.Channel, sender) {
			m.notify(member, note)
		}
	} else if msg.TargetID != "" && msg.TargetID != sender {
		// DM thread: the reply flows to the other party, which is the parent
		// author whenever someone replies to them.
		m.notify(msg.TargetID, note)
	}
	return Response{Action: req.Action, Success: true, MessageID: msg.ID, Channel: msg.Channel}
}

func (m *Mod) handleReaction(sender string, req Request) Response {
	if req.TargetMessageID == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "target_message_id is required")
	}
	if !m.cfg.ReactionSupported(req.ReactionType) {
		return errResponse(req.Action, protocol.ErrKindInvalidReaction,
			fmt.Sprintf("reaction %q is not in the supported set", req.ReactionType))
	}
	var add bool
	switch req.ReactionAction {
	case ReactionAdd, "":
		add = true
	case ReactionRemove:
		add = false
	default:
		return errResponse(req.Action, protocol.ErrKindInvalidPayload,
			fmt.Sprintf("reaction_action must be %q or %q", ReactionAdd, ReactionRemove))
	}

	counts, msg, err := m.store.React(req.TargetMessageID, sender, req.ReactionType, add)
	if err != nil {
		return m.storeError(req.Action, err)
	}

	// Reaction changes are notified to the target message's author only.
	if msg.SenderID != sender {
		note := Notification{
			Event:          EventReaction,
			MessageID:      msg.ID,
			Channel:        msg.Channel,
			SenderID:       sender,
			Reaction:       req.ReactionType,
			ReactionAction: req.ReactionAction,
			Reactions:      counts,
			Timestamp:      time.Now().UTC(),
		}
		if note.ReactionAction == "" {
			note.ReactionAction = ReactionAdd
		}
		m.notify(msg.SenderID, note)
	}
	return Response{Action: req.Action, Success: true, MessageID: msg.ID, Reactions: counts}
}

func (m *Mod) handleRetrieveChannel(req Request) Response {
	if req.Channel == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "channel is required")
	}
	views, err := m.store.ChannelSlice(req.Channel, req.Limit, req.Offset, req.IncludeThreads)
	if err != nil {
		return m.storeError(req.Action, err)
	}
	return Response{Action: req.Action, Success: true, Channel: req.Channel, Messages: views}
}

func (m *Mod) handleRetrieveDirect(sender string, req Request) Response {
	if req.TargetAgentID == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "target_agent_id is required")
	}
	views := m.store.DMSlice(sender, req.TargetAgentID, req.Limit, req.Offset, req.IncludeThreads)
	return Response{Action: req.Action, Success: true, Messages: views}
}

func (m *Mod) handleFileUpload(sender string, req Request) Response {
	if req.FileName == "" || req.FileContent == "" {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "file_name and file_content are required")
	}
	data, err := base64.StdEncoding.DecodeString(req.FileContent)
	if err != nil {
		return errResponse(req.Action, protocol.ErrKindInvalidPayload, "file_content is not valid base64")
	}
	att, err := m.files.Put(sender, req.FileName, data)
	if err != nil {
		return m.storeError(req.Action, err)
	}
	return Response{Action: req.Action, Success: true,
		AttachmentID: att.ID, FileName: att.FileName, Size: att.Size}
}

// excerpt resolves the quoted message's text, truncated for transport.
func (m *Mod) excerpt(quotedID string) string {
	if quotedID == "" {
		return ""
	}
	msg, ok := m.store.Get(quotedID)
	if !ok {
		return ""
	}
	const maxExcerpt = 120
	if len(msg.Text) > maxExcerpt {
		return msg.Text[:maxExcerpt] + "..."
	}
	return msg.Text
}

func (m *Mod) notification(event string, msg *Message) Notification {
	return Notification{
		Event:           event,
		MessageID:       msg.ID,
		Channel:         msg.Channel,
		SenderID:        msg.SenderID,
		TargetAgentID:   msg.TargetID,
		Text:            msg.Text,
		ReplyToID:       msg.ReplyToID,
		ThreadLevel:     msg.ThreadLevel,
		IsRoot:          msg.ReplyToID == "",
		QuotedMessageID: msg.QuotedMessageID,
		QuotedExcerpt:   msg.QuotedExcerpt,
		Attachments:     msg.Attachments,
		Timestamp:       msg.Timestamp,
	}
}

// notify forwards a notification to one recipient. A failed forward drops
// that recipient for this envelope only; store state stays committed.
func (m *Mod) notify(agentID string, note Notification) {
	env, err := protocol.NewModMessage(ModName, protocol.DirectionOutbound, note.SenderID, agentID, note)
	if err != nil {
		slog.Warn("thread mod: encode notification", "error", err)
		return
	}
	env.RelevantAgentID = agentID
	if err := m.rt.SendToAgent(agentID, env); err != nil {
		slog.Debug("thread mod: notification dropped", "agent", agentID, "error", err)
	}
}

// respond returns the tool result to the requesting agent.
func (m *Mod) respond(agentID string, resp Response) {
	env, err := protocol.NewModMessage(ModName, protocol.DirectionOutbound, "", agentID, resp)
	if err != nil {
		slog.Warn("thread mod: encode response", "error", err)
		return
	}
	if err := m.rt.SendToAgent(agentID, env); err != nil {
		slog.Debug("thread mod: response dropped", "agent", agentID, "error", err)
	}
}

// storeError maps store and file errors to wire error kinds.
func (m *Mod) storeError(action string, err error) Response {
	kind := protocol.ErrKindInvalidPayload
	switch {
	case errors.Is(err, ErrChannelMissing):
		kind = protocol.ErrKindChannelMissing
	case errors.Is(err, ErrParentMissing):
		kind = protocol.ErrKindParentMissing
	case errors.Is(err, ErrDepthExceeded):
		kind = protocol.ErrKindDepthExceeded
	case errors.Is(err, ErrMessageMissing):
		kind = protocol.ErrKindMessageMissing
	case errors.Is(err, ErrFileTooLarge):
		kind = protocol.ErrKindPayloadTooLarge
	case errors.Is(err, ErrQuotaExhausted):
		kind = protocol.ErrKindQuotaExhausted
	}
	return errResponse(action, kind, err.Error())
}

func errResponse(action, kind, msg string) Response {
	return Response{Action: action, Success: false, ErrorKind: kind, Error: msg}
}
