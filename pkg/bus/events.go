package bus

import "time"

// Topic names, verbatim from the external interface table.
const (
	TopicAdapter = "evt.adapter"
	TopicSurface = "evt.surface"
	TopicRequest = "evt.request"
	TopicCmdReq  = "cmd.request"
	TopicCmdSurf = "cmd.surface"
)

// Event types carried on the topics above.
const (
	EventAdapterMessageCreated = "adapter.message.created"
	EventSurfaceMessageCreated = "surface.output.message.created"
	EventRequestLifecycle      = "request.lifecycle.changed"
	EventRequestReply          = "request.reply"
	EventRequestMessage        = "request.message"
	EventSurfaceReanchor       = "surface.output.reanchor"

	EventOutputDeltaText     = "agent.output.delta.text"
	EventOutputToolCall      = "agent.output.tool.call"
	EventOutputResponseText  = "agent.output.response.text"
	EventOutputResponseBinary = "agent.output.response.binary"
)

// QueueMode is the routing decision attached to a cmd.request/request.message.
type QueueMode string

const (
	QueueModePrompt          QueueMode = "prompt"
	QueueModeFollowUp        QueueMode = "followUp"
	QueueModeSteer           QueueMode = "steer"
	QueueModeInterrupt       QueueMode = "interrupt"
	QueueModeRedundantPrompt QueueMode = "redundantPrompt"
)

// LifecycleState is the value of evt.request/request.lifecycle.changed.
type LifecycleState string

const (
	LifecycleQueued    LifecycleState = "queued"
	LifecycleRunning   LifecycleState = "running"
	LifecycleResolved  LifecycleState = "resolved"
	LifecycleFailed    LifecycleState = "failed"
	LifecycleCancelled LifecycleState = "cancelled"
)

// DiscordRaw is the Discord-shaped portion of the raw event envelope.
type DiscordRaw struct {
	IsDMBased             bool                `json:"isDMBased,omitempty"`
	MentionsBot           bool                `json:"mentionsBot,omitempty"`
	ReplyToBot            bool                `json:"replyToBot,omitempty"`
	ReplyToMessageID      string              `json:"replyToMessageId,omitempty"`
	ParentChannelID       string              `json:"parentChannelId,omitempty"`
	SessionModelOverride  string              `json:"sessionModelOverride,omitempty"`
	BotUserID             string              `json:"botUserId,omitempty"`
	Attachments           []AttachmentRef     `json:"attachments,omitempty"`
	IsChat                bool                `json:"isChat,omitempty"`
	BufferedForActiveReqID string             `json:"bufferedForActiveRequestId,omitempty"`
}

// AttachmentRef is a lightweight pointer to an attachment on the surface,
// resolved/downloaded by pkg/compose.
type AttachmentRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"contentType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// RawEnvelope wraps the surface-specific raw payload; Discord is the only
// concrete surface wired here.
type RawEnvelope struct {
	Discord   *DiscordRaw     `json:"discord,omitempty"`
	Reference *MessageRef     `json:"reference,omitempty"`
}

type MessageRef struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// AdapterMessageCreated is the evt.adapter payload.
type AdapterMessageCreated struct {
	Platform  string      `json:"platform"`
	ChannelID string      `json:"channelId"`
	MessageID string      `json:"messageId"`
	UserID    string      `json:"userId"`
	UserName  string      `json:"userName,omitempty"`
	Text      string      `json:"text"`
	TS        time.Time   `json:"ts"`
	Raw       RawEnvelope `json:"raw"`
}

// RequestMessage is the cmd.request/request.message payload.
type RequestMessage struct {
	Queue         QueueMode     `json:"queue"`
	Messages      []interface{} `json:"messages"`
	ModelOverride string        `json:"modelOverride,omitempty"`
	Raw           RawEnvelope   `json:"raw"`
}

// RequestLifecycleChanged is the evt.request/request.lifecycle.changed payload.
type RequestLifecycleChanged struct {
	State  LifecycleState `json:"state"`
	Detail string         `json:"detail,omitempty"`
	TS     time.Time      `json:"ts"`
}

// SurfaceReanchor is the cmd.surface/surface.output.reanchor payload.
type SurfaceReanchor struct {
	InheritReplyTo bool      `json:"inheritReplyTo"`
	ReplyTo        string    `json:"replyTo,omitempty"`
	Mode           QueueMode `json:"mode"`
}

// SurfaceMessageCreated is the evt.surface/surface.output.message.created payload.
type SurfaceMessageCreated struct {
	MsgRef MessageRefWithPlatform `json:"msgRef"`
}

type MessageRefWithPlatform struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// RequiredHeaders returns the standard {request_id, session_id,
// request_client} triple used on cmd.request/evt.request envelopes.
func RequiredHeaders(requestID, sessionID, requestClient string) map[string]string {
	h := map[string]string{"request_id": requestID, "session_id": sessionID}
	if requestClient != "" {
		h["request_client"] = requestClient
	}
	return h
}
