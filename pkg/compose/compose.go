// Package compose builds the ordered model-message list from a trigger
// message: reply-chain reconstruction, recent-channel
// recomposition with active-burst rules, the 7-minute merge window,
// session-divider cutoff, per-message rendering, and attachment
// inlining. Generalizes an orphan-history-stripping,
// system+history+user assembly pipeline for the
// rendering half, and on the pack's bounded-concurrency fetch style for
// reaction/attachment downloads.
package compose

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lilacbridge/lilac-core/pkg/surface"
	"golang.org/x/sync/errgroup"
)

const (
	mergeWindow          = 7 * time.Minute
	activeBurstMaxAge    = 3 * time.Hour
	activeBurstSilence   = 2 * time.Hour
	defaultMaxDepth      = 20
	defaultGateLimit     = 8
	defaultRecentLimit   = 40
	reactionConcurrency  = 8
	transcriptForkMaxAge = time.Hour
)

// TriggerType mirrors the router's classification of how a request was
// triggered. It governs whether active-burst rules apply and whether
// session dividers cut the view.
type TriggerType string

const (
	TriggerReply           TriggerType = "reply"
	TriggerMention         TriggerType = "mention"
	TriggerPlain           TriggerType = "plain"
	TriggerReplyToActive   TriggerType = "reply_to_active"
	TriggerReplyToInactive TriggerType = "reply_to_inactive"
)

// IsSessionDivider is the injectable predicate for the open question of
// (c): the session-divider marker's exact text is opaque to this package.
// The default recognizes lilac's own divider text; callers may replace it
// (e.g. in tests) with var reassignment.
var IsSessionDivider = func(text string) bool {
	return strings.TrimSpace(text) == "--- new session ---"
}

// Fetcher resolves surface state this package needs but doesn't own:
// message lookup, recent-channel listing, reaction listing, and
// transcript-snapshot lookup for bot-message forking.
type Fetcher interface {
	GetMessage(ctx context.Context, sessionID, messageID string) (surface.Message, bool, error)
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]surface.Message, error)
	ListReactions(ctx context.Context, sessionID, messageID string) ([]string, error)
	TranscriptSnapshot(ctx context.Context, sessionID, botMessageID string) ([]RenderedMessage, bool, error)
}

// RenderedMessage is one entry of the final model-ready message list.
type RenderedMessage struct {
	Role       string // "user" | "assistant"
	Content    string
	MessageIDs []string
}

// Chunk is a merge-window-folded run of contiguous same-author messages.
type Chunk struct {
	AuthorID    string
	AuthorName  string
	AuthorAlias string
	IsBot       bool
	Text        string
	MessageIDs  []string
	LastMsgID   string
	Attachments []surface.Attachment
	TS          time.Time
	IsChat      bool
}

// ComposeFromReplyChain follows raw reference links backward from trigger
// up to maxDepth (default 20), stopping at a missing parent or a
// cross-session reference. Result is oldest-to-newest.
func ComposeFromReplyChain(ctx context.Context, f Fetcher, sessionID string, trigger surface.Message, maxDepth int) ([]surface.Message, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	chain := []surface.Message{trigger}
	cur := trigger
	for depth := 0; depth < maxDepth; depth++ {
		if cur.ReferencedMsgID == "" {
			break
		}
		parent, ok, err := f.GetMessage(ctx, sessionID, cur.ReferencedMsgID)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if parent.ChannelID != trigger.ChannelID {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}

	out := make([]surface.Message, len(chain))
	for i, m := range chain {
		out[len(chain)-1-i] = m
	}
	return out, nil
}

// ComposeFromMentionThread builds a thread for a mention trigger: a reply
// chain if the trigger is itself a reply, else a fallback to recent
// channel messages.
func ComposeFromMentionThread(ctx context.Context, f Fetcher, sessionID string, trigger surface.Message, limit int) ([]surface.Message, error) {
	if trigger.ReferencedMsgID != "" {
		return ComposeFromReplyChain(ctx, f, sessionID, trigger, defaultMaxDepth)
	}
	return ComposeRecentChannelMessages(ctx, f, sessionID, limit, nil, TriggerMention)
}

// ComposeRecentChannelMessages fetches recent messages, applies the
// active-burst rules (when triggerType != reply), sorts by (ts,
// snowflake-id), and applies the session-divider cutoff.
func ComposeRecentChannelMessages(ctx context.Context, f Fetcher, sessionID string, limit int, triggerMsgRef *surface.Message, triggerType TriggerType) ([]surface.Message, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	msgs, err := f.ListRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return surface.CompareTimeThenSnowflake(msgs[i].Timestamp, msgs[i].ID, msgs[j].Timestamp, msgs[j].ID) < 0
	})

	msgs = cutAtLastDivider(msgs, triggerMsgRef)

	if triggerType != TriggerReply {
		msgs = applyActiveBurstRules(msgs, triggerMsgRef, activeBurstLimit(triggerType, limit))
	}

	return msgs, nil
}

func activeBurstLimit(triggerType TriggerType, requested int) int {
	if triggerType == TriggerReplyToActive || triggerType == TriggerReplyToInactive {
		if requested <= 0 || requested > defaultGateLimit {
			return defaultGateLimit
		}
	}
	return requested
}

// cutAtLastDivider drops everything at or before the last session-divider
// message that occurs before the anchor (the trigger, or the newest
// message when no anchor is given). Divider messages are always excluded.
func cutAtLastDivider(msgs []surface.Message, anchor *surface.Message) []surface.Message {
	anchorIdx := len(msgs)
	if anchor != nil {
		for i, m := range msgs {
			if m.ID == anchor.ID {
				anchorIdx = i + 1
				break
			}
		}
	}

	cutFrom := 0
	for i := 0; i < anchorIdx && i < len(msgs); i++ {
		if msgs[i].AuthorBot && IsSessionDivider(msgs[i].Content) {
			cutFrom = i + 1
		}
	}

	filtered := make([]surface.Message, 0, len(msgs)-cutFrom)
	for _, m := range msgs[cutFrom:] {
		if m.AuthorBot && IsSessionDivider(m.Content) {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

// applyActiveBurstRules walks backward from the anchor (trigger, or the
// newest message) and stops at a >3h age gap or a >2h silence gap; the
// gap-crossing message is excluded. Platform/system notifications
// (IsChat==false on the raw envelope, not modeled here directly, callers
// filter via surface.Message.AuthorBot/metadata upstream) are assumed
// already excluded from msgs by the Fetcher.
func applyActiveBurstRules(msgs []surface.Message, anchorRef *surface.Message, limit int) []surface.Message {
	if len(msgs) == 0 {
		return msgs
	}

	anchorTS := msgs[len(msgs)-1].Timestamp
	if anchorRef != nil {
		for _, m := range msgs {
			if m.ID == anchorRef.ID {
				anchorTS = m.Timestamp
				break
			}
		}
	}

	var kept []surface.Message
	prevTS := anchorTS
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if anchorTS.Sub(m.Timestamp) > activeBurstMaxAge {
			break
		}
		if prevTS.Sub(m.Timestamp) > activeBurstSilence && len(kept) > 0 {
			break
		}
		kept = append([]surface.Message{m}, kept...)
		prevTS = m.Timestamp
		if limit > 0 && len(kept) >= limit {
			break
		}
	}
	return kept
}

// MergeWindow folds contiguous same-author messages whose successive
// timestamp gap is <= 7 minutes into one Chunk, joining text with "\n\n"
// and unioning attachments.
func MergeWindow(msgs []surface.Message) []Chunk {
	var chunks []Chunk
	for _, m := range msgs {
		if len(chunks) > 0 {
			last := &chunks[len(chunks)-1]
			if last.AuthorID == m.AuthorID && m.Timestamp.Sub(last.TS) <= mergeWindow {
				last.Text += "\n\n" + m.Content
				last.MessageIDs = append(last.MessageIDs, m.ID)
				last.LastMsgID = m.ID
				last.Attachments = append(last.Attachments, m.Attachments...)
				last.TS = m.Timestamp
				continue
			}
		}
		chunks = append(chunks, Chunk{
			AuthorID:    m.AuthorID,
			AuthorName:  m.AuthorName,
			IsBot:       m.AuthorBot,
			Text:        m.Content,
			MessageIDs:  []string{m.ID},
			LastMsgID:   m.ID,
			Attachments: append([]surface.Attachment(nil), m.Attachments...),
			TS:          m.Timestamp,
		})
	}
	return chunks
}

// RenderOptions parameterizes per-message rendering.
type RenderOptions struct {
	MentionTriggerMessageID string // strip a leading bot mention from the chunk containing this id
	AnchoredMessageID       string // apply TransformUserText only to the chunk containing this id
	TransformUserText       func(text string) string
	SanitizeUserName        func(name string) string
	AuthorAlias             func(authorID string) string
	FetchReactions          func(ctx context.Context, messageID string) ([]string, error)
	ActiveBurst             bool // true when the transcript was composed under active-burst rules
}

// Render renders every chunk to its final model message, forking
// bot/assistant chunks from a stored transcript snapshot when available
// and not stale, and fetching reactions for user chunks with bounded
// concurrency.
func Render(ctx context.Context, chunks []Chunk, f Fetcher, sessionID string, opts RenderOptions) ([]RenderedMessage, error) {
	rendered := make([]RenderedMessage, len(chunks))
	reactions := make([][]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, reactionConcurrency)
	for i, c := range chunks {
		if c.IsBot {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			rs, err := fetchReactionsBestEffort(gctx, f, sessionID, c.LastMsgID, opts)
			if err == nil {
				reactions[i] = rs
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, c := range chunks {
		if c.IsBot {
			rm, err := renderBotChunk(ctx, f, sessionID, c, opts.ActiveBurst)
			if err != nil {
				return nil, err
			}
			rendered[i] = rm
			continue
		}
		rendered[i] = renderUserChunk(c, reactions[i], opts)
	}

	return rendered, nil
}

func fetchReactionsBestEffort(ctx context.Context, f Fetcher, sessionID, messageID string, opts RenderOptions) ([]string, error) {
	if opts.FetchReactions != nil {
		return opts.FetchReactions(ctx, messageID)
	}
	if f == nil {
		return nil, nil
	}
	return f.ListReactions(ctx, sessionID, messageID)
}

func renderUserChunk(c Chunk, reactions []string, opts RenderOptions) RenderedMessage {
	body := c.Text
	if opts.AnchoredMessageID != "" && containsID(c.MessageIDs, opts.AnchoredMessageID) && opts.TransformUserText != nil {
		body = opts.TransformUserText(body)
	}
	if opts.MentionTriggerMessageID != "" && containsID(c.MessageIDs, opts.MentionTriggerMessageID) {
		body = stripLeadingMention(body)
	}

	userName := c.AuthorName
	if opts.SanitizeUserName != nil {
		userName = opts.SanitizeUserName(userName)
	}
	alias := ""
	if opts.AuthorAlias != nil {
		alias = opts.AuthorAlias(c.AuthorID)
	}

	var header strings.Builder
	header.WriteString("[discord user_id=")
	header.WriteString(c.AuthorID)
	header.WriteString(" user_name=")
	header.WriteString(userName)
	if alias != "" {
		header.WriteString(" user_alias=")
		header.WriteString(alias)
	}
	header.WriteString(" message_id=")
	header.WriteString(c.LastMsgID)
	if len(reactions) > 0 {
		header.WriteString(" reactions=")
		header.WriteString(strings.Join(reactions, ","))
	}
	header.WriteString("]")

	content := header.String() + "\n" + body
	if len(c.Attachments) > 0 {
		content += "\n" + RenderAttachments(c.Attachments)
	}

	return RenderedMessage{Role: "user", Content: content, MessageIDs: c.MessageIDs}
}

// renderBotChunk forks an assistant chunk from its stored transcript
// snapshot when one is available and not stale. A chunk is stale when its
// timestamp is more than transcriptForkMaxAge before the current time; the
// age is not measured against the anchor message. In active-burst mode a
// stale chunk has its expansion suppressed and is summarized instead of
// shown verbatim.
func renderBotChunk(ctx context.Context, f Fetcher, sessionID string, c Chunk, activeBurst bool) (RenderedMessage, error) {
	stale := time.Since(c.TS) > transcriptForkMaxAge

	if !stale && f != nil {
		if snapshot, ok, err := f.TranscriptSnapshot(ctx, sessionID, c.LastMsgID); err == nil && ok && len(snapshot) > 0 {
			var b strings.Builder
			for i, m := range snapshot {
				if i > 0 {
					b.WriteString("\n")
				}
				b.WriteString(m.Content)
			}
			return RenderedMessage{Role: "assistant", Content: b.String(), MessageIDs: c.MessageIDs}, nil
		}
	}

	if stale && activeBurst {
		return RenderedMessage{Role: "assistant", Content: summarizeStaleBotChunk(c.Text), MessageIDs: c.MessageIDs}, nil
	}
	return RenderedMessage{Role: "assistant", Content: c.Text, MessageIDs: c.MessageIDs}, nil
}

const staleBotChunkExcerptLen = 280

// summarizeStaleBotChunk is the deterministic stand-in used when a bot
// chunk's transcript expansion is suppressed: a bounded excerpt marked as
// summarized, rather than the chunk's full verbatim text.
func summarizeStaleBotChunk(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= staleBotChunkExcerptLen {
		return "[summarized, stale] " + trimmed
	}
	return "[summarized, stale] " + trimmed[:staleBotChunkExcerptLen] + "…"
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func stripLeadingMention(text string) string {
	trimmed := strings.TrimLeft(text, " ")
	if strings.HasPrefix(trimmed, "<@") {
		if idx := strings.Index(trimmed, ">"); idx != -1 {
			return strings.TrimLeft(trimmed[idx+1:], " ")
		}
	}
	return text
}
