package compose

import (
	"context"
	"testing"
	"time"

	"github.com/lilacbridge/lilac-core/pkg/surface"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	byID     map[string]surface.Message
	recent   []surface.Message
	reacts   map[string][]string
	snapshot map[string][]RenderedMessage
}

func (f *fakeFetcher) GetMessage(ctx context.Context, sessionID, messageID string) (surface.Message, bool, error) {
	m, ok := f.byID[messageID]
	return m, ok, nil
}

func (f *fakeFetcher) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]surface.Message, error) {
	return f.recent, nil
}

func (f *fakeFetcher) ListReactions(ctx context.Context, sessionID, messageID string) ([]string, error) {
	return f.reacts[messageID], nil
}

func (f *fakeFetcher) TranscriptSnapshot(ctx context.Context, sessionID, botMessageID string) ([]RenderedMessage, bool, error) {
	snap, ok := f.snapshot[botMessageID]
	return snap, ok, nil
}

func msg(id, authorID string, ts time.Time, content string) surface.Message {
	return surface.Message{ID: id, AuthorID: authorID, AuthorName: authorID, Content: content, Timestamp: ts}
}

func TestComposeFromReplyChainWalksBackwardOldestFirst(t *testing.T) {
	base := time.Now()
	m1 := msg("1", "u1", base, "first")
	m2 := msg("2", "u1", base.Add(time.Minute), "second")
	m2.ReferencedMsgID = "1"
	m3 := msg("3", "u1", base.Add(2*time.Minute), "third")
	m3.ReferencedMsgID = "2"

	f := &fakeFetcher{byID: map[string]surface.Message{"1": m1, "2": m2, "3": m3}}

	chain, err := ComposeFromReplyChain(context.Background(), f, "s1", m3, 20)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, idsOf(chain))
}

func TestComposeFromReplyChainRespectsMaxDepth(t *testing.T) {
	base := time.Now()
	m1 := msg("1", "u1", base, "a")
	m2 := msg("2", "u1", base.Add(time.Minute), "b")
	m2.ReferencedMsgID = "1"
	m3 := msg("3", "u1", base.Add(2*time.Minute), "c")
	m3.ReferencedMsgID = "2"

	f := &fakeFetcher{byID: map[string]surface.Message{"1": m1, "2": m2, "3": m3}}

	chain, err := ComposeFromReplyChain(context.Background(), f, "s1", m3, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3"}, idsOf(chain))
}

func TestComposeFromReplyChainStopsAtMissingParent(t *testing.T) {
	base := time.Now()
	m2 := msg("2", "u1", base, "b")
	m2.ReferencedMsgID = "missing"

	f := &fakeFetcher{byID: map[string]surface.Message{}}
	chain, err := ComposeFromReplyChain(context.Background(), f, "s1", m2, 20)
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, idsOf(chain))
}

func idsOf(msgs []surface.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestMergeWindowFoldsWithinSevenMinutes(t *testing.T) {
	base := time.Now()
	msgs := []surface.Message{
		msg("1", "u1", base, "hello"),
		msg("2", "u1", base.Add(3*time.Minute), "world"),
		msg("3", "u1", base.Add(11*time.Minute), "later"), // >7m gap from msg 2
	}
	chunks := MergeWindow(msgs)
	require.Len(t, chunks, 2)
	require.Equal(t, "hello\n\nworld", chunks[0].Text)
	require.Equal(t, []string{"1", "2"}, chunks[0].MessageIDs)
	require.Equal(t, "later", chunks[1].Text)
}

func TestMergeWindowSplitsOnAuthorChange(t *testing.T) {
	base := time.Now()
	msgs := []surface.Message{
		msg("1", "u1", base, "a"),
		msg("2", "u2", base.Add(time.Minute), "b"),
	}
	chunks := MergeWindow(msgs)
	require.Len(t, chunks, 2)
}

func TestCutAtLastDividerDropsEverythingBeforeAndIncludingDivider(t *testing.T) {
	base := time.Now()
	divider := msg("2", "bot", base.Add(time.Minute), "--- new session ---")
	divider.AuthorBot = true
	msgs := []surface.Message{
		msg("1", "u1", base, "old context"),
		divider,
		msg("3", "u1", base.Add(2*time.Minute), "new context"),
	}
	out := cutAtLastDivider(msgs, nil)
	require.Equal(t, []string{"3"}, idsOf(out))
}

func TestApplyActiveBurstRulesStopsOnSilenceGap(t *testing.T) {
	base := time.Now()
	msgs := []surface.Message{
		msg("1", "u1", base, "old"),
		msg("2", "u1", base.Add(3*time.Hour), "after silence"),
	}
	out := applyActiveBurstRules(msgs, nil, 0)
	require.Equal(t, []string{"2"}, idsOf(out))
}

func TestApplyActiveBurstRulesBoundsByLimit(t *testing.T) {
	base := time.Now()
	var msgs []surface.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg(string(rune('a'+i)), "u1", base.Add(time.Duration(i)*time.Minute), "m"))
	}
	out := applyActiveBurstRules(msgs, nil, 8)
	require.Len(t, out, 8)
}

func TestRenderUserChunkFormatsHeader(t *testing.T) {
	c := Chunk{AuthorID: "u1", AuthorName: "alice", Text: "hi there", LastMsgID: "9", MessageIDs: []string{"9"}}
	rm := renderUserChunk(c, nil, RenderOptions{})
	require.Contains(t, rm.Content, "[discord user_id=u1 user_name=alice message_id=9]")
	require.Contains(t, rm.Content, "hi there")
}

func TestRenderUserChunkStripsLeadingMentionOnTriggerChunk(t *testing.T) {
	c := Chunk{AuthorID: "u1", AuthorName: "alice", Text: "<@123> do the thing", LastMsgID: "9", MessageIDs: []string{"9"}}
	rm := renderUserChunk(c, nil, RenderOptions{MentionTriggerMessageID: "9"})
	require.Contains(t, rm.Content, "do the thing")
	require.NotContains(t, rm.Content, "<@123>")
}

func TestRenderBotChunkForksFromFreshTranscriptSnapshot(t *testing.T) {
	f := &fakeFetcher{snapshot: map[string][]RenderedMessage{
		"9": {{Role: "assistant", Content: "step one"}, {Role: "assistant", Content: "step two"}},
	}}
	c := Chunk{IsBot: true, Text: "verbatim fallback", LastMsgID: "9", MessageIDs: []string{"9"}, TS: time.Now()}

	rm, err := renderBotChunk(context.Background(), f, "s1", c, false)
	require.NoError(t, err)
	require.Equal(t, "step one\nstep two", rm.Content)
}

func TestRenderBotChunkSummarizesStaleChunkInActiveBurstMode(t *testing.T) {
	f := &fakeFetcher{snapshot: map[string][]RenderedMessage{
		"9": {{Role: "assistant", Content: "should not be used"}},
	}}
	c := Chunk{IsBot: true, Text: "old reply text", LastMsgID: "9", MessageIDs: []string{"9"}, TS: time.Now().Add(-2 * time.Hour)}

	rm, err := renderBotChunk(context.Background(), f, "s1", c, true)
	require.NoError(t, err)
	require.Contains(t, rm.Content, "[summarized, stale]")
	require.Contains(t, rm.Content, "old reply text")
}

func TestRenderBotChunkKeepsVerbatimTextWhenStaleOutsideActiveBurst(t *testing.T) {
	f := &fakeFetcher{}
	c := Chunk{IsBot: true, Text: "old reply text", LastMsgID: "9", MessageIDs: []string{"9"}, TS: time.Now().Add(-2 * time.Hour)}

	rm, err := renderBotChunk(context.Background(), f, "s1", c, false)
	require.NoError(t, err)
	require.Equal(t, "old reply text", rm.Content)
}

func TestRenderAttachmentsURLOnlyFallback(t *testing.T) {
	out := RenderAttachments([]surface.Attachment{{URL: "https://cdn/x.png", Filename: "x.png", MimeType: "image/png"}})
	require.Contains(t, out, "https://cdn/x.png")
}

func TestLooksBinaryDetectsNullByte(t *testing.T) {
	require.True(t, looksBinary([]byte{0x00, 0x01, 0x02}))
}

func TestLooksBinaryAllowsPlainText(t *testing.T) {
	require.False(t, looksBinary([]byte("hello world")))
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	orig := []byte("the quick brown fox jumps over the lazy dog")
	compressed, err := CompressTranscriptSnapshot(orig)
	require.NoError(t, err)
	decompressed, err := DecompressTranscriptSnapshot(compressed)
	require.NoError(t, err)
	require.Equal(t, orig, decompressed)
}
