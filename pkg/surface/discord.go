// Package surface holds the raw-event-envelope types and the Discord
// snowflake comparator used to order messages with identical timestamps
// when composing a request's context.
package surface

import (
	"math/big"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Message mirrors the portion of a Discord message the composition layer
// reads, a thin projection over *discordgo.Message, not a wrapper of it,
// so pkg/compose never needs the discordgo session to build a transcript.
type Message struct {
	ID              string
	ChannelID       string
	AuthorID        string
	AuthorName      string
	AuthorBot       bool
	Content         string
	Timestamp       time.Time
	ReferencedMsgID string
	Attachments     []Attachment
}

type Attachment struct {
	URL      string
	Filename string
	MimeType string
	Size     int64
}

// FromDiscordgoMessage projects a *discordgo.Message into a Message.
func FromDiscordgoMessage(m *discordgo.Message) Message {
	out := Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.AuthorBot = m.Author.Bot
	}
	if m.MessageReference != nil {
		out.ReferencedMsgID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, Attachment{
			URL:      a.URL,
			Filename: a.Filename,
			MimeType: a.ContentType,
			Size:     int64(a.Size),
		})
	}
	return out
}

// CompareSnowflake orders two Discord snowflake IDs numerically. Discord
// snowflakes are 64-bit integers serialized as decimal strings; lexical
// comparison of equal-length decimal strings already sorts correctly, and
// for unequal lengths the longer string is always numerically larger
// (snowflakes are monotonic in length over Discord's epoch), so this falls
// back to a big.Int compare only when lengths differ, to stay correct
// without assuming the lengths-never-differ case holds forever.
func CompareSnowflake(a, b string) int {
	if len(a) == len(b) {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}

	ai, aok := new(big.Int).SetString(a, 10)
	bi, bok := new(big.Int).SetString(b, 10)
	if !aok || !bok {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return ai.Cmp(bi)
}

// CompareTimeThenSnowflake orders two messages by (ts, snowflake-id),
// breaking timestamp ties on the message ID, the tie-break needed when
// composing recent-channel context.
func CompareTimeThenSnowflake(aTS time.Time, aID string, bTS time.Time, bID string) int {
	if aTS.Before(bTS) {
		return -1
	}
	if aTS.After(bTS) {
		return 1
	}
	return CompareSnowflake(aID, bID)
}

// SnowflakeTimestamp extracts the embedded creation time from a Discord
// snowflake ID, for messages whose Timestamp field was not populated by
// the adapter (e.g. reconstructed from a raw envelope).
func SnowflakeTimestamp(id string) (time.Time, bool) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return time.Time{}, false
	}
	const discordEpochMs = 1420070400000
	ms := new(big.Int).Rsh(n, 22)
	return time.UnixMilli(ms.Int64() + discordEpochMs), true
}
