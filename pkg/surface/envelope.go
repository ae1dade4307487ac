package surface

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ValidateEnvelope checks that a raw bus envelope JSON payload carries the
// request_id/session_id headers the router and runner require. Error
// kind 1 ("malformed bus envelope") from the error-handling design: the
// caller logs and lets the bus retry rather than routing a headerless
// event.
func ValidateEnvelope(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("malformed bus envelope: not valid JSON")
	}
	result := gjson.ParseBytes(raw)
	if !result.Get("request_id").Exists() {
		return fmt.Errorf("malformed bus envelope: missing request_id")
	}
	if !result.Get("session_id").Exists() {
		return fmt.Errorf("malformed bus envelope: missing session_id")
	}
	return nil
}

// DiscordField reads a single field out of the raw.discord sub-object
// without fully unmarshaling the envelope, used by the Router's
// directive/trigger-type classification, which only ever needs one or two
// fields per decision.
func DiscordField(raw []byte, field string) gjson.Result {
	return gjson.GetBytes(raw, "discord."+field)
}

// PatchBufferedForActiveRequest stamps raw.discord.bufferedForActiveRequestId
// onto a raw envelope when the Session-Queue Runner buffers a message
// behind the currently-running request (request-id scheme), without
// requiring the router to unmarshal/remarshal the whole raw struct.
func PatchBufferedForActiveRequest(raw []byte, activeRequestID string) ([]byte, error) {
	patched, err := sjson.SetBytes(raw, "discord.bufferedForActiveRequestId", activeRequestID)
	if err != nil {
		return nil, fmt.Errorf("patching raw envelope: %w", err)
	}
	return patched, nil
}
