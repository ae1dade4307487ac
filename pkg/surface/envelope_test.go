package surface

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateEnvelopeRequiresRequestID(t *testing.T) {
	err := ValidateEnvelope([]byte(`{"session_id":"s1"}`))
	require.Error(t, err)
}

func TestValidateEnvelopeRequiresSessionID(t *testing.T) {
	err := ValidateEnvelope([]byte(`{"request_id":"r1"}`))
	require.Error(t, err)
}

func TestValidateEnvelopeRejectsMalformedJSON(t *testing.T) {
	err := ValidateEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestValidateEnvelopeAcceptsCompleteEnvelope(t *testing.T) {
	err := ValidateEnvelope([]byte(`{"request_id":"r1","session_id":"s1"}`))
	require.NoError(t, err)
}

func TestDiscordFieldReadsNestedField(t *testing.T) {
	raw := []byte(`{"discord":{"mentionsBot":true}}`)
	require.True(t, DiscordField(raw, "mentionsBot").Bool())
}

func TestPatchBufferedForActiveRequest(t *testing.T) {
	raw := []byte(`{"discord":{"mentionsBot":true}}`)
	patched, err := PatchBufferedForActiveRequest(raw, "req:abc")
	require.NoError(t, err)
	require.Equal(t, "req:abc", DiscordField(patched, "bufferedForActiveRequestId").String())
	require.True(t, DiscordField(patched, "mentionsBot").Bool())
}
