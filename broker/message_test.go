package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := NewMessage("EXECUTE")
	msg.Service = "zato.ping"
	msg.Payload = []byte(`{"interval":5}`)

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.CID, got.CID)
	assert.Equal(t, "EXECUTE", got.Action)
	assert.Equal(t, "zato.ping", got.Service)
	assert.JSONEq(t, `{"interval":5}`, string(got.Payload))
}

func TestParseMessageRejectsMissingAction(t *testing.T) {
	_, err := ParseMessage([]byte(`{"cid":"abc"}`))
	assert.Error(t, err)
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestNewMessageAssignsCID(t *testing.T) {
	a := NewMessage("CONFIG_UPDATE")
	b := NewMessage("CONFIG_UPDATE")
	assert.NotEmpty(t, a.CID)
	assert.NotEqual(t, a.CID, b.CID)
}
