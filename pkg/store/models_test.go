package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakunbot/balakun/pkg/types/chat"
)

func TestVectorRoundTrip(t *testing.T) {
	v := Vector{0.5, -1.25, 3.75, 0}

	value, err := v.Value()
	require.NoError(t, err)
	blob, ok := value.([]byte)
	require.True(t, ok)
	assert.Len(t, blob, 16)

	var scanned Vector
	require.NoError(t, scanned.Scan(blob))
	assert.Equal(t, v, scanned)
}

func TestVectorEmptyIsNull(t *testing.T) {
	value, err := Vector(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, value)

	var scanned Vector
	require.NoError(t, scanned.Scan(nil))
	assert.Nil(t, scanned)
}

func TestVectorScanBadLength(t *testing.T) {
	var v Vector
	err := v.Scan([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a multiple of 4")
}

func TestJSONFieldRoundTrip(t *testing.T) {
	field := JSONField[[]chat.Media]{Data: []chat.Media{
		{Kind: chat.MediaPhoto, Mime: "image/png", Reference: "ref"},
	}}

	value, err := field.Value()
	require.NoError(t, err)

	var scanned JSONField[[]chat.Media]
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, field.Data, scanned.Data)

	// String values come back from some drivers.
	var fromString JSONField[[]chat.Media]
	require.NoError(t, fromString.Scan(`[{"kind":"voice","mime":"audio/ogg"}]`))
	require.Len(t, fromString.Data, 1)
	assert.Equal(t, chat.MediaVoice, fromString.Data[0].Kind)

	var fromNil JSONField[[]chat.Media]
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil.Data)
}

func TestTurnConversion(t *testing.T) {
	turn := chat.Turn{
		ChatID:    5,
		MessageID: 10,
		Role:      chat.RoleModel,
		Text:      "reply",
		Metadata:  chat.Metadata{ReplyToMessageID: 9},
		Timestamp: 123,
	}

	row := fromTurn(turn)
	back := row.ToTurn()
	assert.Equal(t, turn.ChatID, back.ChatID)
	assert.Equal(t, turn.Role, back.Role)
	assert.Equal(t, turn.Metadata, back.Metadata)
	assert.Nil(t, back.UserID, "model turns carry no author")
}
