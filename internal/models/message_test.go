package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
)

func TestMessageToWire(t *testing.T) {
	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	parent := &Message{BaseModel: BaseModel{ID: 7}, SenderID: 2, Kind: imtypes.TextContent, Text: "original"}

	m := &Message{
		BaseModel:      BaseModel{ID: 9},
		ConversationID: 3,
		SenderID:       1,
		ClientTempID:   "tmp-1",
		SentAt:         sent,
		ReplyTo:        parent,
		Reactions:      []Reaction{{MessageID: 9, UserID: 2, Emoji: "👍", ReactedAt: sent}},
	}
	require.NoError(t, m.SetContent(imtypes.Content{
		Kind:  imtypes.ImageContent,
		Files: []imtypes.FileDescriptor{{URL: "/uploads/a.png", FileName: "a.png", MimeType: "image/png", Size: 3}},
	}))

	w, err := m.ToWire()
	require.NoError(t, err)
	assert.Equal(t, "9", w.ID)
	assert.Equal(t, "tmp-1", w.TempID)
	assert.Equal(t, "3", w.ConversationID)
	assert.Equal(t, "1", w.SenderID)
	assert.Equal(t, imtypes.StatusSent, w.Status)
	assert.Equal(t, sent, w.CreatedAt)
	require.Len(t, w.Content.Files, 1)
	assert.Equal(t, "a.png", w.Content.Files[0].FileName)
	assert.Equal(t, &imtypes.ReplySnapshot{MessageID: "7", SenderID: "2", Preview: "original"}, w.ReplyTo)
	assert.Equal(t, []imtypes.Reaction{{UserID: "2", Emoji: "👍", ReactedAt: sent}}, w.Reactions)
}

func TestSetContentClearsFilesForText(t *testing.T) {
	m := &Message{FilesRaw: []byte(`[{"url":"x"}]`)}
	require.NoError(t, m.SetContent(imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}))
	assert.Nil(t, m.FilesRaw)

	c, err := m.Content()
	require.NoError(t, err)
	assert.Equal(t, imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}, c)
}

func TestFormatAndParseID(t *testing.T) {
	assert.Equal(t, "", FormatID(0))
	assert.Equal(t, "42", FormatID(42))
	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)
	_, err = ParseID("abc")
	assert.Error(t, err)
}
