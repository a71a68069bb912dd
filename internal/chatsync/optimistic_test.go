package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
)

func TestNewPending(t *testing.T) {
	reply := &imtypes.ReplySnapshot{MessageID: "m1", SenderID: peer, Preview: "text m1"}
	m := NewPending(viewer, convA, imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}, reply, at(1))

	assert.True(t, IsTempID(m.TempID))
	assert.Empty(t, m.ID)
	assert.Equal(t, imtypes.StatusPending, m.Status)
	assert.Equal(t, viewer, m.SenderID)
	assert.Equal(t, reply, m.ReplyTo)

	other := NewPending(viewer, convA, imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}, nil, at(1))
	assert.NotEqual(t, m.TempID, other.TempID)
}

func TestValidateContent(t *testing.T) {
	file := imtypes.FileDescriptor{URL: "/uploads/a.png", FileName: "a.png", MimeType: "image/png"}

	assert.NoError(t, ValidateContent(imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}))
	assert.NoError(t, ValidateContent(imtypes.Content{Kind: imtypes.ImageContent, Files: []imtypes.FileDescriptor{file}}))
	assert.ErrorIs(t, ValidateContent(imtypes.Content{Kind: "sticker", Text: "hi"}), ErrEmptyContent)
	assert.ErrorIs(t, ValidateContent(imtypes.Content{Kind: imtypes.FileContent}), ErrEmptyContent)
}

func TestPendingIntoEmptyConversation(t *testing.T) {
	m := NewPending(viewer, convA, imtypes.Content{Kind: imtypes.TextContent, Text: "first"}, nil, at(1))
	s := mustReduce(t, NewState(viewer, 0), PendingCreated{Message: m})

	meta, ok := s.LastMeta(convA)
	require.True(t, ok)
	assert.Equal(t, 1, meta.CurrentPage)
	assert.Equal(t, []string{m.TempID}, ids(s.OrderedMessages(convA)))

	// the real first page merges with the provisional one
	s = mustReduce(t, s, PageLoaded{ConversationID: convA, Page: pageOf(convA, 1, 1)})
	assert.Equal(t, []string{m.TempID}, ids(s.OrderedMessages(convA)))
}

func TestFailAndRetryKeepTempID(t *testing.T) {
	s := loadedConversation(t)
	m := NewPending(viewer, convA, imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}, nil, at(4))
	s = mustReduce(t, s, PendingCreated{Message: m}, SendFailed{TempID: m.TempID})

	failed, ok := s.FindUnconfirmed(m.TempID)
	require.True(t, ok)
	assert.Equal(t, imtypes.StatusFailed, failed.Status)

	_, eff, err := Reduce(s, SendFailed{TempID: m.TempID})
	require.NoError(t, err)
	assert.Equal(t, Noop, eff)

	s = mustReduce(t, s,
		newMessageEvent(textMessage("m5", convA, peer, 5), ""),
		RetryRequested{TempID: m.TempID, At: at(6)},
	)
	msgs := s.OrderedMessages(convA)
	newest := msgs[len(msgs)-1]
	assert.Equal(t, m.TempID, newest.TempID)
	assert.Equal(t, imtypes.StatusPending, newest.Status)
	assert.Equal(t, at(6), newest.CreatedAt)
	assert.Len(t, msgs, 5)

	_, _, err = Reduce(s, RetryRequested{TempID: m.TempID, At: at(7)})
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestSendFailedIgnoresConfirmedMessage(t *testing.T) {
	s := loadedConversation(t)
	m := NewPending(viewer, convA, imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}, nil, at(4))
	confirmed := textMessage("m-9", convA, viewer, 4)
	s = mustReduce(t, s, PendingCreated{Message: m}, newMessageEvent(confirmed, m.TempID))

	next, eff, err := Reduce(s, SendFailed{TempID: m.TempID})
	require.NoError(t, err)
	assert.Equal(t, Unresolved, eff)
	got, ok := next.FindMessage(convA, "m-9")
	require.True(t, ok)
	assert.Equal(t, imtypes.StatusSent, got.Status)
}

func TestAckPromotesPending(t *testing.T) {
	s := loadedConversation(t)
	m := NewPending(viewer, convA, imtypes.Content{Kind: imtypes.TextContent, Text: "hi"}, nil, at(4))
	s = mustReduce(t, s, PendingCreated{Message: m}, SendAcked{TempID: m.TempID, MessageID: "m-7", At: at(5)})

	got, ok := s.FindMessage(convA, "m-7")
	require.True(t, ok)
	assert.Equal(t, imtypes.StatusSent, got.Status)
	assert.Equal(t, m.TempID, got.TempID)

	// the push event that follows the ack is a duplicate
	echo := textMessage("m-7", convA, viewer, 4)
	next, eff, err := Reduce(s, newMessageEvent(echo, m.TempID))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, eff)
	assert.Equal(t, 1, countByID(next.OrderedMessages(convA), "m-7"))

	summary, _ := next.Summary(convA)
	require.NotNil(t, summary.LastMessage, "summary still picks up the last message")
	assert.Equal(t, "m-7", summary.LastMessage.ID)
}
