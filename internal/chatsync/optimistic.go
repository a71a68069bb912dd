package chatsync

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"im-sync/internal/imtypes"
)

const tempIDPrefix = "tmp-"

// NewTempID returns a client-generated correlation id for an optimistic message.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ValidateContent 检查消息负载是否可以发送。
func ValidateContent(c imtypes.Content) error {
	if c.Validate() != nil {
		return ErrEmptyContent
	}
	return nil
}

// NewPending 构造一条乐观消息：带新的 temp id，状态为 pending，没有持久 ID。
func NewPending(viewerID, conversationID string, content imtypes.Content, reply *imtypes.ReplySnapshot, now time.Time) imtypes.Message {
	return imtypes.Message{
		TempID:         NewTempID(),
		ConversationID: conversationID,
		SenderID:       viewerID,
		Content:        content,
		ReplyTo:        reply,
		Status:         imtypes.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// insertPending puts m at the head of page 1. A conversation without loaded
// pages gets a provisional page 1 which the first real fetch merges into.
func insertPending(s State, m imtypes.Message) (State, Effect, error) {
	if m.TempID == "" || m.ConversationID == "" {
		return s, Noop, ErrUnknownMessage
	}
	if _, ok := s.pending[m.TempID]; ok {
		return s, Duplicate, nil
	}
	m.ID = ""
	m.Status = imtypes.StatusPending

	first, ok := s.FirstPage(m.ConversationID)
	if !ok {
		// TotalPages 为 0 表示尚未从服务端拉到第 1 页
		first = Page{Meta: imtypes.PageMeta{CurrentPage: 1}}
	}
	msgs := make([]imtypes.Message, 0, len(first.Messages)+1)
	msgs = append(msgs, m)
	msgs = append(msgs, first.Messages...)
	first.Messages = msgs
	return s.ReplaceFirstPage(m.ConversationID, first), Applied, nil
}

func failPending(s State, tempID string) (State, Effect, error) {
	ref, ok := s.pending[tempID]
	if !ok {
		return s, Unresolved, nil
	}
	i, ok := s.locatePending(ref.conversationID, tempID)
	if !ok {
		return s, Unresolved, nil
	}
	first, _ := s.FirstPage(ref.conversationID)
	if first.Messages[i].Status == imtypes.StatusFailed {
		return s, Noop, nil
	}
	first = first.clone()
	first.Messages[i].Status = imtypes.StatusFailed
	return s.withFirstMessages(ref.conversationID, first.Messages), Applied, nil
}

// ackPending promotes a pending entry once the send channel returns a durable
// id. If that id is already present (the push event overtook the ack), the
// pending entry is a duplicate and is removed.
func ackPending(s State, tempID, messageID string, at time.Time) (State, Effect, error) {
	if messageID == "" {
		return s, Noop, ErrUnknownMessage
	}
	ref, ok := s.pending[tempID]
	if !ok {
		return s, Unresolved, nil
	}
	i, ok := s.locatePending(ref.conversationID, tempID)
	if !ok {
		return s, Unresolved, nil
	}
	first, _ := s.FirstPage(ref.conversationID)
	if pi, _ := s.locateByID(ref.conversationID, messageID); pi >= 0 {
		msgs := removeAt(first.Messages, i)
		return s.withFirstMessages(ref.conversationID, msgs), Duplicate, nil
	}
	first = first.clone()
	m := &first.Messages[i]
	m.ID = messageID
	m.Status = imtypes.StatusSent
	if !at.IsZero() {
		m.UpdatedAt = at
	}
	return s.withFirstMessages(ref.conversationID, first.Messages), Applied, nil
}

func retryFailed(s State, tempID string, at time.Time) (State, Effect, error) {
	ref, ok := s.pending[tempID]
	if !ok {
		return s, Noop, ErrNotFailed
	}
	i, ok := s.locatePending(ref.conversationID, tempID)
	if !ok {
		return s, Noop, ErrNotFailed
	}
	first, _ := s.FirstPage(ref.conversationID)
	m := first.Messages[i]
	if m.Status != imtypes.StatusFailed {
		return s, Noop, ErrNotFailed
	}
	rest := removeAt(first.Messages, i)
	m.Status = imtypes.StatusPending
	m.CreatedAt = at
	m.UpdatedAt = at
	msgs := make([]imtypes.Message, 0, len(rest)+1)
	msgs = append(msgs, m)
	msgs = append(msgs, rest...)
	return s.withFirstMessages(ref.conversationID, msgs), Applied, nil
}

func removeAt(msgs []imtypes.Message, i int) []imtypes.Message {
	out := make([]imtypes.Message, 0, len(msgs)-1)
	out = append(out, msgs[:i]...)
	return append(out, msgs[i+1:]...)
}
