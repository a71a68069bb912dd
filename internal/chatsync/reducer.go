package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"im-sync/internal/imtypes"
)

// Effect 描述一次 Reduce 的结果，用于日志与指标。
type Effect int

const (
	Noop       Effect = iota // 状态未改变
	Applied                  // 状态已更新
	Duplicate                // 重复投递，已丢弃
	Unresolved               // 目标消息或会话不在本地，已丢弃
)

func (e Effect) String() string {
	switch e {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Unresolved:
		return "unresolved"
	default:
		return "noop"
	}
}

// Action 是对 State 的一次修改请求。
type Action interface {
	apply(s State) (State, Effect, error)
}

// Reduce 计算 a 作用于 s 之后的新状态。出错或 panic 时返回原状态。
func Reduce(s State, a Action) (next State, eff Effect, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, eff, err = s, Noop, errors.Errorf("chatsync: %T panicked: %v", a, r)
		}
	}()
	next, eff, err = a.apply(s)
	if err != nil {
		return s, Noop, errors.Wrapf(err, "reduce %T", a)
	}
	return next, eff, nil
}

// actionName is used as a metrics label.
func actionName(a Action) string {
	switch a := a.(type) {
	case RemoteEvent:
		return "event_" + string(a.Event.Kind)
	default:
		return strings.TrimPrefix(fmt.Sprintf("%T", a), "chatsync.")
	}
}

// ConversationOpened 切换当前会话，并丢弃上一个会话的分页。
type ConversationOpened struct {
	ConversationID string
}

func (a ConversationOpened) apply(s State) (State, Effect, error) {
	if a.ConversationID == "" {
		return s, Noop, ErrNotActive
	}
	if s.ActiveID != "" && s.ActiveID != a.ConversationID {
		s = s.discard(s.ActiveID)
	}
	s.ActiveID = a.ConversationID
	return s, Applied, nil
}

// ConversationClosed clears the active conversation and drops its pages.
type ConversationClosed struct{}

func (ConversationClosed) apply(s State) (State, Effect, error) {
	if s.ActiveID == "" {
		return s, Noop, nil
	}
	s = s.discard(s.ActiveID)
	s.ActiveID = ""
	return s, Applied, nil
}

// PageLoaded records a fetched page.
type PageLoaded struct {
	ConversationID string
	Page           imtypes.MessagePage
}

func (a PageLoaded) apply(s State) (State, Effect, error) {
	next, err := s.AppendPage(a.ConversationID, a.Page)
	if err != nil {
		return s, Noop, err
	}
	return next, Applied, nil
}

// ConversationsLoaded 用服务端返回的列表替换缓存的会话摘要。
type ConversationsLoaded struct {
	Summaries []imtypes.ConversationSummary
}

func (a ConversationsLoaded) apply(s State) (State, Effect, error) {
	list := make([]imtypes.ConversationSummary, len(a.Summaries))
	copy(list, a.Summaries)
	sortSummaries(list)
	s.Summaries = list
	return s, Applied, nil
}

// PendingCreated 将乐观消息插入第 1 页头部。
type PendingCreated struct {
	Message imtypes.Message
}

func (a PendingCreated) apply(s State) (State, Effect, error) {
	return insertPending(s, a.Message)
}

// SendFailed marks a pending message as failed. Messages that were confirmed
// in the meantime are left alone.
type SendFailed struct {
	TempID string
}

func (a SendFailed) apply(s State) (State, Effect, error) {
	return failPending(s, a.TempID)
}

// SendAcked 处理发送通道返回的确认。
type SendAcked struct {
	TempID    string
	MessageID string
	At        time.Time
}

func (a SendAcked) apply(s State) (State, Effect, error) {
	return ackPending(s, a.TempID, a.MessageID, a.At)
}

// RetryRequested 将失败的消息移回 pending，并以新的创建时间重新插入头部。
type RetryRequested struct {
	TempID string
	At     time.Time
}

func (a RetryRequested) apply(s State) (State, Effect, error) {
	return retryFailed(s, a.TempID, a.At)
}

// RemoteEvent 应用一条推送事件。
type RemoteEvent struct {
	Event imtypes.Event
}

func (a RemoteEvent) apply(s State) (State, Effect, error) {
	ev := a.Event
	if err := ev.Validate(); err != nil {
		return s, Noop, err
	}
	switch ev.Kind {
	case imtypes.EventNewMessage:
		next, eff := applyNewMessage(s, ev)
		return next, eff, nil
	case imtypes.EventReactionAdded:
		return setReaction(s, ev.ConversationID, ev.MessageID, ev.UserID, ev.Emoji, ev.At)
	case imtypes.EventReactionRemoved:
		next, eff := clearReaction(s, ev.ConversationID, ev.MessageID, ev.UserID, ev.Emoji)
		return next, eff, nil
	case imtypes.EventConversationSeen:
		next, eff := markSeen(s, ev.ConversationID, ev.UserID)
		return next, eff, nil
	}
	return s, Noop, imtypes.ErrEventUnknownKind
}

// SeenMarked 将会话标记为已读 (仅当 UserID 为当前用户时生效)。
type SeenMarked struct {
	ConversationID string
	UserID         string
}

func (a SeenMarked) apply(s State) (State, Effect, error) {
	next, eff := markSeen(s, a.ConversationID, a.UserID)
	return next, eff, nil
}
