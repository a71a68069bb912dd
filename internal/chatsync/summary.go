package chatsync

import (
	"sort"

	"im-sync/internal/imtypes"
)

// sortSummaries orders by sort key, newest first. Equal keys fall back to the
// conversation id so the order does not depend on insertion.
func sortSummaries(list []imtypes.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		ki, kj := list[i].SortKey(), list[j].SortKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return list[i].ID < list[j].ID
	})
}

// touchSummary 用新消息更新会话摘要并重新排序。
// 摘要不存在时使用事件携带的会话快照；快照由服务端在计入这条消息之后生成，
// 其未读数原样采用。两者都没有则放弃本次更新。
func touchSummary(s State, msg imtypes.Message, snapshot *imtypes.ConversationSummary, countUnread bool) (State, bool) {
	conv := msg.ConversationID
	list := make([]imtypes.ConversationSummary, len(s.Summaries), len(s.Summaries)+1)
	copy(list, s.Summaries)

	i := s.summaryIndex(conv)
	changed, fromSnapshot := false, false
	if i < 0 {
		if snapshot == nil {
			return s, false
		}
		c := *snapshot
		c.ID = conv
		list = append(list, c)
		i = len(list) - 1
		changed, fromSnapshot = true, true
	}

	c := list[i]
	if c.LastMessage == nil || (c.LastMessage.ID != msg.ID && !msg.CreatedAt.Before(c.LastMessage.CreatedAt)) {
		last := msg
		c.LastMessage = &last
		changed = true
	}
	if countUnread && !fromSnapshot && msg.SenderID != s.ViewerID && conv != s.ActiveID {
		c.UnreadCount++
		changed = true
	}
	if !changed {
		return s, false
	}
	list[i] = c
	sortSummaries(list)
	s.Summaries = list
	return s, true
}

// markSeen 清零会话未读数。只有当前用户自己的已读事件才会生效。
func markSeen(s State, conversationID, seenBy string) (State, Effect) {
	if seenBy != s.ViewerID {
		return s, Noop
	}
	i := s.summaryIndex(conversationID)
	if i < 0 {
		return s, Unresolved
	}
	if s.Summaries[i].UnreadCount == 0 {
		return s, Noop
	}
	list := make([]imtypes.ConversationSummary, len(s.Summaries))
	copy(list, s.Summaries)
	list[i].UnreadCount = 0
	sortSummaries(list)
	s.Summaries = list
	return s, Applied
}
