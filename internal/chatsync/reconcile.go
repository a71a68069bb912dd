package chatsync

import (
	"time"

	"im-sync/internal/imtypes"
)

// ValidateReaction checks that the reaction is exactly one emoji with nothing
// around it.
func ValidateReaction(reaction string) error {
	if imtypes.ValidateEmoji(reaction) != nil {
		return ErrInvalidReaction
	}
	return nil
}

// applyNewMessage 将一条确认后的消息合并到本地状态。
//
// 1. temp id 命中第 1 页中未确认的消息：原位替换，状态变为 sent。
// 2. 持久 ID 已存在：重复投递，丢弃。
// 3. 否则插入第 1 页头部 (仅当该会话已加载分页)。
// 无论走哪个分支都会更新会话摘要；重复投递不会再次增加未读数。
func applyNewMessage(s State, ev imtypes.Event) (State, Effect) {
	conv := ev.ConversationID
	msg := *ev.Message
	msg.ConversationID = conv
	msg.Status = imtypes.StatusSent
	if ev.TempID != "" {
		msg.TempID = ev.TempID
	}

	eff := Unresolved
	duplicate := s.seenRecently(conv, msg.ID)
	if first, ok := s.FirstPage(conv); ok {
		known, _ := s.locateByID(conv, msg.ID)
		i, pending := -1, false
		if msg.TempID != "" {
			i, pending = s.locatePending(conv, msg.TempID)
		}
		switch {
		case pending && known >= 0:
			s = s.withFirstMessages(conv, removeAt(first.Messages, i))
			eff, duplicate = Duplicate, true
		case pending:
			first = first.clone()
			first.Messages[i] = msg
			s = s.withFirstMessages(conv, first.Messages)
			eff = Applied
		case known >= 0:
			eff, duplicate = Duplicate, true
		default:
			msgs := make([]imtypes.Message, 0, len(first.Messages)+1)
			msgs = append(msgs, msg)
			msgs = append(msgs, first.Messages...)
			s = s.withFirstMessages(conv, msgs)
			eff = Applied
		}
	}

	var changed bool
	s, changed = touchSummary(s, msg, ev.Conversation, !duplicate)
	s = s.rememberRecent(conv, msg.ID)
	if changed && eff == Unresolved {
		eff = Applied
	}
	if duplicate && eff == Unresolved {
		eff = Duplicate
	}
	return s, eff
}

// setReaction 设置 userID 在消息上的表情，替换其原有的表情。重复设置相同表情不产生变化。
func setReaction(s State, conversationID, messageID, userID, emoji string, at time.Time) (State, Effect, error) {
	if err := ValidateReaction(emoji); err != nil {
		return s, Noop, err
	}
	pi, mi := s.locateByID(conversationID, messageID)
	if pi < 0 {
		return s, Unresolved, nil
	}
	m := s.Pages[conversationID][pi].Messages[mi]
	idx := m.ReactionBy(userID)
	if idx >= 0 && m.Reactions[idx].Emoji == emoji {
		return s, Duplicate, nil
	}
	reactions := make([]imtypes.Reaction, 0, len(m.Reactions)+1)
	for i, r := range m.Reactions {
		if i != idx {
			reactions = append(reactions, r)
		}
	}
	m.Reactions = append(reactions, imtypes.Reaction{UserID: userID, Emoji: emoji, ReactedAt: at})
	return s.withMessage(conversationID, pi, mi, m), Applied, nil
}

// clearReaction removes userID's reaction. When emoji is given, a reaction
// that was since replaced by a different emoji is kept.
func clearReaction(s State, conversationID, messageID, userID, emoji string) (State, Effect) {
	pi, mi := s.locateByID(conversationID, messageID)
	if pi < 0 {
		return s, Unresolved
	}
	m := s.Pages[conversationID][pi].Messages[mi]
	idx := m.ReactionBy(userID)
	if idx < 0 || (emoji != "" && m.Reactions[idx].Emoji != emoji) {
		return s, Duplicate
	}
	reactions := make([]imtypes.Reaction, 0, len(m.Reactions)-1)
	reactions = append(reactions, m.Reactions[:idx]...)
	m.Reactions = append(reactions, m.Reactions[idx+1:]...)
	return s.withMessage(conversationID, pi, mi, m), Applied
}

// withMessage replaces a single message in place.
func (s State) withMessage(conversationID string, pi, mi int, m imtypes.Message) State {
	pages := make([]Page, len(s.Pages[conversationID]))
	copy(pages, s.Pages[conversationID])
	p := pages[pi].clone()
	p.Messages[mi] = m
	pages[pi] = p
	return s.withPages(conversationID, pages)
}
