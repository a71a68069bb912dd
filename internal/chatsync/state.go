package chatsync

import (
	"im-sync/internal/imtypes"
)

const defaultRecentWindow = 64

// Page 是一次拉取得到的一批消息。Messages 按最新在前排列，与服务端返回顺序一致。
type Page struct {
	Messages []imtypes.Message
	Meta     imtypes.PageMeta
}

func (p Page) clone() Page {
	msgs := make([]imtypes.Message, len(p.Messages))
	copy(msgs, p.Messages)
	return Page{Messages: msgs, Meta: p.Meta}
}

// pendingRef locates an unconfirmed message. fromOldest counts from the
// oldest end of page 1, so inserting at the head does not move it.
type pendingRef struct {
	conversationID string
	fromOldest     int
}

// State 是同步核心的完整快照：每个会话已加载的分页、会话列表以及当前打开的会话。
//
// State 按值传递。所有修改都生成新的 State，已发布的快照不会被原地改写，
// 因此读取方可以在任意 goroutine 上持有旧快照。
type State struct {
	ViewerID  string
	ActiveID  string
	Pages     map[string][]Page // 会话 ID -> 按拉取顺序排列的分页 (第 1 页最新)
	Summaries []imtypes.ConversationSummary
	Versions  map[string]uint64 // 会话 ID -> 分页集合的版本号，用于投影缓存失效

	pending      map[string]pendingRef // temp id -> 位置
	recent       map[string][]string   // 会话 ID -> 最近应用到会话摘要的持久 ID
	recentWindow int
}

// NewState returns an empty state for viewerID.
func NewState(viewerID string, recentWindow int) State {
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	return State{
		ViewerID:     viewerID,
		Pages:        map[string][]Page{},
		Versions:     map[string]uint64{},
		pending:      map[string]pendingRef{},
		recent:       map[string][]string{},
		recentWindow: recentWindow,
	}
}

// OrderedMessages 返回会话的扁平化消息序列，按创建时间升序。
// 分页顺序与页内顺序都被反转：最旧的页排在最前，页内最旧的消息排在最前。
func (s State) OrderedMessages(conversationID string) []imtypes.Message {
	pages := s.Pages[conversationID]
	n := 0
	for _, p := range pages {
		n += len(p.Messages)
	}
	out := make([]imtypes.Message, 0, n)
	for i := len(pages) - 1; i >= 0; i-- {
		msgs := pages[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			out = append(out, msgs[j])
		}
	}
	return out
}

// MessageCount returns the number of loaded messages for a conversation.
func (s State) MessageCount(conversationID string) int {
	n := 0
	for _, p := range s.Pages[conversationID] {
		n += len(p.Messages)
	}
	return n
}

// FirstPage returns page 1 of a conversation, if loaded.
func (s State) FirstPage(conversationID string) (Page, bool) {
	pages := s.Pages[conversationID]
	if len(pages) == 0 {
		return Page{}, false
	}
	return pages[0], true
}

// LastMeta returns the pagination metadata of the oldest loaded page.
func (s State) LastMeta(conversationID string) (imtypes.PageMeta, bool) {
	pages := s.Pages[conversationID]
	if len(pages) == 0 {
		return imtypes.PageMeta{}, false
	}
	return pages[len(pages)-1].Meta, true
}

// Summary returns the cached summary of a conversation.
func (s State) Summary(conversationID string) (imtypes.ConversationSummary, bool) {
	if i := s.summaryIndex(conversationID); i >= 0 {
		return s.Summaries[i], true
	}
	return imtypes.ConversationSummary{}, false
}

// FindMessage 在会话所有已加载分页中按持久 ID 查找消息。
func (s State) FindMessage(conversationID, messageID string) (imtypes.Message, bool) {
	if pi, mi := s.locateByID(conversationID, messageID); pi >= 0 {
		return s.Pages[conversationID][pi].Messages[mi], true
	}
	return imtypes.Message{}, false
}

// FindUnconfirmed 按 temp id 查找尚未确认 (pending 或 failed) 的消息。
func (s State) FindUnconfirmed(tempID string) (imtypes.Message, bool) {
	ref, ok := s.pending[tempID]
	if !ok {
		return imtypes.Message{}, false
	}
	if i, ok := s.locatePending(ref.conversationID, tempID); ok {
		return s.Pages[ref.conversationID][0].Messages[i], true
	}
	return imtypes.Message{}, false
}

// ReplaceFirstPage 替换会话的第 1 页，不影响更旧分页的游标。
func (s State) ReplaceFirstPage(conversationID string, first Page) State {
	pages := s.Pages[conversationID]
	next := make([]Page, max(len(pages), 1))
	copy(next, pages)
	next[0] = first
	s = s.withPages(conversationID, next)
	return s.reindexPending(conversationID)
}

// AppendPage 记录一次拉取的结果。
//
// 第 N 页在已加载 N-1 页时追加到末尾；重新拉取已加载的页会替换它。
// 第 1 页被替换时保留本地尚未确认的消息。已在其它页出现过的持久 ID 会被跳过，
// 以免偏移分页在新消息插入后产生重复。
func (s State) AppendPage(conversationID string, page imtypes.MessagePage) (State, error) {
	n := page.Meta.CurrentPage
	pages := s.Pages[conversationID]
	if n < 1 || n > len(pages)+1 {
		return s, ErrPageGap
	}

	fresh := Page{Meta: page.Meta, Messages: make([]imtypes.Message, 0, len(page.Data))}
	for _, m := range page.Data {
		if m.ID == "" {
			continue
		}
		if pi, _ := s.locateByID(conversationID, m.ID); pi >= 0 && pi != n-1 {
			continue
		}
		if m.Status == "" {
			m.Status = imtypes.StatusSent
		}
		fresh.Messages = append(fresh.Messages, m)
	}

	if n == 1 {
		if old, ok := s.FirstPage(conversationID); ok {
			fresh.Messages = carryUnconfirmed(old.Messages, fresh.Messages)
		}
		return s.ReplaceFirstPage(conversationID, fresh), nil
	}

	next := make([]Page, len(pages), len(pages)+1)
	copy(next, pages)
	if n <= len(pages) {
		next[n-1] = fresh
	} else {
		next = append(next, fresh)
	}
	return s.withPages(conversationID, next), nil
}

// carryUnconfirmed keeps local pending/failed entries at the head of a
// reloaded first page.
func carryUnconfirmed(old, fresh []imtypes.Message) []imtypes.Message {
	var keep []imtypes.Message
	for _, m := range old {
		if !m.Confirmed() && m.TempID != "" {
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		return fresh
	}
	out := make([]imtypes.Message, 0, len(keep)+len(fresh))
	out = append(out, keep...)
	return append(out, fresh...)
}

// discard drops every loaded page and pending reference of a conversation.
func (s State) discard(conversationID string) State {
	if _, ok := s.Pages[conversationID]; !ok {
		return s
	}
	s = s.withPages(conversationID, nil)
	pending := make(map[string]pendingRef, len(s.pending))
	for k, ref := range s.pending {
		if ref.conversationID != conversationID {
			pending[k] = ref
		}
	}
	s.pending = pending
	return s
}

// withPages returns a copy of s with the page list of one conversation
// replaced. A nil list removes the conversation from the store.
func (s State) withPages(conversationID string, pages []Page) State {
	next := make(map[string][]Page, len(s.Pages)+1)
	for k, v := range s.Pages {
		next[k] = v
	}
	if pages == nil {
		delete(next, conversationID)
	} else {
		next[conversationID] = pages
	}
	versions := make(map[string]uint64, len(s.Versions)+1)
	for k, v := range s.Versions {
		versions[k] = v
	}
	versions[conversationID]++
	s.Pages = next
	s.Versions = versions
	return s
}

// withFirstMessages swaps the message slice of page 1.
func (s State) withFirstMessages(conversationID string, msgs []imtypes.Message) State {
	first, _ := s.FirstPage(conversationID)
	first.Messages = msgs
	return s.ReplaceFirstPage(conversationID, first)
}

// reindexPending rebuilds the temp id index for one conversation from page 1.
func (s State) reindexPending(conversationID string) State {
	pending := make(map[string]pendingRef, len(s.pending)+1)
	for k, ref := range s.pending {
		if ref.conversationID != conversationID {
			pending[k] = ref
		}
	}
	if first, ok := s.FirstPage(conversationID); ok {
		n := len(first.Messages)
		for i, m := range first.Messages {
			if !m.Confirmed() && m.TempID != "" {
				pending[m.TempID] = pendingRef{conversationID: conversationID, fromOldest: n - 1 - i}
			}
		}
	}
	s.pending = pending
	return s
}

// locatePending resolves a temp id to its index in page 1. The index entry is
// verified and a scan of page 1 is the fallback.
func (s State) locatePending(conversationID, tempID string) (int, bool) {
	first, ok := s.FirstPage(conversationID)
	if !ok {
		return -1, false
	}
	msgs := first.Messages
	if ref, ok := s.pending[tempID]; ok && ref.conversationID == conversationID {
		i := len(msgs) - 1 - ref.fromOldest
		if i >= 0 && i < len(msgs) && msgs[i].TempID == tempID && !msgs[i].Confirmed() {
			return i, true
		}
	}
	for i, m := range msgs {
		if m.TempID == tempID && !m.Confirmed() {
			return i, true
		}
	}
	return -1, false
}

// locateByID finds a durable id across all loaded pages.
func (s State) locateByID(conversationID, messageID string) (int, int) {
	for pi, p := range s.Pages[conversationID] {
		for mi, m := range p.Messages {
			if m.ID == messageID {
				return pi, mi
			}
		}
	}
	return -1, -1
}

func indexByID(msgs []imtypes.Message, messageID string) int {
	for i, m := range msgs {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

func (s State) summaryIndex(conversationID string) int {
	for i, c := range s.Summaries {
		if c.ID == conversationID {
			return i
		}
	}
	return -1
}

func (s State) seenRecently(conversationID, messageID string) bool {
	for _, id := range s.recent[conversationID] {
		if id == messageID {
			return true
		}
	}
	return false
}

// rememberRecent 记录已计入摘要的持久 ID；已在窗口中的 ID 不再追加，重复投递挤不掉其他 ID。
func (s State) rememberRecent(conversationID, messageID string) State {
	if s.seenRecently(conversationID, messageID) {
		return s
	}
	old := s.recent[conversationID]
	ids := make([]string, 0, min(len(old)+1, s.recentWindow))
	if len(old)+1 > s.recentWindow {
		old = old[len(old)+1-s.recentWindow:]
	}
	ids = append(ids, old...)
	ids = append(ids, messageID)
	recent := make(map[string][]string, len(s.recent)+1)
	for k, v := range s.recent {
		recent[k] = v
	}
	recent[conversationID] = ids
	s.recent = recent
	return s
}
