package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"im-sync/internal/imtypes"
)

const (
	defaultPageSize    = 30
	defaultSendTimeout = 15 * time.Second
	actionQueueSize    = 256
)

// Options 配置 Engine。零值字段使用默认值。
type Options struct {
	PageSize     int
	SendTimeout  time.Duration // 超过该时间仍未确认的消息被标记为 failed
	RecentWindow int           // 每个会话记住的最近持久 ID 数量，用于摘要去重
	Now          func() time.Time
	Metrics      *Metrics
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

// Session 是当前打开会话的临时状态，切换会话时整体重置。
type Session struct {
	ConversationID    string
	Generation        uint64 // 每次 Open 递增，旧一代的拉取结果会被忽略
	Fetching          bool
	InitialScrollDone bool
	Watermark         int // 渲染层上次看到的消息数
}

// Snapshot is the immutable view published after every committed change.
type Snapshot struct {
	State   State
	Session Session
}

// OlderResult reports how many messages an older-page load inserted above
// the current view.
type OlderResult struct {
	Prepended int
}

type projection struct {
	version  uint64
	messages []imtypes.Message
}

// Engine 驱动同步核心。
//
// 所有状态修改都在 Run 所在的单个 goroutine 上串行执行；网络请求在独立的
// goroutine 上进行，完成后把结果投递回循环。读取方通过原子指针拿到最近一次发布的快照。
type Engine struct {
	transport Transport
	opts      Options

	actions   chan func()
	done      chan struct{}
	closeOnce sync.Once

	// 以下字段只在循环 goroutine 上访问
	state       State
	session     Session
	cancelFetch context.CancelFunc
	timers      map[string]*time.Timer
	subs        map[int]func(Snapshot)
	nextSub     int

	snap atomic.Pointer[Snapshot]

	memoMu sync.Mutex
	memo   map[string]projection
}

// NewEngine creates an engine for viewerID. Run must be started before any
// other method is called.
func NewEngine(viewerID string, t Transport, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		transport: t,
		opts:      opts,
		actions:   make(chan func(), actionQueueSize),
		done:      make(chan struct{}),
		state:     NewState(viewerID, opts.RecentWindow),
		timers:    make(map[string]*time.Timer),
		subs:      make(map[int]func(Snapshot)),
		memo:      make(map[string]projection),
	}
	e.snap.Store(&Snapshot{State: e.state})
	return e
}

// Run 执行事件循环，直到 ctx 结束或 Close 被调用。
func (e *Engine) Run(ctx context.Context) {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-e.done:
			return
		case fn := <-e.actions:
			e.exec(fn)
		}
	}
}

// Close stops the loop. Calls that are waiting return ErrEngineClosed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Engine) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) shutdown() {
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
	log.Debug().Str("viewer", e.state.ViewerID).Msg("同步引擎已停止")
}

func (e *Engine) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("同步引擎任务 panic，已恢复")
		}
	}()
	fn()
}

// post queues fn on the loop without waiting for it.
func (e *Engine) post(fn func()) error {
	if e.closed() {
		return ErrEngineClosed
	}
	select {
	case e.actions <- fn:
		return nil
	case <-e.done:
		return ErrEngineClosed
	}
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("同步引擎任务 panic，已恢复")
				errc <- errors.Errorf("chatsync: task panicked: %v", r)
			}
		}()
		errc <- fn()
	}
	if e.closed() {
		return ErrEngineClosed
	}
	select {
	case e.actions <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
}

// dispatch reduces a on the loop, commits the result and notifies subscribers.
func (e *Engine) dispatch(a Action) (Effect, error) {
	next, eff, err := Reduce(e.state, a)
	if err != nil {
		e.opts.Metrics.rejected.Inc()
		log.Warn().Err(err).Str("action", actionName(a)).Msg("动作被拒绝，状态保持不变")
		return eff, err
	}
	e.opts.Metrics.observe(a, eff)
	e.state = next
	switch eff {
	case Applied:
		e.publish()
	case Duplicate:
		log.Debug().Str("action", actionName(a)).Msg("重复投递，已丢弃")
		e.publish()
	case Unresolved:
		log.Debug().Str("action", actionName(a)).Msg("目标不在本地，事件已丢弃")
	}
	return eff, nil
}

func (e *Engine) publish() {
	snap := &Snapshot{State: e.state, Session: e.session}
	e.snap.Store(snap)
	for id, fn := range e.subs {
		e.notify(id, fn, *snap)
	}
}

func (e *Engine) notify(id int, fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("subscriber", id).Interface("panic", r).Msg("订阅者 panic")
		}
	}()
	fn(snap)
}

// Subscribe registers fn to be called on the loop goroutine after every
// committed change. fn must not block. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	idc := make(chan int, 1)
	if err := e.post(func() {
		id := e.nextSub
		e.nextSub++
		e.subs[id] = fn
		idc <- id
	}); err != nil {
		return func() {}
	}
	return func() {
		_ = e.post(func() {
			select {
			case id := <-idc:
				delete(e.subs, id)
			default:
			}
		})
	}
}

// Snapshot returns the most recently published view.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Conversations returns the cached conversation list, newest first.
func (e *Engine) Conversations() []imtypes.ConversationSummary {
	return e.snap.Load().State.Summaries
}

// Messages 返回会话的有序消息列表 (时间升序)。结果按会话版本缓存，调用方不得修改。
func (e *Engine) Messages(conversationID string) []imtypes.Message {
	s := e.snap.Load().State
	v := s.Versions[conversationID]

	e.memoMu.Lock()
	defer e.memoMu.Unlock()
	if p, ok := e.memo[conversationID]; ok && p.version == v {
		return p.messages
	}
	msgs := s.OrderedMessages(conversationID)
	e.memo[conversationID] = projection{version: v, messages: msgs}
	return msgs
}

// LoadConversations fetches the conversation list and replaces the cache.
func (e *Engine) LoadConversations(ctx context.Context) error {
	list, err := e.transport.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	return e.call(ctx, func() error {
		_, err := e.dispatch(ConversationsLoaded{Summaries: list})
		return err
	})
}

// Open 切换到 conversationID 并加载第 1 页。
//
// 上一个会话的分页被丢弃，正在进行的拉取被取消，其结果即使稍后返回也会被忽略。
// 拉取失败时返回错误，可以再次调用 Open 或 LoadOlder 重试。
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNotActive
	}
	var (
		gen  uint64
		fctx context.Context
	)
	err := e.call(ctx, func() error {
		gen = e.beginSession(conversationID)
		if _, err := e.dispatch(ConversationOpened{ConversationID: conversationID}); err != nil {
			return err
		}
		fctx = e.startFetch(ctx)
		e.publish()
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := e.fetch(fctx, gen, conversationID, 1); err != nil {
		if errors.Is(err, ErrStaleResult) {
			return nil
		}
		return err
	}
	if err := e.MarkSeen(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("标记已读失败")
	}
	return nil
}

// LoadOlder 加载当前会话的下一页历史消息。
//
// 同一时间只允许一个拉取；最旧的一页已是最后一页时返回 ErrNoMorePages。
// 第 1 页尚未成功加载时重新请求第 1 页。结果到达前会话已切换则 Prepended 为 0。
func (e *Engine) LoadOlder(ctx context.Context) (OlderResult, error) {
	var (
		gen  uint64
		conv string
		page int
		fctx context.Context
	)
	err := e.call(ctx, func() error {
		conv = e.session.ConversationID
		if conv == "" {
			return ErrNotActive
		}
		if e.session.Fetching {
			return ErrFetchInProgress
		}
		page = 1
		if meta, ok := e.state.LastMeta(conv); ok && meta.TotalPages > 0 {
			if !meta.HasMore() {
				return ErrNoMorePages
			}
			page = meta.CurrentPage + 1
		}
		gen = e.session.Generation
		fctx = e.startFetch(ctx)
		e.publish()
		return nil
	})
	if err != nil {
		return OlderResult{}, err
	}

	n, err := e.fetch(fctx, gen, conv, page)
	if errors.Is(err, ErrStaleResult) {
		return OlderResult{}, nil
	}
	return OlderResult{Prepended: n}, err
}

func (e *Engine) beginSession(conversationID string) uint64 {
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
	e.session = Session{ConversationID: conversationID, Generation: e.session.Generation + 1}
	return e.session.Generation
}

func (e *Engine) startFetch(ctx context.Context) context.Context {
	fctx, cancel := context.WithCancel(ctx)
	e.cancelFetch = cancel
	e.session.Fetching = true
	return fctx
}

// fetch runs the request off the loop and commits the result on it. The
// commit does not depend on the caller's context so the fetching flag is
// always cleared.
func (e *Engine) fetch(fctx context.Context, gen uint64, conversationID string, page int) (int, error) {
	result, ferr := e.transport.FetchPage(fctx, conversationID, page, e.opts.PageSize)

	var added int
	err := e.call(context.Background(), func() error {
		if e.session.Generation != gen {
			log.Debug().Str("conversation", conversationID).Int("page", page).Msg("会话已切换，忽略过期的拉取结果")
			return ErrStaleResult
		}
		e.session.Fetching = false
		if e.cancelFetch != nil {
			e.cancelFetch()
			e.cancelFetch = nil
		}
		if ferr != nil {
			e.publish()
			return errors.Wrapf(ferr, "fetch page %d of %s", page, conversationID)
		}
		before := e.state.MessageCount(conversationID)
		if _, err := e.dispatch(PageLoaded{ConversationID: conversationID, Page: result}); err != nil {
			e.publish()
			return err
		}
		added = e.state.MessageCount(conversationID) - before
		return nil
	})
	return added, err
}

// Send 乐观地插入一条消息并在后台发送。返回的消息处于 pending 状态。
func (e *Engine) Send(ctx context.Context, content imtypes.Content, reply *imtypes.ReplySnapshot) (imtypes.Message, error) {
	if err := ValidateContent(content); err != nil {
		return imtypes.Message{}, err
	}
	var msg imtypes.Message
	err := e.call(ctx, func() error {
		conv := e.session.ConversationID
		if conv == "" {
			return ErrNotActive
		}
		msg = NewPending(e.state.ViewerID, conv, content, reply, e.opts.Now())
		if _, err := e.dispatch(PendingCreated{Message: msg}); err != nil {
			return err
		}
		e.armTimeout(msg.TempID)
		return nil
	})
	if err != nil {
		return imtypes.Message{}, err
	}
	go e.deliver(context.WithoutCancel(ctx), msg)
	return msg, nil
}

// Retry 重新发送一条失败的消息，沿用原 temp id。只有 failed 状态的消息可以重试。
func (e *Engine) Retry(ctx context.Context, tempID string) error {
	var msg imtypes.Message
	err := e.call(ctx, func() error {
		if _, err := e.dispatch(RetryRequested{TempID: tempID, At: e.opts.Now()}); err != nil {
			return err
		}
		m, ok := e.state.FindUnconfirmed(tempID)
		if !ok {
			return ErrUnknownMessage
		}
		msg = m
		e.armTimeout(tempID)
		return nil
	})
	if err != nil {
		return err
	}
	go e.deliver(context.WithoutCancel(ctx), msg)
	return nil
}

func (e *Engine) deliver(ctx context.Context, msg imtypes.Message) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	ack, err := e.transport.SendMessage(ctx, msg)
	var a Action
	switch {
	case err != nil:
		log.Warn().Err(err).Str("tempId", msg.TempID).Msg("消息发送失败")
		a = SendFailed{TempID: msg.TempID}
	case ack.MessageID != "":
		a = SendAcked{TempID: msg.TempID, MessageID: ack.MessageID, At: e.opts.Now()}
	default:
		return
	}
	_ = e.post(func() {
		e.disarm(msg.TempID)
		_, _ = e.dispatch(a)
	})
}

// armTimeout marks the message failed if it is still unconfirmed after
// SendTimeout. Re-arming replaces any earlier timer for the same temp id.
func (e *Engine) armTimeout(tempID string) {
	e.disarm(tempID)
	var t *time.Timer
	t = time.AfterFunc(e.opts.SendTimeout, func() {
		_ = e.post(func() {
			if e.timers[tempID] != t {
				return
			}
			delete(e.timers, tempID)
			if eff, _ := e.dispatch(SendFailed{TempID: tempID}); eff == Applied {
				log.Warn().Str("tempId", tempID).Msg("消息确认超时，已标记为失败")
			}
		})
	})
	e.timers[tempID] = t
}

func (e *Engine) disarm(tempID string) {
	if t, ok := e.timers[tempID]; ok {
		t.Stop()
		delete(e.timers, tempID)
	}
}

// React 切换当前用户在消息上的表情：相同表情再次点击即取消，不同表情替换原有的。
// 本地状态立即更新；上报失败时回滚并返回错误。
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	var (
		conv   string
		viewer string
		remove bool
		prev   *imtypes.Reaction
	)
	err := e.call(ctx, func() error {
		conv = e.session.ConversationID
		if conv == "" {
			return ErrNotActive
		}
		m, ok := e.state.FindMessage(conv, messageID)
		if !ok {
			return ErrUnknownMessage
		}
		viewer = e.state.ViewerID
		ev := imtypes.Event{
			Kind:           imtypes.EventReactionAdded,
			ConversationID: conv,
			MessageID:      messageID,
			UserID:         viewer,
			Emoji:          emoji,
			At:             e.opts.Now(),
		}
		if i := m.ReactionBy(viewer); i >= 0 {
			r := m.Reactions[i]
			prev = &r
			if r.Emoji == emoji {
				remove = true
				ev.Kind = imtypes.EventReactionRemoved
			}
		}
		_, err := e.dispatch(RemoteEvent{Event: ev})
		return err
	})
	if err != nil {
		return err
	}

	var rerr error
	if remove {
		rerr = e.transport.RemoveReaction(ctx, conv, messageID)
	} else {
		rerr = e.transport.AddReaction(ctx, conv, messageID, emoji)
	}
	if rerr == nil {
		return nil
	}

	undo := imtypes.Event{
		Kind:           imtypes.EventReactionRemoved,
		ConversationID: conv,
		MessageID:      messageID,
		UserID:         viewer,
		Emoji:          emoji,
	}
	if prev != nil {
		undo.Kind, undo.Emoji, undo.At = imtypes.EventReactionAdded, prev.Emoji, prev.ReactedAt
	}
	_ = e.post(func() { _, _ = e.dispatch(RemoteEvent{Event: undo}) })
	return errors.Wrap(rerr, "report reaction")
}

// MarkSeen 本地清零未读数并通知服务端。
func (e *Engine) MarkSeen(ctx context.Context, conversationID string) error {
	err := e.call(ctx, func() error {
		_, err := e.dispatch(SeenMarked{ConversationID: conversationID, UserID: e.state.ViewerID})
		return err
	})
	if err != nil {
		return err
	}
	return errors.Wrap(e.transport.MarkSeen(ctx, conversationID), "report seen")
}

// MarkRendered records that the renderer has shown count messages of the
// active conversation.
func (e *Engine) MarkRendered(count int) {
	_ = e.post(func() {
		e.session.InitialScrollDone = true
		e.session.Watermark = count
		e.publish()
	})
}

// HandleEvent 把推送事件交给循环处理。格式错误或无法定位的事件只记录日志。
func (e *Engine) HandleEvent(ev imtypes.Event) error {
	return e.post(func() {
		if ev.Kind == imtypes.EventNewMessage {
			tempID := ev.TempID
			if tempID == "" && ev.Message != nil {
				tempID = ev.Message.TempID
			}
			if tempID != "" {
				e.disarm(tempID)
			}
		}
		_, _ = e.dispatch(RemoteEvent{Event: ev})
	})
}
