package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

var testNow = time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// world 是各仓库假实现共享的内存数据。
type world struct {
	mu            sync.Mutex
	seq           uint
	users         map[uint]*models.User
	groups        map[uint]*models.Group
	conversations map[uint]*models.Conversation
	participants  map[uint][]*models.ConversationParticipant
	messages      map[uint]*models.Message
	reactions     map[[2]uint]*models.Reaction
	touchErr      error // 下一次 TouchLastMessage 返回的错误，用过即清空
}

func newWorld() *world {
	return &world{
		seq:           100,
		users:         map[uint]*models.User{},
		groups:        map[uint]*models.Group{},
		conversations: map[uint]*models.Conversation{},
		participants:  map[uint][]*models.ConversationParticipant{},
		messages:      map[uint]*models.Message{},
		reactions:     map[[2]uint]*models.Reaction{},
	}
}

func (w *world) next() uint {
	w.seq++
	return w.seq
}

func (w *world) addUser(id uint, name string) {
	u := &models.User{Username: name, Nickname: name}
	u.ID = id
	w.users[id] = u
}

func (w *world) addConversation(id uint, typ models.ConversationType, members ...uint) *models.Conversation {
	c := &models.Conversation{Type: typ}
	c.ID = id
	c.CreatedAt = testNow.Add(-time.Hour)
	w.conversations[id] = c
	for _, uid := range members {
		w.participants[id] = append(w.participants[id], &models.ConversationParticipant{ConversationID: id, UserID: uid, JoinedAt: c.CreatedAt})
	}
	return c
}

// ---- conversations ----

type fakeConvRepo struct{ w *world }

func (r fakeConvRepo) CreateWithParticipants(_ context.Context, conv *models.Conversation, userIDs []uint, adminID uint) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	conv.ID = r.w.next()
	conv.CreatedAt = testNow
	r.w.conversations[conv.ID] = conv
	for _, uid := range userIDs {
		r.w.participants[conv.ID] = append(r.w.participants[conv.ID], &models.ConversationParticipant{ConversationID: conv.ID, UserID: uid, IsAdmin: uid == adminID})
	}
	return nil
}

func (r fakeConvRepo) GetConversationByID(_ context.Context, id uint) (*models.Conversation, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	c, ok := r.w.conversations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (r fakeConvRepo) GetUserConversations(_ context.Context, userID uint) ([]*models.Conversation, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*models.Conversation
	for cid, ps := range r.w.participants {
		for _, p := range ps {
			if p.UserID == userID {
				out = append(out, r.w.conversations[cid])
			}
		}
	}
	key := func(c *models.Conversation) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		if !key(out[i]).Equal(key(out[j])) {
			return key(out[i]).After(key(out[j]))
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r fakeConvRepo) TouchLastMessage(_ context.Context, conversationID, messageID uint, at time.Time) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if err := r.w.touchErr; err != nil {
		r.w.touchErr = nil
		return err
	}
	c := r.w.conversations[conversationID]
	if c.LastMessageAt == nil || !at.Before(*c.LastMessageAt) {
		c.LastMessageID, c.LastMessageAt = &messageID, &at
	}
	return nil
}

func (r fakeConvRepo) FindOrCreateDirectConversation(ctx context.Context, u1, u2 uint) (*models.Conversation, bool, error) {
	r.w.mu.Lock()
	for cid, c := range r.w.conversations {
		if c.Type != models.DirectConversation {
			continue
		}
		var has1, has2 bool
		for _, p := range r.w.participants[cid] {
			has1 = has1 || p.UserID == u1
			has2 = has2 || p.UserID == u2
		}
		if has1 && has2 {
			r.w.mu.Unlock()
			return c, false, nil
		}
	}
	r.w.mu.Unlock()
	conv := &models.Conversation{Type: models.DirectConversation}
	err := r.CreateWithParticipants(ctx, conv, []uint{u1, u2}, 0)
	return conv, true, err
}

func (r fakeConvRepo) GetParticipant(_ context.Context, conversationID, userID uint) (*models.ConversationParticipant, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, p := range r.w.participants[conversationID] {
		if p.UserID == userID {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r fakeConvRepo) GetConversationParticipants(_ context.Context, conversationID uint) ([]*models.ConversationParticipant, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return append([]*models.ConversationParticipant(nil), r.w.participants[conversationID]...), nil
}

func (r fakeConvRepo) MarkRead(ctx context.Context, conversationID, userID uint, at time.Time) error {
	p, err := r.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	p.LastReadAt = &at
	return nil
}

func (r fakeConvRepo) CountUnread(_ context.Context, conversationID, userID uint) (int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var since time.Time
	for _, p := range r.w.participants[conversationID] {
		if p.UserID == userID && p.LastReadAt != nil {
			since = *p.LastReadAt
		}
	}
	var n int64
	for _, m := range r.w.messages {
		if m.ConversationID == conversationID && m.SenderID != userID && m.SentAt.After(since) {
			n++
		}
	}
	return n, nil
}

// ---- messages ----

type fakeMsgRepo struct{ w *world }

func (r fakeMsgRepo) Create(_ context.Context, m *models.Message) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	m.ID = r.w.next()
	m.UpdatedAt = m.SentAt
	r.w.messages[m.ID] = m
	return nil
}

func (r fakeMsgRepo) GetByID(_ context.Context, id uint) (*models.Message, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.loadMessage(id)
}

func (w *world) loadMessage(id uint) (*models.Message, error) {
	m, ok := w.messages[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *m
	out.ReplyTo = nil
	if m.ReplyToID != nil {
		out.ReplyTo = w.messages[*m.ReplyToID]
	}
	out.Reactions = nil
	for key, r := range w.reactions {
		if key[0] == id {
			out.Reactions = append(out.Reactions, *r)
		}
	}
	return &out, nil
}

func (r fakeMsgRepo) GetPage(_ context.Context, conversationID uint, page, limit int) ([]*models.Message, int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var all []*models.Message
	for id, m := range r.w.messages {
		if m.ConversationID == conversationID {
			loaded, _ := r.w.loadMessage(id)
			all = append(all, loaded)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].SentAt.After(all[j].SentAt)
		}
		return all[i].ID > all[j].ID
	})
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, int64(len(all)), nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (r fakeMsgRepo) FindByClientTempID(_ context.Context, senderID uint, tempID string) (*models.Message, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, m := range r.w.messages {
		if m.SenderID == senderID && m.ClientTempID == tempID {
			return m, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// ---- reactions ----

type fakeReactionRepo struct{ w *world }

func (r fakeReactionRepo) Upsert(_ context.Context, reaction *models.Reaction) (string, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	key := [2]uint{reaction.MessageID, reaction.UserID}
	var previous string
	if old, ok := r.w.reactions[key]; ok {
		previous = old.Emoji
	}
	cp := *reaction
	r.w.reactions[key] = &cp
	return previous, nil
}

func (r fakeReactionRepo) Delete(_ context.Context, messageID, userID uint) (string, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	key := [2]uint{messageID, userID}
	old, ok := r.w.reactions[key]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	delete(r.w.reactions, key)
	return old.Emoji, nil
}

// ---- users & groups ----

type fakeUserRepo struct{ w *world }

func (r fakeUserRepo) Create(_ context.Context, u *models.User) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	u.ID = r.w.next()
	r.w.users[u.ID] = u
	return nil
}

func (r fakeUserRepo) GetByID(_ context.Context, id uint) (*models.User, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	u, ok := r.w.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return u, nil
}

func (r fakeUserRepo) GetByIDs(_ context.Context, ids []uint) (map[uint]*models.User, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	out := map[uint]*models.User{}
	for _, id := range ids {
		if u, ok := r.w.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type fakeGroupRepo struct{ w *world }

func (r fakeGroupRepo) CreateGroup(ctx context.Context, g *models.Group, members []uint) (*models.Conversation, error) {
	r.w.mu.Lock()
	g.ID = r.w.next()
	r.w.groups[g.ID] = g
	r.w.mu.Unlock()
	conv := &models.Conversation{Type: models.GroupConversation, TargetID: g.ID}
	err := fakeConvRepo(r).CreateWithParticipants(ctx, conv, members, g.OwnerID)
	return conv, err
}

func (r fakeGroupRepo) GetGroupByID(_ context.Context, id uint) (*models.Group, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	g, ok := r.w.groups[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return g, nil
}

func (r fakeGroupRepo) GetGroupsByIDs(_ context.Context, ids []uint) (map[uint]*models.Group, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	out := map[uint]*models.Group{}
	for _, id := range ids {
		if g, ok := r.w.groups[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

// ---- unread, events, producer ----

type fakeUnread struct {
	mu     sync.Mutex
	counts map[uint]map[uint]int64
	err    error
}

func newFakeUnread() *fakeUnread { return &fakeUnread{counts: map[uint]map[uint]int64{}} }

func (u *fakeUnread) row(userID uint) map[uint]int64 {
	if u.counts[userID] == nil {
		u.counts[userID] = map[uint]int64{}
	}
	return u.counts[userID]
}

func (u *fakeUnread) Increment(_ context.Context, convID uint, userIDs []uint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	for _, id := range userIDs {
		u.row(id)[convID]++
	}
	return nil
}

func (u *fakeUnread) Reset(_ context.Context, userID, convID uint) error {
	return u.Set(context.Background(), userID, convID, 0)
}

func (u *fakeUnread) Set(_ context.Context, userID, convID uint, n int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.row(userID)[convID] = n
	return nil
}

func (u *fakeUnread) All(_ context.Context, userID uint) (map[uint]int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	out := map[uint]int64{}
	for k, v := range u.counts[userID] {
		out[k] = v
	}
	return out, nil
}

type published struct {
	receiver uint
	event    imtypes.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	// failOnce 中的接收者第一次推送失败，之后恢复正常
	failOnce map[uint]bool
}

func (p *recordingPublisher) Publish(_ context.Context, receivers []uint, ev imtypes.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range receivers {
		if p.failOnce[r] {
			delete(p.failOnce, r)
			return errBoom
		}
		p.events = append(p.events, published{receiver: r, event: ev})
	}
	return nil
}

func (p *recordingPublisher) receivers(kind imtypes.EventKind) []uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint
	for _, e := range p.events {
		if e.event.Kind == kind {
			out = append(out, e.receiver)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type sentRecord struct {
	topic, key string
	payload    []byte
}

type recordingProducer struct {
	mu   sync.Mutex
	sent []sentRecord
	err  error
}

func (p *recordingProducer) SendMessage(_ context.Context, topic string, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentRecord{topic: topic, key: string(key), payload: payload})
	return nil
}

func (p *recordingProducer) Close() {}

var errBoom = errors.New("boom")
