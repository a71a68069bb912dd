package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

const (
	alice uint = 1
	bob   uint = 2
	carol uint = 3

	directConv uint = 10
	groupConv  uint = 20
	teamGroup  uint = 5
)

type harness struct {
	w         *world
	unread    *fakeUnread
	events    *recordingPublisher
	producer  *recordingProducer
	convs     ConversationService
	msgs      MessageService
	reactions ReactionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w := newWorld()
	w.addUser(alice, "alice")
	w.addUser(bob, "bob")
	w.addUser(carol, "carol")
	w.addConversation(directConv, models.DirectConversation, alice, bob)
	g := w.addConversation(groupConv, models.GroupConversation, alice, bob, carol)
	g.TargetID = teamGroup
	team := &models.Group{Name: "team", OwnerID: alice}
	team.ID = teamGroup
	w.groups[teamGroup] = team

	h := &harness{w: w, unread: newFakeUnread(), events: &recordingPublisher{}, producer: &recordingProducer{}}
	convs := NewConversationService(fakeConvRepo{w}, fakeMsgRepo{w}, fakeUserRepo{w}, fakeGroupRepo{w}, h.unread, h.events)
	convs.(*conversationService).now = fixedNow
	msgs := NewMessageService(fakeMsgRepo{w}, fakeConvRepo{w}, convs, h.unread, h.events, h.producer, config.KafkaConfig{MessagesTopic: "im-messages"})
	msgs.(*messageService).now = fixedNow
	reactions := NewReactionService(fakeMsgRepo{w}, fakeReactionRepo{w}, fakeConvRepo{w}, h.events)
	reactions.(*reactionService).now = fixedNow
	h.convs, h.msgs, h.reactions = convs, msgs, reactions
	return h
}

func textInput(conv, sender uint, tempID, text string, minute int) imtypes.RawMessageInput {
	return imtypes.RawMessageInput{
		TempID:         tempID,
		ConversationID: models.FormatID(conv),
		SenderID:       models.FormatID(sender),
		Content:        imtypes.Content{Kind: imtypes.TextContent, Text: text},
		Timestamp:      testNow.Add(time.Duration(minute) * time.Minute),
	}
}

func (h *harness) send(t *testing.T, conv, sender uint, text string, minute int) *imtypes.Message {
	t.Helper()
	m, err := h.msgs.Process(context.Background(), textInput(conv, sender, fmt.Sprintf("tmp-%s-%d", text, minute), text, minute))
	require.NoError(t, err)
	return m
}

func TestSubmitFrameWritesRecordKeyedByConversation(t *testing.T) {
	h := newHarness(t)
	frame := imtypes.ClientFrame{
		Type:           imtypes.FrameSendMessage,
		TempID:         "tmp-1",
		ConversationID: "10",
		Content:        imtypes.Content{Kind: imtypes.TextContent, Text: "hello"},
	}

	require.NoError(t, h.msgs.SubmitFrame(context.Background(), alice, frame))
	require.Len(t, h.producer.sent, 1)
	rec := h.producer.sent[0]
	assert.Equal(t, "im-messages", rec.topic)
	assert.Equal(t, "10", rec.key)

	var input imtypes.RawMessageInput
	require.NoError(t, json.Unmarshal(rec.payload, &input))
	assert.Equal(t, "1", input.SenderID)
	assert.Equal(t, "tmp-1", input.TempID)
	assert.True(t, testNow.Equal(input.Timestamp))
}

func TestSubmitFrameRejectsInvalidFrames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	valid := imtypes.ClientFrame{
		Type:           imtypes.FrameSendMessage,
		TempID:         "tmp-1",
		ConversationID: "10",
		Content:        imtypes.Content{Kind: imtypes.TextContent, Text: "hello"},
	}

	notMember := valid
	assert.ErrorIs(t, h.msgs.SubmitFrame(ctx, carol, notMember), ErrNotParticipant)

	blank := valid
	blank.Content.Text = "   "
	assert.ErrorIs(t, h.msgs.SubmitFrame(ctx, alice, blank), ErrInvalidContent)

	unknown := valid
	unknown.Type = "typing"
	assert.ErrorIs(t, h.msgs.SubmitFrame(ctx, alice, unknown), ErrInvalidArgument)

	noTemp := valid
	noTemp.TempID = ""
	assert.ErrorIs(t, h.msgs.SubmitFrame(ctx, alice, noTemp), ErrInvalidArgument)

	badConv := valid
	badConv.ConversationID = "c-x"
	assert.ErrorIs(t, h.msgs.SubmitFrame(ctx, alice, badConv), ErrInvalidArgument)

	assert.Empty(t, h.producer.sent)
}

func TestSubmitFrameReportsProducerFailure(t *testing.T) {
	h := newHarness(t)
	h.producer.err = errBoom
	err := h.msgs.SubmitFrame(context.Background(), alice, imtypes.ClientFrame{
		Type: imtypes.FrameSendMessage, TempID: "tmp-1", ConversationID: "10",
		Content: imtypes.Content{Kind: imtypes.TextContent, Text: "hello"},
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestProcessPersistsAndFansOut(t *testing.T) {
	h := newHarness(t)
	m := h.send(t, groupConv, alice, "hi team", 1)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, imtypes.StatusSent, m.Status)
	assert.Equal(t, []uint{alice, bob, carol}, h.events.receivers(imtypes.EventNewMessage))

	for _, e := range h.events.events {
		assert.Equal(t, m.TempID, e.event.TempID)
		require.NotNil(t, e.event.Conversation, "receiver %d", e.receiver)
		assert.Equal(t, "team", e.event.Conversation.Name)
		if e.receiver == alice {
			assert.Zero(t, e.event.Conversation.UnreadCount)
		} else {
			assert.Equal(t, 1, e.event.Conversation.UnreadCount)
		}
	}

	conv := h.w.conversations[groupConv]
	require.NotNil(t, conv.LastMessageID)
	assert.Equal(t, m.ID, models.FormatID(*conv.LastMessageID))
	assert.Equal(t, int64(1), h.unread.counts[bob][groupConv])
	assert.Zero(t, h.unread.counts[alice][groupConv])
}

func TestProcessDuplicateTempIDRedeliversWithoutRecounting(t *testing.T) {
	h := newHarness(t)
	input := textInput(directConv, alice, "tmp-dup", "hello", 1)

	first, err := h.msgs.Process(context.Background(), input)
	require.NoError(t, err)
	h.events.reset()

	second, err := h.msgs.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []uint{alice, bob}, h.events.receivers(imtypes.EventNewMessage))
	assert.Len(t, h.w.messages, 1)
	assert.Equal(t, int64(1), h.unread.counts[bob][directConv], "a retried send is not counted twice")
}

func TestProcessRetriedRecordCompletesFailedFanOut(t *testing.T) {
	h := newHarness(t)
	h.events.failOnce = map[uint]bool{bob: true}
	input := textInput(groupConv, alice, "tmp-flaky", "hi team", 1)

	raw, err := json.Marshal(input)
	require.NoError(t, err)
	record := &confluentKafka.Message{Value: raw}

	// 推送失败必须返回错误，偏移量不提交
	err = h.msgs.ProcessKafkaMessage(context.Background(), record)
	require.ErrorIs(t, err, errBoom)
	assert.Len(t, h.w.messages, 1)

	require.NoError(t, h.msgs.ProcessKafkaMessage(context.Background(), record))
	got := h.events.receivers(imtypes.EventNewMessage)
	assert.Contains(t, got, bob)
	assert.Contains(t, got, carol)
	assert.Len(t, h.w.messages, 1)
	assert.Equal(t, int64(1), h.unread.counts[bob][groupConv])
	assert.Equal(t, int64(1), h.unread.counts[carol][groupConv])
	assert.Zero(t, h.unread.counts[alice][groupConv])
}

func TestProcessRetriedRecordUpdatesLastMessage(t *testing.T) {
	h := newHarness(t)
	h.w.touchErr = errBoom
	input := textInput(directConv, alice, "tmp-touch", "hello", 1)

	_, err := h.msgs.Process(context.Background(), input)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, h.w.conversations[directConv].LastMessageID)
	assert.Empty(t, h.events.events)

	m, err := h.msgs.Process(context.Background(), input)
	require.NoError(t, err)
	conv := h.w.conversations[directConv]
	require.NotNil(t, conv.LastMessageID)
	assert.Equal(t, m.ID, models.FormatID(*conv.LastMessageID))
	assert.Equal(t, []uint{alice, bob}, h.events.receivers(imtypes.EventNewMessage))
	assert.Equal(t, int64(1), h.unread.counts[bob][directConv])
}

func TestProcessKeepsReplyOnlyWithinConversation(t *testing.T) {
	h := newHarness(t)
	original := h.send(t, directConv, bob, "question", 1)

	cross := textInput(groupConv, alice, "tmp-cross", "answer", 2)
	cross.ReplyToID = original.ID
	m, err := h.msgs.Process(context.Background(), cross)
	require.NoError(t, err)
	assert.Nil(t, m.ReplyTo)

	same := textInput(directConv, alice, "tmp-same", "answer", 3)
	same.ReplyToID = original.ID
	m, err = h.msgs.Process(context.Background(), same)
	require.NoError(t, err)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, original.ID, m.ReplyTo.MessageID)
	assert.Equal(t, "question", m.ReplyTo.Preview)

	missing := textInput(directConv, alice, "tmp-missing", "answer", 4)
	missing.ReplyToID = "99999"
	m, err = h.msgs.Process(context.Background(), missing)
	require.NoError(t, err)
	assert.Nil(t, m.ReplyTo)
}

func TestProcessKafkaMessageDropsInvalidRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.NoError(t, h.msgs.ProcessKafkaMessage(ctx, &confluentKafka.Message{Value: []byte("{not json")}))

	raw, err := json.Marshal(textInput(directConv, carol, "tmp-x", "intruder", 1))
	require.NoError(t, err)
	assert.NoError(t, h.msgs.ProcessKafkaMessage(ctx, &confluentKafka.Message{Value: raw}))

	assert.Empty(t, h.w.messages)
	assert.Empty(t, h.events.events)

	raw, err = json.Marshal(textInput(directConv, bob, "tmp-ok", "hi", 2))
	require.NoError(t, err)
	require.NoError(t, h.msgs.ProcessKafkaMessage(ctx, &confluentKafka.Message{Value: raw}))
	assert.Len(t, h.w.messages, 1)
}

func TestGetMessagePage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		h.send(t, directConv, alice, fmt.Sprintf("m%d", i), i)
	}

	page, err := h.msgs.GetMessagePage(ctx, bob, directConv, 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "m5", page.Data[0].Content.Text)
	assert.Equal(t, "m4", page.Data[1].Content.Text)
	assert.Equal(t, imtypes.PageMeta{CurrentPage: 1, TotalPages: 3, TotalCount: 5, Limit: 2}, page.Meta)

	last, err := h.msgs.GetMessagePage(ctx, bob, directConv, 3, 2)
	require.NoError(t, err)
	require.Len(t, last.Data, 1)
	assert.Equal(t, "m1", last.Data[0].Content.Text)
	assert.False(t, last.Meta.HasMore())

	empty, err := h.msgs.GetMessagePage(ctx, alice, groupConv, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
	assert.Equal(t, 1, empty.Meta.TotalPages)
	assert.Equal(t, DefaultPageLimit, empty.Meta.Limit)

	_, err = h.msgs.GetMessagePage(ctx, carol, directConv, 1, 2)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestListSummaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(t, groupConv, bob, "older", 1)
	h.send(t, directConv, bob, "newer", 2)

	list, err := h.convs.ListSummaries(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, models.FormatID(directConv), list[0].ID)
	require.NotNil(t, list[0].Counterpart)
	assert.Equal(t, "bob", list[0].Counterpart.Username)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "newer", list[0].LastMessage.Content.Text)
	assert.Equal(t, 1, list[0].UnreadCount)

	assert.Equal(t, imtypes.GroupConversation, list[1].Type)
	assert.Equal(t, "team", list[1].Name)
	assert.Nil(t, list[1].Counterpart)
}

func TestListSummariesFallsBackToDatabaseCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(t, directConv, bob, "one", 1)
	h.send(t, directConv, bob, "two", 2)

	h.unread.counts = map[uint]map[uint]int64{}
	list, err := h.convs.ListSummaries(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, int64(2), h.unread.counts[alice][directConv], "recomputed count is written back")

	h.unread.err = errBoom
	list, err = h.convs.ListSummaries(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, list[0].UnreadCount)
}

func TestMarkSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(t, groupConv, bob, "hello", -5)
	h.events.reset()

	require.NoError(t, h.convs.MarkSeen(ctx, groupConv, alice))
	assert.Zero(t, h.unread.counts[alice][groupConv])
	assert.Equal(t, []uint{alice}, h.events.receivers(imtypes.EventConversationSeen))
	assert.Equal(t, int64(1), h.unread.counts[carol][groupConv], "other members keep their counters")

	h.unread.counts = map[uint]map[uint]int64{}
	summary, err := h.convs.Summary(ctx, groupConv, alice)
	require.NoError(t, err)
	assert.Zero(t, summary.UnreadCount, "database read marker agrees with the reset")

	assert.ErrorIs(t, h.convs.MarkSeen(ctx, directConv, carol), ErrNotParticipant)
}

func TestSummaryRequiresMembership(t *testing.T) {
	h := newHarness(t)
	_, err := h.convs.Summary(context.Background(), directConv, carol)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = h.convs.Summary(context.Background(), 404, alice)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetOrCreateDirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.convs.GetOrCreateDirect(ctx, alice, alice)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = h.convs.GetOrCreateDirect(ctx, alice, 77)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	existing, created, err := h.convs.GetOrCreateDirect(ctx, bob, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.FormatID(directConv), existing.ID)
	assert.Equal(t, "alice", existing.Counterpart.Username)

	fresh, created, err := h.convs.GetOrCreateDirect(ctx, alice, carol)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := h.convs.GetOrCreateDirect(ctx, carol, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, fresh.ID, again.ID)
}

func TestCreateGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.convs.CreateGroup(ctx, alice, CreateGroupInput{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.convs.CreateGroup(ctx, alice, CreateGroupInput{Name: "x", MemberIDs: []uint{bob, 77}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	summary, err := h.convs.CreateGroup(ctx, alice, CreateGroupInput{Name: " book club ", MemberIDs: []uint{bob, alice, carol}})
	require.NoError(t, err)
	assert.Equal(t, "book club", summary.Name)
	assert.Equal(t, imtypes.GroupConversation, summary.Type)

	id, err := models.ParseID(summary.ID)
	require.NoError(t, err)
	members, err := h.convs.Participants(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{alice, bob, carol}, members)
}

func TestReactReplacesAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.send(t, groupConv, bob, "vote", 1)
	id, _ := models.ParseID(m.ID)
	h.events.reset()

	r, err := h.reactions.React(ctx, alice, id, "👍")
	require.NoError(t, err)
	assert.Equal(t, "1", r.UserID)
	assert.Equal(t, []uint{alice, bob, carol}, h.events.receivers(imtypes.EventReactionAdded))

	h.events.reset()
	_, err = h.reactions.React(ctx, alice, id, "👍")
	require.NoError(t, err)
	assert.Empty(t, h.events.events, "same emoji again is a no-op")

	_, err = h.reactions.React(ctx, alice, id, "🔥")
	require.NoError(t, err)
	require.Len(t, h.events.receivers(imtypes.EventReactionAdded), 3)
	assert.Equal(t, "🔥", h.events.events[0].event.Emoji)

	page, err := h.msgs.GetMessagePage(ctx, bob, groupConv, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data[0].Reactions, 1)
	assert.Equal(t, "🔥", page.Data[0].Reactions[0].Emoji)
}

func TestReactRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.send(t, directConv, bob, "private", 1)
	id, _ := models.ParseID(m.ID)

	_, err := h.reactions.React(ctx, alice, id, "ok")
	assert.ErrorIs(t, err, ErrInvalidReaction)
	_, err = h.reactions.React(ctx, alice, id, "👍🔥")
	assert.ErrorIs(t, err, ErrInvalidReaction)
	_, err = h.reactions.React(ctx, carol, id, "👍")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = h.reactions.React(ctx, alice, 99999, "👍")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestUnreact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.send(t, directConv, bob, "hello", 1)
	id, _ := models.ParseID(m.ID)

	require.NoError(t, h.reactions.Unreact(ctx, alice, id))
	assert.Empty(t, h.events.receivers(imtypes.EventReactionRemoved), "nothing to remove")

	_, err := h.reactions.React(ctx, alice, id, "😂")
	require.NoError(t, err)
	h.events.reset()

	require.NoError(t, h.reactions.Unreact(ctx, alice, id))
	assert.Equal(t, []uint{alice, bob}, h.events.receivers(imtypes.EventReactionRemoved))
	assert.Equal(t, "😂", h.events.events[0].event.Emoji)
	assert.Empty(t, h.w.reactions)
}

func TestKafkaEventPublisherKeysByReceiver(t *testing.T) {
	producer := &recordingProducer{}
	pub := NewKafkaEventPublisher(producer, "im-websocket-outgoing")
	ev := imtypes.Event{Kind: imtypes.EventConversationSeen, ConversationID: "10", UserID: "1", At: testNow}

	require.NoError(t, pub.Publish(context.Background(), []uint{1, 2}, ev))
	require.Len(t, producer.sent, 2)
	assert.Equal(t, "1", producer.sent[0].key)
	assert.Equal(t, "2", producer.sent[1].key)

	var env imtypes.OutgoingEnvelope
	require.NoError(t, json.Unmarshal(producer.sent[1].payload, &env))
	assert.Equal(t, "2", env.ReceiverID)
	assert.Equal(t, imtypes.EventConversationSeen, env.Event.Kind)

	producer.err = errBoom
	assert.ErrorIs(t, pub.Publish(context.Background(), []uint{3}, ev), errBoom)
}
