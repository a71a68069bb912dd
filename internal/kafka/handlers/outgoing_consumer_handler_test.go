package kafkahandlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
)

type recordingHub struct {
	got []imtypes.OutgoingEnvelope
	err error
}

func (h *recordingHub) Deliver(_ context.Context, env imtypes.OutgoingEnvelope) error {
	if h.err != nil {
		return h.err
	}
	h.got = append(h.got, env)
	return nil
}

func record(t *testing.T, v interface{}) *kafka.Message {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &kafka.Message{Value: raw}
}

func TestHandleOutgoing(t *testing.T) {
	hub := &recordingHub{}
	h := NewOutgoingConsumerLogic(hub)
	ctx := context.Background()

	valid := imtypes.OutgoingEnvelope{
		ReceiverID: "2",
		Event: imtypes.Event{
			Kind:           imtypes.EventReactionAdded,
			ConversationID: "10",
			MessageID:      "55",
			UserID:         "1",
			Emoji:          "👍",
			At:             time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, h.HandleOutgoing(ctx, record(t, valid)))
	require.Len(t, hub.got, 1)
	assert.Equal(t, "55", hub.got[0].Event.MessageID)

	noReceiver := valid
	noReceiver.ReceiverID = ""
	invalid := valid
	invalid.Event.MessageID = ""

	assert.NoError(t, h.HandleOutgoing(ctx, &kafka.Message{Value: []byte("nope")}))
	assert.NoError(t, h.HandleOutgoing(ctx, record(t, noReceiver)))
	assert.NoError(t, h.HandleOutgoing(ctx, record(t, invalid)))
	assert.Len(t, hub.got, 1)

	hub.err = context.Canceled
	assert.ErrorIs(t, h.HandleOutgoing(ctx, record(t, valid)), context.Canceled)
}
