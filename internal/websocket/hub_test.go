package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
)

var wsCfg = config.WebSocketConfig{
	WriteWaitSeconds:    5,
	PongWaitSeconds:     30,
	PingPeriodSeconds:   20,
	MaxMessageSizeBytes: 64 * 1024,
	SendBufferSize:      16,
}

func startHub(t *testing.T) (*Hub, *HubMetrics, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	metrics := NewHubMetrics(prometheus.NewRegistry())
	hub := NewHub(metrics)
	go hub.Run(ctx)
	return hub, metrics, ctx
}

func seenEnvelope(receiver string) imtypes.OutgoingEnvelope {
	return imtypes.OutgoingEnvelope{
		ReceiverID: receiver,
		Event: imtypes.Event{
			Kind:           imtypes.EventConversationSeen,
			ConversationID: "10",
			UserID:         receiver,
			At:             time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC),
		},
	}
}

// fakeClient 注册一个没有底层连接的客户端，直接读取它的发送通道。
func fakeClient(t *testing.T, hub *Hub, userID uint, buf int) *Client {
	t.Helper()
	c := &Client{hub: hub, send: make(chan []byte, buf), UserID: userID}
	hub.register <- c
	return c
}

func recv(t *testing.T, c *Client) imtypes.Event {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var ev imtypes.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return imtypes.Event{}
	}
}

func TestHubDeliversToEveryConnectionOfReceiver(t *testing.T) {
	hub, metrics, ctx := startHub(t)
	phone := fakeClient(t, hub, 1, 4)
	laptop := fakeClient(t, hub, 1, 4)
	other := fakeClient(t, hub, 2, 4)

	require.NoError(t, hub.Deliver(ctx, seenEnvelope("1")))

	assert.Equal(t, imtypes.EventConversationSeen, recv(t, phone).Kind)
	assert.Equal(t, imtypes.EventConversationSeen, recv(t, laptop).Kind)
	assert.Empty(t, other.send)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.delivered.WithLabelValues("conversation_seen")))
}

func TestHubDropsOfflineAndMalformedReceivers(t *testing.T) {
	hub, metrics, ctx := startHub(t)
	c := fakeClient(t, hub, 1, 4)

	require.NoError(t, hub.Deliver(ctx, seenEnvelope("7")))
	require.NoError(t, hub.Deliver(ctx, seenEnvelope("not-a-number")))
	require.NoError(t, hub.Deliver(ctx, seenEnvelope("1")))
	recv(t, c)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dropped.WithLabelValues("offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dropped.WithLabelValues("bad_receiver")))
}

func TestHubDisconnectsSlowConnection(t *testing.T) {
	hub, metrics, ctx := startHub(t)
	slow := fakeClient(t, hub, 1, 1)

	require.NoError(t, hub.Deliver(ctx, seenEnvelope("1")))
	require.NoError(t, hub.Deliver(ctx, seenEnvelope("1")))

	recv(t, slow)
	select {
	case _, ok := <-slow.send:
		assert.False(t, ok, "slow connection's send channel is closed")
	case <-time.After(2 * time.Second):
		t.Fatal("slow connection was not removed")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dropped.WithLabelValues("slow_consumer")))

	// 注销已被移除的连接不会重复关闭通道
	hub.unregister <- slow
	require.NoError(t, hub.Deliver(ctx, seenEnvelope("1")))
}

func TestHubStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	c := fakeClient(t, hub, 1, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	_, ok := <-c.send
	assert.False(t, ok)
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []imtypes.ClientFrame
	users  []uint
	got    chan struct{}
}

func (f *frameRecorder) handle(_ context.Context, userID uint, frame imtypes.ClientFrame) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.users = append(f.users, userID)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func TestServeWsRoundTrip(t *testing.T) {
	hub, _, ctx := startHub(t)
	rec := &frameRecorder{got: make(chan struct{}, 8)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeWs(ctx, hub, rec.handle, 42, w, r, wsCfg, config.RateLimitConfig{FramesPerSecond: 100, Burst: 10})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := imtypes.ClientFrame{
		Type:           imtypes.FrameSendMessage,
		TempID:         "tmp-1",
		ConversationID: "10",
		Content:        imtypes.Content{Kind: imtypes.TextContent, Text: "hello"},
	}
	require.NoError(t, conn.WriteJSON(frame))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{garbage")))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not handled")
	}
	rec.mu.Lock()
	assert.Equal(t, []uint{42}, rec.users)
	assert.Equal(t, "tmp-1", rec.frames[0].TempID)
	rec.mu.Unlock()

	require.NoError(t, hub.Deliver(ctx, seenEnvelope("42")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev imtypes.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, imtypes.EventConversationSeen, ev.Kind)
	assert.Equal(t, "42", ev.UserID)
}

func TestServeWsRateLimitsFrames(t *testing.T) {
	hub, _, ctx := startHub(t)
	rec := &frameRecorder{got: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeWs(ctx, hub, rec.handle, 7, w, r, wsCfg, config.RateLimitConfig{FramesPerSecond: 0.001, Burst: 2})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(imtypes.ClientFrame{Type: imtypes.FrameSendMessage, TempID: "t"}))
	}
	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame handled")
	}
	time.Sleep(200 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.LessOrEqual(t, len(rec.frames), 2, "frames beyond the burst are dropped")
}
