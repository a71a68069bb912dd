package websocket

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"im-sync/internal/imtypes"
	"im-sync/internal/logging"
	"im-sync/internal/models"
)

// HubMetrics 统计 Hub 的连接与投递情况。
type HubMetrics struct {
	connections prometheus.Gauge
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// NewHubMetrics creates the hub collectors and registers them with reg when it is not nil.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imsync",
			Subsystem: "chatserver",
			Name:      "connections",
			Help:      "Open WebSocket connections on this instance.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imsync",
			Subsystem: "chatserver",
			Name:      "events_delivered_total",
			Help:      "Events written to a connection's send buffer, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imsync",
			Subsystem: "chatserver",
			Name:      "events_dropped_total",
			Help:      "Events that could not be delivered, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.delivered, m.dropped)
	}
	return m
}

// Hub 维护本实例上的所有连接，并把出站事件投递给接收者的每一个连接。
// 同一用户可以同时有多个连接 (多个设备或标签页)。
type Hub struct {
	clients map[uint]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	deliver    chan imtypes.OutgoingEnvelope

	metrics *HubMetrics
	log     zerolog.Logger
}

// NewHub creates a new Hub. metrics may be nil.
func NewHub(metrics *HubMetrics) *Hub {
	if metrics == nil {
		metrics = NewHubMetrics(nil)
	}
	return &Hub{
		clients:    make(map[uint]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan imtypes.OutgoingEnvelope, 256),
		metrics:    metrics,
		log:        logging.For("hub"),
	}
}

// Deliver 把出站事件交给 Hub。Hub 繁忙时阻塞，ctx 结束时放弃，
// 这样 Kafka 消费者在投递完成前不会提交偏移量。
func (h *Hub) Deliver(ctx context.Context, env imtypes.OutgoingEnvelope) error {
	select {
	case h.deliver <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 运行 Hub 主循环，直到 ctx 结束。退出时关闭所有连接的发送通道。
func (h *Hub) Run(ctx context.Context) {
	h.log.Info().Msg("WebSocket Hub 已启动")
	defer func() {
		for _, conns := range h.clients {
			for c := range conns {
				close(c.send)
			}
		}
		h.clients = map[uint]map[*Client]struct{}{}
		h.metrics.connections.Set(0)
		h.log.Info().Msg("WebSocket Hub 已停止")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			conns, ok := h.clients[c.UserID]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[c.UserID] = conns
			}
			conns[c] = struct{}{}
			h.metrics.connections.Inc()
			h.log.Debug().Uint("userId", c.UserID).Int("connections", len(conns)).Msg("客户端已注册")

		case c := <-h.unregister:
			h.remove(c)

		case env := <-h.deliver:
			h.dispatch(env)
		}
	}
}

func (h *Hub) remove(c *Client) {
	conns, ok := h.clients[c.UserID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.UserID)
	}
	close(c.send)
	h.metrics.connections.Dec()
	h.log.Debug().Uint("userId", c.UserID).Msg("客户端已注销")
}

func (h *Hub) dispatch(env imtypes.OutgoingEnvelope) {
	receiverID, err := models.ParseID(env.ReceiverID)
	if err != nil {
		h.metrics.dropped.WithLabelValues("bad_receiver").Inc()
		h.log.Warn().Str("receiverId", env.ReceiverID).Msg("无法解析出站事件的接收者 ID")
		return
	}
	conns, ok := h.clients[receiverID]
	if !ok {
		// 接收者没有连接到本实例
		h.metrics.dropped.WithLabelValues("offline").Inc()
		return
	}
	payload, err := json.Marshal(env.Event)
	if err != nil {
		h.metrics.dropped.WithLabelValues("encode").Inc()
		h.log.Error().Err(err).Uint("userId", receiverID).Msg("序列化出站事件失败")
		return
	}
	for c := range conns {
		select {
		case c.send <- payload:
			h.metrics.delivered.WithLabelValues(string(env.Event.Kind)).Inc()
		default:
			// 发送缓冲已满，视为慢连接并断开，客户端重连后会重新拉取
			h.metrics.dropped.WithLabelValues("slow_consumer").Inc()
			h.log.Warn().Uint("userId", receiverID).Msg("连接发送缓冲已满，断开该连接")
			h.remove(c)
		}
	}
}
