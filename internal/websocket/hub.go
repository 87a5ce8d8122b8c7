package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/config"
	"github.com/cloudsentry/api/internal/metrics"
	"github.com/cloudsentry/api/internal/model"
)

const closeReasonCompleted = "inspection_complete"

// TopicAuthorizer decides whether a user may subscribe to a topic
type TopicAuthorizer interface {
	CanSubscribe(userID, topic string) bool
}

// Hub owns the connection and topic registries and dispatches events to subscribers.
type Hub struct {
	conns  *ConnectionRegistry
	topics *TopicRegistry
	cfg    config.WebSocketConfig
	authz  TopicAuthorizer

	mu       sync.Mutex
	cleanups map[string]*time.Timer
	stopped  bool
}

// NewHub creates a new Hub
func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		conns:    NewConnectionRegistry(),
		topics:   NewTopicRegistry(),
		cfg:      cfg,
		cleanups: make(map[string]*time.Timer),
	}
}

// SetAuthorizer installs the check run on every subscribe. Call it before serving
// connections; without one every topic is open.
func (h *Hub) SetAuthorizer(authz TopicAuthorizer) {
	h.authz = authz
}

// Topics exposes the subscription registry for inspection
func (h *Hub) Topics() *TopicRegistry {
	return h.topics
}

// Connections exposes the connection registry for inspection
func (h *Hub) Connections() *ConnectionRegistry {
	return h.conns
}

// Broadcast delivers msg once to every connection subscribed to any of topics.
// A connection that cannot take the message is closed and removed; the others are unaffected.
// It returns the number of connections the message was handed to.
func (h *Hub) Broadcast(msg interface{}, topics ...string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		zap.S().Errorf("failed to marshal broadcast message: %v", err)
		return 0
	}

	delivered := 0
	for _, connID := range h.topics.Subscribers(topics...) {
		if h.deliver(connID, data) {
			delivered++
		}
	}
	return delivered
}

// Migrate moves the subscribers of from that belong to ownerID onto to and tells each
// of them. Other users' subscribers stay on from.
func (h *Hub) Migrate(from, to, ownerID string) int {
	if from == "" || from == to {
		return 0
	}
	moved := h.topics.MigrateWhere(from, to, func(connID string) bool {
		conn, ok := h.conns.Get(connID)
		return ok && conn.UserID == ownerID
	})
	if len(moved) == 0 {
		return 0
	}

	data, err := json.Marshal(model.WSSubscriptionMoved{
		Type:             model.WSMessageTypeSubscriptionMoved,
		FromInspectionID: from,
		ToBatchID:        to,
	})
	if err != nil {
		zap.S().Errorf("failed to marshal subscription moved message: %v", err)
		return len(moved)
	}
	for _, connID := range moved {
		h.deliver(connID, data)
	}
	zap.S().Infof("migrated %d subscribers from %s to %s", len(moved), from, to)
	h.refreshGauges()
	return len(moved)
}

// ScheduleTopicCleanup tells the subscribers of each topic that it is closing and drops
// the subscriber set after the cleanup grace period. Rescheduling a topic restarts its timer.
func (h *Hub) ScheduleTopicCleanup(topics ...string) {
	for _, topic := range topics {
		h.Broadcast(model.WSSubscriptionClosed{
			Type:         model.WSMessageTypeSubscriptionClosed,
			InspectionID: topic,
			Reason:       closeReasonCompleted,
		}, topic)

		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		if t, ok := h.cleanups[topic]; ok {
			t.Stop()
		}
		h.cleanups[topic] = time.AfterFunc(h.cfg.CleanupGrace, func() {
			h.mu.Lock()
			delete(h.cleanups, topic)
			h.mu.Unlock()

			removed := h.topics.RemoveTopic(topic)
			if len(removed) > 0 {
				zap.S().Debugf("cleaned up topic %s with %d subscribers", topic, len(removed))
			}
			h.refreshGauges()
		})
		h.mu.Unlock()
	}
}

// OnConnectionClosed removes the connection and every subscription it held. Safe to call
// more than once and from any goroutine.
func (h *Hub) OnConnectionClosed(connID string) {
	conn, ok := h.conns.Remove(connID)
	held := h.topics.RemoveConnection(connID)
	if !ok {
		return
	}
	conn.close()
	zap.S().Infof("connection %s closed (user %s, %d subscriptions dropped)", connID, conn.UserID, len(held))
	h.refreshGauges()
}

// ReapIdle closes every connection silent for longer than the heartbeat timeout.
func (h *Hub) ReapIdle(now time.Time) int {
	if h.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	reaped := 0
	for _, conn := range h.conns.Snapshot() {
		if now.Sub(conn.LastActivity()) > h.cfg.HeartbeatTimeout {
			zap.S().Infof("connection %s missed heartbeat, closing", conn.ID)
			h.OnConnectionClosed(conn.ID)
			reaped++
		}
	}
	return reaped
}

// Close stops pending topic cleanups and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.stopped = true
	for topic, t := range h.cleanups {
		t.Stop()
		delete(h.cleanups, topic)
	}
	h.mu.Unlock()

	for _, conn := range h.conns.Snapshot() {
		h.OnConnectionClosed(conn.ID)
	}
}

// Serve runs an authenticated connection until its transport fails or it is closed.
func (h *Hub) Serve(transport Transport, userID string) {
	conn := newConnection(uuid.New().String(), userID, transport, h.cfg.SendBuffer, time.Now())
	h.conns.Add(conn)
	h.topics.AddConnection(conn.ID)
	h.refreshGauges()

	zap.S().Infof("connection %s established for user %s", conn.ID, userID)

	h.reply(conn, model.WSConnectionEstablished{
		Type:         model.WSMessageTypeConnectionEstablished,
		ConnectionID: conn.ID,
		Timestamp:    time.Now().UnixMilli(),
	})

	transport.SetPongHandler(func(string) error {
		conn.touch(time.Now())
		return nil
	})

	go h.writePump(conn)

	// The transport is released once Serve returns, so the writer must be gone by then.
	// close blocks until any close already running elsewhere has finished.
	defer func() {
		h.OnConnectionClosed(conn.ID)
		conn.close()
		<-conn.writerDone
	}()

	for {
		_, data, err := transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !conn.closed() {
				zap.S().Debugf("connection %s read error: %v", conn.ID, err)
			}
			return
		}
		conn.touch(time.Now())
		h.handleMessage(conn, data)
	}
}

func (h *Hub) writePump(conn *Connection) {
	defer close(conn.writerDone)

	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return

		case data := <-conn.send:
			if conn.closed() {
				return
			}
			if err := conn.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				h.OnConnectionClosed(conn.ID)
				return
			}

		case <-ticker.C:
			if conn.closed() {
				return
			}
			if err := conn.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.OnConnectionClosed(conn.ID)
				return
			}
		}
	}
}

func (h *Hub) handleMessage(conn *Connection, data []byte) {
	var msg model.WSClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.replyError(conn, "", model.WSErrorParse, "message is not valid JSON")
		return
	}

	switch msg.Type {
	case model.WSMessageTypeSubscribe:
		if msg.InspectionID == "" {
			h.replyError(conn, "", model.WSErrorInvalidMessage, "inspectionId is required")
			return
		}
		if h.authz != nil && !h.authz.CanSubscribe(conn.UserID, msg.InspectionID) {
			zap.S().Warnf("connection %s (user %s) denied subscription to %s", conn.ID, conn.UserID, msg.InspectionID)
			h.replyError(conn, msg.InspectionID, model.WSErrorForbidden, "not allowed to subscribe to "+msg.InspectionID)
			return
		}
		already, ok := h.topics.Subscribe(conn.ID, msg.InspectionID)
		if !ok {
			return
		}
		h.refreshGauges()
		h.reply(conn, model.WSSubscriptionConfirmed{
			Type:              model.WSMessageTypeSubscriptionConfirmed,
			InspectionID:      msg.InspectionID,
			AlreadySubscribed: already,
		})

	case model.WSMessageTypeUnsubscribe:
		if msg.InspectionID == "" {
			h.replyError(conn, "", model.WSErrorInvalidMessage, "inspectionId is required")
			return
		}
		was := h.topics.Unsubscribe(conn.ID, msg.InspectionID)
		h.refreshGauges()
		h.reply(conn, model.WSUnsubscriptionConfirmed{
			Type:          model.WSMessageTypeUnsubscribeConfirmed,
			InspectionID:  msg.InspectionID,
			WasSubscribed: was,
		})

	case model.WSMessageTypePing:
		ts := msg.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		h.reply(conn, model.WSPongMessage{Type: model.WSMessageTypePong, Timestamp: ts})

	default:
		h.replyError(conn, msg.InspectionID, model.WSErrorUnknownMessageType, "unknown message type: "+msg.Type)
	}
}

func (h *Hub) reply(conn *Connection, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		zap.S().Errorf("failed to marshal reply: %v", err)
		return
	}
	h.deliver(conn.ID, data)
}

func (h *Hub) replyError(conn *Connection, inspectionID, code, message string) {
	h.reply(conn, model.WSErrorMessage{
		Type:         model.WSMessageTypeError,
		InspectionID: inspectionID,
		Code:         code,
		Message:      message,
	})
}

func (h *Hub) deliver(connID string, data []byte) bool {
	conn, ok := h.conns.Get(connID)
	if !ok {
		return false
	}
	if !conn.Enqueue(data) {
		metrics.IncreaseDeliveries(false)
		zap.S().Warnf("delivery to connection %s failed, removing it", connID)
		h.OnConnectionClosed(connID)
		return false
	}
	metrics.IncreaseDeliveries(true)
	return true
}

func (h *Hub) refreshGauges() {
	metrics.SetActiveConnections(h.conns.Count())
	metrics.SetActiveTopics(h.topics.TopicCount())
}
