package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/model"
)

// State of the client connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const writeWait = 10 * time.Second

// session is one physical connection
type session struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Client is the subscriber side of the inspection event stream. It keeps one
// server subscription per topic regardless of how many local callbacks share it,
// queues outbound messages while offline and reconnects with capped backoff.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	token        string
	sess         *session
	queue        [][]byte
	topics       map[string]*topicState
	progress     map[string]*stagnation
	probes       map[int64]chan struct{}
	lastProbe    int64
	lastPong     time.Time
	connectionID string
	nextID       uint64
	reconnecting bool
	closed       bool
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]*topicState),
		progress: make(map[string]*stagnation),
		probes:   make(map[int64]chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID is the id the server assigned to the current connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Connect opens the connection, authenticating with token. It returns once the
// connection is open and queued messages are flushed, or with the dial error.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting || c.reconnecting {
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.token = token
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.open(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the connection for good. It never triggers a reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	s := c.sess
	c.sess = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if s != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.close()
	}
}

// SubscribeToTopic registers cb for topic. Only the first callback of a topic sends
// a subscribe message; later ones share the server subscription.
func (c *Client) SubscribeToTopic(topic string, cb Callback) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("wsclient: topic is required")
	}
	if cb == nil {
		cb = func(Event) {}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	st, ok := c.topics[topic]
	if !ok {
		st = newTopicState(topic)
		if err := c.sendLocked(model.WSClientMessage{Type: model.WSMessageTypeSubscribe, InspectionID: topic}); err != nil {
			return nil, err
		}
		c.topics[topic] = st
	}
	c.nextID++
	st.entries = append(st.entries, callbackEntry{id: c.nextID, cb: cb})
	return &Subscription{c: c, state: st, id: c.nextID}, nil
}

func (c *Client) unsubscribe(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := s.state.resolve()
	st.remove(s.id)
	if len(st.entries) > 0 || c.topics[st.key] != st {
		return
	}
	delete(c.topics, st.key)
	if c.closed {
		return
	}
	if err := c.sendLocked(model.WSClientMessage{Type: model.WSMessageTypeUnsubscribe, InspectionID: st.key}); err != nil {
		zap.S().Warnf("failed to unsubscribe from %s: %v", st.key, err)
	}
}

// IsStale reports whether the server has not answered a heartbeat for two intervals.
func (c *Client) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return true
	}
	return time.Since(c.lastPong) > 2*c.opts.HeartbeatInterval
}

// HealthCheck sends a ping and waits for the matching pong.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected || c.sess == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ts := c.nextProbeLocked()
	ch := make(chan struct{})
	c.probes[ts] = ch
	if err := c.pingLocked(c.sess, ts); err != nil {
		delete(c.probes, ts)
		c.mu.Unlock()
		return fmt.Errorf("health check: %w", err)
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.opts.HealthCheckTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-ch:
		return nil
	case <-timer.C:
		err = ErrHealthCheckTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	delete(c.probes, ts)
	c.mu.Unlock()
	return err
}

func (c *Client) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return c.attach(conn)
}

// attach flushes the queue on conn and marks the client connected.
func (c *Client) attach(conn *websocket.Conn) error {
	s := &session{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.close()
		return ErrClosed
	}

	for len(c.queue) > 0 {
		if err := writeText(conn, c.queue[0]); err != nil {
			s.close()
			return fmt.Errorf("flush queued messages: %w", err)
		}
		c.queue = c.queue[1:]
	}
	c.queue = nil

	c.sess = s
	c.state = StateConnected
	c.reconnecting = false
	c.lastPong = time.Now()

	go c.readLoop(s)
	go c.heartbeat(s)
	return nil
}

func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.handleClose(s, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleClose(s *session, cause error) {
	s.close()

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	if c.closed {
		c.mu.Unlock()
		return
	}

	// the next connection starts without server subscriptions
	keys := make([]string, 0, len(c.topics))
	for key := range c.topics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	resubscribe := make([][]byte, 0, len(keys)+len(c.queue))
	for _, key := range keys {
		data, _ := json.Marshal(model.WSClientMessage{Type: model.WSMessageTypeSubscribe, InspectionID: key})
		resubscribe = append(resubscribe, data)
	}
	c.queue = append(resubscribe, c.queue...)

	start := !c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	zap.S().Warnf("connection lost: %v", cause)
	if start {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	b := newReconnectBackOff(c.opts)
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		if c.opts.OnReconnectAttempt != nil {
			c.opts.OnReconnectAttempt(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		err := c.open(c.ctx)
		if err == nil {
			zap.S().Infof("reconnected on attempt %d", attempt)
			return
		}

		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		zap.S().Warnf("reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxReconnectAttempts, err)
	}
	c.giveUp()
}

// giveUp tells every subscriber the connection is gone for good.
func (c *Client) giveUp() {
	type target struct {
		topic string
		cbs   []Callback
	}

	c.mu.Lock()
	c.reconnecting = false
	c.state = StateDisconnected
	targets := make([]target, 0, len(c.topics))
	for key, st := range c.topics {
		targets = append(targets, target{topic: key, cbs: st.callbacks()})
	}
	c.mu.Unlock()

	zap.S().Errorf("giving up after %d reconnect attempts", c.opts.MaxReconnectAttempts)
	for _, t := range targets {
		ev := Event{Type: EventReconnectFailed, Topic: t.topic, Err: ErrReconnectExhausted}
		for _, cb := range t.cbs {
			cb(ev)
		}
	}
}

func (c *Client) heartbeat(s *session) {
	ticker := jitterbug.New(c.opts.HeartbeatInterval, &jitterbug.Norm{Stdev: c.opts.HeartbeatInterval / 20, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.sess != s {
			c.mu.Unlock()
			return
		}
		if time.Since(c.lastPong) > c.opts.HeartbeatTimeout {
			c.mu.Unlock()
			zap.S().Warn("no heartbeat reply, dropping connection")
			s.close()
			return
		}
		err := c.pingLocked(s, c.nextProbeLocked())
		c.mu.Unlock()
		if err != nil {
			s.close()
			return
		}
	}
}

type delivery struct {
	ev  Event
	cbs []Callback
}

func (c *Client) dispatch(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		zap.S().Debugf("discarding malformed message: %v", err)
		return
	}

	c.mu.Lock()
	switch msg.Type {
	case model.WSMessageTypePong:
		c.lastPong = time.Now()
		if ch, ok := c.probes[msg.Timestamp]; ok {
			delete(c.probes, msg.Timestamp)
			close(ch)
		}
		c.mu.Unlock()
		return
	case model.WSMessageTypeConnectionEstablished:
		c.connectionID = msg.ConnectionID
		c.lastPong = time.Now()
		c.mu.Unlock()
		return
	case model.WSMessageTypeSubscriptionMoved:
		c.migrateLocked(msg.FromInspectionID, msg.ToBatchID)
	}

	keys := routeKeys(&msg)
	var out []delivery
	for _, key := range keys {
		if st, ok := c.topics[key]; ok {
			out = append(out, delivery{ev: Event{Type: msg.Type, Topic: key, Data: data}, cbs: st.callbacks()})
		}
	}

	if msg.Type == model.WSMessageTypeProgress && msg.Progress != nil && msg.InspectionID != "" {
		tr, ok := c.progress[msg.InspectionID]
		if !ok {
			tr = &stagnation{}
			c.progress[msg.InspectionID] = tr
		}
		if tr.observe(msg.Progress.Percentage, c.opts.StagnationThreshold) {
			for _, d := range out {
				out = append(out, delivery{ev: Event{Type: EventStagnant, Topic: d.ev.Topic, Data: data}, cbs: d.cbs})
			}
		}
	}

	if msg.Type == model.WSMessageTypeComplete {
		delete(c.progress, msg.InspectionID)
		if st, ok := c.topics[msg.InspectionID]; ok {
			st.finish(Event{Type: msg.Type, Topic: msg.InspectionID, Data: data})
			delete(c.topics, msg.InspectionID)
		}
	}
	c.mu.Unlock()

	for _, d := range out {
		for _, cb := range d.cbs {
			cb(d.ev)
		}
	}
}

// migrateLocked re-keys the local subscription of from to to, merging with an existing one.
func (c *Client) migrateLocked(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	src, ok := c.topics[from]
	if !ok {
		return
	}
	delete(c.topics, from)

	if dst, ok := c.topics[to]; ok {
		dst.entries = append(dst.entries, src.entries...)
		src.entries = nil
		src.movedTo = dst
		dst.merged = append(dst.merged, src)
		return
	}
	src.key = to
	c.topics[to] = src
}

// sendLocked writes msg when connected and queues it otherwise.
func (c *Client) sendLocked(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.state == StateConnected && c.sess != nil {
		if err := writeText(c.sess.conn, data); err == nil {
			return nil
		}
		// the reader sees the closed connection and reconnects
		c.sess.close()
	}
	c.queue = append(c.queue, data)
	return nil
}

func (c *Client) pingLocked(s *session, ts int64) error {
	data, err := json.Marshal(model.WSClientMessage{Type: model.WSMessageTypePing, Timestamp: ts})
	if err != nil {
		return err
	}
	return writeText(s.conn, data)
}

// nextProbeLocked returns a unique, increasing ping timestamp in milliseconds.
func (c *Client) nextProbeLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts <= c.lastProbe {
		ts = c.lastProbe + 1
	}
	c.lastProbe = ts
	return ts
}

func routeKeys(msg *inbound) []string {
	switch msg.Type {
	case model.WSMessageTypeSubscriptionMoved:
		return []string{msg.ToBatchID}
	case model.WSMessageTypeBatchProgress:
		return []string{msg.BatchID}
	}
	keys := make([]string, 0, 2)
	if msg.InspectionID != "" {
		keys = append(keys, msg.InspectionID)
	}
	if msg.BatchID != "" && msg.BatchID != msg.InspectionID {
		keys = append(keys, msg.BatchID)
	}
	return keys
}

func writeText(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
