package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
)

// Frame is the WebSocket wire envelope in both directions.
type Frame struct {
	Type string `json:"type"`

	// Client supplied fields.
	Key       string             `json:"key,omitempty"`
	ClientID  string             `json:"client_id,omitempty"`
	Topic     string             `json:"topic,omitempty"`
	Topics    []string           `json:"topics,omitempty"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Headers   map[string]string  `json:"headers,omitempty"`
	TTLMs     int64              `json:"ttl_ms,omitempty"`
	TimeoutMs int64              `json:"timeout_ms,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Filter    *broker.FilterSpec `json:"filter,omitempty"`
	Group     string             `json:"group,omitempty"`
	Strategy  broker.Strategy    `json:"strategy,omitempty"`

	// Request/reply correlation.
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`

	// Server supplied fields.
	Message        *broker.Message `json:"message,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Stats          interface{}     `json:"stats,omitempty"`
}

// Frame types.
const (
	frameAuth        = "auth"
	frameAuthOK      = "auth:ok"
	frameSubscribe   = "subscribe"
	frameSubscribed  = "subscribed"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	framePublished   = "published"
	frameMessage     = "message"
	frameAck         = "ack"
	frameNack        = "nack"
	frameRequest     = "request"
	frameReply       = "reply"
	frameResponse    = "response"
	frameError       = "error"
	framePing        = "ping"
	framePong        = "pong"
	frameTopicCreate = "topic:create"
	frameTopicDelete = "topic:delete"
	frameMetrics     = "metrics"
	frameGroupCreate = "group:create"
	frameGroupJoin   = "group:join"
	frameGroupLeave  = "group:leave"
	frameHeartbeat   = "heartbeat"
)

// wsClient is one WebSocket connection: a read loop dispatching frames
// and a write pump serializing all outbound traffic.
type wsClient struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan Frame
	logger *logrus.Entry

	mu       sync.Mutex
	clientID string
	key      *auth.APIKey
	subIDs   []string

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := &wsClient{
		srv:    s,
		conn:   conn,
		send:   make(chan Frame, s.cfg.WebSocket.SendBuffer),
		logger: s.logger.WithField("remote", conn.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
	go client.writePump()
	client.readPump()
}

// sink adapts the write pump into a broker delivery sink. A full send
// buffer fails the delivery so the broker queues the message instead
// of blocking the router.
func (c *wsClient) sink() broker.Sink {
	return broker.SinkFunc(func(msg *broker.Message) error {
		select {
		case c.send <- Frame{Type: frameMessage, Topic: msg.Topic, Message: msg}:
			return nil
		case <-c.closed:
			return broker.ErrDeliveryFailed
		default:
			return broker.ErrDeliveryFailed
		}
	})
}

func (c *wsClient) readPump() {
	defer c.teardown()

	cfg := c.srv.cfg.WebSocket
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		c.handleFrame(frame)
	}
}

func (c *wsClient) writePump() {
	cfg := c.srv.cfg.WebSocket
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsClient) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		subIDs := append([]string(nil), c.subIDs...)
		c.mu.Unlock()
		for _, id := range subIDs {
			_ = c.srv.b.Unsubscribe(id, nil)
		}
		c.conn.Close()
	})
}

func (c *wsClient) reply(frame Frame) {
	select {
	case c.send <- frame:
	case <-c.closed:
	}
}

func (c *wsClient) fail(msg string) {
	c.reply(Frame{Type: frameError, Error: msg})
}

func (c *wsClient) authenticated(scope auth.Scope) bool {
	if !c.srv.cfg.Auth.Enabled {
		return true
	}
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		c.fail("authentication required")
		return false
	}
	if !key.HasScope(scope) {
		c.fail("insufficient scope: " + string(scope))
		return false
	}
	return true
}

func (c *wsClient) clientName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientID != "" {
		return c.clientID
	}
	if c.key != nil {
		return c.key.Name
	}
	return c.conn.RemoteAddr().String()
}

func (c *wsClient) handleFrame(frame Frame) {
	switch frame.Type {
	case frameAuth:
		c.handleAuth(frame)
	case frameSubscribe:
		c.handleSubscribe(frame)
	case frameUnsubscribe:
		c.handleUnsubscribe(frame)
	case framePublish:
		c.handlePublish(frame)
	case frameAck:
		c.handleAck(frame, false)
	case frameNack:
		c.handleAck(frame, true)
	case frameRequest:
		c.handleRequest(frame)
	case frameReply:
		c.handleReply(frame)
	case frameTopicCreate:
		c.handleTopicCreate(frame)
	case frameTopicDelete:
		c.handleTopicDelete(frame)
	case frameMetrics:
		c.reply(Frame{Type: frameMetrics, Stats: c.srv.b.Stats()})
	case frameGroupCreate:
		c.handleGroupCreate(frame)
	case frameGroupJoin:
		c.handleGroupJoin(frame)
	case frameGroupLeave:
		c.handleGroupLeave()
	case frameHeartbeat:
		c.handleHeartbeat()
	case framePing:
		c.reply(Frame{Type: framePong})
	default:
		c.fail("unknown frame type: " + frame.Type)
	}
}

func (c *wsClient) handleAuth(frame Frame) {
	key, err := c.srv.keys.Authenticate(frame.Key)
	if err != nil {
		c.fail("invalid api key")
		return
	}
	c.mu.Lock()
	c.key = key
	if frame.ClientID != "" {
		c.clientID = frame.ClientID
	}
	c.mu.Unlock()
	c.reply(Frame{Type: frameAuthOK, ClientID: c.clientName()})
}

func (c *wsClient) handleSubscribe(frame Frame) {
	if !c.authenticated(auth.ScopeSubscribe) {
		return
	}
	topics := frame.Topics
	if len(topics) == 0 && frame.Topic != "" {
		topics = []string{frame.Topic}
	}
	if len(topics) == 0 {
		c.fail("subscribe requires at least one topic")
		return
	}
	sub, err := c.srv.b.Subscribe(c.clientName(), topics, c.sink(), frame.Filter)
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.mu.Lock()
	c.subIDs = append(c.subIDs, sub.ID)
	c.mu.Unlock()
	c.reply(Frame{Type: frameSubscribed, SubscriptionID: sub.ID, Topics: topics})
}

func (c *wsClient) handleUnsubscribe(frame Frame) {
	c.mu.Lock()
	subIDs := append([]string(nil), c.subIDs...)
	c.mu.Unlock()
	if frame.SubscriptionID != "" {
		subIDs = []string{frame.SubscriptionID}
	}
	for _, id := range subIDs {
		if err := c.srv.b.Unsubscribe(id, frame.Topics); err == nil && len(frame.Topics) == 0 {
			c.dropSubID(id)
		}
	}
	c.reply(Frame{Type: frameUnsubscribe, Topics: frame.Topics})
}

func (c *wsClient) dropSubID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.subIDs {
		if existing == id {
			c.subIDs = append(c.subIDs[:i], c.subIDs[i+1:]...)
			return
		}
	}
}

func (c *wsClient) handlePublish(frame Frame) {
	if !c.authenticated(auth.ScopePublish) {
		return
	}
	msg, err := c.srv.b.Publish(frame.Topic, frame.Payload, c.clientName(), &broker.PublishOptions{
		Headers: frame.Headers,
		TTL:     time.Duration(frame.TTLMs) * time.Millisecond,
	})
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.reply(Frame{Type: framePublished, MessageID: msg.ID, Topic: msg.Topic})
}

func (c *wsClient) handleAck(frame Frame, negative bool) {
	c.mu.Lock()
	subIDs := append([]string(nil), c.subIDs...)
	c.mu.Unlock()
	for _, id := range subIDs {
		var ok bool
		if negative {
			ok = c.srv.b.Nack(id, frame.MessageID, frame.Reason)
		} else {
			ok = c.srv.b.Ack(id, frame.MessageID)
		}
		if ok {
			return
		}
	}
}

func (c *wsClient) handleRequest(frame Frame) {
	if !c.authenticated(auth.ScopePublish) {
		return
	}
	timeout := time.Duration(frame.TimeoutMs) * time.Millisecond
	requester := c.clientName()
	// The await happens off the read loop so the connection stays
	// responsive while the reply is pending.
	go func() {
		resp, err := c.srv.b.Request(context.Background(), frame.Topic, frame.Payload, requester, timeout)
		if err != nil {
			c.reply(Frame{Type: frameError, Topic: frame.Topic, Error: err.Error(), CorrelationID: frame.CorrelationID})
			return
		}
		c.reply(Frame{Type: frameResponse, Topic: frame.Topic, Message: resp, CorrelationID: frame.CorrelationID})
	}()
}

func (c *wsClient) handleReply(frame Frame) {
	if !c.authenticated(auth.ScopePublish) {
		return
	}
	origin := &broker.Message{
		ID:            frame.MessageID,
		ReplyTo:       frame.ReplyTo,
		CorrelationID: frame.CorrelationID,
	}
	if _, err := c.srv.b.Reply(origin, frame.Payload, c.clientName()); err != nil {
		c.fail(err.Error())
	}
}

func (c *wsClient) handleTopicCreate(frame Frame) {
	if !c.authenticated(auth.ScopeAdmin) {
		return
	}
	topic, err := c.srv.b.CreateTopic(frame.Topic, c.clientName(), nil)
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.reply(Frame{Type: frameTopicCreate, Topic: topic.Name})
}

func (c *wsClient) handleTopicDelete(frame Frame) {
	if !c.authenticated(auth.ScopeAdmin) {
		return
	}
	existed, err := c.srv.b.DeleteTopic(frame.Topic, c.clientName())
	if err != nil {
		c.fail(err.Error())
		return
	}
	if !existed {
		c.fail("topic not found: " + frame.Topic)
		return
	}
	c.reply(Frame{Type: frameTopicDelete, Topic: frame.Topic})
}

func (c *wsClient) handleGroupCreate(frame Frame) {
	if !c.authenticated(auth.ScopeAdmin) {
		return
	}
	group, err := c.srv.b.Groups().Create(frame.Group, frame.Topic, frame.Strategy)
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.reply(Frame{Type: frameGroupCreate, Group: group.Name, Topic: group.Topic, Strategy: group.Strategy})
}

func (c *wsClient) handleGroupJoin(frame Frame) {
	if !c.authenticated(auth.ScopeSubscribe) {
		return
	}
	c.mu.Lock()
	var subID string
	if len(c.subIDs) > 0 {
		subID = c.subIDs[len(c.subIDs)-1]
	}
	c.mu.Unlock()
	if subID == "" {
		c.fail("subscribe before joining a group")
		return
	}
	if _, err := c.srv.b.Groups().Join(frame.Group, subID, c.clientName()); err != nil {
		c.fail(err.Error())
		return
	}
	c.reply(Frame{Type: frameGroupJoin, Group: frame.Group, SubscriptionID: subID})
}

func (c *wsClient) handleGroupLeave() {
	c.mu.Lock()
	subIDs := append([]string(nil), c.subIDs...)
	c.mu.Unlock()
	for _, id := range subIDs {
		c.srv.b.Groups().Leave(id)
	}
	c.reply(Frame{Type: frameGroupLeave})
}

func (c *wsClient) handleHeartbeat() {
	c.mu.Lock()
	subIDs := append([]string(nil), c.subIDs...)
	c.mu.Unlock()
	for _, id := range subIDs {
		c.srv.b.Groups().Heartbeat(id)
	}
	c.reply(Frame{Type: frameHeartbeat})
}
