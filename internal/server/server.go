// Package server exposes the broker over HTTP (gin) and WebSocket
// (gorilla): a REST API for topics, publishing, dead letters, and
// stats, plus a frame-based WebSocket transport for live subscribers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
	"github.com/relaymq/relaymq/internal/config"
)

// Server hosts the REST and WebSocket surfaces over one broker.
type Server struct {
	cfg    *config.Config
	b      *broker.Broker
	keys   *auth.KeyStore
	logger *logrus.Entry
	engine *gin.Engine
	http   *http.Server

	gatherer prometheus.Gatherer
}

// New builds the server and its routes. gatherer may be nil when
// metrics are disabled.
func New(cfg *config.Config, b *broker.Broker, keys *auth.KeyStore, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:      cfg,
		b:        b,
		keys:     keys,
		logger:   logger.WithField("component", "server"),
		engine:   gin.New(),
		gatherer: gatherer,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	if cfg.Server.EnableCORS {
		s.engine.Use(corsMiddleware(cfg.Server.CORSOrigins))
	}
	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Server.ListenAddr(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler returns the underlying gin engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.WithField("addr", s.http.Addr).Info("http server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.gatherer != nil && s.cfg.Metrics.Enabled {
		s.engine.GET(s.cfg.Metrics.Path, gin.WrapH(
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.cfg.Auth.DemoKeys {
		s.engine.GET("/demo-keys", s.handleDemoKeys)
	}

	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	if s.cfg.Auth.Enabled {
		api.Use(s.authMiddleware())
	}
	{
		api.GET("/topics", s.handleListTopics)
		api.POST("/topics", s.requireScope(auth.ScopeAdmin), s.handleCreateTopic)
		api.DELETE("/topics/:name", s.requireScope(auth.ScopeAdmin), s.handleDeleteTopic)
		api.GET("/topics/match", s.handleMatchTopics)

		api.POST("/publish", s.requireScope(auth.ScopePublish), s.handlePublish)
		api.GET("/messages/:topic", s.requireScope(auth.ScopeSubscribe), s.handleHistory)

		api.GET("/metrics", s.handleStats)
		api.GET("/subscribers", s.handleSubscribers)
		api.GET("/publishers", s.handlePublishers)

		api.GET("/groups", s.handleListGroups)
		api.POST("/groups", s.requireScope(auth.ScopeAdmin), s.handleCreateGroup)

		api.GET("/dlq", s.requireScope(auth.ScopeAdmin), s.handleListDLQ)
		api.POST("/dlq/:id/retry", s.requireScope(auth.ScopeAdmin), s.handleRetryDLQ)
		api.POST("/dlq/retry-all", s.requireScope(auth.ScopeAdmin), s.handleRetryAllDLQ)
		api.DELETE("/dlq/:id", s.requireScope(auth.ScopeAdmin), s.handleDeleteDLQ)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": s.b.Stats().Uptime.String(),
	})
}

func (s *Server) handleDemoKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": s.keys.List()})
}

func (s *Server) handleListTopics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"topics": s.b.ListTopics()})
}

type createTopicRequest struct {
	Name      string                 `json:"name" binding:"required"`
	Overrides *broker.TopicOverrides `json:"config,omitempty"`
}

func (s *Server) handleCreateTopic(c *gin.Context) {
	var req createTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic, err := s.b.CreateTopic(req.Name, actorFrom(c), req.Overrides)
	if err != nil {
		writeBrokerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, topic)
}

func (s *Server) handleDeleteTopic(c *gin.Context) {
	existed, err := s.b.DeleteTopic(c.Param("name"), actorFrom(c))
	if err != nil {
		writeBrokerError(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleMatchTopics(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern query parameter required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": s.b.MatchTopics(pattern)})
}

type publishRequest struct {
	Topic   string            `json:"topic" binding:"required"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
	TTLMs   int64             `json:"ttl_ms,omitempty"`
}

func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.b.Publish(req.Topic, req.Payload, actorFrom(c), &broker.PublishOptions{
		Headers: req.Headers,
		TTL:     time.Duration(req.TTLMs) * time.Millisecond,
	})
	if err != nil {
		writeBrokerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": msg.ID, "topic": msg.Topic, "timestamp": msg.Timestamp})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	topic := c.Param("topic")
	if !s.b.Topics().Has(topic) {
		c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "messages": s.b.TopicHistory(topic, limit)})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.b.Stats())
}

func (s *Server) handleSubscribers(c *gin.Context) {
	subs := s.b.Subscribers()
	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		out = append(out, gin.H{
			"id":          sub.ID,
			"client_id":   sub.ClientID,
			"topics":      sub.TopicList(),
			"online":      sub.Online,
			"pending":     sub.Pending,
			"delivered":   sub.Delivered,
			"created_at":  sub.CreatedAt,
			"last_active": sub.LastActive,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": out})
}

func (s *Server) handlePublishers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publishers": s.b.Publishers()})
}

func (s *Server) handleListGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": s.b.Groups().List()})
}

type createGroupRequest struct {
	Name     string          `json:"name" binding:"required"`
	Topic    string          `json:"topic" binding:"required"`
	Strategy broker.Strategy `json:"strategy"`
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group, err := s.b.Groups().Create(req.Name, req.Topic, req.Strategy)
	if err != nil {
		writeBrokerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (s *Server) handleListDLQ(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.b.DeadLetters()})
}

func (s *Server) handleRetryDLQ(c *gin.Context) {
	if err := s.b.RetryDeadLetter(c.Param("id"), actorFrom(c)); err != nil {
		writeBrokerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}

func (s *Server) handleRetryAllDLQ(c *gin.Context) {
	count := s.b.RetryAllDeadLetters(actorFrom(c))
	c.JSON(http.StatusOK, gin.H{"retried": count})
}

func (s *Server) handleDeleteDLQ(c *gin.Context) {
	if !s.b.DeleteDeadLetter(c.Param("id"), actorFrom(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// writeBrokerError maps broker error codes onto HTTP statuses.
func writeBrokerError(c *gin.Context, err error) {
	be := broker.GetBrokerError(err)
	if be == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch be.Code {
	case broker.ErrCodeNotFound:
		status = http.StatusNotFound
	case broker.ErrCodeAlreadyExists:
		status = http.StatusConflict
	case broker.ErrCodeInvalidName:
		status = http.StatusBadRequest
	case broker.ErrCodeUnauthenticated:
		status = http.StatusUnauthorized
	case broker.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case broker.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": be.Message, "code": be.Code})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	val := c.Query(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
