package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
	"github.com/relaymq/relaymq/internal/config"
)

func newTestServer(t *testing.T) (*Server, *broker.Broker) {
	t.Helper()
	cfg := config.Load()
	cfg.Server.Mode = "release"
	cfg.Metrics.Enabled = false

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	b := broker.New(broker.Options{Logger: logger})
	t.Cleanup(b.Close)

	keys := auth.NewKeyStore(1000, 2000)
	keys.DemoKeys()

	return New(cfg, b, keys, nil, logger), b
}

func doJSON(t *testing.T, s *Server, method, path, key string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestAPIRequiresKey(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/topics", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/topics", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndListTopics(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/topics", "demo-admin", `{"name":"orders.created"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate name conflicts.
	w = doJSON(t, s, http.MethodPost, "/api/topics", "demo-admin", `{"name":"orders.created"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Invalid charset is a bad request.
	w = doJSON(t, s, http.MethodPost, "/api/topics", "demo-admin", `{"name":"bad topic"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/topics", "demo-subscriber", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orders.created")
}

func TestCreateTopicRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/topics", "demo-publisher", `{"name":"nope"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPublishAndHistory(t *testing.T) {
	s, b := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/publish", "demo-publisher",
		`{"topic":"orders","payload":{"id":1},"headers":{"region":"eu"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		ID    string `json:"id"`
		Topic string `json:"topic"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "orders", resp.Topic)
	assert.True(t, b.Topics().Has("orders"))

	w = doJSON(t, s, http.MethodGet, "/api/messages/orders", "demo-subscriber", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.ID)

	w = doJSON(t, s, http.MethodGet, "/api/messages/missing", "demo-subscriber", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublishRequiresPublishScope(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/publish", "demo-subscriber", `{"topic":"orders"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMatchTopics(t *testing.T) {
	s, b := newTestServer(t)
	for _, name := range []string{"orders.created", "orders.updated", "payments.created"} {
		_, err := b.CreateTopic(name, "test", nil)
		require.NoError(t, err)
	}

	w := doJSON(t, s, http.MethodGet, "/api/topics/match?pattern=orders.*", "demo-subscriber", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Topics []string `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"orders.created", "orders.updated"}, resp.Topics)

	w = doJSON(t, s, http.MethodGet, "/api/topics/match", "demo-subscriber", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s, b := newTestServer(t)
	_, err := b.Publish("metrics.check", nil, "pub", nil)
	require.NoError(t, err)

	w := doJSON(t, s, http.MethodGet, "/api/metrics", "demo-subscriber", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats broker.BrokerStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalMessages)
}

func TestGroupEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/groups", "demo-admin",
		`{"name":"workers","topic":"jobs","strategy":"round-robin"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/groups", "demo-admin",
		`{"name":"workers","topic":"jobs"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/groups", "demo-subscriber", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "workers")
}

func TestDLQEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/dlq", "demo-admin", "")
	require.Equal(t, http.StatusOK, w.Code)

	// Admin only.
	w = doJSON(t, s, http.MethodGet, "/api/dlq", "demo-subscriber", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/dlq/nonexistent/retry", "demo-admin", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/api/dlq/nonexistent", "demo-admin", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDemoKeysEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/demo-keys", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "demo-admin")
}

func TestDeleteTopic(t *testing.T) {
	s, b := newTestServer(t)
	_, err := b.CreateTopic("temp", "test", nil)
	require.NoError(t, err)

	w := doJSON(t, s, http.MethodDelete, "/api/topics/temp", "demo-admin", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/api/topics/temp", "demo-admin", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
