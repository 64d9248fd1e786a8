package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
)

// opTimeout bounds every store operation; broker.Store is synchronous
// and must not hang the broker on a slow database.
const opTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	name        TEXT PRIMARY KEY,
	creator     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	messages    BIGINT NOT NULL DEFAULT 0,
	subscribers INT NOT NULL DEFAULT 0,
	config      JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	topic          TEXT NOT NULL,
	payload        JSONB,
	publisher      TEXT NOT NULL DEFAULT '',
	published_at   TIMESTAMPTZ NOT NULL,
	headers        JSONB,
	ttl_ms         BIGINT NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL DEFAULT '',
	reply_to       TEXT NOT NULL DEFAULT '',
	saved_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages (topic, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_saved ON messages (saved_at);

CREATE TABLE IF NOT EXISTS consumer_groups (
	name             TEXT PRIMARY KEY,
	topic            TEXT NOT NULL,
	strategy         TEXT NOT NULL,
	members          JSONB NOT NULL DEFAULT '[]',
	current_offset   BIGINT NOT NULL DEFAULT 0,
	committed_offset BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dead_letters (
	message_id     TEXT PRIMARY KEY,
	entry          JSONB NOT NULL,
	failed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	key        TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	scopes     JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	last_used  TIMESTAMPTZ,
	disabled   BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS audit_log (
	id       TEXT PRIMARY KEY,
	action   TEXT NOT NULL,
	actor    TEXT NOT NULL DEFAULT '',
	topic    TEXT NOT NULL DEFAULT '',
	detail   TEXT NOT NULL DEFAULT '',
	occurred TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_occurred ON audit_log (occurred DESC);
`

// PostgresStore persists broker state in PostgreSQL through a pgx
// connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

// NewPostgresStore connects, applies the schema, and returns the store.
func NewPostgresStore(ctx context.Context, dsn string, poolSize int, logger *logrus.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.WithField("component", "storage.postgres"),
	}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func (s *PostgresStore) SaveTopic(t *broker.Topic) error {
	ctx, cancel := opCtx()
	defer cancel()
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO topics (name, creator, created_at, messages, subscribers, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET config = EXCLUDED.config`,
		t.Name, t.Creator, t.CreatedAt, t.Messages, t.Subscribers, cfg)
	return err
}

func (s *PostgresStore) GetTopic(name string) (*broker.Topic, error) {
	ctx, cancel := opCtx()
	defer cancel()
	var t broker.Topic
	var cfg []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, creator, created_at, messages, subscribers, config
		FROM topics WHERE name = $1`, name).
		Scan(&t.Name, &t.Creator, &t.CreatedAt, &t.Messages, &t.Subscribers, &cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTopics() ([]*broker.Topic, error) {
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT name, creator, created_at, messages, subscribers, config
		FROM topics ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*broker.Topic
	for rows.Next() {
		var t broker.Topic
		var cfg []byte
		if err := rows.Scan(&t.Name, &t.Creator, &t.CreatedAt, &t.Messages, &t.Subscribers, &cfg); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTopic(name string) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM topics WHERE name = $1`, name)
	return err
}

func (s *PostgresStore) UpdateTopicStats(name string, messages int64, subscribers int) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE topics SET messages = $2, subscribers = $3 WHERE name = $1`,
		name, messages, subscribers)
	return err
}

func (s *PostgresStore) SaveMessage(msg *broker.Message) error {
	ctx, cancel := opCtx()
	defer cancel()
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, topic, payload, publisher, published_at, headers, ttl_ms, correlation_id, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.Topic, []byte(msg.Payload), msg.Publisher, msg.Timestamp,
		headers, msg.TTL.Milliseconds(), msg.CorrelationID, msg.ReplyTo)
	return err
}

func scanMessages(rows pgx.Rows) ([]*broker.Message, error) {
	defer rows.Close()
	var out []*broker.Message
	for rows.Next() {
		var msg broker.Message
		var payload, headers []byte
		var ttlMs int64
		if err := rows.Scan(&msg.ID, &msg.Topic, &payload, &msg.Publisher, &msg.Timestamp,
			&headers, &ttlMs, &msg.CorrelationID, &msg.ReplyTo); err != nil {
			return nil, err
		}
		msg.Payload = json.RawMessage(payload)
		msg.TTL = time.Duration(ttlMs) * time.Millisecond
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &msg.Headers); err != nil {
				return nil, err
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

const messageColumns = `id, topic, payload, publisher, published_at, headers, ttl_ms, correlation_id, reply_to`

func (s *PostgresStore) MessagesByTopic(topic string, limit int) ([]*broker.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE topic = $1 ORDER BY published_at DESC LIMIT $2
		) latest ORDER BY published_at ASC`, topic, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PostgresStore) MessageByID(id string) (*broker.Message, error) {
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, broker.ErrNotFound
	}
	return msgs[0], nil
}

func (s *PostgresStore) SearchMessages(query string, limit int) ([]*broker.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE topic ILIKE '%' || $1 || '%' OR payload::text ILIKE '%' || $1 || '%'
		ORDER BY published_at DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PostgresStore) DeleteMessagesOlderThan(cutoff time.Time) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE saved_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountMessages() (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&count)
	return count, err
}

func (s *PostgresStore) SaveGroup(g *broker.ConsumerGroup) error {
	ctx, cancel := opCtx()
	defer cancel()
	members, err := json.Marshal(g.Members)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO consumer_groups (name, topic, strategy, members, current_offset, committed_offset)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			members = EXCLUDED.members,
			current_offset = EXCLUDED.current_offset,
			committed_offset = EXCLUDED.committed_offset`,
		g.Name, g.Topic, string(g.Strategy), members, g.CurrentOffset, g.CommittedOffset)
	return err
}

func (s *PostgresStore) GetGroup(name string) (*broker.ConsumerGroup, error) {
	ctx, cancel := opCtx()
	defer cancel()
	var g broker.ConsumerGroup
	var strategy string
	var members []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, topic, strategy, members, current_offset, committed_offset
		FROM consumer_groups WHERE name = $1`, name).
		Scan(&g.Name, &g.Topic, &strategy, &members, &g.CurrentOffset, &g.CommittedOffset)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Strategy = broker.Strategy(strategy)
	if err := json.Unmarshal(members, &g.Members); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ListGroups() ([]*broker.ConsumerGroup, error) {
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT name, topic, strategy, members, current_offset, committed_offset
		FROM consumer_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*broker.ConsumerGroup
	for rows.Next() {
		var g broker.ConsumerGroup
		var strategy string
		var members []byte
		if err := rows.Scan(&g.Name, &g.Topic, &strategy, &members, &g.CurrentOffset, &g.CommittedOffset); err != nil {
			return nil, err
		}
		g.Strategy = broker.Strategy(strategy)
		if err := json.Unmarshal(members, &g.Members); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetGroupOffset(name string, offset int64) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE consumer_groups SET current_offset = $2 WHERE name = $1`, name, offset)
	return err
}

func (s *PostgresStore) CommitGroupOffset(name string, offset int64) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE consumer_groups
		SET committed_offset = $2,
		    current_offset = GREATEST(current_offset, $2)
		WHERE name = $1`, name, offset)
	return err
}

func (s *PostgresStore) AppendDeadLetter(entry *broker.DeadLetterEntry) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (message_id, entry, failed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET entry = EXCLUDED.entry, failed_at = EXCLUDED.failed_at`,
		entry.Message.ID, blob, entry.FailedAt)
	return err
}

func (s *PostgresStore) ListDeadLetters(limit int) ([]*broker.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT entry FROM dead_letters ORDER BY failed_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*broker.DeadLetterEntry
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var entry broker.DeadLetterEntry
		if err := json.Unmarshal(blob, &entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveDeadLetter(messageID string) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE message_id = $1`, messageID)
	return err
}

func (s *PostgresStore) CountDeadLetters() (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letters`).Scan(&count)
	return count, err
}

func (s *PostgresStore) AppendAudit(rec *broker.AuditRecord) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, action, actor, topic, detail, occurred)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Action, rec.Actor, rec.Topic, rec.Detail, rec.Occurred)
	return err
}

func (s *PostgresStore) ListAudit(filter broker.AuditFilter) ([]*broker.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, actor, topic, detail, occurred FROM audit_log
		WHERE ($1 = '' OR action = $1)
		  AND ($2 = '' OR actor = $2)
		  AND ($3::timestamptz IS NULL OR occurred >= $3)
		ORDER BY occurred DESC LIMIT $4`,
		filter.Action, filter.Actor, nullableTime(filter.Since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*broker.AuditRecord
	for rows.Next() {
		var rec broker.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Actor, &rec.Topic, &rec.Detail, &rec.Occurred); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAPIKey(key *auth.APIKey) error {
	ctx, cancel := opCtx()
	defer cancel()
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (key, name, scopes, created_at, last_used, disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			scopes = EXCLUDED.scopes,
			disabled = EXCLUDED.disabled`,
		key.Key, key.Name, scopes, key.CreatedAt, nullableTime(key.LastUsed), key.Disabled)
	return err
}

func (s *PostgresStore) ListAPIKeys() ([]*auth.APIKey, error) {
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT key, name, scopes, created_at, last_used, disabled
		FROM api_keys ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.APIKey
	for rows.Next() {
		var key auth.APIKey
		var scopes []byte
		var lastUsed *time.Time
		if err := rows.Scan(&key.Key, &key.Name, &scopes, &key.CreatedAt, &lastUsed, &key.Disabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scopes, &key.Scopes); err != nil {
			return nil, err
		}
		if lastUsed != nil {
			key.LastUsed = *lastUsed
		}
		out = append(out, &key)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchAPIKey(token string, at time.Time) error {
	ctx, cancel := opCtx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used = $2 WHERE key = $1`, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return broker.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKey(token string) error {
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE key = $1`, token)
	return err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
