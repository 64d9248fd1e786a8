package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
)

// Redis key layout. Everything lives under the relaymq: prefix so a
// shared instance stays navigable.
const (
	keyTopics    = "relaymq:topics"        // hash: name -> topic json
	keyMessages  = "relaymq:messages"      // hash: id -> message json
	keyMsgByTime = "relaymq:msgs:by_time"  // zset: id scored by publish millis
	keyTopicMsgs = "relaymq:topic:"        // list per topic: message ids
	keyGroups    = "relaymq:groups"        // hash: name -> group json
	keyDeadJSON  = "relaymq:dlq"           // hash: message id -> entry json
	keyDeadTime  = "relaymq:dlq:by_time"   // zset: message id scored by failed millis
	keyAudit     = "relaymq:audit"         // list: audit record json, newest first
	keyAPIKeys   = "relaymq:keys"          // hash: token -> api key json

	auditCap        = 10000
	topicHistoryCap = 1000
)

// RedisStore persists broker state in Redis as JSON blobs.
type RedisStore struct {
	rdb    *redis.Client
	logger *logrus.Entry
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore connects and verifies the instance is reachable.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *logrus.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{
		rdb:    rdb,
		logger: logger.WithField("component", "storage.redis"),
	}, nil
}

// Close releases the client.
func (s *RedisStore) Close() { _ = s.rdb.Close() }

func (s *RedisStore) SaveTopic(t *broker.Topic) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, keyTopics, t.Name, blob).Err()
}

func (s *RedisStore) GetTopic(name string) (*broker.Topic, error) {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := s.rdb.HGet(ctx, keyTopics, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t broker.Topic
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) ListTopics() ([]*broker.Topic, error) {
	ctx, cancel := opCtx()
	defer cancel()
	all, err := s.rdb.HGetAll(ctx, keyTopics).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*broker.Topic, 0, len(all))
	for _, blob := range all {
		var t broker.Topic
		if err := json.Unmarshal([]byte(blob), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStore) DeleteTopic(name string) error {
	ctx, cancel := opCtx()
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, keyTopics, name)
	pipe.Del(ctx, keyTopicMsgs+name)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateTopicStats(name string, messages int64, subscribers int) error {
	t, err := s.GetTopic(name)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil
		}
		return err
	}
	t.Messages = messages
	t.Subscribers = subscribers
	return s.SaveTopic(t)
}

func (s *RedisStore) SaveMessage(msg *broker.Message) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyMessages, msg.ID, blob)
	pipe.ZAdd(ctx, keyMsgByTime, redis.Z{Score: float64(msg.Timestamp.UnixMilli()), Member: msg.ID})
	topicKey := keyTopicMsgs + msg.Topic
	pipe.RPush(ctx, topicKey, msg.ID)
	pipe.LTrim(ctx, topicKey, -topicHistoryCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) messageByIDCtx(ctx context.Context, id string) (*broker.Message, error) {
	blob, err := s.rdb.HGet(ctx, keyMessages, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg broker.Message
	if err := json.Unmarshal(blob, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *RedisStore) MessagesByTopic(topic string, limit int) ([]*broker.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	ids, err := s.rdb.LRange(ctx, keyTopicMsgs+topic, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*broker.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.messageByIDCtx(ctx, id)
		if errors.Is(err, broker.ErrNotFound) {
			continue // pruned under us
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) MessageByID(id string) (*broker.Message, error) {
	ctx, cancel := opCtx()
	defer cancel()
	return s.messageByIDCtx(ctx, id)
}

func (s *RedisStore) SearchMessages(query string, limit int) ([]*broker.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	needle := strings.ToLower(query)
	ctx, cancel := opCtx()
	defer cancel()
	all, err := s.rdb.HGetAll(ctx, keyMessages).Result()
	if err != nil {
		return nil, err
	}
	var out []*broker.Message
	for _, blob := range all {
		if !strings.Contains(strings.ToLower(blob), needle) {
			continue
		}
		var msg broker.Message
		if err := json.Unmarshal([]byte(blob), &msg); err != nil {
			return nil, err
		}
		out = append(out, &msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteMessagesOlderThan(cutoff time.Time) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	max := fmt.Sprintf("%d", cutoff.UnixMilli())
	ids, err := s.rdb.ZRangeByScore(ctx, keyMsgByTime, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, keyMessages, ids...)
	pipe.ZRemRangeByScore(ctx, keyMsgByTime, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) CountMessages() (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	n, err := s.rdb.HLen(ctx, keyMessages).Result()
	return int(n), err
}

func (s *RedisStore) SaveGroup(g *broker.ConsumerGroup) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, keyGroups, g.Name, blob).Err()
}

func (s *RedisStore) GetGroup(name string) (*broker.ConsumerGroup, error) {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := s.rdb.HGet(ctx, keyGroups, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g broker.ConsumerGroup
	if err := json.Unmarshal(blob, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *RedisStore) ListGroups() ([]*broker.ConsumerGroup, error) {
	ctx, cancel := opCtx()
	defer cancel()
	all, err := s.rdb.HGetAll(ctx, keyGroups).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*broker.ConsumerGroup, 0, len(all))
	for _, blob := range all {
		var g broker.ConsumerGroup
		if err := json.Unmarshal([]byte(blob), &g); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, nil
}

func (s *RedisStore) SetGroupOffset(name string, offset int64) error {
	g, err := s.GetGroup(name)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil
		}
		return err
	}
	g.CurrentOffset = offset
	return s.SaveGroup(g)
}

func (s *RedisStore) CommitGroupOffset(name string, offset int64) error {
	g, err := s.GetGroup(name)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil
		}
		return err
	}
	g.CommittedOffset = offset
	if offset > g.CurrentOffset {
		g.CurrentOffset = offset
	}
	return s.SaveGroup(g)
}

func (s *RedisStore) AppendDeadLetter(entry *broker.DeadLetterEntry) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyDeadJSON, entry.Message.ID, blob)
	pipe.ZAdd(ctx, keyDeadTime, redis.Z{Score: float64(entry.FailedAt.UnixMilli()), Member: entry.Message.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListDeadLetters(limit int) ([]*broker.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	ids, err := s.rdb.ZRange(ctx, keyDeadTime, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*broker.DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		blob, err := s.rdb.HGet(ctx, keyDeadJSON, id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry broker.DeadLetterEntry
		if err := json.Unmarshal(blob, &entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *RedisStore) RemoveDeadLetter(messageID string) error {
	ctx, cancel := opCtx()
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, keyDeadJSON, messageID)
	pipe.ZRem(ctx, keyDeadTime, messageID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CountDeadLetters() (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	n, err := s.rdb.HLen(ctx, keyDeadJSON).Result()
	return int(n), err
}

func (s *RedisStore) SaveAPIKey(key *auth.APIKey) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, keyAPIKeys, key.Key, blob).Err()
}

func (s *RedisStore) ListAPIKeys() ([]*auth.APIKey, error) {
	ctx, cancel := opCtx()
	defer cancel()
	all, err := s.rdb.HGetAll(ctx, keyAPIKeys).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*auth.APIKey, 0, len(all))
	for _, blob := range all {
		var key auth.APIKey
		if err := json.Unmarshal([]byte(blob), &key); err != nil {
			return nil, err
		}
		out = append(out, &key)
	}
	return out, nil
}

func (s *RedisStore) TouchAPIKey(token string, at time.Time) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := s.rdb.HGet(ctx, keyAPIKeys, token).Bytes()
	if errors.Is(err, redis.Nil) {
		return broker.ErrNotFound
	}
	if err != nil {
		return err
	}
	var key auth.APIKey
	if err := json.Unmarshal(blob, &key); err != nil {
		return err
	}
	key.LastUsed = at
	updated, err := json.Marshal(&key)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, keyAPIKeys, token, updated).Err()
}

func (s *RedisStore) DeleteAPIKey(token string) error {
	ctx, cancel := opCtx()
	defer cancel()
	return s.rdb.HDel(ctx, keyAPIKeys, token).Err()
}

func (s *RedisStore) AppendAudit(rec *broker.AuditRecord) error {
	ctx, cancel := opCtx()
	defer cancel()
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, keyAudit, blob)
	pipe.LTrim(ctx, keyAudit, 0, auditCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAudit(filter broker.AuditFilter) ([]*broker.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opCtx()
	defer cancel()
	// Newest first; over-fetch so post-filtering can still fill the limit.
	blobs, err := s.rdb.LRange(ctx, keyAudit, 0, int64(limit*4-1)).Result()
	if err != nil {
		return nil, err
	}
	var out []*broker.AuditRecord
	for _, blob := range blobs {
		var rec broker.AuditRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, err
		}
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && rec.Actor != filter.Actor {
			continue
		}
		if !filter.Since.IsZero() && rec.Occurred.Before(filter.Since) {
			continue
		}
		out = append(out, &rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
