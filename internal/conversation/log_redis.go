package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "voiceloop:conversation:"

// RedisLog keeps each conversation as a Redis list of JSON entries.
type RedisLog struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLog connects using a redis:// URL. A zero ttl keeps conversations forever.
func NewRedisLog(ctx context.Context, url string, ttl time.Duration) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisLog{rdb: rdb, ttl: ttl}, nil
}

func (l *RedisLog) key(conversationID string) string {
	return redisKeyPrefix + conversationID
}

func (l *RedisLog) Append(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("could not marshal entry: %w", err)
	}
	key := l.key(entry.ConversationID)
	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (l *RedisLog) Load(ctx context.Context, conversationID string) ([]Turn, error) {
	items, err := l.rdb.LRange(ctx, l.key(conversationID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load turns: %w", err)
	}
	turns := make([]Turn, 0, len(items))
	for _, item := range items {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("could not unmarshal entry: %w", err)
		}
		turns = append(turns, entry.Turn)
	}
	return turns, nil
}

func (l *RedisLog) Close() error {
	return l.rdb.Close()
}
