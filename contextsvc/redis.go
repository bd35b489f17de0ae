package contextsvc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/vtubeflow/config"
)

// RedisService persists history in a Redis list per conversation.
type RedisService struct {
	client   *redis.Client
	capacity int
}

// NewRedisService connects to Redis and verifies the connection.
func NewRedisService(ctx context.Context, cfg config.ContextConfig) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	capacity := cfg.HistorySize
	if capacity <= 0 {
		capacity = 20
	}
	return &RedisService{client: client, capacity: capacity}, nil
}

func key(conversation string) string {
	return "vtubeflow:context:" + conversation
}

// Append implements Service.
func (s *RedisService) Append(ctx context.Context, conversation string, ex Exchange) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("marshal exchange: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key(conversation), data)
	pipe.LTrim(ctx, key(conversation), int64(-s.capacity), -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent implements Service.
func (s *RedisService) Recent(ctx context.Context, conversation string, n int) ([]Exchange, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := s.client.LRange(ctx, key(conversation), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Exchange, 0, len(raw))
	for _, item := range raw {
		var ex Exchange
		if err := json.Unmarshal([]byte(item), &ex); err != nil {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// Clear implements Service.
func (s *RedisService) Clear(ctx context.Context, conversation string) error {
	return s.client.Del(ctx, key(conversation)).Err()
}

// Close implements Service.
func (s *RedisService) Close() error {
	return s.client.Close()
}
