package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	logx "trellis/pkg/logx"
)

// maxRedisDeliveries caps the delivery list; older records are trimmed.
const maxRedisDeliveries = 10000

type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "trellis:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Debug("redis store connected", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) deliveriesKey() string { return s.prefix + "deliveries" }

func (s *redisStore) dedupKey(key string) string { return s.prefix + "dedup:" + key }

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.deliveriesKey(), b)
	pipe.LTrim(ctx, s.deliveriesKey(), 0, maxRedisDeliveries-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if s == nil || s.client == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.deliveriesKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(raw))
	for _, r := range raw {
		var d Delivery
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			s.log.Debug("skipping malformed delivery record", logx.Err(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.client.Del(ctx, s.dedupKey(key)).Err()
	}
	return s.client.Set(ctx, s.dedupKey(key), strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.client == nil {
		return time.Time{}, false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	v, err := s.client.Get(ctx, s.dedupKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedup %q: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}
