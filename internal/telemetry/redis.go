package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	Channel    string
	HistoryLen int64
}

// RedisPublisher publishes samples on a channel and keeps a capped history
// list per servo register.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	historyLen int64
	logger     *zap.Logger
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis connected", zap.String("addr", cfg.Addr), zap.String("channel", cfg.Channel))

	return &RedisPublisher{
		client:     client,
		channel:    cfg.Channel,
		historyLen: cfg.HistoryLen,
		logger:     logger,
	}, nil
}

func HistoryKey(bus, servo, register string) string {
	return fmt.Sprintf("servo:%s:%s:%s", bus, servo, register)
}

func (p *RedisPublisher) Publish(ctx context.Context, samples []Sample) error {
	pipe := p.client.Pipeline()

	for _, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		pipe.Publish(ctx, p.channel, data)

		if p.historyLen > 0 {
			key := HistoryKey(s.Bus, s.Servo, s.Register)
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, p.historyLen-1)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// History returns up to n recent samples of one register, newest first.
func (p *RedisPublisher) History(ctx context.Context, bus, servo, register string, n int64) ([]Sample, error) {
	raw, err := p.client.LRange(ctx, HistoryKey(bus, servo, register), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	out := make([]Sample, 0, len(raw))
	for _, r := range raw {
		var s Sample
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			p.logger.Warn("Dropping malformed history entry", zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

var (
	_ Sink          = (*RedisPublisher)(nil)
	_ HistoryReader = (*RedisPublisher)(nil)
)
