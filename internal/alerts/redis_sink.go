package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"streamgate/internal/models"
)

// RedisSinkConfig configures the Redis Streams alert sink.
type RedisSinkConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MaxLen       int64
	Logger       *slog.Logger
}

// NewRedisSink initialises a sink that appends fired insights to a Redis
// stream. The caller is responsible for ensuring the Redis instance is
// reachable.
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "streamgate:alerts"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}, nil
}

// RedisSink appends insights to a capped Redis stream for downstream
// notification consumers.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// Publish appends one insight to the stream.
func (s *RedisSink) Publish(ctx context.Context, insight models.Insight) error {
	payload, err := json.Marshal(insight)
	if err != nil {
		return fmt.Errorf("marshal insight: %w", err)
	}
	return s.client.Do(ctx, "XADD", s.stream, "MAXLEN", "~", s.maxLen, "*", "payload", string(payload)).Err()
}

// Close releases the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
