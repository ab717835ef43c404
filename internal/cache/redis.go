package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/config"
)

// Service wraps the redis client shared by the round store, the pending
// queue, the leadership leases and the pub/sub fan-out.
type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
	log    *zap.Logger
}

// New connects using the addresses in cfg and fails hard when redis is
// unreachable. The authoritative round snapshots live there, so an engine
// without redis has nothing to serve.
func New(cfg config.Config, log *zap.Logger) Service {
	client := redis.NewClient(clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed",
			zap.String("addr", cfg.RedisAddr),
			zap.Error(err),
		)
	}
	log.Info("redis connected", zap.String("addr", cfg.RedisAddr))

	return &service{client: client, log: log}
}

// clientOptions maps process config onto go-redis options. Lease renewals
// and coefficient ticks ride this pool, so timeouts stay short and a few
// idle connections are kept warm.
func clientOptions(cfg config.Config) *redis.Options {
	return &redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.client.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		return stats
	}
	stats["status"] = "up"

	pool := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(pool.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(pool.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(pool.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(pool.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(pool.IdleConns), 10)

	return stats
}

func (s *service) Close() error {
	s.log.Info("closing redis")
	return s.client.Close()
}
