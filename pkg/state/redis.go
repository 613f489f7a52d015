package state

import (
	"context"
	"flag"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

type RedisConfig struct {
	Address       string        `yaml:"address"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

func (cfg *RedisConfig) RegisterFlags(f *flag.FlagSet) {
	const prefix = "state.redis."
	f.StringVar(&cfg.Address, prefix+"address", "localhost:6379", "Redis address of the runtime config store.")
	f.StringVar(&cfg.Password, prefix+"password", "", "Redis password.")
	f.IntVar(&cfg.DB, prefix+"db", 0, "Redis database number.")
	f.StringVar(&cfg.KeyPrefix, prefix+"key-prefix", "quarry:config:", "Prefix applied to every config key.")
	f.DurationVar(&cfg.LookupTimeout, prefix+"lookup-timeout", 250*time.Millisecond, "Per-lookup timeout. Lookups exceeding it resolve to defaults.")
}

// RedisStore is the production Store. Lookups are a single MGET behind a
// circuit breaker: once the store has failed a few times in a row the
// breaker opens and lookups resolve to defaults immediately instead of
// waiting out the timeout on every query.
type RedisStore struct {
	config  RedisConfig
	logger  log.Logger
	client  redis.Cmdable
	breaker *gobreaker.CircuitBreaker[[]interface{}]
	metrics *storeMetrics
}

func NewRedisStore(cfg RedisConfig, logger log.Logger, reg prometheus.Registerer) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStore(cfg, logger, reg, client)
}

func newRedisStore(cfg RedisConfig, logger log.Logger, reg prometheus.Registerer, client redis.Cmdable) *RedisStore {
	s := &RedisStore{
		config:  cfg,
		logger:  log.With(logger, "component", "state-store"),
		client:  client,
		metrics: newStoreMetrics(reg),
	}
	s.breaker = gobreaker.NewCircuitBreaker[[]interface{}](gobreaker.Settings{
		Name:    "state-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return s
}

func (s *RedisStore) GetConfigs(ctx context.Context, keys []ConfigKey) []*float64 {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = s.config.KeyPrefix + k.Name
	}

	values, err := s.breaker.Execute(func() ([]interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
		defer cancel()
		return s.client.MGet(lookupCtx, names...).Result()
	})
	if err != nil {
		// Fail open: the caller keeps its static defaults.
		s.metrics.lookups.WithLabelValues(outcomeFallback).Add(float64(len(keys)))
		level.Warn(s.logger).Log("msg", "config lookup failed, using defaults", "keys", len(keys), "err", err)
		return defaults(keys)
	}

	out := make([]*float64, len(keys))
	for i, k := range keys {
		out[i] = k.Default
		if i >= len(values) || values[i] == nil {
			s.metrics.lookups.WithLabelValues(outcomeMiss).Inc()
			continue
		}
		raw, ok := values[i].(string)
		if !ok {
			s.metrics.lookups.WithLabelValues(outcomeMiss).Inc()
			continue
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.metrics.lookups.WithLabelValues(outcomeFallback).Inc()
			level.Warn(s.logger).Log("msg", "unparsable config value, using default", "key", k.Name, "value", raw)
			continue
		}
		out[i] = &parsed
		s.metrics.lookups.WithLabelValues(outcomeHit).Inc()
	}
	return out
}
