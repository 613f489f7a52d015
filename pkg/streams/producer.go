package streams

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// ErrProducerClosed is returned by Produce after Close.
var ErrProducerClosed = errors.New("producer is closed")

// Producer publishes messages to a topic. Produce is safe for concurrent
// callers and may buffer; Flush blocks until everything buffered so far is
// acknowledged by the backend or has failed. Close must flush before
// releasing the connection.
type Producer interface {
	Produce(ctx context.Context, topic TopicSpec, key, value []byte) error
	Flush(ctx context.Context) error
	Close() error
}

type ProducerConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	BatchSize    int           `yaml:"batch_size"`
	MaxStreamLen int64         `yaml:"max_stream_length"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

func (cfg *ProducerConfig) RegisterFlags(f *flag.FlagSet) {
	const prefix = "streams.producer."
	f.StringVar(&cfg.Address, prefix+"address", "localhost:6379", "Redis address of the streams backend.")
	f.StringVar(&cfg.Password, prefix+"password", "", "Redis password.")
	f.IntVar(&cfg.DB, prefix+"db", 0, "Redis database number.")
	f.IntVar(&cfg.BatchSize, prefix+"batch-size", 64, "Number of buffered messages that triggers an automatic flush.")
	f.Int64Var(&cfg.MaxStreamLen, prefix+"max-stream-length", 1_000_000, "Approximate per-partition stream length cap.")
	f.DurationVar(&cfg.FlushTimeout, prefix+"flush-timeout", 10*time.Second, "Deadline for the final flush on close.")
}

// StreamsProducer buffers messages into a Redis pipeline and ships them in
// batches. Flush happens-after every Produce that returned before it was
// called.
type StreamsProducer struct {
	config  ProducerConfig
	logger  log.Logger
	client  redis.UniversalClient
	metrics *producerMetrics

	mtx     sync.Mutex
	pipe    redis.Pipeliner
	pending int
	closed  bool
}

func NewStreamsProducer(cfg ProducerConfig, logger log.Logger, reg prometheus.Registerer) *StreamsProducer {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newStreamsProducer(cfg, logger, reg, client)
}

func newStreamsProducer(cfg ProducerConfig, logger log.Logger, reg prometheus.Registerer, client redis.UniversalClient) *StreamsProducer {
	return &StreamsProducer{
		config:  cfg,
		logger:  log.With(logger, "component", "streams-producer"),
		client:  client,
		metrics: newProducerMetrics(reg),
		pipe:    client.Pipeline(),
	}
}

func (p *StreamsProducer) Produce(ctx context.Context, topic TopicSpec, key, value []byte) error {
	stream := topic.Stream(topic.Partition(key))

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.config.MaxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":     string(key),
			"payload": string(value),
		},
	})
	p.pending++
	p.metrics.produced.Inc()
	if p.pending >= p.config.BatchSize {
		return p.flushLocked(ctx)
	}
	return nil
}

// Flush ships everything buffered so far and blocks until the backend
// acknowledged the batch or the write failed.
func (p *StreamsProducer) Flush(ctx context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.flushLocked(ctx)
}

func (p *StreamsProducer) flushLocked(ctx context.Context) error {
	if p.pending == 0 {
		return nil
	}
	n := p.pending
	p.pending = 0
	if _, err := p.pipe.Exec(ctx); err != nil {
		p.metrics.flushFailures.Inc()
		return errors.Wrapf(err, "flushing %d buffered messages", n)
	}
	level.Debug(p.logger).Log("msg", "flushed message batch", "messages", n)
	return nil
}

// Close flushes the remaining buffer and releases the connection. A flush
// failure here means already-produced messages may be lost, so the error
// is returned rather than swallowed.
func (p *StreamsProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.FlushTimeout)
	defer cancel()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	flushErr := p.flushLocked(ctx)
	if err := p.client.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}
