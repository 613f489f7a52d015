package subscriptions

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarrydb/quarry/pkg/streams"
	"github.com/quarrydb/quarry/pkg/util"
)

// ErrStopped is returned by Submit once shutdown has begun.
var ErrStopped = errors.New("subscription executor is shutting down")

type Config struct {
	Dataset               string                 `yaml:"dataset"`
	Entities              flagext.StringSliceCSV `yaml:"entities"`
	ConsumerGroup         string                 `yaml:"consumer_group"`
	MaxConcurrentQueries  int                    `yaml:"max_concurrent_queries"`
	AutoOffsetReset       string                 `yaml:"auto_offset_reset"`
	StaleThreshold        time.Duration          `yaml:"stale_threshold"`
	OverrideResultTopic   string                 `yaml:"override_result_topic"`
	ResultTopicPartitions int                    `yaml:"result_topic_partitions"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Dataset, "dataset", "", "The dataset to target.")
	f.Var(&cfg.Entities, "entity", "Comma-separated list of entities to target.")
	f.StringVar(&cfg.ConsumerGroup, "consumer-group", "quarry-subscription-executor", "Consumer group used for consuming the scheduled subscription topic.")
	f.IntVar(&cfg.MaxConcurrentQueries, "max-concurrent-queries", 20, "Max concurrent backend queries.")
	f.StringVar(&cfg.AutoOffsetReset, "auto-offset-reset", string(streams.OffsetError), "Where task intake starts when the consumer group does not exist yet: error, earliest or latest.")
	f.DurationVar(&cfg.StaleThreshold, "stale-threshold", 0, "Skip execution of tasks scheduled further than this behind the system time. 0 disables shedding.")
	f.StringVar(&cfg.OverrideResultTopic, "override-result-topic", "", "Publish results to this topic instead of the default one.")
	f.IntVar(&cfg.ResultTopicPartitions, "result-topic-partitions", 1, "Partition count of the result topic.")
}

func (cfg *Config) Validate() error {
	if cfg.Dataset == "" {
		return errors.New("a dataset is required")
	}
	if len(cfg.Entities) == 0 {
		return errors.New("at least one entity is required")
	}
	if cfg.MaxConcurrentQueries < 1 {
		return errors.New("max-concurrent-queries must be positive")
	}
	if cfg.StaleThreshold < 0 {
		return errors.New("stale-threshold must not be negative")
	}
	if _, err := streams.ParseAutoOffsetReset(cfg.AutoOffsetReset); err != nil {
		return err
	}
	return nil
}

// ResultTopic resolves the topic executions publish to.
func (cfg *Config) ResultTopic() streams.TopicSpec {
	return streams.TopicSpec{
		Topic:      streams.TopicSubscriptionResults,
		Override:   cfg.OverrideResultTopic,
		Partitions: cfg.ResultTopicPartitions,
	}
}

// Executor runs scheduled subscription queries against the backend with at
// most MaxConcurrentQueries in flight. Submission blocks when all slots are
// taken; that backpressure is what keeps the intake from outrunning the
// backend. On shutdown the executor stops admitting, drains in-flight work
// and flushes the result producer before its service terminates.
type Executor struct {
	service services.Service

	logger   log.Logger
	config   Config
	runner   QueryRunner
	producer streams.Producer
	topic    streams.TopicSpec
	metrics  *executorMetrics

	sem chan struct{}
	wg  sync.WaitGroup

	admitMtx sync.Mutex
	stopped  bool

	now func() time.Time
}

func NewExecutor(config Config, logger log.Logger, runner QueryRunner, producer streams.Producer, reg prometheus.Registerer) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		logger:   log.With(logger, "component", "subscription-executor", "dataset", config.Dataset),
		config:   config,
		runner:   runner,
		producer: producer,
		topic:    config.ResultTopic(),
		metrics:  newExecutorMetrics(reg),
		sem:      make(chan struct{}, config.MaxConcurrentQueries),
		now:      time.Now,
	}
	e.service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

func (e *Executor) Service() services.Service { return e.service }

// Submit admits one scheduled task. It blocks while all execution slots are
// taken, sheds the task silently when it is stale, and returns ErrStopped
// once shutdown has begun. A nil return means the task was either admitted
// or intentionally discarded.
func (e *Executor) Submit(ctx context.Context, task *ScheduledTask) error {
	// Stale or not, a submission after shutdown is a rejection, not a shed.
	if e.isStopped() {
		return ErrStopped
	}
	if e.isStale(task) {
		e.metrics.tasks.WithLabelValues(outcomeStale).Inc()
		level.Debug(e.logger).Log("msg", "discarding stale task", "subscription", task.Subscription.ID, "scheduled", task.Timestamp)
		return nil
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The slot is held; re-check under the admission lock so that no task
	// can slip in after the drain started.
	e.admitMtx.Lock()
	if e.stopped {
		e.admitMtx.Unlock()
		<-e.sem
		return ErrStopped
	}
	e.wg.Add(1)
	e.admitMtx.Unlock()

	e.metrics.inFlight.Inc()
	go func() {
		defer func() {
			e.metrics.inFlight.Dec()
			<-e.sem
			e.wg.Done()
		}()
		util.Recover(func() { e.execute(task) })
	}()
	return nil
}

func (e *Executor) isStopped() bool {
	e.admitMtx.Lock()
	defer e.admitMtx.Unlock()
	return e.stopped
}

func (e *Executor) isStale(task *ScheduledTask) bool {
	if e.config.StaleThreshold <= 0 {
		return false
	}
	return e.now().Sub(task.Timestamp) > e.config.StaleThreshold
}

func (e *Executor) execute(task *ScheduledTask) {
	// In-flight tasks run to completion even during shutdown, so the
	// execution context is deliberately not the service context.
	ctx := context.Background()
	start := e.now()

	result, err := e.runner.Run(ctx, task.Subscription.Query, task.Subscription.Settings)
	if err != nil {
		e.metrics.tasks.WithLabelValues(outcomeError).Inc()
		level.Error(e.logger).Log("msg", "subscription query failed", "subscription", task.Subscription.ID, "err", err)
		return
	}

	payload, err := encodeResult(task, result)
	if err != nil {
		e.metrics.tasks.WithLabelValues(outcomeError).Inc()
		level.Error(e.logger).Log("msg", "failed to encode result", "subscription", task.Subscription.ID, "err", err)
		return
	}

	key := []byte(task.Subscription.ID.String())
	if err := e.producer.Produce(ctx, e.topic, key, payload); err != nil {
		e.metrics.tasks.WithLabelValues(outcomeError).Inc()
		level.Error(e.logger).Log("msg", "failed to publish result", "subscription", task.Subscription.ID, "err", err)
		return
	}

	e.metrics.tasks.WithLabelValues(outcomeSuccess).Inc()
	e.metrics.taskDuration.Observe(e.now().Sub(start).Seconds())
}

func (e *Executor) starting(context.Context) error { return nil }

func (e *Executor) running(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "subscription executor running", "max_concurrent_queries", e.config.MaxConcurrentQueries)
	<-ctx.Done()

	e.admitMtx.Lock()
	e.stopped = true
	e.admitMtx.Unlock()

	level.Info(e.logger).Log("msg", "waiting for in-flight queries to finish")
	e.wg.Wait()
	return nil
}

// stopping flushes the result producer exactly once, after every admitted
// task has completed. A failed flush means results computed before shutdown
// may be lost, which is fatal for the shutdown path.
func (e *Executor) stopping(_ error) error {
	if err := e.producer.Flush(context.Background()); err != nil {
		return errors.Wrap(err, "flushing result producer on shutdown")
	}
	level.Info(e.logger).Log("msg", "subscription executor stopped")
	return nil
}
