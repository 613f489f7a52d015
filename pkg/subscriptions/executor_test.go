package subscriptions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/pkg/query"
	"github.com/quarrydb/quarry/pkg/querysettings"
	"github.com/quarrydb/quarry/pkg/streams"
)

type producedMessage struct {
	topic streams.TopicSpec
	key   []byte
	value []byte
}

type fakeProducer struct {
	mtx      sync.Mutex
	messages []producedMessage
	flushes  int
	flushErr error
}

func (p *fakeProducer) Produce(_ context.Context, topic streams.TopicSpec, key, value []byte) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.messages = append(p.messages, producedMessage{topic: topic, key: key, value: value})
	return nil
}

func (p *fakeProducer) Flush(context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.flushes++
	return p.flushErr
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) produced() []producedMessage {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]producedMessage(nil), p.messages...)
}

func (p *fakeProducer) flushCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.flushes
}

type gateRunner struct {
	mtx        sync.Mutex
	running    int
	maxRunning int
	calls      int
	release    chan struct{}
	err        error
}

func (r *gateRunner) Run(context.Context, *query.Query, querysettings.Settings) (QueryResult, error) {
	r.mtx.Lock()
	r.calls++
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	r.mtx.Unlock()

	if r.release != nil {
		<-r.release
	}

	r.mtx.Lock()
	r.running--
	r.mtx.Unlock()
	return QueryResult{Data: json.RawMessage(`{"data":[]}`)}, r.err
}

func (r *gateRunner) stats() (calls, maxRunning int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.calls, r.maxRunning
}

func testConfig() Config {
	return Config{
		Dataset:               "events",
		Entities:              flagext.StringSliceCSV{"events"},
		ConsumerGroup:         "test-executor",
		MaxConcurrentQueries:  2,
		AutoOffsetReset:       "latest",
		ResultTopicPartitions: 1,
	}
}

func newTask() *ScheduledTask {
	return &ScheduledTask{
		Timestamp: time.Now(),
		Subscription: Subscription{
			ID:        uuid.New(),
			EntityKey: "events",
			Query:     &query.Query{Entity: "events", Body: "MATCH (events) SELECT count()"},
			Settings:  querysettings.NewSubscriptionSettings("subscription"),
		},
	}
}

func startExecutor(t *testing.T, cfg Config, runner QueryRunner, producer streams.Producer) *Executor {
	t.Helper()
	e, err := NewExecutor(cfg, log.NewNopLogger(), runner, producer, nil)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e.Service()))
	return e
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	runner := &gateRunner{release: make(chan struct{})}
	producer := &fakeProducer{}
	e := startExecutor(t, testConfig(), runner, producer)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, e.Submit(context.Background(), newTask()))
		}()
	}

	require.Eventually(t, func() bool {
		_, maxRunning := runner.stats()
		return maxRunning == 2
	}, time.Second, 5*time.Millisecond)

	// Give the remaining submissions a chance to overshoot if admission
	// were broken.
	time.Sleep(50 * time.Millisecond)
	_, maxRunning := runner.stats()
	require.Equal(t, 2, maxRunning)

	close(runner.release)
	wg.Wait()
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))

	calls, maxRunning := runner.stats()
	require.Equal(t, 5, calls)
	require.Equal(t, 2, maxRunning)
	require.Len(t, producer.produced(), 5)
}

func TestExecutorShedsStaleTasks(t *testing.T) {
	runner := &gateRunner{}
	producer := &fakeProducer{}
	cfg := testConfig()
	cfg.StaleThreshold = 10 * time.Second

	now := time.Now()
	e := startExecutor(t, cfg, runner, producer)
	e.now = func() time.Time { return now }

	stale := newTask()
	stale.Timestamp = now.Add(-15 * time.Second)
	require.NoError(t, e.Submit(context.Background(), stale))

	fresh := newTask()
	fresh.Timestamp = now.Add(-5 * time.Second)
	require.NoError(t, e.Submit(context.Background(), fresh))

	require.Eventually(t, func() bool {
		return len(producer.produced()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))

	calls, _ := runner.stats()
	require.Equal(t, 1, calls)

	messages := producer.produced()
	require.Len(t, messages, 1)
	require.Equal(t, fresh.Subscription.ID.String(), string(messages[0].key))
}

func TestExecutorPublishesResults(t *testing.T) {
	runner := &gateRunner{}
	producer := &fakeProducer{}
	cfg := testConfig()
	cfg.OverrideResultTopic = "subscription-results-test"
	e := startExecutor(t, cfg, runner, producer)

	task := newTask()
	require.NoError(t, e.Submit(context.Background(), task))
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))

	messages := producer.produced()
	require.Len(t, messages, 1)
	require.Equal(t, "subscription-results-test", messages[0].topic.Name())
	require.Equal(t, task.Subscription.ID.String(), string(messages[0].key))

	var result ResultMessage
	require.NoError(t, json.Unmarshal(messages[0].value, &result))
	require.Equal(t, "success", result.Status)
	require.Equal(t, task.Subscription.ID.String(), result.SubscriptionID)
	require.Equal(t, "events", result.EntityKey)
	require.JSONEq(t, `{"data":[]}`, string(result.Payload))
}

func TestExecutorIsolatesFailures(t *testing.T) {
	failing := &gateRunner{err: errors.New("backend exploded")}
	producer := &fakeProducer{}
	e := startExecutor(t, testConfig(), failing, producer)

	require.NoError(t, e.Submit(context.Background(), newTask()))
	require.Eventually(t, func() bool {
		calls, _ := failing.stats()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	// The failed task released its slot; a healthy task still runs.
	e.runner = &gateRunner{}
	require.NoError(t, e.Submit(context.Background(), newTask()))

	require.Eventually(t, func() bool {
		return len(producer.produced()) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))
}

func TestExecutorRejectsSubmissionsAfterShutdown(t *testing.T) {
	runner := &gateRunner{}
	producer := &fakeProducer{}
	cfg := testConfig()
	cfg.StaleThreshold = 10 * time.Second
	e := startExecutor(t, cfg, runner, producer)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))

	err := e.Submit(context.Background(), newTask())
	require.ErrorIs(t, err, ErrStopped)

	// A stale task is rejected too, not silently shed.
	stale := newTask()
	stale.Timestamp = time.Now().Add(-time.Minute)
	require.ErrorIs(t, e.Submit(context.Background(), stale), ErrStopped)

	calls, _ := runner.stats()
	require.Equal(t, 0, calls)
	require.Equal(t, 1, producer.flushCount())
}

func TestExecutorDrainsBeforeFlush(t *testing.T) {
	runner := &gateRunner{release: make(chan struct{})}
	producer := &fakeProducer{}
	e := startExecutor(t, testConfig(), runner, producer)

	require.NoError(t, e.Submit(context.Background(), newTask()))
	require.Eventually(t, func() bool {
		calls, _ := runner.stats()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	e.Service().StopAsync()

	// The in-flight task is still blocked, so the producer must not have
	// been flushed yet.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, producer.flushCount())

	close(runner.release)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))

	require.Len(t, producer.produced(), 1)
	require.Equal(t, 1, producer.flushCount())
}

func TestExecutorFlushFailureIsFatal(t *testing.T) {
	runner := &gateRunner{}
	producer := &fakeProducer{flushErr: errors.New("broker gone")}
	e := startExecutor(t, testConfig(), runner, producer)

	err := services.StopAndAwaitTerminated(context.Background(), e.Service())
	require.Error(t, err)
	require.Contains(t, err.Error(), "flushing result producer")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing_dataset", mutate: func(c *Config) { c.Dataset = "" }, wantErr: "dataset"},
		{name: "missing_entities", mutate: func(c *Config) { c.Entities = nil }, wantErr: "entity"},
		{name: "zero_concurrency", mutate: func(c *Config) { c.MaxConcurrentQueries = 0 }, wantErr: "max-concurrent-queries"},
		{name: "negative_staleness", mutate: func(c *Config) { c.StaleThreshold = -time.Second }, wantErr: "stale-threshold"},
		{name: "bad_offset_reset", mutate: func(c *Config) { c.AutoOffsetReset = "beginning" }, wantErr: "auto offset reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
