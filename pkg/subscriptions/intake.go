package subscriptions

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry/pkg/streams"
)

// TaskSource is where scheduled tasks come from, partition layout aside.
// *streams.Source is the production implementation.
type TaskSource interface {
	Start(ctx context.Context, reset streams.AutoOffsetReset) error
	Next(ctx context.Context) ([]streams.Message, error)
	Ack(ctx context.Context, m streams.Message) error
}

// Intake pumps scheduled tasks from the topic into the executor. It is a
// deliberately plain consumer-group reader; submission backpressure from
// the executor is what paces the reads.
type Intake struct {
	service services.Service

	logger   log.Logger
	source   TaskSource
	executor *Executor
	reset    streams.AutoOffsetReset
}

func NewIntake(logger log.Logger, source TaskSource, executor *Executor, reset streams.AutoOffsetReset) *Intake {
	i := &Intake{
		logger:   log.With(logger, "component", "subscription-intake"),
		source:   source,
		executor: executor,
		reset:    reset,
	}
	i.service = services.NewBasicService(i.starting, i.running, nil)
	return i
}

func (i *Intake) Service() services.Service { return i.service }

func (i *Intake) starting(ctx context.Context) error {
	return i.source.Start(ctx, i.reset)
}

func (i *Intake) running(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	})
	for {
		msgs, err := i.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Transient source trouble must not take the executor down;
			// keep retrying until shutdown.
			level.Warn(i.logger).Log("msg", "task intake read failed, backing off", "err", err)
			boff.Wait()
			continue
		}
		boff.Reset()
		for _, msg := range msgs {
			task, err := DecodeTask(msg.Value)
			if err != nil {
				// A malformed entry would fail forever; acknowledge and
				// move on.
				level.Warn(i.logger).Log("msg", "dropping undecodable task", "stream", msg.Stream, "id", msg.ID, "err", err)
				i.ack(ctx, msg)
				continue
			}
			if err := i.executor.Submit(ctx, task); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			i.ack(ctx, msg)
		}
	}
}

func (i *Intake) ack(ctx context.Context, msg streams.Message) {
	if err := i.source.Ack(ctx, msg); err != nil && ctx.Err() == nil {
		level.Warn(i.logger).Log("msg", "failed to ack task", "stream", msg.Stream, "id", msg.ID, "err", err)
	}
}
