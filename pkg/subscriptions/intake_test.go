package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/pkg/streams"
)

type fakeSource struct {
	mtx     sync.Mutex
	batches [][]streams.Message
	acked   []string
	started bool
}

func (s *fakeSource) Start(context.Context, streams.AutoOffsetReset) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.started = true
	return nil
}

func (s *fakeSource) Next(ctx context.Context) ([]streams.Message, error) {
	s.mtx.Lock()
	if len(s.batches) > 0 {
		batch := s.batches[0]
		s.batches = s.batches[1:]
		s.mtx.Unlock()
		return batch, nil
	}
	s.mtx.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSource) Ack(_ context.Context, m streams.Message) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.acked = append(s.acked, m.ID)
	return nil
}

func (s *fakeSource) ackedIDs() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.acked...)
}

func TestIntakeSubmitsAndAcks(t *testing.T) {
	runner := &gateRunner{}
	producer := &fakeProducer{}
	e, err := NewExecutor(testConfig(), log.NewNopLogger(), runner, producer, nil)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e.Service()))

	task := newTask()
	encoded, err := EncodeTask(task)
	require.NoError(t, err)

	source := &fakeSource{batches: [][]streams.Message{{
		{Stream: "scheduled-subscriptions-0", ID: "1-0", Value: encoded},
		{Stream: "scheduled-subscriptions-0", ID: "2-0", Value: []byte("garbage")},
	}}}
	intake := NewIntake(log.NewNopLogger(), source, e, streams.OffsetLatest)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), intake.Service()))

	// The decodable task executes; the garbage entry is acked and skipped.
	require.Eventually(t, func() bool {
		return len(producer.produced()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(source.ackedIDs()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), intake.Service()))
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e.Service()))

	require.Equal(t, []string{"1-0", "2-0"}, source.ackedIDs())
	require.Equal(t, task.Subscription.ID.String(), string(producer.produced()[0].key))
}
