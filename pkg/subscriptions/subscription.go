// Package subscriptions executes scheduled subscription queries with
// bounded concurrency and publishes their results. The scheduler producing
// the tasks and the storage backend answering the queries live elsewhere;
// this package owns admission, staleness shedding and delivery of results.
package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry/pkg/query"
	"github.com/quarrydb/quarry/pkg/querysettings"
)

// Subscription is one registered query that runs on a schedule.
type Subscription struct {
	ID        uuid.UUID
	EntityKey string
	Query     *query.Query

	// Settings are owned by this subscription's tasks. They are always
	// subscription-originated settings, so rate limiting never applies.
	Settings querysettings.Settings
}

// ScheduledTask is one due execution of a subscription. The task owns its
// subscription instance exclusively until it completes or is discarded.
type ScheduledTask struct {
	Timestamp    time.Time
	Subscription Subscription
}

// QueryResult is what the backend returned for one execution.
type QueryResult struct {
	Data json.RawMessage
}

// QueryRunner runs a query against the storage backend. Implementations
// must be safe for concurrent callers.
type QueryRunner interface {
	Run(ctx context.Context, q *query.Query, settings querysettings.Settings) (QueryResult, error)
}

const resultStatusSuccess = "success"

// ResultMessage is the payload published per completed execution.
type ResultMessage struct {
	Status         string          `json:"status"`
	SubscriptionID string          `json:"subscription_id"`
	EntityKey      string          `json:"entity"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

func encodeResult(task *ScheduledTask, result QueryResult) ([]byte, error) {
	return json.Marshal(ResultMessage{
		Status:         resultStatusSuccess,
		SubscriptionID: task.Subscription.ID.String(),
		EntityKey:      task.Subscription.EntityKey,
		Timestamp:      task.Timestamp,
		Payload:        result.Data,
	})
}

type taskEnvelope struct {
	Timestamp    time.Time    `json:"timestamp"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	ID        uuid.UUID    `json:"id"`
	EntityKey string       `json:"entity"`
	Query     *query.Query `json:"query"`
}

// EncodeTask serializes a task for the scheduled topic.
func EncodeTask(task *ScheduledTask) ([]byte, error) {
	return json.Marshal(taskEnvelope{
		Timestamp: task.Timestamp,
		Subscription: subscription{
			ID:        task.Subscription.ID,
			EntityKey: task.Subscription.EntityKey,
			Query:     task.Subscription.Query,
		},
	})
}

// DecodeTask deserializes a scheduled task. The attached settings are
// always fresh subscription settings: the wire format carries no settings,
// subscriptions get the hard-coded ones by contract.
func DecodeTask(value []byte) (*ScheduledTask, error) {
	var env taskEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, errors.Wrap(err, "decoding scheduled task")
	}
	return &ScheduledTask{
		Timestamp: env.Timestamp,
		Subscription: Subscription{
			ID:        env.Subscription.ID,
			EntityKey: env.Subscription.EntityKey,
			Query:     env.Subscription.Query,
			Settings:  querysettings.NewSubscriptionSettings("subscription"),
		},
	}, nil
}
