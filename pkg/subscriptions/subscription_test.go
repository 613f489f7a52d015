package subscriptions

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/pkg/query"
	"github.com/quarrydb/quarry/pkg/ratelimit"
)

func TestTaskCodec(t *testing.T) {
	task := &ScheduledTask{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Subscription: Subscription{
			ID:        uuid.New(),
			EntityKey: "events",
			Query: &query.Query{
				Entity: "events",
				Conditions: []query.Condition{
					{Column: "project_id", Op: query.OpEq, Values: []any{float64(42)}},
				},
				Body: "MATCH (events) SELECT count()",
			},
		},
	}

	encoded, err := EncodeTask(task)
	require.NoError(t, err)

	decoded, err := DecodeTask(encoded)
	require.NoError(t, err)
	require.Equal(t, task.Timestamp, decoded.Timestamp)
	require.Equal(t, task.Subscription.ID, decoded.Subscription.ID)
	require.Equal(t, task.Subscription.EntityKey, decoded.Subscription.EntityKey)
	require.Equal(t, task.Subscription.Query, decoded.Subscription.Query)

	// Decoded tasks always carry subscription settings: closed to rate
	// limits no matter what runs against them.
	settings := decoded.Subscription.Settings
	require.NotNil(t, settings)
	require.True(t, settings.Consistent())
	settings.AddRateLimit(ratelimit.Params{Name: ratelimit.ProjectRateLimit, Bucket: "42"})
	require.Empty(t, settings.RateLimitParams())
}

func TestDecodeTaskMalformed(t *testing.T) {
	_, err := DecodeTask([]byte("{not json"))
	require.Error(t, err)
}
