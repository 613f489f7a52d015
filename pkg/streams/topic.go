// Package streams carries scheduled subscription tasks into the executor
// and result messages out of it. Topics are logical names mapped onto Redis
// streams, one stream per partition, so that consumers shard the same way
// regardless of the physical deployment.
package streams

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Topic is a logical stream name.
type Topic string

const (
	TopicScheduledSubscriptions Topic = "scheduled-subscriptions"
	TopicSubscriptionResults    Topic = "subscription-results"
)

// TopicSpec binds a logical topic to its physical layout. Override, when
// set, redirects to a different physical name (used to reroute results
// while validating a new pipeline against the old one).
type TopicSpec struct {
	Topic      Topic
	Override   string
	Partitions int
}

// Name returns the physical topic name.
func (t TopicSpec) Name() string {
	if t.Override != "" {
		return t.Override
	}
	return string(t.Topic)
}

// Stream returns the stream key for one partition.
func (t TopicSpec) Stream(partition uint64) string {
	return fmt.Sprintf("%s-%d", t.Name(), partition)
}

// Partition maps a message key onto a partition. The mapping is a stable
// hash: repeated messages for the same key always land on the same
// partition.
func (t TopicSpec) Partition(key []byte) uint64 {
	n := t.Partitions
	if n < 1 {
		n = 1
	}
	return xxhash.Sum64(key) % uint64(n)
}
