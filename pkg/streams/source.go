package streams

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// AutoOffsetReset governs where intake starts when the consumer group does
// not exist yet.
type AutoOffsetReset string

const (
	// OffsetError refuses to start without a pre-existing group.
	OffsetError AutoOffsetReset = "error"
	// OffsetEarliest creates the group at the beginning of the stream.
	OffsetEarliest AutoOffsetReset = "earliest"
	// OffsetLatest creates the group at the tail of the stream.
	OffsetLatest AutoOffsetReset = "latest"
)

func ParseAutoOffsetReset(s string) (AutoOffsetReset, error) {
	switch AutoOffsetReset(s) {
	case OffsetError, OffsetEarliest, OffsetLatest:
		return AutoOffsetReset(s), nil
	}
	return "", errors.Errorf("invalid auto offset reset %q, expected error, earliest or latest", s)
}

// Message is one raw entry read from a topic partition.
type Message struct {
	Stream string
	ID     string
	Key    []byte
	Value  []byte
}

// Source reads messages from every partition of a topic on behalf of a
// consumer group. It is a plain group reader: entries are handed out at
// most once per group and acknowledged after the caller is done with them.
type Source struct {
	logger   log.Logger
	client   redis.UniversalClient
	topic    TopicSpec
	group    string
	consumer string
	streams  []string
}

func NewSource(logger log.Logger, client redis.UniversalClient, topic TopicSpec, group, consumer string) *Source {
	partitions := topic.Partitions
	if partitions < 1 {
		partitions = 1
	}
	names := make([]string, 0, partitions)
	for i := 0; i < partitions; i++ {
		names = append(names, topic.Stream(uint64(i)))
	}
	return &Source{
		logger:   log.With(logger, "component", "streams-source", "topic", topic.Name()),
		client:   client,
		topic:    topic,
		group:    group,
		consumer: consumer,
		streams:  names,
	}
}

// Start ensures the consumer group exists on every partition, honoring the
// offset reset policy for groups that do not exist yet.
func (s *Source) Start(ctx context.Context, reset AutoOffsetReset) error {
	start := ""
	switch reset {
	case OffsetEarliest:
		start = "0"
	case OffsetLatest:
		start = "$"
	}
	for _, stream := range s.streams {
		if start == "" {
			if err := s.groupExists(ctx, stream); err != nil {
				return err
			}
			continue
		}
		err := s.client.XGroupCreateMkStream(ctx, stream, s.group, start).Err()
		if err != nil && !isBusyGroup(err) {
			return errors.Wrapf(err, "creating consumer group %q on %q", s.group, stream)
		}
	}
	level.Info(s.logger).Log("msg", "task intake started", "group", s.group, "partitions", len(s.streams))
	return nil
}

func (s *Source) groupExists(ctx context.Context, stream string) error {
	groups, err := s.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return errors.Wrapf(err, "looking up consumer groups on %q", stream)
	}
	for _, g := range groups {
		if g.Name == s.group {
			return nil
		}
	}
	return errors.Errorf("consumer group %q does not exist on %q and auto offset reset is %q", s.group, stream, OffsetError)
}

// Next blocks until at least one message is available or ctx is done.
func (s *Source) Next(ctx context.Context) ([]Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  s.readArgs(),
		Count:    16,
		Block:    time.Second,
	}
	for {
		res, err := s.client.XReadGroup(ctx, args).Result()
		if err == redis.Nil {
			// Block timed out with nothing to read.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "reading scheduled tasks")
		}
		var out []Message
		for _, stream := range res {
			for _, entry := range stream.Messages {
				out = append(out, decodeEntry(stream.Stream, entry))
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

// Ack marks a message as processed for the group.
func (s *Source) Ack(ctx context.Context, m Message) error {
	return s.client.XAck(ctx, m.Stream, s.group, m.ID).Err()
}

func (s *Source) readArgs() []string {
	args := make([]string, 0, 2*len(s.streams))
	args = append(args, s.streams...)
	for range s.streams {
		args = append(args, ">")
	}
	return args
}

func decodeEntry(stream string, entry redis.XMessage) Message {
	m := Message{Stream: stream, ID: entry.ID}
	if k, ok := entry.Values["key"].(string); ok {
		m.Key = []byte(k)
	}
	if v, ok := entry.Values["payload"].(string); ok {
		m.Value = []byte(v)
	}
	return m
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
