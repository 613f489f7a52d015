package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/quarrydb/quarry/pkg/backend"
	"github.com/quarrydb/quarry/pkg/streams"
	"github.com/quarrydb/quarry/pkg/subscriptions"
)

type config struct {
	Executor subscriptions.Config   `yaml:"executor"`
	Backend  backend.Config         `yaml:"backend"`
	Producer streams.ProducerConfig `yaml:"producer"`

	ScheduledTopicPartitions int    `yaml:"scheduled_topic_partitions"`
	LogLevel                 string `yaml:"log_level"`
	LogFormat                string `yaml:"log_format"`
	ConfigFile               string `yaml:"-"`
}

func (c *config) registerFlags(f *flag.FlagSet) {
	c.Executor.RegisterFlags(f)
	c.Backend.RegisterFlags(f)
	c.Producer.RegisterFlags(f)
	f.IntVar(&c.ScheduledTopicPartitions, "scheduled-topic-partitions", 1, "Partition count of the scheduled subscription topic.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	f.StringVar(&c.ConfigFile, "config.file", "", "yaml file to load")
}

func main() {
	var cfg config
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()

	if cfg.ConfigFile != "" {
		buf, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed reading config file: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed parsing config file: %v\n", err)
			os.Exit(1)
		}
		// Explicit command line flags win over file values.
		if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "failed parsing flags: %v\n", err)
			os.Exit(1)
		}
	}

	logger := initLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Executor.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "subscription executor failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger log.Logger) error {
	reg := prometheus.DefaultRegisterer

	reset, err := streams.ParseAutoOffsetReset(cfg.Executor.AutoOffsetReset)
	if err != nil {
		return err
	}

	producer := streams.NewStreamsProducer(cfg.Producer, logger, reg)
	runner := backend.NewClient(cfg.Backend)

	executor, err := subscriptions.NewExecutor(cfg.Executor, logger, runner, producer, reg)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	sourceClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Producer.Address,
		Password: cfg.Producer.Password,
		DB:       cfg.Producer.DB,
	})
	scheduledTopic := streams.TopicSpec{
		Topic:      streams.TopicScheduledSubscriptions,
		Partitions: cfg.ScheduledTopicPartitions,
	}
	source := streams.NewSource(logger, sourceClient, scheduledTopic, cfg.Executor.ConsumerGroup, hostname)
	intake := subscriptions.NewIntake(logger, source, executor, reset)

	sm, err := services.NewManager(executor.Service(), intake.Service())
	if err != nil {
		return err
	}

	// The signal handler only requests the stop; the services perform the
	// actual state transitions and teardown on their own goroutines.
	handler := signals.NewHandler(logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	healthy := func() { level.Info(logger).Log("msg", "quarry subscription executor started", "dataset", cfg.Executor.Dataset) }
	stopped := func() { level.Info(logger).Log("msg", "quarry subscription executor stopping") }
	failed := func(service services.Service) {
		// One failing service takes the whole process down; in-flight
		// tasks still drain through the executor's own stop sequence.
		sm.StopAsync()
		level.Error(logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, failed))

	if err := sm.StartAsync(context.Background()); err != nil {
		return err
	}

	var result *multierror.Error
	if err := sm.AwaitStopped(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	for _, s := range sm.ServicesByState()[services.Failed] {
		result = multierror.Append(result, s.FailureCase())
	}

	// The executor has already flushed during its stop sequence; Close
	// ships anything buffered since and releases the connection. Losing
	// that remainder would mean losing computed results, so a failure here
	// is a failed shutdown.
	if err := producer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := sourceClient.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
