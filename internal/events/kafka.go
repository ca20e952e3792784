package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// Publisher hands hook events to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev models.HookEvent) error
}

// KafkaPublisher produces hook events synchronously.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev models.HookEvent) error {
	key, value, err := Encode(ev)
	if err != nil {
		return err
	}
	record := &kgo.Record{Topic: p.topic, Key: key, Value: value}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing hook event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// Consumer reads hook events from a consumer group and runs them one at a
// time.
type Consumer struct {
	client *kgo.Client
	runner hooks.Runner
	logger *slog.Logger
}

// NewConsumer joins group on topic. A group without committed offsets starts
// at the end of the topic, so events published before it existed are not
// run.
func NewConsumer(brokers []string, topic, group string, runner hooks.Runner, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}
	return &Consumer{client: client, runner: runner, logger: logger}, nil
}

// Run polls until ctx is done or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			c.handle(ctx, record)
		})
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}

// handle runs one record. Failures are logged and the record is not
// redelivered.
func (c *Consumer) handle(ctx context.Context, record *kgo.Record) {
	ev, err := Decode(record.Value)
	if err != nil {
		c.logger.Warn("dropping undecodable hook event",
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err,
		)
		return
	}

	res, err := Dispatch(ctx, c.runner, ev)
	if err != nil {
		c.logger.Error("hook event failed",
			"type", ev.Type,
			"chain", ev.Key(),
			"offset", record.Offset,
			"error", err,
		)
		return
	}
	c.logger.Debug("hook event handled",
		"type", ev.Type,
		"chain", ev.Key(),
		"skipped", res.Skipped,
		"build_id", res.BuildID,
	)
}
