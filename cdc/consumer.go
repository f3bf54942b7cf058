package cdc

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "log/slog"

	"github.com/sethvargo/go-retry"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/commercelab/spikes"
)

// ConsumerOptions configure the log consumer group.
type ConsumerOptions struct {
	Brokers []string
	Group   string
	Topic   string
	// ApplyRetryBudget bounds redelivery attempts for Retryable results
	// within one poll before the consumer backpressures by refusing to
	// commit. Defaults to 5.
	ApplyRetryBudget int
	// ApplyRetryDelay is the initial backoff between attempts. Defaults to 500ms.
	ApplyRetryDelay time.Duration
	// Workers caps concurrent partition loops. Defaults to 8.
	Workers int
}

// DefaultConsumerOptions for a local single-broker setup.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		Brokers:          []string{"localhost:9092"},
		Group:            "cdc-materializer",
		Topic:            "cdc.products",
		ApplyRetryBudget: 5,
		ApplyRetryDelay:  500 * time.Millisecond,
		Workers:          8,
	}
}

// Consumer runs the CDC intake loop: poll, dispatch per partition, apply via
// the materializer, commit store-confirmed offsets. Each partition is a
// single-writer loop; offsets only advance past records that were applied or
// deliberately acknowledged (tombstones, stale skips, dead-lettered fatals).
type Consumer struct {
	client  *kgo.Client
	mat     *Materializer
	dlq     spikes.DeadLetterSink
	options ConsumerOptions
}

// NewConsumer connects to the broker and joins the consumer group. Offsets
// are committed manually, after the downstream write is confirmed.
func NewConsumer(options ConsumerOptions, mat *Materializer, dlq spikes.DeadLetterSink) (*Consumer, error) {
	if options.ApplyRetryBudget <= 0 {
		options.ApplyRetryBudget = 5
	}
	if options.ApplyRetryDelay <= 0 {
		options.ApplyRetryDelay = 500 * time.Millisecond
	}
	if options.Workers <= 0 {
		options.Workers = 8
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(options.Brokers...),
		kgo.ConsumerGroup(options.Group),
		kgo.ConsumeTopics(options.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting CDC consumer: %w", err)
	}
	return &Consumer{
		client:  client,
		mat:     mat,
		dlq:     dlq,
		options: options,
	}, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error("fetch error", "topic", topic, "partition", partition, "error", err.Error())
		})

		committable := c.processFetches(ctx, fetches)
		if len(committable) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, committable...); err != nil {
			// Commit failures redeliver; the materializer's stale guard
			// makes redelivery harmless.
			log.Warn("offset commit failed", "error", err.Error())
		}
	}
}

// processFetches fans partitions out on a bounded task runner and returns
// the last acknowledgeable record per partition.
func (c *Consumer) processFetches(ctx context.Context, fetches kgo.Fetches) []*kgo.Record {
	var mu sync.Mutex
	var committable []*kgo.Record

	runner := spikes.NewTaskRunner(ctx, c.options.Workers)
	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		records := ftp.Records
		if len(records) == 0 {
			return
		}
		runner.Go(func() error {
			last := c.processPartition(runner.GetContext(), records)
			if last != nil {
				mu.Lock()
				committable = append(committable, last)
				mu.Unlock()
			}
			return nil
		})
	})
	if err := runner.Wait(); err != nil {
		log.Error("partition worker failed", "error", err.Error())
	}
	return committable
}

// processPartition applies a partition's records in order and returns the
// last record whose offset may be committed. On a retry-budget overrun it
// stops early, leaving the remainder uncommitted (backpressure upstream).
func (c *Consumer) processPartition(ctx context.Context, records []*kgo.Record) *kgo.Record {
	var last *kgo.Record
	for _, rec := range records {
		if err := c.processRecord(ctx, rec); err != nil {
			log.Warn("halting partition on unapplied record",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err.Error())
			break
		}
		last = rec
	}
	return last
}

// processRecord drives one record to an acknowledgeable state: applied,
// skipped, or dead-lettered. Retryable outcomes are retried with exponential
// backoff within the configured budget; exhausting it returns an error so
// the offset is not advanced.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) error {
	b := retry.WithMaxRetries(uint64(c.options.ApplyRetryBudget), retry.NewExponential(c.options.ApplyRetryDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		result := c.mat.Process(ctx, Record{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
		})
		switch result.Status {
		case spikes.Ack:
			return nil
		case spikes.Fatal:
			// Permanent shape error: archive and acknowledge.
			if err := c.dlq.Send(ctx, rec.Topic, rec.Partition, rec.Offset, rec.Key, rec.Value, result.Err); err != nil {
				return retry.RetryableError(fmt.Errorf("dead-lettering record: %w", err))
			}
			return nil
		default:
			return retry.RetryableError(result.Err)
		}
	})
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
