package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafka"
)

// BatchTransaction consumes up to a count or time bound of records and
// commits them in one broker transaction.
type BatchTransaction struct {
	*Transaction

	records []*kgo.Record
	// last consumed record per topic partition, in first-seen order
	order []kafka.TopicPartition
	last  map[kafka.TopicPartition]*kgo.Record
}

func NewBatch(producer kafka.Producer, consumer kafka.Consumer, cfg Config, opts ...Option) *BatchTransaction {
	return &BatchTransaction{
		Transaction: New(producer, consumer, cfg, opts...),
		last:        make(map[kafka.TopicPartition]*kgo.Record),
	}
}

// Consume fills the batch with the configured defaults.
func (b *BatchTransaction) Consume(ctx context.Context) error {
	return b.ConsumeBatch(ctx, b.cfg.BatchMaxCount, b.cfg.BatchMaxTime)
}

// ConsumeBatch polls until maxCount records were collected, maxTime passed
// or a poll returned nothing. It returns kafka.ErrNoMessage only if the
// batch is empty.
func (b *BatchTransaction) ConsumeBatch(ctx context.Context, maxCount int, maxTime time.Duration) error {
	deadline := time.Now().Add(maxTime)

	for maxCount <= 0 || len(b.records) < maxCount {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		rec, err := b.consumer.Poll(ctx, min(b.cfg.PollTimeout, remaining))
		if errors.Is(err, kafka.ErrNoMessage) {
			break
		}
		if err != nil {
			return err
		}
		b.add(rec)
	}

	if len(b.records) == 0 {
		return kafka.ErrNoMessage
	}
	b.log.Debug("Consumed batch", "records", len(b.records), "partitions", len(b.order))
	return nil
}

func (b *BatchTransaction) add(rec *kgo.Record) {
	b.records = append(b.records, rec)
	b.metrics.Consumed(rec.Topic)

	key := kafka.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
	if _, ok := b.last[key]; !ok {
		b.order = append(b.order, key)
	}
	b.last[key] = rec
}

// Records returns the consumed batch in poll order.
func (b *BatchTransaction) Records() []*kgo.Record {
	return b.records
}

// CommitOffsets returns one entry per partition in the batch, at the last
// consumed offset + 1.
func (b *BatchTransaction) CommitOffsets() []kafka.TopicPartition {
	out := make([]kafka.TopicPartition, 0, len(b.order))
	for _, key := range b.order {
		key.Offset = b.last[key].Offset + 1
		out = append(out, key)
	}
	return out
}

func (b *BatchTransaction) Commit(ctx context.Context) error {
	return b.commit(ctx, b.CommitOffsets(), true)
}

// ProduceRetry sends every record of the batch to retry or failure.
func (b *BatchTransaction) ProduceRetry(ctx context.Context, cause error) error {
	for _, rec := range b.records {
		if err := b.produceRetry(ctx, rec, cause); err != nil {
			return err
		}
	}
	return nil
}

// ProduceFailure sends every record of the batch to the failure topic.
func (b *BatchTransaction) ProduceFailure(ctx context.Context, cause error) error {
	for _, rec := range b.records {
		if err := b.produceFailure(ctx, rec, cause); err != nil {
			return err
		}
	}
	return nil
}

// ProduceRetryFor retries a single record of the batch.
func (b *BatchTransaction) ProduceRetryFor(ctx context.Context, rec *kgo.Record, cause error) error {
	if err := b.member(rec); err != nil {
		return err
	}
	return b.produceRetry(ctx, rec, cause)
}

// ProduceFailureFor routes a single record of the batch to failure.
func (b *BatchTransaction) ProduceFailureFor(ctx context.Context, rec *kgo.Record, cause error) error {
	if err := b.member(rec); err != nil {
		return err
	}
	return b.produceFailure(ctx, rec, cause)
}

func (b *BatchTransaction) member(rec *kgo.Record) error {
	for _, r := range b.records {
		if r == rec {
			return nil
		}
	}
	return fmt.Errorf("%w: record is not part of the batch", ErrNoRecord)
}
