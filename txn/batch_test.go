package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/gtfo/internal/kafka"
)

func TestBatchTransaction_OneOffsetPerPartition(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t,
		input(0, "a", "1"),
		input(0, "b", "2"),
		input(1, "c", "3"),
		input(0, "d", "4"),
		input(1, "e", "5"),
	)

	tx := NewBatch(b, b, testConfig())
	assert.NoError(t, tx.ConsumeBatch(ctx, 5, time.Second))
	assert.Equal(t, 5, len(tx.Records()))

	offsets := tx.CommitOffsets()
	assert.Equal(t, []kafka.TopicPartition{
		{Topic: inTopic, Partition: 0, Offset: 3},
		{Topic: inTopic, Partition: 1, Offset: 2},
	}, offsets)

	assert.NoError(t, tx.Commit(ctx))
	off, _ := b.CommittedOffset(inTopic, 0)
	assert.Equal(t, int64(3), off)
	off, _ = b.CommittedOffset(inTopic, 1)
	assert.Equal(t, int64(2), off)
	assert.Equal(t, 1, b.Commits())
}

func TestBatchTransaction_CountBound(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "a", "1"), input(0, "b", "2"), input(0, "c", "3"))

	tx := NewBatch(b, b, testConfig())
	assert.NoError(t, tx.ConsumeBatch(ctx, 2, time.Second))
	assert.Equal(t, 2, len(tx.Records()))
}

func TestBatchTransaction_PartialBatch(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "a", "1"))

	tx := NewBatch(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.Equal(t, 1, len(tx.Records()))
}

func TestBatchTransaction_Empty(t *testing.T) {
	b := newBroker(t)
	tx := NewBatch(b, b, testConfig())
	assert.IsError(t, tx.Consume(context.Background()), kafka.ErrNoMessage)
}

func TestBatchTransaction_ExpiredTime(t *testing.T) {
	b := newBroker(t, input(0, "a", "1"))
	tx := NewBatch(b, b, testConfig())
	assert.IsError(t, tx.ConsumeBatch(context.Background(), 5, 0), kafka.ErrNoMessage)
}

func TestBatchTransaction_ProduceRetryFansOut(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "a", "1"), input(1, "b", "2"))

	tx := NewBatch(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceFailure(ctx, errors.New("bad batch")))
	assert.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 2, len(b.Records("failed", 0)))
}

func TestBatchTransaction_ProduceRetryFor(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "a", "1"), input(0, "b", "2"))

	tx := NewBatch(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	second := tx.Records()[1]
	assert.NoError(t, tx.ProduceRetryFor(ctx, second, errors.New("transient")))
	assert.NoError(t, tx.Commit(ctx))

	records := b.Records(inTopic, 0)
	assert.Equal(t, 3, len(records))
	assert.Equal(t, "b", string(records[2].Key))
	assert.Equal(t, "1", Headers(records[2])[HeaderRetryCount])

	assert.IsError(t, tx.ProduceFailureFor(ctx, input(0, "x", "y"), errors.New("x")), ErrNoRecord)
}
