package kafkatest

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafka"
)

func TestBroker_TransactionLayout(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("in")

	assert.NoError(t, b.BeginTransaction())
	r := &kgo.Record{Topic: "out", Partition: 0, Value: []byte("a")}
	b.Produce(ctx, r)
	assert.NoError(t, b.SendOffsetsToTransaction(ctx, []kafka.TopicPartition{
		{Topic: "in", Partition: 0, Offset: 4},
		{Topic: "not-a-group-topic", Partition: 0, Offset: 9},
	}))
	assert.NoError(t, b.CommitTransaction(ctx))

	assert.Equal(t, int64(0), r.Offset)
	offsets, err := b.ListOffsets(ctx, "out", 0)
	assert.NoError(t, err)
	assert.Equal(t, kafka.Offsets{Low: 0, High: 2, Stable: 2}, offsets[0])

	off, ok := b.CommittedOffset("in", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(4), off)
	_, ok = b.CommittedOffset("not-a-group-topic", 0)
	assert.False(t, ok)
}

func TestBroker_AbortHidesRecords(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("in")

	assert.NoError(t, b.BeginTransaction())
	b.Produce(ctx, &kgo.Record{Topic: "out", Value: []byte("a")})
	assert.NoError(t, b.AbortTransaction(ctx))

	assert.Equal(t, 0, len(b.Records("out", 0)))
	offsets, err := b.ListOffsets(ctx, "out", 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), offsets[0].High)
	assert.Equal(t, 1, b.Aborts())
}

func TestBroker_FailNextCommit(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("in")
	boom := errors.New("boom")
	b.FailNextCommit(boom)

	assert.NoError(t, b.BeginTransaction())
	b.Produce(ctx, &kgo.Record{Topic: "out", Value: []byte("a")})
	assert.NoError(t, b.SendOffsetsToTransaction(ctx, []kafka.TopicPartition{{Topic: "in", Offset: 1}}))
	assert.IsError(t, b.CommitTransaction(ctx), boom)

	assert.Equal(t, 0, len(b.Records("out", 0)))
	_, ok := b.CommittedOffset("in", 0)
	assert.False(t, ok)
}

func TestBroker_PollSkipsPausedAndPrefersDirect(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("in")
	b.Append(&kgo.Record{Topic: "in", Partition: 0, Value: []byte("p0")})
	b.Append(&kgo.Record{Topic: "in", Partition: 1, Value: []byte("p1")})
	b.Append(&kgo.Record{Topic: "cl", Partition: 1, Value: []byte("cl")})
	b.Assign(ctx, "in", 0, 1)

	b.Pause(kafka.TopicPartition{Topic: "in", Partition: 0})
	b.IncrementalAssign(kafka.TopicPartition{Topic: "cl", Partition: 1})

	r, err := b.Poll(ctx, 0)
	assert.NoError(t, err)
	assert.Equal(t, "cl", string(r.Value))
	_, err = b.Poll(ctx, 0)
	assert.IsError(t, err, kafka.ErrNoMessage)

	b.IncrementalUnassign(kafka.TopicPartition{Topic: "cl", Partition: 1})
	r, err = b.Poll(ctx, 0)
	assert.NoError(t, err)
	assert.Equal(t, "p1", string(r.Value))

	b.Resume(kafka.TopicPartition{Topic: "in", Partition: 0})
	r, err = b.Poll(ctx, 0)
	assert.NoError(t, err)
	assert.Equal(t, "p0", string(r.Value))
}

func TestBroker_SeekRequiresPoll(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("in")
	b.SeekRequiresPoll = true
	cl := kafka.TopicPartition{Topic: "cl", Partition: 0}

	b.IncrementalAssign(cl)
	assert.IsError(t, b.Seek(cl), kafka.ErrSeekBeforePoll)

	_, err := b.Poll(ctx, 0)
	assert.IsError(t, err, kafka.ErrNoMessage)
	assert.NoError(t, b.Seek(cl))
}

func TestBroker_AdvanceToAndCompact(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	b.AdvanceTo("cl", 0, 10)
	assert.Equal(t, int64(10), b.Append(&kgo.Record{Topic: "cl"}))
	b.Append(&kgo.Record{Topic: "cl"})
	b.Compact("cl", 0, 11)

	offsets, err := b.ListOffsets(ctx, "cl", 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(11), offsets[0].Low)
	assert.Equal(t, int64(12), offsets[0].High)
	assert.Equal(t, 1, len(b.Records("cl", 0)))
}

func TestBroker_OpenTransactionHoldsStableOffset(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	b.Append(&kgo.Record{Topic: "cl", Value: []byte("a")})
	commit := b.OpenTransaction("cl", 0, &kgo.Record{Value: []byte("b")})
	b.Append(&kgo.Record{Topic: "cl", Value: []byte("c")})

	offsets, err := b.ListOffsets(ctx, "cl", 0)
	assert.NoError(t, err)
	assert.Equal(t, kafka.Offsets{Low: 0, High: 3, Stable: 1}, offsets[0])
	assert.Equal(t, 1, len(b.Records("cl", 0)))

	commit()
	offsets, err = b.ListOffsets(ctx, "cl", 0)
	assert.NoError(t, err)
	assert.Equal(t, kafka.Offsets{Low: 0, High: 4, Stable: 4}, offsets[0])
	assert.Equal(t, 3, len(b.Records("cl", 0)))
}

func TestBroker_PositionReadsThroughMarkers(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	assert.NoError(t, b.BeginTransaction())
	b.Produce(ctx, &kgo.Record{Topic: "cl", Value: []byte("a")})
	assert.NoError(t, b.CommitTransaction(ctx))

	cl := kafka.TopicPartition{Topic: "cl"}
	_, ok := b.Position("cl", 0)
	assert.False(t, ok)
	b.IncrementalAssign(cl)

	pos, ok := b.Position("cl", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(0), pos)

	_, err := b.Poll(ctx, 0)
	assert.NoError(t, err)
	pos, _ = b.Position("cl", 0)
	assert.Equal(t, int64(1), pos)

	_, err = b.Poll(ctx, 0)
	assert.IsError(t, err, kafka.ErrNoMessage)
	pos, _ = b.Position("cl", 0)
	assert.Equal(t, int64(2), pos)
}
