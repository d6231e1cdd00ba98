// Package kafka describes the broker primitives the runtime is built on:
// a transactional producer, a group consumer that can additionally consume
// changelog partitions directly, and rebalance notifications.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	// ErrNoMessage is returned by Poll when nothing arrived within the
	// timeout. It is a control-flow signal, not a failure.
	ErrNoMessage = errors.New("kafka: no message")

	// ErrSeekBeforePoll is returned by Seek when the partition has not been
	// polled since it was assigned and the client cannot position it yet.
	ErrSeekBeforePoll = errors.New("kafka: seek before first poll")

	// ErrTransactionAborted is returned by CommitTransaction when the broker
	// aborted the transaction instead of committing it.
	ErrTransactionAborted = errors.New("kafka: transaction aborted")
)

// TopicPartition identifies a partition and, depending on context, an
// offset within it.
type TopicPartition struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d@%d", tp.Topic, tp.Partition, tp.Offset)
}

// Offsets are the bounds of a partition. Stable is the last stable offset:
// the end of the committed part of the log, at or below High.
type Offsets struct {
	Low    int64
	High   int64
	Stable int64
}

// Producer is a transactional producer.
type Producer interface {
	// BeginTransaction starts a broker transaction.
	BeginTransaction() error

	// Produce stages r in the current transaction. It does not wait for
	// delivery; r.Offset is filled in once the record is acknowledged,
	// which is guaranteed after CommitTransaction returns.
	Produce(ctx context.Context, r *kgo.Record)

	// PollDeliveries is non-blocking and returns the first delivery error
	// observed since the previous call.
	PollDeliveries() error

	// SendOffsetsToTransaction registers consumer offsets to be committed
	// atomically with the transaction.
	SendOffsetsToTransaction(ctx context.Context, offsets []TopicPartition) error

	// CommitTransaction flushes and commits. It blocks until the broker
	// acknowledges.
	CommitTransaction(ctx context.Context) error

	AbortTransaction(ctx context.Context) error
}

// Consumer is a group consumer that can also consume partitions outside of
// the group assignment (used for changelog replay).
type Consumer interface {
	// Poll returns the next record, waiting at most timeout. It returns
	// ErrNoMessage if nothing arrived.
	Poll(ctx context.Context, timeout time.Duration) (*kgo.Record, error)

	// AllowRebalance lets a pending rebalance proceed. Rebalances are held
	// back from the moment a record is returned by Poll until this call.
	AllowRebalance()

	// Pause stops fetching from the given group partitions; Resume undoes it.
	Pause(tps ...TopicPartition)
	Resume(tps ...TopicPartition)

	// IncrementalAssign starts direct consumption of partitions at their
	// Offset; IncrementalUnassign stops it.
	IncrementalAssign(tps ...TopicPartition)
	IncrementalUnassign(tps ...TopicPartition)

	// Seek repositions a directly assigned partition.
	Seek(tp TopicPartition) error

	// ListOffsets returns the bounds of the given partitions of topic in one
	// round trip.
	ListOffsets(ctx context.Context, topic string, partitions ...int32) (map[int32]Offsets, error)

	// Position returns the offset the next direct fetch of a partition
	// starts at, as far as the consumer has observed. Transaction markers
	// and aborted records move it even though Poll never returns them.
	// ok is false if the partition is not directly assigned.
	Position(topic string, partition int32) (offset int64, ok bool)

	// Assignment returns the group and direct partitions currently assigned.
	Assignment() []TopicPartition
}

// RebalanceListener receives consumer-group partition changes, keyed by topic.
type RebalanceListener interface {
	OnAssigned(ctx context.Context, assigned map[string][]int32)
	OnRevoked(ctx context.Context, revoked map[string][]int32)
	OnLost(ctx context.Context, lost map[string][]int32)
}
