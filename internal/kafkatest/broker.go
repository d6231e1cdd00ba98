// Package kafkatest provides an in-memory broker implementing the
// transactional producer and group consumer used by the runtime.
//
// Only committed records are visible to consumers. Every committed
// transaction writes one control marker per partition it touched, and an
// aborted transaction still occupies offsets, the same way a real broker
// lays out a transactional partition.
//
// Records read back carry no attributes: Attrs.IsTransactional is false
// even for records written by a committed transaction, so changelog replay
// here always takes the non-transactional checkpoint step. The Redpanda
// test in integrationtest covers the transactional one.
package kafkatest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafka"
)

type tp struct {
	topic     string
	partition int32
}

type partitionLog struct {
	records []*kgo.Record
	low     int64
	next    int64
	// open is the first offset of a transaction still in progress.
	open *int64
}

func (l *partitionLog) stable() int64 {
	if l.open != nil {
		return *l.open
	}
	return l.next
}

func (l *partitionLog) visible() []*kgo.Record {
	stable := l.stable()
	i, _ := slices.BinarySearchFunc(l.records, stable, func(r *kgo.Record, o int64) int {
		return int(r.Offset - o)
	})
	return l.records[:i]
}

// Broker is a single-client in-memory broker. It is safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	logs        map[tp]*partitionLog
	groupTopics map[string]struct{}
	committed   map[tp]int64

	listener kafka.RebalanceListener

	assigned map[tp]int64
	paused   map[tp]bool
	direct   map[tp]int64
	polled   map[tp]bool

	inTxn         bool
	staged        []*kgo.Record
	stagedOffsets map[tp]int64
	commits       int
	aborts        int
	failCommit    error
	deliveryErr   error
	listings      int

	// SeekRequiresPoll makes Seek fail with kafka.ErrSeekBeforePoll until the
	// directly assigned partition has been polled once.
	SeekRequiresPoll bool
}

var (
	_ kafka.Producer = (*Broker)(nil)
	_ kafka.Consumer = (*Broker)(nil)
)

// NewBroker returns a broker whose consumer group subscribes to topics.
func NewBroker(topics ...string) *Broker {
	b := &Broker{
		logs:          make(map[tp]*partitionLog),
		groupTopics:   make(map[string]struct{}),
		committed:     make(map[tp]int64),
		assigned:      make(map[tp]int64),
		paused:        make(map[tp]bool),
		direct:        make(map[tp]int64),
		polled:        make(map[tp]bool),
		stagedOffsets: make(map[tp]int64),
	}
	for _, t := range topics {
		b.groupTopics[t] = struct{}{}
	}
	return b
}

// SetRebalanceListener registers the receiver of Assign/Revoke/Lose.
func (b *Broker) SetRebalanceListener(l kafka.RebalanceListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

func (b *Broker) log(topic string, partition int32) *partitionLog {
	k := tp{topic, partition}
	l, ok := b.logs[k]
	if !ok {
		l = &partitionLog{}
		b.logs[k] = l
	}
	return l
}

// Append writes a non-transactional record and returns its offset.
func (b *Broker) Append(r *kgo.Record) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.log(r.Topic, r.Partition)
	r.Offset = l.next
	l.records = append(l.records, r)
	l.next++
	return r.Offset
}

// AdvanceTo moves the end of an empty partition (or one whose records all
// lie below offset) so that the next record is written at offset.
func (b *Broker) AdvanceTo(topic string, partition int32, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.log(topic, partition)
	if offset > l.next {
		l.next = offset
	}
	if len(l.records) == 0 && offset > l.low {
		l.low = offset
	}
}

// Compact drops every record below low and raises the low watermark.
func (b *Broker) Compact(topic string, partition int32, low int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.log(topic, partition)
	l.records = slices.DeleteFunc(l.records, func(r *kgo.Record) bool {
		return r.Offset < low
	})
	l.low = max(l.low, low)
}

// Records returns the committed records of a partition.
func (b *Broker) Records(topic string, partition int32) []*kgo.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log(topic, partition).visible())
}

// OpenTransaction writes records of another producer's transaction that
// stays open until commit is called. Until then the last stable offset
// stays at the first of them and nothing from there on is visible.
func (b *Broker) OpenTransaction(topic string, partition int32, records ...*kgo.Record) (commit func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.log(topic, partition)
	start := l.next
	l.open = &start
	for _, r := range records {
		r.Topic, r.Partition, r.Offset = topic, partition, l.next
		l.records = append(l.records, r)
		l.next++
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		l.open = nil
		l.next++
	}
}

// CommittedOffset returns the group offset of a partition, if any.
func (b *Broker) CommittedOffset(topic string, partition int32) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.committed[tp{topic, partition}]
	return o, ok
}

// Commits returns how many transactions were committed.
func (b *Broker) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// Aborts returns how many transactions were aborted.
func (b *Broker) Aborts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborts
}

// FailNextCommit makes the next CommitTransaction abort and return err.
func (b *Broker) FailNextCommit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCommit = err
}

// FailDelivery makes the next PollDeliveries return err.
func (b *Broker) FailDelivery(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveryErr = err
}

// Assign adds group partitions and notifies the listener.
func (b *Broker) Assign(ctx context.Context, topic string, partitions ...int32) {
	b.mu.Lock()
	for _, p := range partitions {
		k := tp{topic, p}
		pos, ok := b.committed[k]
		if !ok {
			pos = b.log(topic, p).low
		}
		b.assigned[k] = pos
	}
	l := b.listener
	b.mu.Unlock()

	if l != nil {
		l.OnAssigned(ctx, map[string][]int32{topic: partitions})
	}
}

// Revoke removes group partitions and notifies the listener.
func (b *Broker) Revoke(ctx context.Context, topic string, partitions ...int32) {
	l := b.drop(topic, partitions)
	if l != nil {
		l.OnRevoked(ctx, map[string][]int32{topic: partitions})
	}
}

// Lose removes group partitions and reports them as lost.
func (b *Broker) Lose(ctx context.Context, topic string, partitions ...int32) {
	l := b.drop(topic, partitions)
	if l != nil {
		l.OnLost(ctx, map[string][]int32{topic: partitions})
	}
}

func (b *Broker) drop(topic string, partitions []int32) kafka.RebalanceListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range partitions {
		delete(b.assigned, tp{topic, p})
		delete(b.paused, tp{topic, p})
	}
	return b.listener
}

// Paused reports whether a group partition is paused.
func (b *Broker) Paused(topic string, partition int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[tp{topic, partition}]
}

func (b *Broker) BeginTransaction() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inTxn {
		return errors.New("kafkatest: transaction already in progress")
	}
	b.inTxn = true
	return nil
}

func (b *Broker) Produce(_ context.Context, r *kgo.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inTxn {
		if b.deliveryErr == nil {
			b.deliveryErr = fmt.Errorf("kafkatest: produce to %s outside of a transaction", r.Topic)
		}
		return
	}
	b.staged = append(b.staged, r)
}

func (b *Broker) PollDeliveries() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.deliveryErr
	b.deliveryErr = nil
	return err
}

func (b *Broker) SendOffsetsToTransaction(_ context.Context, offsets []kafka.TopicPartition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inTxn {
		return errors.New("kafkatest: no transaction in progress")
	}
	for _, o := range offsets {
		if _, ok := b.groupTopics[o.Topic]; !ok {
			continue
		}
		b.stagedOffsets[tp{o.Topic, o.Partition}] = o.Offset
	}
	return nil
}

func (b *Broker) CommitTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inTxn {
		return errors.New("kafkatest: no transaction in progress")
	}
	if err := b.failCommit; err != nil {
		b.failCommit = nil
		b.abortLocked()
		return err
	}

	touched := make(map[tp]struct{})
	for _, r := range b.staged {
		l := b.log(r.Topic, r.Partition)
		r.Offset = l.next
		l.records = append(l.records, r)
		l.next++
		touched[tp{r.Topic, r.Partition}] = struct{}{}
	}
	for k := range touched {
		b.logs[k].next++
	}
	for k, o := range b.stagedOffsets {
		b.committed[k] = o
	}

	b.commits++
	b.resetTxn()
	return nil
}

func (b *Broker) AbortTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inTxn {
		return nil
	}
	b.abortLocked()
	return nil
}

// abortLocked discards staged records. They still occupy offsets followed
// by an abort marker.
func (b *Broker) abortLocked() {
	touched := make(map[tp]int64)
	for _, r := range b.staged {
		touched[tp{r.Topic, r.Partition}]++
	}
	for k, n := range touched {
		b.log(k.topic, k.partition).next += n + 1
	}
	b.aborts++
	b.resetTxn()
}

func (b *Broker) resetTxn() {
	b.inTxn = false
	b.staged = nil
	b.stagedOffsets = make(map[tp]int64)
}

// Poll returns the next record of a directly assigned partition if any are
// assigned, otherwise of an unpaused group partition. It never blocks.
func (b *Broker) Poll(ctx context.Context, _ time.Duration) (*kgo.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.direct) > 0 {
		for _, k := range sortedKeys(b.direct) {
			b.polled[k] = true
		}
		return b.next(b.direct, nil, true)
	}
	return b.next(b.assigned, b.paused, false)
}

// next returns the first visible record at or past a partition's position.
// With readThrough, a partition with nothing left is positioned at its last
// stable offset, as a consumer is after fetching the trailing markers.
func (b *Broker) next(positions map[tp]int64, paused map[tp]bool, readThrough bool) (*kgo.Record, error) {
	for _, k := range sortedKeys(positions) {
		if paused[k] {
			continue
		}
		l := b.log(k.topic, k.partition)
		pos := positions[k]
		for _, r := range l.visible() {
			if r.Offset >= pos {
				positions[k] = r.Offset + 1
				return r, nil
			}
		}
		if readThrough {
			positions[k] = max(pos, l.stable())
		}
	}
	return nil, kafka.ErrNoMessage
}

// AllowRebalance is a no-op: rebalances are driven explicitly by tests.
func (b *Broker) AllowRebalance() {}

func (b *Broker) Pause(tps ...kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tps {
		b.paused[tp{t.Topic, t.Partition}] = true
	}
}

func (b *Broker) Resume(tps ...kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tps {
		delete(b.paused, tp{t.Topic, t.Partition})
	}
}

func (b *Broker) IncrementalAssign(tps ...kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tps {
		k := tp{t.Topic, t.Partition}
		b.direct[k] = t.Offset
		delete(b.polled, k)
	}
}

func (b *Broker) IncrementalUnassign(tps ...kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tps {
		delete(b.direct, tp{t.Topic, t.Partition})
		delete(b.polled, tp{t.Topic, t.Partition})
	}
}

func (b *Broker) Seek(t kafka.TopicPartition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := tp{t.Topic, t.Partition}
	if _, ok := b.direct[k]; !ok {
		return fmt.Errorf("seek %s: partition not assigned", t)
	}
	if b.SeekRequiresPoll && !b.polled[k] {
		return kafka.ErrSeekBeforePoll
	}
	b.direct[k] = t.Offset
	return nil
}

func (b *Broker) ListOffsets(ctx context.Context, topic string, partitions ...int32) (map[int32]kafka.Offsets, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listings++
	out := make(map[int32]kafka.Offsets, len(partitions))
	for _, p := range partitions {
		l := b.log(topic, p)
		out[p] = kafka.Offsets{Low: l.low, High: l.next, Stable: l.stable()}
	}
	return out, nil
}

// Listings returns how many ListOffsets calls were made.
func (b *Broker) Listings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listings
}

func (b *Broker) Position(topic string, partition int32) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.direct[tp{topic, partition}]
	return pos, ok
}

func (b *Broker) Assignment() []kafka.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafka.TopicPartition
	for _, m := range []map[tp]int64{b.assigned, b.direct} {
		for _, k := range sortedKeys(m) {
			out = append(out, kafka.TopicPartition{Topic: k.topic, Partition: k.partition})
		}
	}
	return out
}

func sortedKeys(m map[tp]int64) []tp {
	keys := make([]tp, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic != keys[j].topic {
			return keys[i].topic < keys[j].topic
		}
		return keys[i].partition < keys[j].partition
	})
	return keys
}
