package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kslog"
)

// ErrFenced is returned when another producer with the same transactional
// id took over. The process must stop.
var ErrFenced = errors.New("kafka: producer fenced")

// Config holds what the client needs to join the group and produce
// transactionally.
type Config struct {
	Brokers         []string
	Group           string
	TransactionalID string
	Topics          []string

	// PinnedTopics are produced to the partition set on the record instead
	// of a key-hashed one. The changelog must be pinned.
	PinnedTopics []string

	// SASL/PLAIN credentials; empty disables SASL.
	Username string
	Password string
}

// Client implements Producer and Consumer on top of franz-go.
//
// Group consumption and transactional production share one
// GroupTransactSession; changelog partitions are consumed by a second,
// direct client so they never enter the group assignment.
type Client struct {
	session *kgo.GroupTransactSession
	restore *kgo.Client
	admin   *kadm.Client
	log     *slog.Logger

	groupTopics map[string]struct{}

	mu          sync.Mutex
	deliveryErr error
	group       map[string]map[int32]struct{}
	// direct maps changelog partitions to their observed fetch position.
	direct map[string]map[int32]int64

	listenerOnce sync.Once
	listenerSet  chan struct{}
	listener     RebalanceListener
}

var (
	_ Producer = (*Client)(nil)
	_ Consumer = (*Client)(nil)
)

// NewClient connects to the cluster. Rebalance callbacks are held until
// SetRebalanceListener is called.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker must be set")
	}
	if cfg.Group == "" {
		return nil, errors.New("kafka: consumer group must be set")
	}
	if cfg.TransactionalID == "" {
		return nil, errors.New("kafka: transactional id must be set")
	}

	c := &Client{
		log:         log,
		groupTopics: make(map[string]struct{}, len(cfg.Topics)),
		group:       make(map[string]map[int32]struct{}),
		direct:      make(map[string]map[int32]int64),
		listenerSet: make(chan struct{}),
	}
	for _, topic := range cfg.Topics {
		c.groupTopics[topic] = struct{}{}
	}

	common := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(kslog.New(log)),
	}
	if cfg.Username != "" {
		common = append(common, kgo.SASL(plain.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsMechanism()))
	}

	groupOpts := append([]kgo.Opt{
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.TransactionalID(cfg.TransactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
		kgo.RecordPartitioner(newPinningPartitioner(cfg.PinnedTopics)),
	}, common...)

	session, err := kgo.NewGroupTransactSession(groupOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create group transact session: %w", err)
	}

	restore, err := kgo.NewClient(append([]kgo.Opt{
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.KeepControlRecords(),
	}, common...)...)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create restore consumer: %w", err)
	}

	c.session = session
	c.restore = restore
	c.admin = kadm.NewClient(restore)

	log.Info("Kafka client created",
		"group", cfg.Group,
		"transactional_id", cfg.TransactionalID,
		"topics", cfg.Topics,
		"isolation_level", "read_committed")

	return c, nil
}

// SetRebalanceListener registers l and releases any callbacks waiting for it.
func (c *Client) SetRebalanceListener(l RebalanceListener) {
	c.listenerOnce.Do(func() {
		c.listener = l
		close(c.listenerSet)
	})
}

func (c *Client) waitListener(ctx context.Context) RebalanceListener {
	select {
	case <-c.listenerSet:
		return c.listener
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	for topic, partitions := range assigned {
		if c.group[topic] == nil {
			c.group[topic] = make(map[int32]struct{})
		}
		for _, p := range partitions {
			c.group[topic][p] = struct{}{}
		}
	}
	c.mu.Unlock()

	if l := c.waitListener(ctx); l != nil {
		l.OnAssigned(ctx, assigned)
	}
}

func (c *Client) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.dropGroup(revoked)
	if l := c.waitListener(ctx); l != nil {
		l.OnRevoked(ctx, revoked)
	}
}

func (c *Client) onLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	c.dropGroup(lost)
	if l := c.waitListener(ctx); l != nil {
		l.OnLost(ctx, lost)
	}
}

func (c *Client) dropGroup(m map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, partitions := range m {
		for _, p := range partitions {
			delete(c.group[topic], p)
		}
	}
}

func (c *Client) BeginTransaction() error {
	return c.session.Begin()
}

func (c *Client) Produce(ctx context.Context, r *kgo.Record) {
	c.session.Produce(ctx, r, func(r *kgo.Record, err error) {
		if err == nil {
			return
		}
		c.mu.Lock()
		if c.deliveryErr == nil {
			c.deliveryErr = fmt.Errorf("produce to %s/%d: %w", r.Topic, r.Partition, err)
		}
		c.mu.Unlock()
	})
}

func (c *Client) PollDeliveries() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.deliveryErr
	c.deliveryErr = nil
	return err
}

// SendOffsetsToTransaction marks offsets of group topics. They are committed
// by the session when the transaction ends. Offsets of directly consumed
// partitions have no group to be committed to and are skipped.
func (c *Client) SendOffsetsToTransaction(ctx context.Context, offsets []TopicPartition) error {
	marks := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range offsets {
		if _, ok := c.groupTopics[tp.Topic]; !ok {
			continue
		}
		if marks[tp.Topic] == nil {
			marks[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		marks[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: tp.Offset}
	}
	if len(marks) > 0 {
		c.session.Client().MarkCommitOffsets(marks)
	}
	return nil
}

func (c *Client) CommitTransaction(ctx context.Context) error {
	committed, err := c.session.End(ctx, kgo.TryCommit)
	if err != nil {
		return classify(fmt.Errorf("failed to end transaction: %w", err))
	}
	if derr := c.PollDeliveries(); derr != nil {
		return derr
	}
	if !committed {
		return ErrTransactionAborted
	}
	return nil
}

func (c *Client) AbortTransaction(ctx context.Context) error {
	_, err := c.session.End(ctx, kgo.TryAbort)
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, kerr.ProducerFenced) ||
		errors.Is(err, kerr.InvalidProducerEpoch) ||
		errors.Is(err, kerr.TransactionalIDAuthorizationFailed) {
		return fmt.Errorf("%w: %v", ErrFenced, err)
	}
	return err
}

// Poll serves directly assigned partitions first; the group is polled only
// when none are assigned. Control records of direct partitions advance
// Position and are not returned.
func (c *Client) Poll(ctx context.Context, timeout time.Duration) (*kgo.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !c.hasDirect() {
		return pollOne(ctx, c.session.PollRecords(pollCtx, 1))
	}
	for {
		r, err := pollOne(ctx, c.restore.PollRecords(pollCtx, 1))
		if err != nil {
			return nil, err
		}
		c.observe(r)
		if !r.Attrs.IsControl() {
			return r, nil
		}
	}
}

func pollOne(ctx context.Context, fetches kgo.Fetches) (*kgo.Record, error) {
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("fetch error on topic %s, partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	records := fetches.Records()
	if len(records) == 0 {
		return nil, ErrNoMessage
	}
	return records[0], nil
}

func (c *Client) observe(r *kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if positions, ok := c.direct[r.Topic]; ok {
		if pos, ok := positions[r.Partition]; ok && r.Offset >= pos {
			positions[r.Partition] = r.Offset + 1
		}
	}
}

func (c *Client) Position(topic string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.direct[topic][partition]
	return pos, ok
}

func (c *Client) hasDirect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, partitions := range c.direct {
		if len(partitions) > 0 {
			return true
		}
	}
	return false
}

func (c *Client) AllowRebalance() {
	c.session.AllowRebalance()
}

func (c *Client) Pause(tps ...TopicPartition) {
	c.session.Client().PauseFetchPartitions(byTopic(tps))
}

func (c *Client) Resume(tps ...TopicPartition) {
	c.session.Client().ResumeFetchPartitions(byTopic(tps))
}

func (c *Client) IncrementalAssign(tps ...TopicPartition) {
	add := make(map[string]map[int32]kgo.Offset)
	c.mu.Lock()
	for _, tp := range tps {
		if add[tp.Topic] == nil {
			add[tp.Topic] = make(map[int32]kgo.Offset)
		}
		add[tp.Topic][tp.Partition] = kgo.NewOffset().At(tp.Offset)
		if c.direct[tp.Topic] == nil {
			c.direct[tp.Topic] = make(map[int32]int64)
		}
		c.direct[tp.Topic][tp.Partition] = tp.Offset
	}
	c.mu.Unlock()
	c.restore.AddConsumePartitions(add)
}

func (c *Client) IncrementalUnassign(tps ...TopicPartition) {
	c.mu.Lock()
	for _, tp := range tps {
		delete(c.direct[tp.Topic], tp.Partition)
	}
	c.mu.Unlock()
	c.restore.RemoveConsumePartitions(byTopic(tps))
}

func (c *Client) Seek(tp TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.direct[tp.Topic][tp.Partition]; !ok {
		return fmt.Errorf("seek %s: partition not assigned", tp)
	}
	c.restore.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: tp.Offset}},
	})
	c.direct[tp.Topic][tp.Partition] = tp.Offset
	return nil
}

// ListOffsets issues one start, end and last-stable listing for topic and
// picks the requested partitions out of them.
func (c *Client) ListOffsets(ctx context.Context, topic string, partitions ...int32) (map[int32]Offsets, error) {
	starts, err := c.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list start offsets: %w", err)
	}
	ends, err := c.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list end offsets: %w", err)
	}
	stable, err := c.admin.ListCommittedOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list stable offsets: %w", err)
	}

	out := make(map[int32]Offsets, len(partitions))
	for _, p := range partitions {
		var o Offsets
		for _, f := range []struct {
			listed kadm.ListedOffsets
			dst    *int64
			name   string
		}{
			{starts, &o.Low, "start"},
			{ends, &o.High, "end"},
			{stable, &o.Stable, "stable"},
		} {
			lo, ok := f.listed.Lookup(topic, p)
			if !ok {
				return nil, fmt.Errorf("no %s offset for %s/%d", f.name, topic, p)
			}
			if lo.Err != nil {
				return nil, fmt.Errorf("%s offset of %s/%d: %w", f.name, topic, p, lo.Err)
			}
			*f.dst = lo.Offset
		}
		out[p] = o
	}
	return out, nil
}

func (c *Client) Assignment() []TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []TopicPartition
	for topic, partitions := range c.group {
		for p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	for topic, partitions := range c.direct {
		for p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Close leaves the group and closes both clients.
func (c *Client) Close() {
	c.restore.Close()
	c.session.Close()
}

func byTopic(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

// pinningPartitioner sends records of pinned topics to Record.Partition and
// hashes keys for everything else.
type pinningPartitioner struct {
	pinned   map[string]struct{}
	fallback kgo.Partitioner
}

func newPinningPartitioner(topics []string) kgo.Partitioner {
	p := pinningPartitioner{
		pinned:   make(map[string]struct{}, len(topics)),
		fallback: kgo.StickyKeyPartitioner(nil),
	}
	for _, t := range topics {
		p.pinned[t] = struct{}{}
	}
	return p
}

func (p pinningPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	if _, ok := p.pinned[topic]; ok {
		return kgo.ManualPartitioner().ForTopic(topic)
	}
	return p.fallback.ForTopic(topic)
}
