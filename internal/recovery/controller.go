// Package recovery owns the partition stores of a table application. It
// reacts to consumer-group rebalances and replays the changelog into
// stores that are behind before their partitions are processed again.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"

	"github.com/birdayz/gtfo/internal/kafka"
	"github.com/birdayz/gtfo/internal/metrics"
	"github.com/birdayz/gtfo/internal/store"
	"github.com/birdayz/gtfo/txn"
)

var (
	// ErrStoreAssignment is fatal: a store stayed in use after all retries.
	ErrStoreAssignment = errors.New("recovery: partition store could not be opened")

	// ErrChangelogAssigned is fatal: the changelog topic ended up in the
	// consumer-group assignment.
	ErrChangelogAssigned = errors.New("recovery: changelog partition assigned through the group")

	ErrNotOwned   = errors.New("recovery: partition not owned")
	ErrRecovering = errors.New("recovery: partition is recovering")

	// ErrRecoveryStalled is fatal: the consumer stopped making progress
	// below the changelog's last stable offset.
	ErrRecoveryStalled = errors.New("recovery: changelog replay stalled")

	errRebalanced = errors.New("recovery: assignment changed during replay")
)

type Config struct {
	AppName  string
	Topics   []string
	StateDir string

	// PollTimeout bounds every changelog poll.
	PollTimeout time.Duration
	// EmptyPolls is the number of consecutive empty polls that make a quiet
	// round, after which the changelog offsets are listed again.
	EmptyPolls int
	// SeekRetries bounds the throwaway polls issued when a seek is refused.
	SeekRetries int
	// StallLimit is the number of quiet rounds without progress after which
	// replay gives up.
	StallLimit int

	OpenRetries int
	OpenBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.EmptyPolls <= 0 {
		c.EmptyPolls = 3
	}
	if c.SeekRetries <= 0 {
		c.SeekRetries = 5
	}
	if c.StallLimit <= 0 {
		c.StallLimit = 10
	}
	if c.OpenRetries <= 0 {
		c.OpenRetries = 10
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = 250 * time.Millisecond
	}
	return c
}

type Option func(*Controller)

func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller implements kafka.RebalanceListener. Rebalance callbacks may run
// on a client goroutine concurrently with Recover; all partition state is
// kept in the registry and accessed under its lock.
type Controller struct {
	consumer  kafka.Consumer
	cfg       Config
	changelog string
	primaries map[string]struct{}
	log       *slog.Logger
	metrics   *metrics.Metrics

	reg *PartitionRegistry

	errMu sync.Mutex
	err   error
}

var _ kafka.RebalanceListener = (*Controller)(nil)

func New(consumer kafka.Consumer, cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		consumer:  consumer,
		cfg:       cfg,
		changelog: txn.ChangelogTopic(cfg.AppName),
		primaries: make(map[string]struct{}, len(cfg.Topics)),
		log:       slog.New(slog.DiscardHandler),
		reg:       newPartitionRegistry(),
	}
	for _, t := range cfg.Topics {
		c.primaries[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the partition bookkeeping for inspection.
func (c *Controller) Registry() *PartitionRegistry {
	return c.reg
}

// Err returns the first fatal error raised by a rebalance callback.
func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Controller) fail(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.log.Error("Fatal rebalance error", "error", err)
}

// Table returns the store of an active partition.
func (c *Controller) Table(partition int32) (*store.Store, error) {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	s, ok := c.reg.partitions[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotOwned, partition)
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: %d", ErrRecovering, partition)
	}
	return s.Store, nil
}

// Pending reports whether any partition waits for changelog replay.
func (c *Controller) Pending() bool {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return len(c.reg.recoveringLocked()) > 0
}

func (c *Controller) OnAssigned(ctx context.Context, assigned map[string][]int32) {
	for topic, partitions := range assigned {
		if topic == c.changelog {
			c.fail(fmt.Errorf("%w: %s %v", ErrChangelogAssigned, topic, partitions))
			return
		}
		if _, ok := c.primaries[topic]; !ok {
			c.log.Warn("Ignoring assignment of unknown topic", "topic", topic, "partitions", partitions)
			continue
		}
		for _, p := range partitions {
			if err := c.assign(ctx, kafka.TopicPartition{Topic: topic, Partition: p}); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Controller) assign(ctx context.Context, primary kafka.TopicPartition) error {
	c.reg.mu.Lock()
	c.reg.generation++
	if s, ok := c.reg.partitions[primary.Partition]; ok {
		s.Primaries = append(s.Primaries, primary)
		if s.Status == StatusRecovering {
			c.consumer.Pause(primary)
		}
		c.reg.mu.Unlock()
		return nil
	}
	state := &PartitionState{
		Partition: primary.Partition,
		Status:    StatusAssigning,
		Primaries: []kafka.TopicPartition{primary},
	}
	c.reg.partitions[primary.Partition] = state
	c.reg.mu.Unlock()

	st, err := c.openStore(ctx, primary.Partition)
	if err != nil {
		c.reg.mu.Lock()
		if c.reg.partitions[primary.Partition] == state {
			delete(c.reg.partitions, primary.Partition)
		}
		c.reg.mu.Unlock()
		return fmt.Errorf("%w: partition %d: %w", ErrStoreAssignment, primary.Partition, err)
	}

	task, err := c.recoveryTask(ctx, st)
	if err != nil {
		c.reg.mu.Lock()
		if c.reg.partitions[primary.Partition] == state {
			delete(c.reg.partitions, primary.Partition)
		}
		c.reg.mu.Unlock()
		return multierr.Combine(err, st.Close())
	}

	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.reg.partitions[primary.Partition] != state {
		// Revoked while the store was opening.
		return st.Close()
	}
	c.reg.generation++
	state.Store = st
	if task == nil {
		state.Status = StatusActive
		c.log.Info("Partition assigned", "partition", primary.Partition)
		return nil
	}

	state.Status = StatusRecovering
	state.Recovery = task
	c.consumer.Pause(state.Primaries...)
	c.consumer.IncrementalAssign(task.Changelog)
	c.metrics.SetRecovering(len(c.reg.recoveringLocked()))
	c.log.Info("Partition assigned, recovery required",
		"partition", primary.Partition,
		"stored_offset", task.StoredOffset,
		"low_watermark", task.LowWatermark,
		"high_watermark", task.HighWatermark,
		"stable_offset", task.StableOffset)
	return nil
}

func (c *Controller) openStore(ctx context.Context, partition int32) (*store.Store, error) {
	var st *store.Store
	op := func() error {
		s, err := store.Open(c.cfg.StateDir, partition)
		if err != nil {
			if errors.Is(err, store.ErrInUse) {
				return err
			}
			return backoff.Permanent(err)
		}
		st = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.OpenBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.OpenRetries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		c.log.Warn("Partition store in use, retrying", "partition", partition, "backoff", d, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// recoveryTask compares the store checkpoint with the changelog's last
// stable offset. It returns nil if the store is up to date.
func (c *Controller) recoveryTask(ctx context.Context, st *store.Store) (*RecoveryTask, error) {
	stored, _, err := st.Offset()
	if err != nil {
		return nil, err
	}
	offsets, err := c.consumer.ListOffsets(ctx, c.changelog, st.Partition())
	if err != nil {
		return nil, fmt.Errorf("changelog offsets of partition %d: %w", st.Partition(), err)
	}
	o := offsets[st.Partition()]
	c.metrics.SetStoreOffset(st.Partition(), stored)

	if stored > o.High {
		c.log.Warn("Store checkpoint is ahead of the changelog",
			"partition", st.Partition(), "stored_offset", stored, "high_watermark", o.High)
	}
	if stored >= o.Stable {
		return nil, nil
	}

	start := max(stored, o.Low)
	return &RecoveryTask{
		Partition:     st.Partition(),
		LowWatermark:  o.Low,
		HighWatermark: o.High,
		StableOffset:  o.Stable,
		StoredOffset:  stored,
		Changelog: kafka.TopicPartition{
			Topic:     c.changelog,
			Partition: st.Partition(),
			Offset:    start,
		},
		lastPosition: start,
	}, nil
}

func (c *Controller) OnRevoked(ctx context.Context, revoked map[string][]int32) {
	c.revoke(revoked, "revoked")
}

func (c *Controller) OnLost(ctx context.Context, lost map[string][]int32) {
	c.revoke(lost, "lost")
}

func (c *Controller) revoke(m map[string][]int32, reason string) {
	c.reg.mu.Lock()
	c.reg.generation++

	var (
		closing   []*store.Store
		changelog []kafka.TopicPartition
	)
	for topic, partitions := range m {
		for _, p := range partitions {
			s, ok := c.reg.partitions[p]
			if !ok {
				continue
			}
			s.Primaries = slices.DeleteFunc(s.Primaries, func(tp kafka.TopicPartition) bool {
				return tp.Topic == topic
			})
			if len(s.Primaries) > 0 {
				continue
			}
			delete(c.reg.partitions, p)
			if s.Recovery != nil {
				changelog = append(changelog, s.Recovery.Changelog)
			}
			if s.Store != nil {
				closing = append(closing, s.Store)
			}
		}
	}
	c.metrics.SetRecovering(len(c.reg.recoveringLocked()))
	c.reg.mu.Unlock()

	if len(changelog) > 0 {
		c.consumer.IncrementalUnassign(changelog...)
	}

	var err error
	for _, st := range closing {
		err = multierr.Append(err, st.Close())
	}
	if err != nil {
		c.log.Error("Failed to close partition stores", "reason", reason, "error", err)
	}
	c.log.Info("Partitions "+reason, "partitions", m)
}

// Recover replays the changelog into every recovering partition and
// resumes their primary partitions. A rebalance during replay restarts it
// from the current assignment.
func (c *Controller) Recover(ctx context.Context) error {
	for {
		if err := c.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		gen := c.reg.Generation()
		err := c.replay(ctx, gen)
		if err == nil {
			err = c.finish(gen)
		}
		if errors.Is(err, errRebalanced) {
			c.log.Info("Assignment changed during recovery, restarting")
			c.unposition()
			continue
		}
		return err
	}
}

func (c *Controller) replay(ctx context.Context, gen uint64) error {
	if err := c.position(ctx, gen); err != nil {
		return err
	}

	empty := 0
	for {
		if c.reg.Generation() != gen {
			return errRebalanced
		}
		if c.allDone() {
			return nil
		}

		rec, err := c.consumer.Poll(ctx, c.cfg.PollTimeout)
		if errors.Is(err, kafka.ErrNoMessage) {
			empty++
			if empty >= c.cfg.EmptyPolls {
				if err := c.settle(ctx, gen, c.openTasks(), true); err != nil {
					return err
				}
				if err := c.position(ctx, gen); err != nil {
					return err
				}
				empty = 0
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("poll changelog: %w", err)
		}
		empty = 0

		caughtUp, err := c.apply(ctx, gen, rec)
		if err != nil {
			return err
		}
		if caughtUp != nil {
			if err := c.settle(ctx, gen, []*RecoveryTask{caughtUp}, false); err != nil {
				return err
			}
		}
	}
}

// unposition forces a seek of every open task before replay continues.
// Records polled but dropped while the assignment changed are read again.
func (c *Controller) unposition() {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	for _, t := range c.reg.recoveringLocked() {
		t.positioned = false
	}
}

// position seeks every changelog partition that has not been positioned
// yet. A refused seek is retried after a throwaway poll.
func (c *Controller) position(ctx context.Context, gen uint64) error {
	c.reg.mu.Lock()
	var pending []*RecoveryTask
	for _, t := range c.reg.recoveringLocked() {
		if !t.positioned {
			pending = append(pending, t)
		}
	}
	c.reg.mu.Unlock()

	for _, t := range pending {
		c.reg.mu.Lock()
		target := t.Changelog
		target.Offset = max(t.StoredOffset, t.LowWatermark)
		c.reg.mu.Unlock()

		for attempt := 0; ; attempt++ {
			err := c.consumer.Seek(target)
			if err == nil {
				break
			}
			if !errors.Is(err, kafka.ErrSeekBeforePoll) || attempt >= c.cfg.SeekRetries {
				return fmt.Errorf("seek %s: %w", target, err)
			}
			c.log.Debug("Seek refused before first poll, polling once", "changelog", target.String())

			rec, err := c.consumer.Poll(ctx, c.cfg.PollTimeout)
			if err != nil && !errors.Is(err, kafka.ErrNoMessage) {
				return fmt.Errorf("throwaway poll: %w", err)
			}
			if rec != nil {
				if _, err := c.apply(ctx, gen, rec); err != nil {
					return err
				}
			}
		}

		c.reg.mu.Lock()
		if c.reg.generation != gen {
			c.reg.mu.Unlock()
			return errRebalanced
		}
		t.positioned = true
		c.reg.mu.Unlock()
	}
	return nil
}

// apply replays rec into its partition's store. Records of partitions that
// are not positioned or already past rec are dropped. It returns the task
// if it reached its stable offset.
func (c *Controller) apply(ctx context.Context, gen uint64, rec *kgo.Record) (*RecoveryTask, error) {
	if rec.Topic != c.changelog {
		return nil, fmt.Errorf("unexpected record from %s/%d during recovery", rec.Topic, rec.Partition)
	}

	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.reg.generation != gen {
		return nil, errRebalanced
	}

	s, ok := c.reg.partitions[rec.Partition]
	if !ok || s.Recovery == nil || !s.Recovery.positioned || s.Recovery.done {
		return nil, nil
	}
	t := s.Recovery
	if rec.Offset < t.StoredOffset {
		return nil, nil
	}

	tx := txn.NewTable(nil, nil, partitionTable{s.Store}, txn.Config{AppName: c.cfg.AppName},
		txn.WithLogger(c.log), txn.WithMetrics(c.metrics))
	if err := tx.RecoverFromChangelog(ctx, rec); err != nil {
		return nil, fmt.Errorf("recover partition %d at offset %d: %w", rec.Partition, rec.Offset, err)
	}
	next, _, err := s.Store.Offset()
	if err != nil {
		return nil, err
	}
	t.StoredOffset = next
	c.metrics.Recovered(rec.Partition)

	if next >= t.StableOffset {
		return t, nil
	}
	return nil, nil
}

func (c *Controller) openTasks() []*RecoveryTask {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	var open []*RecoveryTask
	for _, t := range c.reg.recoveringLocked() {
		if !t.done {
			open = append(open, t)
		}
	}
	return open
}

// settle lists the changelog offsets of tasks in one call and marks those
// whose store reached the last stable offset as done.
//
// The checkpoint only moves past records the store has applied or past
// offsets the consumer has fetched through (transaction markers, aborted
// records). A task that is behind is never fast-forwarded to the stable
// offset. After a quiet round without progress it is positioned again; too
// many of those fail replay with ErrRecoveryStalled.
func (c *Controller) settle(ctx context.Context, gen uint64, tasks []*RecoveryTask, quiet bool) error {
	if len(tasks) == 0 {
		return nil
	}
	partitions := make([]int32, 0, len(tasks))
	for _, t := range tasks {
		partitions = append(partitions, t.Partition)
	}
	offsets, err := c.consumer.ListOffsets(ctx, c.changelog, partitions...)
	if err != nil {
		return fmt.Errorf("changelog offsets of partitions %v: %w", partitions, err)
	}

	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.reg.generation != gen {
		return errRebalanced
	}
	for _, t := range tasks {
		s, ok := c.reg.partitions[t.Partition]
		if !ok || s.Recovery != t || t.done {
			continue
		}
		o, ok := offsets[t.Partition]
		if !ok {
			return fmt.Errorf("no changelog offsets for partition %d", t.Partition)
		}
		if err := c.settleLocked(s, t, o, quiet); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) settleLocked(s *PartitionState, t *RecoveryTask, o kafka.Offsets, quiet bool) error {
	pos, ok := c.consumer.Position(c.changelog, t.Partition)
	if ok && pos > t.StoredOffset {
		if err := s.Store.AdvanceOffset(pos); err != nil {
			return err
		}
		c.log.Debug("Checkpoint follows consumer position",
			"partition", t.Partition, "from", t.StoredOffset, "to", pos)
		t.StoredOffset = pos
	}

	if o.Stable != t.StableOffset {
		c.log.Debug("Changelog advanced during recovery",
			"partition", t.Partition, "old_stable_offset", t.StableOffset, "stable_offset", o.Stable)
	}
	moved := o.Stable != t.StableOffset || (ok && pos != t.lastPosition)
	t.HighWatermark = o.High
	t.StableOffset = o.Stable
	if ok {
		t.lastPosition = pos
	}

	if t.StoredOffset >= t.StableOffset {
		t.done = true
		t.stalls = 0
		c.metrics.SetStoreOffset(t.Partition, t.StoredOffset)
		c.log.Info("Partition recovered", "partition", t.Partition, "offset", t.StoredOffset)
		return nil
	}
	if !quiet {
		return nil
	}

	if moved {
		t.stalls = 0
	} else {
		t.stalls++
	}
	if t.stalls >= c.cfg.StallLimit {
		return fmt.Errorf("%w: partition %d stuck at %d below stable offset %d",
			ErrRecoveryStalled, t.Partition, t.StoredOffset, t.StableOffset)
	}
	c.log.Warn("Changelog replay behind stable offset, positioning again",
		"partition", t.Partition,
		"stored_offset", t.StoredOffset,
		"stable_offset", t.StableOffset,
		"stalls", t.stalls)
	t.positioned = false
	return nil
}

func (c *Controller) allDone() bool {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	for _, t := range c.reg.recoveringLocked() {
		if !t.done {
			return false
		}
	}
	return true
}

// finish releases the changelog partitions, resumes the primaries and
// checks that the consumer's assignment matches the registry. It returns
// errRebalanced, and changes nothing, if the assignment moved past gen or a
// task is still open.
func (c *Controller) finish(gen uint64) error {
	c.reg.mu.Lock()
	if c.reg.generation != gen {
		c.reg.mu.Unlock()
		return errRebalanced
	}
	for _, t := range c.reg.recoveringLocked() {
		if !t.done {
			c.reg.mu.Unlock()
			return errRebalanced
		}
	}

	var (
		changelog []kafka.TopicPartition
		primaries []kafka.TopicPartition
	)
	for _, p := range c.reg.sortedLocked() {
		s := c.reg.partitions[p]
		if s.Recovery == nil {
			continue
		}
		changelog = append(changelog, s.Recovery.Changelog)
		primaries = append(primaries, s.Primaries...)
		s.Recovery = nil
		s.Status = StatusActive
	}
	c.metrics.SetRecovering(0)
	c.reg.mu.Unlock()

	if len(changelog) > 0 {
		c.consumer.IncrementalUnassign(changelog...)
		c.consumer.Resume(primaries...)
		c.log.Info("Recovery complete", "partitions", len(changelog))
	}
	return c.verifyAssignment()
}

func (c *Controller) verifyAssignment() error {
	assigned := make(map[int32]bool)
	for _, tp := range c.consumer.Assignment() {
		if tp.Topic == c.changelog {
			err := fmt.Errorf("%w: %s", ErrChangelogAssigned, tp)
			c.fail(err)
			return err
		}
		if _, ok := c.primaries[tp.Topic]; ok {
			assigned[tp.Partition] = true
		}
	}

	owned := c.reg.Partitions()
	if len(owned) != len(assigned) {
		c.log.Warn("Owned stores do not match the assignment", "owned", owned, "assigned", len(assigned))
		return nil
	}
	for _, p := range owned {
		if !assigned[p] {
			c.log.Warn("Owned store without assigned partition", "partition", p)
		}
	}
	return nil
}

// Close closes every store. Partitions whose store never opened are skipped.
func (c *Controller) Close() error {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	c.reg.generation++

	var err error
	for p, s := range c.reg.partitions {
		if s.Store != nil {
			err = multierr.Append(err, s.Store.Close())
		}
		delete(c.reg.partitions, p)
	}
	return err
}

type partitionTable struct {
	st *store.Store
}

func (t partitionTable) Table(partition int32) (*store.Store, error) {
	if t.st == nil || t.st.Partition() != partition {
		return nil, fmt.Errorf("%w: %d", ErrNotOwned, partition)
	}
	return t.st, nil
}
