package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafka"
	"github.com/birdayz/gtfo/internal/store"
)

// Tombstone is the changelog value of a deleted table entry.
const Tombstone = "-DELETED-"

// ChangelogTopic returns the changelog topic of an application.
func ChangelogTopic(app string) string {
	return app + "__changelog"
}

// Tables resolves the store of an owned partition.
type Tables interface {
	Table(partition int32) (*store.Store, error)
}

type pendingWrite struct {
	value     []byte
	tombstone bool
}

// TableTransaction is a Transaction with access to the table of the
// consumed record's partition.
//
// A pending write is produced to the changelog inside the broker
// transaction and applied to the local store only after that transaction
// committed, so the store never holds a value the changelog does not.
type TableTransaction struct {
	*Transaction

	tables    Tables
	changelog string

	pending          *pendingWrite
	changelogWritten bool
	changelogRecord  *kgo.Record
}

func NewTable(producer kafka.Producer, consumer kafka.Consumer, tables Tables, cfg Config, opts ...Option) *TableTransaction {
	return &TableTransaction{
		Transaction: New(producer, consumer, cfg, opts...),
		tables:      tables,
		changelog:   ChangelogTopic(cfg.AppName),
	}
}

func (t *TableTransaction) key() ([]byte, error) {
	if t.record == nil {
		return nil, ErrNoRecord
	}
	if string(t.record.Key) == store.OffsetKey {
		return nil, fmt.Errorf("%w: %q", ErrReservedKey, store.OffsetKey)
	}
	return t.record.Key, nil
}

// ReadTableEntry looks up the consumed record's key in the table.
func (t *TableTransaction) ReadTableEntry() (Value, error) {
	key, err := t.key()
	if err != nil {
		return Value{}, err
	}
	st, err := t.tables.Table(t.record.Partition)
	if err != nil {
		return Value{}, err
	}
	raw, err := st.Get(key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return Value{}, nil
	}
	if err != nil {
		return Value{}, fmt.Errorf("read table entry: %w", err)
	}
	return Decode(raw), nil
}

// UpdateTableEntry stages v as the new value of the consumed record's key.
// v is serialized immediately, so later changes to it have no effect.
func (t *TableTransaction) UpdateTableEntry(v any) error {
	if _, err := t.key(); err != nil {
		return err
	}
	value, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("encode table value: %w", err)
	}
	if string(value) == Tombstone {
		return fmt.Errorf("%w: %q", ErrReservedValue, Tombstone)
	}
	t.stage(&pendingWrite{value: value})
	return nil
}

// DeleteTableEntry stages the removal of the consumed record's key.
func (t *TableTransaction) DeleteTableEntry() error {
	if _, err := t.key(); err != nil {
		return err
	}
	t.stage(&pendingWrite{tombstone: true})
	return nil
}

func (t *TableTransaction) stage(w *pendingWrite) {
	t.pending = w
	t.changelogWritten = false
	t.committed = false
}

// Discard drops the pending table write. Output already produced stays
// part of the broker transaction.
func (t *TableTransaction) Discard() {
	t.pending = nil
	t.changelogWritten = false
	t.changelogRecord = nil
}

// Abort rolls back the broker transaction and drops the pending write.
func (t *TableTransaction) Abort(ctx context.Context) error {
	t.Discard()
	return t.Transaction.Abort(ctx)
}

func (w *pendingWrite) payload() []byte {
	if w.tombstone {
		return []byte(Tombstone)
	}
	return w.value
}

// Commit writes the pending change to the changelog, commits the broker
// transaction and then applies the change locally together with the new
// checkpoint.
func (t *TableTransaction) Commit(ctx context.Context) error {
	if t.failed != nil {
		return t.failed
	}
	if t.committed {
		return nil
	}

	if t.pending != nil && !t.changelogWritten {
		passthrough := t.Headers()
		if passthrough[HeaderGUID] == "" {
			passthrough[HeaderGUID] = NewGUID()
		}
		rec := &kgo.Record{
			Topic:     t.changelog,
			Partition: t.record.Partition,
			Key:       t.record.Key,
			Value:     t.pending.payload(),
		}
		if err := t.Produce(ctx, rec, passthrough); err != nil {
			return fmt.Errorf("produce changelog: %w", err)
		}
		t.changelogWritten = true
		t.changelogRecord = rec
	}

	if err := t.commit(ctx, t.offsets(), false); err != nil {
		// The changelog record was never delivered.
		t.changelogWritten = false
		t.changelogRecord = nil
		return err
	}

	if t.pending != nil {
		// The changelog record is followed by its transaction's commit marker.
		if err := t.apply(t.changelogRecord.Offset + 2); err != nil {
			return err
		}
	}
	t.committed = true
	return nil
}

// RecoverFromChangelog applies a replayed changelog record to the table of
// its partition and moves the checkpoint past it.
func (t *TableTransaction) RecoverFromChangelog(ctx context.Context, rec *kgo.Record) error {
	t.record = rec
	if string(rec.Value) == Tombstone {
		t.stage(&pendingWrite{tombstone: true})
	} else {
		t.stage(&pendingWrite{value: rec.Value})
	}
	t.changelogWritten = true
	t.changelogRecord = rec

	// Replayed records carry no group offsets; this only settles the state
	// of the transaction.
	if err := t.commit(ctx, nil, false); err != nil {
		return err
	}

	next := rec.Offset + 1
	if rec.Attrs.IsTransactional() {
		next++
	}
	if err := t.apply(next); err != nil {
		return err
	}
	t.committed = true
	return nil
}

func (t *TableTransaction) apply(next int64) error {
	st, err := t.tables.Table(t.record.Partition)
	if err != nil {
		return err
	}

	var value []byte
	op := "update"
	if t.pending.tombstone {
		op = "delete"
	} else {
		value = t.pending.value
		if value == nil {
			value = []byte{}
		}
	}

	if err := st.Apply(t.record.Key, value, next); err != nil {
		return fmt.Errorf("apply table entry on partition %d: %w", t.record.Partition, err)
	}
	t.metrics.TableWrite(op)
	t.metrics.SetStoreOffset(t.record.Partition, next)
	return nil
}
