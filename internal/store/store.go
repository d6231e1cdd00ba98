// Package store is the per-partition embedded table: an ordered byte-string
// store backed by Pebble that also carries the changelog checkpoint.
package store

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/pebble"
	"go.uber.org/multierr"
)

// OffsetKey is the reserved key holding the next changelog offset to read,
// as a decimal string.
const OffsetKey = "offset"

var (
	ErrKeyNotFound = errors.New("store: key not found")
	ErrClosed      = errors.New("store: closed")
)

// Store is the table of one partition. It is not safe for concurrent use;
// the recovery controller serializes access.
type Store struct {
	partition int32
	dir       string
	db        *pebble.DB
	lock      *DirectoryLock
}

// Dir returns the directory of a partition's store below stateDir.
func Dir(stateDir string, partition int32) string {
	return filepath.Join(stateDir, fmt.Sprintf("p%d", partition))
}

// Open opens (creating if needed) the store for partition. It fails fast
// with ErrInUse if the directory is held elsewhere.
func Open(stateDir string, partition int32) (*Store, error) {
	dir := Dir(stateDir, partition)

	lock := NewDirectoryLock(dir)
	if err := lock.Lock(); err != nil {
		return nil, err
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}

	return &Store{
		partition: partition,
		dir:       dir,
		db:        db,
		lock:      lock,
	}, nil
}

func (s *Store) Partition() int32 {
	return s.partition
}

func (s *Store) Dir() string {
	return s.dir
}

// Get returns a copy of the value stored under k, or ErrKeyNotFound.
func (s *Store) Get(k []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *Store) Put(k, v []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Set(k, v, pebble.Sync)
}

func (s *Store) Delete(k []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Delete(k, pebble.Sync)
}

// WriteBatch writes all entries atomically.
func (s *Store) WriteBatch(entries map[string][]byte) error {
	if s.db == nil {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	for k, v := range entries {
		if err := b.Set([]byte(k), v, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Offset returns the stored checkpoint. ok is false if none was written yet.
func (s *Store) Offset() (offset int64, ok bool, err error) {
	v, err := s.Get([]byte(OffsetKey))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	offset, err = strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("store p%d: corrupt checkpoint %q: %w", s.partition, v, err)
	}
	return offset, true, nil
}

// Apply writes (or, for a nil value, deletes) k together with the checkpoint
// next in one atomic batch. The checkpoint never moves backwards.
func (s *Store) Apply(k, v []byte, next int64) error {
	if s.db == nil {
		return ErrClosed
	}
	current, _, err := s.Offset()
	if err != nil {
		return err
	}
	next = max(next, current)

	b := s.db.NewBatch()
	defer b.Close()
	if v == nil {
		err = b.Delete(k, nil)
	} else {
		err = b.Set(k, v, nil)
	}
	if err != nil {
		return err
	}
	if err := b.Set([]byte(OffsetKey), []byte(strconv.FormatInt(next, 10)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// AdvanceOffset moves the checkpoint forward to next. Lower values are ignored.
func (s *Store) AdvanceOffset(next int64) error {
	current, ok, err := s.Offset()
	if err != nil {
		return err
	}
	if ok && next <= current {
		return nil
	}
	return s.Put([]byte(OffsetKey), []byte(strconv.FormatInt(next, 10)))
}

// All iterates the table entries in key order, skipping the checkpoint.
func (s *Store) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		if s.db == nil {
			return
		}
		it := s.db.NewIter(nil)
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			if string(it.Key()) == OffsetKey {
				continue
			}
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())

			val, err := it.ValueAndErr()
			if err != nil {
				return
			}
			value := make([]byte, len(val))
			copy(value, val)

			if !yield(key, value) {
				return
			}
		}
	}
}

// Close flushes and closes the database and releases the directory lock.
// Closing twice is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil

	return multierr.Combine(db.Flush(), db.Close(), s.lock.Unlock())
}
