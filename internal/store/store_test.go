package store

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestStore_GetPutDelete(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	defer s.Close()

	_, err = s.Get([]byte("k1"))
	assert.IsError(t, err, ErrKeyNotFound)

	assert.NoError(t, s.Put([]byte("k1"), []byte("A")))
	v, err := s.Get([]byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, "A", string(v))

	assert.NoError(t, s.Delete([]byte("k1")))
	_, err = s.Get([]byte("k1"))
	assert.IsError(t, err, ErrKeyNotFound)
}

func TestStore_WriteBatch(t *testing.T) {
	s, err := Open(t.TempDir(), 3)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.WriteBatch(map[string][]byte{
		"k1":      []byte("A"),
		OffsetKey: []byte("7"),
	}))

	v, err := s.Get([]byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, "A", string(v))

	offset, ok, err := s.Offset()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), offset)
}

func TestStore_OffsetMissing(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	defer s.Close()

	offset, ok, err := s.Offset()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), offset)
}

func TestStore_ApplyCheckpointIsMonotonic(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Apply([]byte("k1"), []byte("A"), 10))
	assert.NoError(t, s.Apply([]byte("k1"), []byte("B"), 4))

	v, err := s.Get([]byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, "B", string(v))

	offset, _, err := s.Offset()
	assert.NoError(t, err)
	assert.Equal(t, int64(10), offset)

	assert.NoError(t, s.Apply([]byte("k1"), nil, 12))
	_, err = s.Get([]byte("k1"))
	assert.IsError(t, err, ErrKeyNotFound)

	offset, _, err = s.Offset()
	assert.NoError(t, err)
	assert.Equal(t, int64(12), offset)
}

func TestStore_AdvanceOffset(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.AdvanceOffset(5))
	assert.NoError(t, s.AdvanceOffset(3))

	offset, ok, err := s.Offset()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), offset)
}

func TestStore_AllSkipsCheckpoint(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Apply([]byte("b"), []byte("2"), 1))
	assert.NoError(t, s.Apply([]byte("a"), []byte("1"), 2))

	got := map[string]string{}
	var order []string
	for k, v := range s.All() {
		got[string(k)] = string(v)
		order = append(order, string(k))
	}
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestStore_ExclusiveOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 1)
	assert.NoError(t, err)

	_, err = Open(dir, 1)
	assert.True(t, errors.Is(err, ErrInUse))

	// A different partition lives in its own directory.
	other, err := Open(dir, 2)
	assert.NoError(t, err)
	assert.NoError(t, other.Close())

	assert.NoError(t, s.Close())

	reopened, err := Open(dir, 1)
	assert.NoError(t, err)
	assert.NoError(t, reopened.Close())
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 0)
	assert.NoError(t, err)
	assert.NoError(t, s.Apply([]byte("k1"), []byte("A"), 3))
	assert.NoError(t, s.Close())

	s, err = Open(dir, 0)
	assert.NoError(t, err)
	defer s.Close()

	v, err := s.Get([]byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, "A", string(v))
	offset, _, err := s.Offset()
	assert.NoError(t, err)
	assert.Equal(t, int64(3), offset)
}

func TestStore_ClosedOperations(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err = s.Get([]byte("k"))
	assert.IsError(t, err, ErrClosed)
	assert.IsError(t, s.Put([]byte("k"), []byte("v")), ErrClosed)
	assert.IsError(t, s.Apply([]byte("k"), []byte("v"), 1), ErrClosed)
}

func TestDirectoryLock_DoubleLock(t *testing.T) {
	l := NewDirectoryLock(t.TempDir())
	assert.NoError(t, l.Lock())
	assert.True(t, l.IsLocked())
	assert.Error(t, l.Lock())
	assert.NoError(t, l.Unlock())
	assert.False(t, l.IsLocked())
	assert.NoError(t, l.Unlock())
}
