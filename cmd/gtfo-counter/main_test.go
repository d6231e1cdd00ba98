package main

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafkatest"
	"github.com/birdayz/gtfo/internal/store"
	"github.com/birdayz/gtfo/txn"
)

type tables struct {
	st *store.Store
}

func (t tables) Table(int32) (*store.Store, error) {
	return t.st, nil
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	outputTopic = "counts"
	t.Cleanup(func() { outputTopic = "" })

	b := kafkatest.NewBroker("in")
	for range 3 {
		b.Append(&kgo.Record{
			Topic:   "in",
			Key:     []byte("k1"),
			Headers: []kgo.RecordHeader{{Key: txn.HeaderGUID, Value: []byte(txn.NewGUID())}},
		})
	}
	b.Assign(ctx, "in", 0)

	st, err := store.Open(t.TempDir(), 0)
	assert.NoError(t, err)
	defer st.Close()

	cfg := txn.Config{AppName: "counter", PollTimeout: time.Millisecond}
	for range 3 {
		tx := txn.NewTable(b, b, tables{st}, cfg)
		assert.NoError(t, tx.Consume(ctx))
		assert.NoError(t, process(ctx, tx))
		assert.NoError(t, tx.Commit(ctx))
	}

	v, err := st.Get([]byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, `{"count":3}`, string(v))

	counts := b.Records("counts", 0)
	assert.Equal(t, 3, len(counts))
	assert.Equal(t, "3", string(counts[2].Value))
}
