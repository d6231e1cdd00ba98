package txn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafka"
	"github.com/birdayz/gtfo/internal/kafkatest"
)

const inTopic = "in"

func testConfig() Config {
	return Config{
		AppName:       "app",
		PollTimeout:   10 * time.Millisecond,
		RetryTopic:    "in",
		FailureTopic:  "failed",
		RetryMax:      2,
		BatchMaxCount: 10,
		BatchMaxTime:  time.Second,
	}
}

func input(partition int32, key, value string, headers ...kgo.RecordHeader) *kgo.Record {
	if len(headers) == 0 {
		headers = []kgo.RecordHeader{{Key: HeaderGUID, Value: []byte("guid-" + key)}}
	}
	return &kgo.Record{
		Topic:     inTopic,
		Partition: partition,
		Key:       []byte(key),
		Value:     []byte(value),
		Headers:   headers,
	}
}

func newBroker(t *testing.T, records ...*kgo.Record) *kafkatest.Broker {
	t.Helper()
	b := kafkatest.NewBroker(inTopic)
	for _, r := range records {
		b.Append(r)
	}
	b.Assign(context.Background(), inTopic, 0, 1)
	return b
}

func TestTransaction_ConsumeNoMessage(t *testing.T) {
	b := newBroker(t)
	tx := New(b, b, testConfig())
	assert.IsError(t, tx.Consume(context.Background()), kafka.ErrNoMessage)
	assert.Zero(t, tx.Record())
}

func TestTransaction_ProduceAndCommit(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.Equal(t, "k1", string(tx.Key()))
	assert.Equal(t, "v1", string(tx.Value()))
	assert.Equal(t, int64(0), tx.Offset())

	assert.NoError(t, tx.Produce(ctx, &kgo.Record{Topic: "out", Value: []byte("x")}, nil))
	assert.NoError(t, tx.Commit(ctx))
	assert.True(t, tx.Committed())

	out := b.Records("out", 0)
	assert.Equal(t, 1, len(out))
	h := Headers(out[0])
	assert.Equal(t, "guid-k1", h[HeaderGUID])
	assert.Equal(t, "app", h[HeaderLastUpdatedBy])

	off, ok := b.CommittedOffset(inTopic, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(1), off)
}

func TestTransaction_CommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, b.Commits())
}

func TestTransaction_ProduceRequiresGUID(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1", kgo.RecordHeader{Key: "other", Value: []byte("x")}))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))

	err := tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil)
	assert.IsError(t, err, ErrMissingHeader)

	// Explicit headers on the record satisfy the requirement.
	err = tx.Produce(ctx, &kgo.Record{
		Topic:   "out",
		Headers: []kgo.RecordHeader{{Key: HeaderGUID, Value: []byte(NewGUID())}},
	}, nil)
	assert.NoError(t, err)
}

func TestTransaction_ProduceRequiresAppName(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	cfg := testConfig()
	cfg.AppName = ""
	tx := New(b, b, cfg)
	assert.NoError(t, tx.Consume(ctx))
	assert.IsError(t, tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil), ErrMissingHeader)
}

func TestTransaction_ProduceSurfacesDeliveryError(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))
	boom := errors.New("delivery failed")

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	b.FailDelivery(boom)
	assert.IsError(t, tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil), boom)
}

func TestTransaction_FailedCommitAdvancesNothing(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))
	b.FailNextCommit(kafka.ErrTransactionAborted)

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil))
	assert.IsError(t, tx.Commit(ctx), kafka.ErrTransactionAborted)
	assert.False(t, tx.Committed())

	assert.Equal(t, 0, len(b.Records("out", 0)))
	_, ok := b.CommittedOffset(inTopic, 0)
	assert.False(t, ok)
}

func TestTransaction_RetriedCommitAfterFailure(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))
	b.FailNextCommit(kafka.ErrTransactionAborted)

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil))
	assert.IsError(t, tx.Commit(ctx), kafka.ErrTransactionAborted)

	assert.IsError(t, tx.Commit(ctx), kafka.ErrTransactionAborted)
	assert.IsError(t, tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil), kafka.ErrTransactionAborted)
	assert.False(t, tx.Committed())

	assert.Equal(t, 0, b.Commits())
	assert.Equal(t, 0, len(b.Records("out", 0)))
	_, ok := b.CommittedOffset(inTopic, 0)
	assert.False(t, ok)
}

func TestTransaction_Abort(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Abort(ctx))
	assert.Equal(t, 0, b.Aborts())

	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.Produce(ctx, &kgo.Record{Topic: "out"}, nil))
	assert.NoError(t, tx.Abort(ctx))
	assert.Equal(t, 1, b.Aborts())
	assert.Equal(t, 0, len(b.Records("out", 0)))
}

func TestTransaction_ProduceRetry(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceRetry(ctx, errors.New("transient")))
	assert.NoError(t, tx.Commit(ctx))

	records := b.Records(inTopic, 0)
	assert.Equal(t, 2, len(records))
	retried := Headers(records[1])
	assert.Equal(t, "1", retried[HeaderRetryCount])
	assert.Equal(t, "guid-k1", retried[HeaderGUID])
	assert.Equal(t, "v1", string(records[1].Value))
}

func TestTransaction_ProduceRetryExhausted(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1",
		kgo.RecordHeader{Key: HeaderGUID, Value: []byte("g")},
		kgo.RecordHeader{Key: HeaderRetryCount, Value: []byte("2")},
	))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceRetry(ctx, errors.New("still failing")))
	assert.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 1, len(b.Records(inTopic, 0)))
	failed := b.Records("failed", 0)
	assert.Equal(t, 1, len(failed))

	h := Headers(failed[0])
	assert.Equal(t, "0", h[HeaderRetryCount])

	var exc Exception
	assert.NoError(t, json.Unmarshal([]byte(h[HeaderException]), &exc))
	assert.Equal(t, "MaxRetriesReached", exc.Name)
	assert.Contains(t, exc.Description, "still failing")
}

func TestTransaction_ProduceRetryEscalates(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1",
		kgo.RecordHeader{Key: HeaderGUID, Value: []byte("g")},
		kgo.RecordHeader{Key: HeaderRetryCount, Value: []byte("2")},
	))
	cfg := testConfig()
	cfg.EscalationTopic = "retry-later"

	tx := New(b, b, cfg)
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceRetry(ctx, errors.New("still failing")))
	assert.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 1, len(b.Records(inTopic, 0)))
	assert.Equal(t, 0, len(b.Records("failed", 0)))
	escalated := b.Records("retry-later", 0)
	assert.Equal(t, 1, len(escalated))
	h := Headers(escalated[0])
	assert.Equal(t, "0", h[HeaderRetryCount])
	assert.Equal(t, "g", h[HeaderGUID])
	assert.Equal(t, "", h[HeaderException])
	assert.Equal(t, "v1", string(escalated[0].Value))
}

func TestTransaction_ProduceRetryToSourceTopic(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))
	cfg := testConfig()
	cfg.RetryTopic = ""
	cfg.EscalationTopic = "retry-later"

	tx := New(b, b, cfg)
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceRetry(ctx, errors.New("transient")))
	assert.NoError(t, tx.Commit(ctx))

	records := b.Records(inTopic, 0)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, "1", Headers(records[1])[HeaderRetryCount])
	assert.Equal(t, 0, len(b.Records("retry-later", 0)))
}

func TestTransaction_ProduceFailure(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceFailure(ctx, errors.New("bad payload")))
	assert.NoError(t, tx.Commit(ctx))

	failed := b.Records("failed", 0)
	assert.Equal(t, 1, len(failed))
	h := Headers(failed[0])

	var exc Exception
	assert.NoError(t, json.Unmarshal([]byte(h[HeaderException]), &exc))
	assert.Equal(t, "*errors.errorString", exc.Name)
	assert.Equal(t, "bad payload", exc.Description)
}

func TestTransaction_ProduceFailureWithoutCause(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1"))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceFailure(ctx, nil))
	assert.NoError(t, tx.Commit(ctx))

	failed := b.Records("failed", 0)
	assert.Equal(t, 1, len(failed))

	var exc Exception
	assert.NoError(t, json.Unmarshal([]byte(Headers(failed[0])[HeaderException]), &exc))
	assert.Equal(t, "FailureTopicSend", exc.Name)
}

func TestTransaction_ProduceRetryExhaustedWithoutCause(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, input(0, "k1", "v1",
		kgo.RecordHeader{Key: HeaderGUID, Value: []byte("g")},
		kgo.RecordHeader{Key: HeaderRetryCount, Value: []byte("2")},
	))

	tx := New(b, b, testConfig())
	assert.NoError(t, tx.Consume(ctx))
	assert.NoError(t, tx.ProduceRetry(ctx, nil))
	assert.NoError(t, tx.Commit(ctx))

	failed := b.Records("failed", 0)
	assert.Equal(t, 1, len(failed))

	var exc Exception
	assert.NoError(t, json.Unmarshal([]byte(Headers(failed[0])[HeaderException]), &exc))
	assert.Equal(t, "MaxRetriesReached", exc.Name)
	assert.Contains(t, exc.Description, RetryTopicSend.Error())
}

func TestExceptionForNil(t *testing.T) {
	assert.Equal(t, Exception{Name: "FailureTopicSend", Description: FailureTopicSend.Error()}, ExceptionFor(nil))
}

func TestTransaction_RetryWithoutRecord(t *testing.T) {
	b := newBroker(t)
	tx := New(b, b, testConfig())
	assert.IsError(t, tx.ProduceRetry(context.Background(), errors.New("x")), ErrNoRecord)
}

func TestProcessingError(t *testing.T) {
	cause := errors.New("boom")
	err := NewProcessingError(cause, &kgo.Record{Topic: "in", Partition: 2, Offset: 7})
	assert.IsError(t, err, cause)
	assert.Equal(t, "processing error (topic=in partition=2 offset=7): boom", err.Error())
}
