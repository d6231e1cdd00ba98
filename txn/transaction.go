// Package txn implements the unit of work of the runtime: consume a record,
// stage outputs inside a broker transaction and commit them atomically with
// the consumer offset. BatchTransaction and TableTransaction extend it.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/kafka"
	"github.com/birdayz/gtfo/internal/metrics"
)

// Config is shared by all transactions of an application.
type Config struct {
	AppName     string
	PollTimeout time.Duration

	// RetryTopic receives retries below RetryMax; empty means the topic the
	// record was consumed from. EscalationTopic receives records whose
	// retries ran out; empty means FailureTopic.
	RetryTopic      string
	EscalationTopic string
	FailureTopic    string
	RetryMax        int

	BatchMaxCount int
	BatchMaxTime  time.Duration
}

// Unit is what the application driver needs from every transaction variant.
type Unit interface {
	Consume(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	ProduceRetry(ctx context.Context, cause error) error
	ProduceFailure(ctx context.Context, cause error) error
}

var (
	_ Unit = (*Transaction)(nil)
	_ Unit = (*BatchTransaction)(nil)
	_ Unit = (*TableTransaction)(nil)
)

type Option func(*Transaction)

func WithLogger(log *slog.Logger) Option {
	return func(t *Transaction) {
		t.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transaction) {
		t.metrics = m
	}
}

// Transaction wraps one consumed record. It is not safe for concurrent use.
type Transaction struct {
	producer kafka.Producer
	consumer kafka.Consumer
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	record    *kgo.Record
	active    bool
	committed bool
	// failed is the error of a commit the broker did not accept. The
	// transaction is finished once it is set.
	failed error
}

func New(producer kafka.Producer, consumer kafka.Consumer, cfg Config, opts ...Option) *Transaction {
	t := &Transaction{
		producer: producer,
		consumer: consumer,
		cfg:      cfg,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Consume waits up to the configured poll timeout for a record. It returns
// kafka.ErrNoMessage if none arrived.
func (t *Transaction) Consume(ctx context.Context) error {
	rec, err := t.consumer.Poll(ctx, t.cfg.PollTimeout)
	if err != nil {
		return err
	}
	t.record = rec
	t.metrics.Consumed(rec.Topic)
	return nil
}

// Record returns the consumed record, or nil.
func (t *Transaction) Record() *kgo.Record {
	return t.record
}

func (t *Transaction) Key() []byte {
	if t.record == nil {
		return nil
	}
	return t.record.Key
}

func (t *Transaction) Value() []byte {
	if t.record == nil {
		return nil
	}
	return t.record.Value
}

func (t *Transaction) Headers() map[string]string {
	if t.record == nil {
		return map[string]string{}
	}
	return Headers(t.record)
}

func (t *Transaction) Topic() string {
	if t.record == nil {
		return ""
	}
	return t.record.Topic
}

func (t *Transaction) Partition() int32 {
	if t.record == nil {
		return -1
	}
	return t.record.Partition
}

func (t *Transaction) Offset() int64 {
	if t.record == nil {
		return -1
	}
	return t.record.Offset
}

// Committed reports whether Commit completed since the last produce.
func (t *Transaction) Committed() bool {
	return t.committed
}

// Produce stages r in the broker transaction, beginning it if needed.
//
// passthrough headers (the consumed record's headers if nil) are merged
// under r's own headers, and last_updated_by is set to the application
// name. Records without guid or last_updated_by are rejected.
func (t *Transaction) Produce(ctx context.Context, r *kgo.Record, passthrough map[string]string) error {
	if t.failed != nil {
		return t.failed
	}
	if err := t.producer.PollDeliveries(); err != nil {
		return err
	}

	headers := make(map[string]string)
	if passthrough == nil && t.record != nil {
		passthrough = Headers(t.record)
	}
	maps.Copy(headers, passthrough)
	for _, rh := range r.Headers {
		headers[rh.Key] = string(rh.Value)
	}
	headers[HeaderLastUpdatedBy] = t.cfg.AppName

	for _, required := range []string{HeaderGUID, HeaderLastUpdatedBy} {
		if headers[required] == "" {
			return fmt.Errorf("%w: %s on record to %s", ErrMissingHeader, required, r.Topic)
		}
	}

	if err := t.begin(); err != nil {
		return err
	}

	r.Headers = recordHeaders(headers)
	t.producer.Produce(ctx, r)
	t.metrics.Produced(r.Topic)

	return t.producer.PollDeliveries()
}

func (t *Transaction) begin() error {
	if t.active {
		return nil
	}
	if err := t.producer.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t.active = true
	t.committed = false
	return nil
}

// Commit commits the consumed offset together with everything produced.
// Calling it again without new work is a no-op. After a failed commit every
// further Commit and Produce returns the same error.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.commit(ctx, t.offsets(), true)
}

func (t *Transaction) offsets() []kafka.TopicPartition {
	if t.record == nil {
		return nil
	}
	return []kafka.TopicPartition{{
		Topic:     t.record.Topic,
		Partition: t.record.Partition,
		Offset:    t.record.Offset + 1,
	}}
}

// commit finalizes the broker transaction. Without staged output and
// offsets there is nothing to send and no transaction is opened.
func (t *Transaction) commit(ctx context.Context, offsets []kafka.TopicPartition, mark bool) error {
	if t.failed != nil {
		return t.failed
	}
	if t.committed {
		return nil
	}
	if !t.active && len(offsets) == 0 {
		t.committed = mark
		return nil
	}

	if err := t.begin(); err != nil {
		return err
	}
	if len(offsets) > 0 {
		if err := t.producer.SendOffsetsToTransaction(ctx, offsets); err != nil {
			return fmt.Errorf("send offsets to transaction: %w", err)
		}
	}

	start := time.Now()
	err := t.producer.CommitTransaction(ctx)
	t.active = false
	if err != nil {
		t.metrics.Aborted()
		t.failed = fmt.Errorf("commit transaction: %w", err)
		return t.failed
	}

	t.metrics.Committed(time.Since(start))
	t.committed = mark
	t.log.Debug("Committed transaction", "offsets", offsets)
	return nil
}

// Abort rolls back an open broker transaction. Nothing is sent if none was
// begun.
func (t *Transaction) Abort(ctx context.Context) error {
	if !t.active {
		return nil
	}
	t.active = false
	t.metrics.Aborted()
	if err := t.producer.AbortTransaction(ctx); err != nil {
		return fmt.Errorf("abort transaction: %w", err)
	}
	return nil
}

// ProduceRetry republishes the consumed record to the retry topic with an
// incremented retry count. Once the count reached the configured maximum it
// goes to the escalation topic with the count reset, or to the failure
// topic if there is none.
func (t *Transaction) ProduceRetry(ctx context.Context, cause error) error {
	return t.produceRetry(ctx, t.record, cause)
}

// ProduceFailure routes the consumed record to the failure topic.
func (t *Transaction) ProduceFailure(ctx context.Context, cause error) error {
	return t.produceFailure(ctx, t.record, cause)
}

func (t *Transaction) produceRetry(ctx context.Context, rec *kgo.Record, cause error) error {
	if rec == nil {
		return ErrNoRecord
	}
	if cause == nil {
		cause = RetryTopicSend
	}
	headers := Headers(rec)
	count := retryCount(headers)

	if count < t.cfg.RetryMax {
		topic := t.cfg.RetryTopic
		if topic == "" {
			topic = rec.Topic
		}
		headers[HeaderRetryCount] = fmt.Sprint(count + 1)
		t.log.Warn("Producing record to retry topic",
			"topic", topic, "retry_count", count+1, "error", cause)
		return t.Produce(ctx, &kgo.Record{Topic: topic, Key: rec.Key, Value: rec.Value}, headers)
	}

	if t.cfg.EscalationTopic == "" {
		return t.produceFailure(ctx, rec, fmt.Errorf("%w: %w", ErrMaxRetriesReached, cause))
	}
	headers[HeaderRetryCount] = "0"
	t.log.Warn("Retries exhausted, producing record to escalation topic",
		"topic", t.cfg.EscalationTopic, "retry_count", count, "error", cause)
	return t.Produce(ctx, &kgo.Record{Topic: t.cfg.EscalationTopic, Key: rec.Key, Value: rec.Value}, headers)
}

func (t *Transaction) produceFailure(ctx context.Context, rec *kgo.Record, cause error) error {
	if rec == nil {
		return ErrNoRecord
	}
	if cause == nil {
		cause = FailureTopicSend
	}
	if t.cfg.FailureTopic == "" {
		return fmt.Errorf("no failure topic configured: %w", cause)
	}

	headers := Headers(rec)
	headers[HeaderRetryCount] = "0"
	headers[HeaderException] = ExceptionFor(cause).header()
	t.log.Error("Producing record to failure topic",
		"topic", t.cfg.FailureTopic, "source_topic", rec.Topic,
		"partition", rec.Partition, "offset", rec.Offset, "error", cause)

	return t.Produce(ctx, &kgo.Record{
		Topic: t.cfg.FailureTopic,
		Key:   rec.Key,
		Value: rec.Value,
	}, headers)
}
