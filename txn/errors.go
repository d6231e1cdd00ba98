package txn

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	// ErrMissingHeader is returned by Produce when a required header is
	// absent after merging.
	ErrMissingHeader = errors.New("txn: required header missing")

	// ErrNoRecord is returned when an operation needs a consumed record but
	// none was consumed.
	ErrNoRecord = errors.New("txn: no record consumed")

	// ErrReservedKey is returned for table operations on the checkpoint key.
	ErrReservedKey = errors.New("txn: reserved table key")

	// ErrReservedValue is returned when a table value equals the tombstone.
	ErrReservedValue = errors.New("txn: reserved table value")

	// ErrMaxRetriesReached is the cause attached to records routed to the
	// failure topic after exhausting their retries.
	ErrMaxRetriesReached error = &namedError{name: "MaxRetriesReached", msg: "txn: max retries reached"}

	// RetryTopicSend and FailureTopicSend stand in for a missing cause when
	// a record is routed without one.
	RetryTopicSend   error = &namedError{name: "RetryTopicSend", msg: "txn: record sent to retry topic"}
	FailureTopicSend error = &namedError{name: "FailureTopicSend", msg: "txn: record sent to failure topic"}
)

type namedError struct {
	name string
	msg  string
}

func (e *namedError) Error() string { return e.msg }
func (e *namedError) Name() string  { return e.name }

// ProcessingError attributes a failure of the user function to the record
// that caused it.
type ProcessingError struct {
	Cause     error
	Topic     string
	Partition int32
	Offset    int64
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing error (topic=%s partition=%d offset=%d): %v",
		e.Topic, e.Partition, e.Offset, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NewProcessingError wraps cause with the coordinates of record. A nil
// record yields an unattributed error.
func NewProcessingError(cause error, record *kgo.Record) *ProcessingError {
	e := &ProcessingError{Cause: cause, Partition: -1, Offset: -1}
	if record != nil {
		e.Topic = record.Topic
		e.Partition = record.Partition
		e.Offset = record.Offset
	}
	return e
}
