// Package gtfo runs transactional consume-process-produce applications on
// Kafka, optionally with a partitioned local table that is mirrored to a
// changelog topic and rebuilt from it on every assignment.
package gtfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"

	"github.com/birdayz/gtfo/internal/kafka"
	"github.com/birdayz/gtfo/internal/metrics"
	"github.com/birdayz/gtfo/internal/recovery"
	"github.com/birdayz/gtfo/txn"
)

var (
	// ErrStateDirRequired is returned when a table app is created without WithStateDir()
	ErrStateDirRequired = errors.New("gtfo: WithStateDir() is required for table apps")

	ErrAppNameRequired = errors.New("gtfo: application name is required")
	ErrNoTopics        = errors.New("gtfo: no consume topics configured")
	ErrNoFunc          = errors.New("gtfo: no processing function")
)

// Outcome is the result of one iteration of the run loop.
type Outcome int

const (
	OutcomeNormal Outcome = iota
	// OutcomeRecoveryNeeded means owned partitions wait for changelog replay
	// before records can be processed.
	OutcomeRecoveryNeeded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNormal:
		return "normal"
	case OutcomeRecoveryNeeded:
		return "recovery_needed"
	default:
		return "unknown"
	}
}

// Func processes one transaction. Returning an error hands it to the
// ErrorHandler.
type Func[T txn.Unit] func(ctx context.Context, tx T) error

// Client is the broker connection an App runs on. *kafka.Client and the
// in-memory kafkatest.Broker implement it.
type Client interface {
	kafka.Producer
	kafka.Consumer
	SetRebalanceListener(l kafka.RebalanceListener)
}

// App drives one transaction variant: consume, process, commit.
type App[T txn.Unit] struct {
	fn    Func[T]
	newTx func() T

	cfg          Config
	log          *slog.Logger
	metrics      *metrics.Metrics
	errorHandler ErrorHandler

	client     Client
	closeFn    func()
	controller *recovery.Controller

	current    T
	hasCurrent bool
}

// NewApp creates an app that processes one record per transaction.
func NewApp(fn Func[*txn.Transaction], opts ...Option) (*App[*txn.Transaction], error) {
	return newApp(fn, false, func(a *App[*txn.Transaction]) *txn.Transaction {
		return txn.New(a.client, a.client, a.txnConfig(), a.txnOptions()...)
	}, opts)
}

// NewBatchApp creates an app that processes batches bounded by the
// configured batch count and time.
func NewBatchApp(fn Func[*txn.BatchTransaction], opts ...Option) (*App[*txn.BatchTransaction], error) {
	return newApp(fn, false, func(a *App[*txn.BatchTransaction]) *txn.BatchTransaction {
		return txn.NewBatch(a.client, a.client, a.txnConfig(), a.txnOptions()...)
	}, opts)
}

// NewTableApp creates an app whose transactions read and write the table of
// the consumed record's partition.
func NewTableApp(fn Func[*txn.TableTransaction], opts ...Option) (*App[*txn.TableTransaction], error) {
	return newApp(fn, true, func(a *App[*txn.TableTransaction]) *txn.TableTransaction {
		return txn.NewTable(a.client, a.client, a.controller, a.txnConfig(), a.txnOptions()...)
	}, opts)
}

func newApp[T txn.Unit](fn Func[T], table bool, mk func(*App[T]) T, opts []Option) (*App[T], error) {
	s := settings{
		log:          NullLogger(),
		errorHandler: DefaultErrorHandler(),
	}
	s.cfg.PollTimeout = 5 * time.Second
	s.cfg.BatchMaxCount = 1
	s.cfg.BatchMaxTime = 10 * time.Second
	for _, opt := range opts {
		opt(&s)
	}

	switch {
	case fn == nil:
		return nil, ErrNoFunc
	case s.cfg.AppName == "":
		return nil, ErrAppNameRequired
	case len(s.cfg.ConsumeTopics) == 0:
		return nil, ErrNoTopics
	case table && s.cfg.StateDir == "":
		return nil, ErrStateDirRequired
	}

	a := &App[T]{
		fn:           fn,
		cfg:          s.cfg,
		log:          s.log,
		errorHandler: s.errorHandler,
		client:       s.client,
	}
	if s.registerer != nil {
		a.metrics = metrics.New(s.registerer)
	}

	if a.client == nil {
		var pinned []string
		if table {
			pinned = []string{txn.ChangelogTopic(s.cfg.AppName)}
		}
		c, err := kafka.NewClient(kafka.Config{
			Brokers:         s.cfg.Cluster.Brokers(),
			Group:           s.cfg.AppName,
			TransactionalID: s.cfg.TransactionalID(),
			Topics:          s.cfg.ConsumeTopics,
			PinnedTopics:    pinned,
			Username:        s.cfg.Cluster.Username,
			Password:        s.cfg.Cluster.Password,
		}, s.log.With("component", "kafka"))
		if err != nil {
			return nil, err
		}
		a.client = c
		a.closeFn = c.Close
	}

	if table {
		a.controller = recovery.New(a.client, recovery.Config{
			AppName:     s.cfg.AppName,
			Topics:      s.cfg.ConsumeTopics,
			StateDir:    s.cfg.StateDir,
			PollTimeout: s.cfg.PollTimeout,
		}, recovery.WithLogger(s.log.With("component", "recovery")), recovery.WithMetrics(a.metrics))
		a.client.SetRebalanceListener(a.controller)
	} else {
		a.client.SetRebalanceListener(loggingListener{log: s.log})
	}

	a.newTx = func() T { return mk(a) }
	return a, nil
}

func (a *App[T]) txnConfig() txn.Config {
	return txn.Config{
		AppName:         a.cfg.AppName,
		PollTimeout:     a.cfg.PollTimeout,
		RetryTopic:      a.cfg.RetryTopic,
		EscalationTopic: a.cfg.EscalationTopic,
		FailureTopic:    a.cfg.FailureTopic,
		RetryMax:        a.cfg.RetryMax,
		BatchMaxCount:   a.cfg.BatchMaxCount,
		BatchMaxTime:    a.cfg.BatchMaxTime,
	}
}

func (a *App[T]) txnOptions() []txn.Option {
	return []txn.Option{txn.WithLogger(a.log), txn.WithMetrics(a.metrics)}
}

// Run blocks until ctx is cancelled or a fatal error occurs. Cancellation
// is a graceful shutdown and returns nil.
func (a *App[T]) Run(ctx context.Context) (err error) {
	marker, err := a.markAlive()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, a.shutdown(), removeMarker(marker))
	}()

	a.log.Info("Starting app", "app", a.cfg.AppName, "topics", a.cfg.ConsumeTopics)
	for {
		if ctx.Err() != nil {
			return nil
		}

		outcome, err := a.step(ctx)
		if err == nil && outcome == OutcomeRecoveryNeeded {
			err = a.controller.Recover(ctx)
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// step runs one iteration: consume, process and commit a transaction, or
// report that recovery has to run first.
func (a *App[T]) step(ctx context.Context) (Outcome, error) {
	defer a.client.AllowRebalance()

	if a.controller != nil {
		if err := a.controller.Err(); err != nil {
			return OutcomeNormal, err
		}
		if a.controller.Pending() {
			return OutcomeRecoveryNeeded, nil
		}
	}

	tx := a.newTx()
	a.current, a.hasCurrent = tx, true

	if err := tx.Consume(ctx); err != nil {
		a.hasCurrent = false
		if errors.Is(err, kafka.ErrNoMessage) {
			return OutcomeNormal, nil
		}
		return OutcomeNormal, fmt.Errorf("consume: %w", err)
	}

	if err := a.fn(ctx, tx); err != nil {
		if err := a.handle(ctx, tx, err); err != nil {
			return OutcomeNormal, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, kafka.ErrTransactionAborted) {
			// The group rebalanced; the records are delivered again.
			a.log.Warn("Transaction aborted by the broker", "error", err)
			a.hasCurrent = false
			return OutcomeNormal, nil
		}
		return OutcomeNormal, err
	}
	a.hasCurrent = false
	return OutcomeNormal, nil
}

func (a *App[T]) handle(ctx context.Context, tx T, cause error) error {
	var rec *kgo.Record
	if r, ok := any(tx).(interface{ Record() *kgo.Record }); ok {
		rec = r.Record()
	}
	perr := cause
	if rec != nil {
		perr = txn.NewProcessingError(cause, rec)
	}

	switch a.errorHandler(ctx, perr, rec) {
	case RecoveryRetry:
		discard(tx)
		if err := tx.ProduceRetry(ctx, cause); err != nil {
			return fmt.Errorf("produce retry: %w", err)
		}
		return nil
	case RecoveryFailure:
		discard(tx)
		if err := tx.ProduceFailure(ctx, cause); err != nil {
			return fmt.Errorf("produce failure: %w", err)
		}
		return nil
	default:
		a.hasCurrent = false
		return multierr.Append(perr, tx.Abort(ctx))
	}
}

func discard(tx any) {
	if d, ok := tx.(interface{ Discard() }); ok {
		d.Discard()
	}
}

func (a *App[T]) shutdown() error {
	var err error
	if a.hasCurrent {
		// The run context may already be cancelled.
		err = multierr.Append(err, a.current.Abort(context.Background()))
		a.hasCurrent = false
	}
	if a.closeFn != nil {
		a.closeFn()
	}
	if a.controller != nil {
		err = multierr.Append(err, a.controller.Close())
	}
	a.log.Info("App stopped", "app", a.cfg.AppName)
	return err
}

// markAlive writes the liveness marker. An empty health path disables it.
func (a *App[T]) markAlive() (string, error) {
	if a.cfg.HealthPath == "" {
		return "", nil
	}
	if err := os.MkdirAll(a.cfg.HealthPath, 0o755); err != nil {
		return "", fmt.Errorf("create health path: %w", err)
	}
	path := filepath.Join(a.cfg.HealthPath, "health")
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return "", fmt.Errorf("write health marker: %w", err)
	}
	return path, nil
}

func removeMarker(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type loggingListener struct {
	log *slog.Logger
}

func (l loggingListener) OnAssigned(_ context.Context, assigned map[string][]int32) {
	l.log.Info("Partitions assigned", "partitions", assigned)
}

func (l loggingListener) OnRevoked(_ context.Context, revoked map[string][]int32) {
	l.log.Info("Partitions revoked", "partitions", revoked)
}

func (l loggingListener) OnLost(_ context.Context, lost map[string][]int32) {
	l.log.Warn("Partitions lost", "partitions", lost)
}
