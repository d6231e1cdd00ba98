package gtfo

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/gtfo/internal/config"
)

// Config is the application configuration, usually read with ConfigFromEnv.
type Config = config.Config

// Cluster is the broker connection of a Config.
type Cluster = config.Cluster

// ConfigFromEnv reads the NU_* environment variables.
func ConfigFromEnv() (Config, error) {
	return config.FromEnv()
}

type settings struct {
	cfg          Config
	log          *slog.Logger
	registerer   prometheus.Registerer
	client       Client
	errorHandler ErrorHandler
}

// Option configures an App
type Option func(*settings)

// WithConfig replaces the whole configuration. Apply it before options that
// change single fields.
var WithConfig = func(cfg Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

// WithAppName sets the application name. It names the consumer group, the
// changelog topic and the last_updated_by header.
var WithAppName = func(name string) Option {
	return func(s *settings) {
		s.cfg.AppName = name
	}
}

// WithTopics sets the topics to consume
var WithTopics = func(topics ...string) Option {
	return func(s *settings) {
		s.cfg.ConsumeTopics = topics
	}
}

// WithLog sets the logger for the application
var WithLog = func(log *slog.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// WithMetrics registers the app's collectors with reg.
var WithMetrics = func(reg prometheus.Registerer) Option {
	return func(s *settings) {
		s.registerer = reg
	}
}

// WithClient runs the app on c instead of a client built from the cluster
// configuration. The app does not close it.
var WithClient = func(c Client) Option {
	return func(s *settings) {
		s.client = c
	}
}

// WithStateDir sets the directory holding the partition stores
var WithStateDir = func(stateDir string) Option {
	return func(s *settings) {
		s.cfg.StateDir = stateDir
	}
}

// WithPollTimeout sets the timeout for polling records from Kafka
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(s *settings) {
		s.cfg.PollTimeout = timeout
	}
}

// WithBatchLimits bounds the batches of a batch app
var WithBatchLimits = func(maxCount int, maxTime time.Duration) Option {
	return func(s *settings) {
		s.cfg.BatchMaxCount = maxCount
		s.cfg.BatchMaxTime = maxTime
	}
}

// WithRetryTopic sets where retried records go and how often a record is
// retried before it is escalated. An empty topic retries a record on the
// topic it was consumed from.
var WithRetryTopic = func(topic string, maxRetries int) Option {
	return func(s *settings) {
		s.cfg.RetryTopic = topic
		s.cfg.RetryMax = maxRetries
	}
}

// WithEscalationTopic sets where records go once their retries ran out.
// Without it they are routed to the failure topic.
var WithEscalationTopic = func(topic string) Option {
	return func(s *settings) {
		s.cfg.EscalationTopic = topic
	}
}

// WithFailureTopic sets the dead letter topic for failed records.
// Required when using RecoveryFailure in the error handler.
var WithFailureTopic = func(topic string) Option {
	return func(s *settings) {
		s.cfg.FailureTopic = topic
	}
}

// WithHealthPath sets the directory of the liveness marker. Empty disables
// the marker.
var WithHealthPath = func(path string) Option {
	return func(s *settings) {
		s.cfg.HealthPath = path
	}
}

// ErrorRecovery determines how to handle a processing error
type ErrorRecovery int

const (
	// RecoveryFail aborts the transaction and stops the app (default behavior)
	RecoveryFail ErrorRecovery = iota
	// RecoveryRetry sends the consumed records to the retry topic and commits
	RecoveryRetry
	// RecoveryFailure sends the consumed records to the failure topic and commits
	RecoveryFailure
)

// ErrorHandler is called when processing fails. record is nil for batches.
type ErrorHandler func(ctx context.Context, err error, record *kgo.Record) ErrorRecovery

// DefaultErrorHandler returns RecoveryFail for all errors (fail-fast behavior)
func DefaultErrorHandler() ErrorHandler {
	return func(context.Context, error, *kgo.Record) ErrorRecovery {
		return RecoveryFail
	}
}

// WithErrorHandler sets a custom error handler for processing failures.
var WithErrorHandler = func(handler ErrorHandler) Option {
	return func(s *settings) {
		s.errorHandler = handler
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
