// gtfo-counter counts records per key in a table and, if an output topic is
// set, publishes every new count. It is configured through the NU_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/birdayz/gtfo"
	"github.com/birdayz/gtfo/pkg/log"
	"github.com/birdayz/gtfo/txn"
)

var (
	metricsAddr string
	outputTopic string
)

var rootCmd = &cobra.Command{
	Use:           "gtfo-counter",
	Short:         "Count records per key in a changelog-backed table",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address serving /metrics and /healthz, empty disables it")
	rootCmd.Flags().StringVar(&outputTopic, "output", "", "Topic receiving the updated counts")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type count struct {
	Count int64 `json:"count"`
}

func process(ctx context.Context, tx *txn.TableTransaction) error {
	var c count
	v, err := tx.ReadTableEntry()
	if err != nil {
		return err
	}
	if !v.Absent() {
		if err := v.Into(&c); err != nil {
			return err
		}
	}
	c.Count++
	if err := tx.UpdateTableEntry(c); err != nil {
		return err
	}
	if outputTopic == "" {
		return nil
	}
	return tx.Produce(ctx, &kgo.Record{
		Topic: outputTopic,
		Key:   tx.Key(),
		Value: []byte(strconv.FormatInt(c.Count, 10)),
	}, nil)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := gtfo.ConfigFromEnv()
	if err != nil {
		return err
	}
	logger := log.New(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := gtfo.NewTableApp(process,
		gtfo.WithConfig(cfg),
		gtfo.WithLog(logger),
		gtfo.WithMetrics(reg),
		gtfo.WithErrorHandler(func(context.Context, error, *kgo.Record) gtfo.ErrorRecovery {
			return gtfo.RecoveryRetry
		}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return app.Run(ctx)
	})

	if metricsAddr != "" {
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Started", "app", cfg.AppName, "topics", cfg.ConsumeTopics, "metrics", metricsAddr)
	return grp.Wait()
}
