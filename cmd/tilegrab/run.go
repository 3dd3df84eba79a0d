package main

import (
	"context"
	"errors"
	"fmt"
	gohttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
	"github.com/geotiles/go-tilegrab/publish"
	"github.com/geotiles/go-tilegrab/scheduler"
	"github.com/geotiles/go-tilegrab/tilepack"
)

func newRunCommand(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Produce a new generation of every target on a schedule",
		Long: `Run starts a generation immediately and then one per interval or cron
tick. Interrupted generations are resumed on the next start. With --once a
single generation is produced and the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScheduler(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "produce one generation and exit")
	return cmd
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (a *app) runScheduler(parent context.Context, once bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	reg := newRegistry()
	m := metrics.New(reg)

	ctrl, err := a.newController(m)
	if err != nil {
		return err
	}
	targets, err := a.cfg.Targets(ctrl)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(targets, a.cfg.SchedulerOptions(), a.logger, m)
	if err != nil {
		return err
	}

	if a.cfg.Archive.ExportPmtiles {
		sched.AddHook("pmtiles", func(_ context.Context, rec *tilepack.RunRecord) error {
			return tilepack.ExportPmtiles(rec.OutputPath, tilepack.PmtilesPath(rec.OutputPath), a.logger)
		})
	}
	if a.cfg.Publish.BucketURL != "" {
		pub, err := publish.Open(ctx, a.cfg.Publish.BucketURL, a.cfg.Publish.Prefix, a.logger.With(logger.String("component", "publish")))
		if err != nil {
			return err
		}
		defer pub.Close()
		sched.AddHook("publish", pub.PublishRecord)
	}

	if a.cfg.Metrics.Addr != "" {
		shutdown := a.serveMetrics(a.cfg.Metrics.Addr, reg)
		defer shutdown()
	}

	if once {
		records, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		return summarize(records)
	}
	return sched.Run(ctx)
}

// summarize fails when any target ended without a finalized archive.
func summarize(records []*tilepack.RunRecord) error {
	var errs []error
	for _, rec := range records {
		if !rec.Finalized() {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Target, rec.Err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) serveMetrics(addr string, g prometheus.Gatherer) func() {
	mux := gohttp.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))

	server := &gohttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, gohttp.ErrServerClosed) {
			a.logger.Error("Metrics server failed", logger.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
