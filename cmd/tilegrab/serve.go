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

	"github.com/spf13/cobra"

	"github.com/geotiles/go-tilegrab/http"
	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
	"github.com/geotiles/go-tilegrab/tilepack"
)

func loggingMiddleware(log logger.Logger) func(gohttp.Handler) gohttp.Handler {
	return func(next gohttp.Handler) gohttp.Handler {
		return gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
			start := time.Now()
			defer func() {
				log.Debug("Request",
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.String("remote", r.RemoteAddr),
					logger.Duration("elapsed", time.Since(start)),
				)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func newServeCommand(a *app) *cobra.Command {
	var (
		addr   string
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "serve [archive.mbtiles]",
		Short: "Serve tiles of a finalized archive over HTTP",
		Long: `Serve exposes /{z}/{x}/{y}.png (also .jpg, .jpeg, .webp), /metadata.json
and /metrics. Without an argument the newest finalized generation in
output_dir is served.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return a.serve(cmd.Context(), path, prefix, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", ":8080", "address to listen on")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only consider generations with this name prefix, e.g. mazowieckie-orto")
	return cmd
}

func (a *app) serve(parent context.Context, path, prefix, addr string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path == "" {
		latest, err := tilepack.LatestGeneration(a.cfg.OutputDir, prefix)
		if err != nil {
			return err
		}
		path = latest
	}

	reader, err := tilepack.NewMbtilesReader(path)
	if err != nil {
		return fmt.Errorf("couldn't open %s: %w", path, err)
	}
	defer reader.Close()

	meta, err := reader.Metadata()
	if err != nil {
		return err
	}
	if !meta.IsComplete() {
		return fmt.Errorf("%s is still being written", path)
	}

	reg := newRegistry()
	handler, err := http.NewMbtilesHandler(reader, a.logger, metrics.New(reg))
	if err != nil {
		return err
	}

	router := gohttp.NewServeMux()
	router.Handle("/metrics", metrics.Handler(reg))
	router.Handle("/", handler)

	server := &gohttp.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(a.logger)(router),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Serving archive", logger.String("path", path), logger.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, gohttp.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
