package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	staging "github.com/therepute/human-staging-portal-redux"
	"github.com/therepute/human-staging-portal-redux/internal/bootstrap"
	"github.com/therepute/human-staging-portal-redux/internal/httpapi"
	"github.com/therepute/human-staging-portal-redux/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stagingd",
		Short:        "Human staging portal task queue",
		Long:         "stagingd serves the extraction task queue to human workers and runs claim maintenance.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("STAGING_CONFIG"), "Path to a YAML or JSON config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newExpiredCountCmd())
	rootCmd.AddCommand(newReleaseExpiredCmd())

	configCmd := &cobra.Command{Use: "config", Short: "Config commands"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.DSN != "" {
				cfg.Store.DSN = "<redacted>"
			}
			if cfg.Sentry.DSN != "" {
				cfg.Sentry.DSN = "<redacted>"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	rootCmd.AddCommand(configCmd)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (staging.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := staging.LoadConfig(path)
	if err != nil {
		return staging.Config{}, err
	}
	if err := staging.ApplyEnv(&cfg); err != nil {
		return staging.Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// setupLogging builds the process logger and routes queue events through it.
func setupLogging(cmd *cobra.Command, cfg *staging.Config) zerolog.Logger {
	logger := telemetry.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	cfg.InfoLog, cfg.ErrorLog = telemetry.ReportingSinks(logger)
	return logger
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP API and the expiration reaper",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger := setupLogging(cmd, &cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, cfg staging.Config, logger zerolog.Logger) error {
	flush, err := telemetry.InitSentry(cfg.Sentry)
	if err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}
	defer flush()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	queue, store, creds, err := bootstrap.NewQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close store")
		}
	}()

	queue.Start(ctx)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(queue, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if creds != nil {
		qcfg := queue.Config()
		g.Go(func() error {
			return staging.WatchCredentials(gctx, cfg.Credentials.Path, creds, &qcfg)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		queue.Shutdown(cfg.HTTP.ShutdownTimeout)
		return err
	})
	return g.Wait()
}

// withQueue opens a queue for a one-shot maintenance command.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, q *staging.Queue) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cmd, &cfg)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	queue, store, _, err := bootstrap.NewQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, queue)
}

func newExpiredCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expired-count",
		Short: "Count claims older than the timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withQueue(cmd, func(ctx context.Context, q *staging.Queue) error {
				n, err := q.CountExpired(ctx, timeout)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().Duration("timeout", 0, "Claim age considered expired (default claims.timeout)")
	return cmd
}

func newReleaseExpiredCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release-expired",
		Short: "Release claims older than the timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withQueue(cmd, func(ctx context.Context, q *staging.Queue) error {
				n, err := q.ReleaseExpired(ctx, timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d expired claims\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Duration("timeout", 0, "Claim age considered expired (default claims.timeout)")
	return cmd
}
