package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/experience/internal/config"
	"github.com/cartridge/experience/internal/events"
	"github.com/cartridge/experience/internal/experience"
	httpServer "github.com/cartridge/experience/internal/http"
	"github.com/cartridge/experience/internal/metrics"
	"github.com/cartridge/experience/internal/service"
	"github.com/cartridge/experience/internal/snapshot"
	"github.com/cartridge/experience/internal/storage"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "xpool",
	Short: "Experience pool server",
	Long: `Experience pool server that stores agent trajectories in a fixed-capacity
ring and serves samples, batches and sequences to learners.

Producers append over HTTP or gRPC. The pool is dumped to disk periodically
and restored on start; dumps can be mirrored to object storage.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	d := config.Default()
	flags := rootCmd.Flags()

	flags.StringVar(&configFile, "config", "", "Path to a config file (yaml, json or toml)")

	// Pool settings
	flags.String("name", d.Pool.Name, "Pool name")
	flags.Int("capacity", d.Pool.Capacity, "Number of samples the ring holds")
	flags.IntSlice("state-dims", d.Pool.StateDims, "State shape")
	flags.IntSlice("action-dims", d.Pool.ActionDims, "Action shape")
	flags.String("dir", d.Pool.Dir, "Persistence directory (empty disables dumps)")
	flags.String("backend", d.Pool.Backend, "Storage backend (memory, file)")

	// Listeners
	flags.String("http-addr", d.Server.HTTPAddr, "HTTP listen address (empty disables)")
	flags.String("grpc-addr", d.Server.GRPCAddr, "gRPC listen address (empty disables)")

	flags.Duration("snapshot-interval", d.Snapshot.Interval, "Interval between dumps (0 disables)")
	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")

	bind := map[string]string{
		"pool.name":         "name",
		"pool.capacity":     "capacity",
		"pool.state_dims":   "state-dims",
		"pool.action_dims":  "action-dims",
		"pool.dir":          "dir",
		"pool.backend":      "backend",
		"server.http_addr":  "http-addr",
		"server.grpc_addr":  "grpc-addr",
		"snapshot.interval": "snapshot-interval",
		"log_level":         "log-level",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug().Msgf(format, args...)
	})); err != nil {
		logger.Warn().Err(err).Msg("failed to set GOMAXPROCS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := newCollector(cfg, logger)
	if err != nil {
		return err
	}
	defer collector.Close()

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	mirror, err := newMirror(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := snapshot.Prefetch(ctx, mirror, cfg.Pool.Dir, logger); err != nil {
		logger.Warn().Err(err).Msg("starting without mirrored snapshot")
	}

	poolCfg, err := cfg.Experience()
	if err != nil {
		return err
	}
	backend, err := storage.New(cfg.Pool.Backend, poolCfg.Capacity, poolCfg.Codec().Width(), cfg.Pool.Dir)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close storage backend")
		}
	}()

	pool, err := experience.New(poolCfg, backend, logger)
	if err != nil {
		return err
	}

	scheduler := snapshot.NewScheduler(pool, mirror, publisher, collector, snapshot.Config{
		Interval: cfg.Snapshot.Interval,
	}, logger)
	if cfg.Pool.Dir != "" {
		result, err := scheduler.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover pool: %w", err)
		}
		logger.Info().Str("result", result.String()).Int("size", pool.Size()).Msg("pool recovery finished")
	}

	svc := service.NewExperienceService(pool, publisher, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(gctx) })

	if cfg.Server.HTTPAddr != "" {
		h := httpServer.NewServer(svc, logger, httpServer.Options{
			RateLimit: cfg.Server.RateLimit,
			RateBurst: cfg.Server.RateBurst,
			Observer:  collector,
		})
		srv := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("experience HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Server.GRPCAddr != "" {
		grpcServer, healthServer := service.NewGRPCServer(svc, logger, collector)
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to listen: %w", err)
		}
		g.Go(func() error {
			logger.Info().Str("addr", lis.Addr().String()).Msg("experience gRPC server listening")
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.Shutdown()
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(cfg.Server.ShutdownTimeout):
				logger.Warn().Msg("gRPC graceful stop timed out")
				grpcServer.Stop()
			}
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info().Msg("shutdown signal received, draining pool")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := pool.Close(drainCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain deferred appends")
	}
	if cfg.Pool.Dir != "" {
		if err := scheduler.Snapshot(drainCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	logger.Info().Msg("experience server stopped")
	return runErr
}

func newCollector(cfg *config.Config, logger zerolog.Logger) (*metrics.Collector, error) {
	if cfg.Metrics.StatsdAddr == "" {
		return metrics.NewCollector(logger), nil
	}
	return metrics.NewStatsdCollector(logger, cfg.Metrics.StatsdAddr)
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	if cfg.NATS.URL == "" {
		return events.NoopPublisher{}, func() {}, nil
	}
	pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Close, nil
}

func newMirror(ctx context.Context, cfg *config.Config) (snapshot.Mirror, error) {
	if cfg.Mirror.Endpoint == "" {
		return nil, nil
	}
	client, err := snapshot.DialMinio(cfg.Mirror.Endpoint, cfg.Mirror.AccessKey, cfg.Mirror.SecretKey, cfg.Mirror.UseSSL)
	if err != nil {
		return nil, err
	}
	mirror := snapshot.NewMinioMirror(client, cfg.Mirror.Bucket, cfg.Mirror.Prefix)
	if err := mirror.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return mirror, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
