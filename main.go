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

	"convertstep/config"
	"convertstep/observability"
	"convertstep/reconciler"
	"convertstep/services"
	"convertstep/transport"
	"convertstep/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "convertstep",
		Usage:   "Reconcile cloud storage file conversion steps with the whiteboard conversion service",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API and background reconcile workers",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "migrate",
						Usage: "Apply database migrations before serving",
					},
				},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations",
				Action: migrate,
			},
			{
				Name:   "finish",
				Usage:  "Reconcile one file's convert step now",
				Flags:  fileFlags(),
				Action: finish,
			},
			{
				Name:   "watch",
				Usage:  "Queue a file for background reconciliation",
				Flags:  fileFlags(),
				Action: watch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fileFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Usage:    "File UUID",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "owner",
			Usage:    "Owner user UUID",
			Required: true,
		},
	}
}

func parseFileFlags(c *cli.Context) (string, string, error) {
	fileID, err := uuid.Parse(c.String("file"))
	if err != nil {
		return "", "", fmt.Errorf("invalid --file: %w", err)
	}
	ownerID, err := uuid.Parse(c.String("owner"))
	if err != nil {
		return "", "", fmt.Errorf("invalid --owner: %w", err)
	}
	return fileID.String(), ownerID.String(), nil
}

func setup(cfg *config.Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return observability.InitLogger(cfg.LogDev, version)
}

func newReconciler(cfg *config.Config, dbSvc *services.DatabaseService, logger *zap.Logger) (*reconciler.Reconciler, error) {
	metrics, err := reconciler.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	whiteboard := services.NewWhiteboardService(
		cfg.WhiteboardBaseURL,
		cfg.WhiteboardSDKToken,
		cfg.WhiteboardTimeout,
		cfg.WhiteboardMaxRetries,
		logger.Named("whiteboard"),
	)

	return reconciler.New(dbSvc, whiteboard, metrics, logger.Named("reconciler")), nil
}

func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return redisClient, nil
}

func serve(c *cli.Context) error {
	cfg := config.Load()
	logger, err := setup(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.SentryEnvironment, version)
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbSvc.Close()
	logger.Info("connected to database")

	if c.Bool("migrate") {
		if err := dbSvc.Migrate(ctx); err != nil {
			return err
		}
	}

	rec, err := newReconciler(cfg, dbSvc, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var watcher transport.Enqueuer
	if cfg.WorkerCount > 0 {
		redisClient, err := newRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("connected to redis", zap.String("pending_queue", cfg.PendingQueue))

		pool := worker.NewPool(cfg, redisClient, rec, logger.Named("worker"))
		watcher = pool

		for i := 0; i < cfg.WorkerCount; i++ {
			workerID := i
			g.Go(func() error {
				pool.StartWorker(gctx, workerID)
				return nil
			})
		}
		g.Go(func() error {
			pool.RecoveryLoop(gctx)
			return nil
		})
		logger.Info("started reconcile workers", zap.Int("count", cfg.WorkerCount))
	}

	h := transport.New(rec, watcher, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           transport.NewRouter(h, promhttp.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting http server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("convertstep stopped")
	return err
}

func migrate(c *cli.Context) error {
	cfg := config.Load()

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbSvc.Close()

	return dbSvc.Migrate(c.Context)
}

func finish(c *cli.Context) error {
	fileID, ownerID, err := parseFileFlags(c)
	if err != nil {
		return err
	}

	cfg := config.Load()
	logger, err := setup(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbSvc.Close()

	rec, err := newReconciler(cfg, dbSvc, logger)
	if err != nil {
		return err
	}

	err = rec.FinishConversion(c.Context, fileID, ownerID)
	kind := reconciler.KindOf(err)
	fmt.Printf("%s: %s\n", fileID, kind)
	if code := finishExitCode(kind); code != 0 {
		return cli.Exit(err.Error(), code)
	}
	return nil
}

// finishExitCode is 0 when the conversion is done or still running remotely.
// Store and remote query failures exit 1, every other outcome exits 2.
func finishExitCode(kind reconciler.Kind) int {
	switch kind {
	case reconciler.KindSuccess, reconciler.KindConversionWaiting, reconciler.KindConversionInProgress:
		return 0
	case reconciler.KindInternal, reconciler.KindRemoteQuery:
		return 1
	default:
		return 2
	}
}

func watch(c *cli.Context) error {
	fileID, ownerID, err := parseFileFlags(c)
	if err != nil {
		return err
	}

	cfg := config.Load()
	if err := cfg.ValidateQueue(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := observability.InitLogger(cfg.LogDev, version)
	if err != nil {
		return err
	}
	defer logger.Sync()

	redisClient, err := newRedisClient(c.Context, cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	pool := worker.NewPool(cfg, redisClient, nil, logger)
	if err := pool.Enqueue(c.Context, fileID, ownerID); err != nil {
		return err
	}
	fmt.Printf("queued %s on %s\n", fileID, cfg.PendingQueue)
	return nil
}
