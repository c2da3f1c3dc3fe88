package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"liveroom/internal/app"
	"liveroom/internal/config"
	"liveroom/internal/infra/identity"
	"liveroom/internal/infra/memory"
	pgstore "liveroom/internal/infra/postgres"
	redisstore "liveroom/internal/infra/redis"
	"liveroom/internal/logger"
	transport "liveroom/internal/transport/http"
)

const (
	defaultAbandonAfter  = 30 * time.Minute
	defaultFinishedGrace = 5 * time.Minute
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends are the optional external stores; nil members are not configured.
type backends struct {
	redis *redis.Client
	pool  *pgxpool.Pool
}

func (b backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func connectBackends(ctx context.Context, cfg config.Config) (backends, error) {
	var b backends
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return backends{}, fmt.Errorf("connect redis: %w", err)
		}
	}
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.Close()
			return backends{}, fmt.Errorf("connect postgres: %w", err)
		}
		b.pool = pool
	}
	return b, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logger.New(logger.Config{
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Env:       logger.Env(cfg.Logging.Env),
		Backend:   logger.Backend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
	})
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	b, err := connectBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	quizzes, err := buildQuizRepository(cfg, b)
	if err != nil {
		return err
	}
	gateway := buildPersistence(cfg, b)
	ids, err := buildIdentity(cfg, log)
	if err != nil {
		return err
	}

	persister := app.NewPersister(gateway, persisterConfig(cfg), log.With(slog.String("component", "persister")))
	coord := app.NewCoordinator(coordinatorConfig(cfg), app.Deps{
		Store:    app.NewStore(app.WithCodeLength(cfg.Session.CodeLength, cfg.Session.CodeRetries)),
		Identity: ids,
		Quizzes:  quizzes,
		Recorder: persister,
		Log:      log.With(slog.String("component", "coordinator")),
	})

	server := &http.Server{
		Addr: ":" + finalPort,
		Handler: transport.NewRouter(transport.Deps{
			Coordinator: coord,
			Identity:    ids,
			WS: transport.WSConfig{
				SendBuffer:     cfg.Session.SendBuffer,
				PingInterval:   config.TTLDuration(cfg.Server.PingInterval, 15*time.Second),
				WriteTimeout:   config.TTLDuration(cfg.Server.WriteTimeout, 5*time.Second),
				ReadLimit:      cfg.Server.ReadLimit,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			},
			Log: log.With(slog.String("component", "http")),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The persister outlives the coordinator so final snapshots are written.
	persistCtx, stopPersister := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPersister()
	persistDone := make(chan error, 1)
	go func() { persistDone <- persister.Run(persistCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting room service", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownGrace, 5*time.Second))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stopPersister()
	if perr := <-persistDone; perr != nil && !errors.Is(perr, context.Canceled) {
		log.Warn("persister stopped with error", slog.Any("err", perr))
	}
	return err
}

func buildQuizRepository(cfg config.Config, b backends) (app.QuizRepository, error) {
	var loader memory.QuizLoader = memory.NewStaticQuizLoader(nil)
	switch {
	case cfg.Quiz.Catalog != "":
		catalog, err := memory.LoadCatalog(cfg.Quiz.Catalog)
		if err != nil {
			return nil, err
		}
		loader = catalog
	case b.pool != nil:
		loader = pgstore.NewQuizLoader(b.pool)
	}

	ttl := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if b.redis != nil {
		return redisstore.NewQuizRepository(b.redis, loader, ttl), nil
	}
	return memory.NewQuizRepository(loader, ttl), nil
}

func buildPersistence(cfg config.Config, b backends) app.PersistenceGateway {
	switch {
	case b.pool != nil:
		return pgstore.NewSessionStore(b.pool)
	case b.redis != nil:
		return redisstore.NewSessionStore(b.redis, config.TTLDuration(cfg.Redis.TTL, 24*time.Hour))
	}
	return memory.NewSessionStore()
}

func buildIdentity(cfg config.Config, log *slog.Logger) (*identity.Gateway, error) {
	secret := cfg.Auth.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("auth.secret is not set; using a random secret, issued tokens will not survive a restart")
	}
	return identity.NewGateway(identity.Config{
		Secret:         secret,
		Issuer:         cfg.Auth.Issuer,
		TTL:            config.TTLDuration(cfg.Auth.TokenTTL, 0),
		AllowAnonymous: *cfg.Auth.AllowAnonymous,
	})
}

func coordinatorConfig(cfg config.Config) app.Config {
	s := cfg.Session
	return app.Config{
		TickInterval:       config.TTLDuration(s.TickInterval, time.Second),
		InboxSize:          s.InboxSize,
		LateJoin:           *s.LateJoin,
		FinishedGrace:      config.TTLDuration(s.FinishedGrace, defaultFinishedGrace),
		AbandonAfter:       config.TTLDuration(s.AbandonAfter, defaultAbandonAfter),
		SweepInterval:      config.TTLDuration(s.SweepInterval, 30*time.Second),
		SnapshotInterval:   config.TTLDuration(s.SnapshotInterval, 0),
		QuestionWarningsMs: s.QuestionWarnings,
		Scoring: app.ScoringConfig{
			Baseline:      cfg.Scoring.Baseline,
			DecayStep:     cfg.Scoring.DecayStep,
			DecayWindowMs: config.TTLDuration(cfg.Scoring.DecayWindow, time.Second).Milliseconds(),
			MinimumPoints: cfg.Scoring.MinimumPoints,
		},
	}
}

func persisterConfig(cfg config.Config) app.PersisterConfig {
	p := cfg.Persistence
	return app.PersisterConfig{
		Workers:        p.Workers,
		QueueSize:      p.QueueSize,
		MaxAttempts:    p.MaxAttempts,
		InitialBackoff: config.TTLDuration(p.InitialBackoff, 200*time.Millisecond),
		MaxBackoff:     config.TTLDuration(p.MaxBackoff, 5*time.Second),
	}
}
