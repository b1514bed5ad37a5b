// Package app assembles mediaguard's components from a Config. The server,
// the worker and the CLI all start from Build.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/database"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
	"github.com/dharsanguruparan/mediaguard/internal/processing"
	"github.com/dharsanguruparan/mediaguard/internal/queue"
	"github.com/dharsanguruparan/mediaguard/internal/repository"
	"github.com/dharsanguruparan/mediaguard/internal/s3storage"
	"github.com/dharsanguruparan/mediaguard/internal/server"
	"github.com/dharsanguruparan/mediaguard/internal/session"
	"github.com/dharsanguruparan/mediaguard/internal/storage"
	"github.com/dharsanguruparan/mediaguard/internal/transform"
	"github.com/dharsanguruparan/mediaguard/internal/worker"
)

// NewLogger builds the process logger from the configured level and format.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Stack holds the wired components.
type Stack struct {
	Config   *config.Config
	Logger   *slog.Logger
	Keys     *config.Store
	Watcher  *config.Watcher
	Catalog  server.Catalog
	Uploader server.Uploader
	Engine   *transform.Engine
	Gate     *gate.Gate
	Sessions session.Checker
	Signer   *mediaurl.Signer

	closers []func()
}

// Build connects the configured backends. Without a database URL the catalog
// lives in memory; without an S3 endpoint so do originals and renditions.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	if cfg.SecretGenerated {
		logger.Warn("no signing secret configured, generated an ephemeral one; issued URLs stop verifying on restart")
	}
	s := &Stack{
		Config: cfg,
		Logger: logger,
		Keys:   config.NewStore(cfg.Protection),
	}
	if cfg.ConfigFile != "" {
		s.Watcher = config.NewWatcher(cfg.ConfigFile, cfg.Protection, s.Keys, logger)
	}

	memory, err := storage.NewMemoryStore(cfg.MemoryRenditions, logger)
	if err != nil {
		return nil, err
	}
	s.Catalog = memory
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := database.EnsureSchema(ctx, pool); err != nil {
			s.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		s.Catalog = repository.NewMediaRepository(pool, logger)
	} else {
		logger.Info("no database configured, using in-memory catalog")
	}

	var (
		origin     transform.Origin         = memory
		renditions transform.RenditionStore = memory
	)
	s.Uploader = memory
	if cfg.S3Endpoint != "" {
		objects, err := s3storage.New(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := objects.EnsureBuckets(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ensure buckets: %w", err)
		}
		origin, renditions, s.Uploader = objects, objects, objects
	} else {
		logger.Info("no object storage configured, keeping originals in memory")
	}

	engine, err := transform.NewEngine(cfg.ProtectedPrefix, origin, renditions, cfg.RenderCacheSize, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Engine = engine

	if len(cfg.SessionSecret) == 0 {
		logger.Warn("no session secret configured, privileged sessions are disabled")
		s.Sessions = session.Never
	} else {
		s.Sessions = session.NewCookieChecker(cfg.SessionCookie, cfg.SessionSecret, cfg.PrivilegedRoles, logger)
	}
	s.Gate = gate.New(cfg.ProtectedPrefix, s.Keys, s.Sessions, logger)
	s.Signer = mediaurl.NewSigner(s.Keys, engine.GenerateURL, logger)
	return s, nil
}

// Close releases backend connections.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Stack) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     s.Config.RedisAddr,
		Password: s.Config.RedisPassword,
		DB:       s.Config.RedisDB,
	}
}

func (s *Stack) watch(ctx context.Context, g *errgroup.Group) {
	if s.Watcher == nil {
		return
	}
	g.Go(func() error { return s.Watcher.Run(ctx) })
}

// RunServer serves HTTP until ctx is cancelled. Warm-ups go to Redis when it
// is configured and to an in-process pool otherwise.
func RunServer(ctx context.Context, s *Stack) error {
	g, ctx := errgroup.WithContext(ctx)
	s.watch(ctx, g)

	var warmer server.Enqueuer
	if s.Config.RedisAddr != "" {
		client := asynq.NewClient(s.redisOpt())
		defer client.Close()
		warmer = queue.NewClient(client)
	} else {
		pool := processing.New(worker.NewProcessor(s.Keys, s.Engine, s.Logger), s.Config.ProcessingPool, s.Logger)
		pool.Start(ctx)
		warmer = pool
	}

	srv := server.New(s.Config, server.Deps{
		Gate:     s.Gate,
		Engine:   s.Engine,
		Signer:   s.Signer,
		Catalog:  s.Catalog,
		Uploader: s.Uploader,
		Sessions: s.Sessions,
		Warmer:   warmer,
		Logger:   s.Logger,
	})
	g.Go(func() error { return srv.Run(ctx) })
	return g.Wait()
}

// RunWorker consumes warm jobs from Redis until ctx is cancelled.
func RunWorker(ctx context.Context, s *Stack) error {
	if s.Config.RedisAddr == "" {
		return errors.New("worker needs MEDIAGUARD_REDIS_ADDR")
	}
	g, ctx := errgroup.WithContext(ctx)
	s.watch(ctx, g)

	srv := asynq.NewServer(s.redisOpt(), asynq.Config{
		Concurrency: s.Config.ProcessingPool,
		Logger:      asynqLogger{s.Logger},
	})
	processor := worker.NewProcessor(s.Keys, s.Engine, s.Logger)
	if err := srv.Start(processor.Handler()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	s.Logger.Info("warm worker started", "concurrency", s.Config.ProcessingPool)
	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown()
		return nil
	})
	return g.Wait()
}

// asynqLogger adapts slog to asynq.Logger.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
