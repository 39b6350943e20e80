// Package app wires the Huddle server runtime: config, logging, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"huddle/cmd/internal/auth"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	blobURLPrefix   = "/blobs/"
	shutdownTimeout = 10 * time.Second
)

// App is the Huddle server runtime: it owns the store, the realtime core and
// the HTTP surface built on them.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	store chat.Store
	blobs *chat.DiskBlobStore

	metrics  *prometheus.Registry
	verifier *auth.Verifier

	registry *realtime.Registry
	presence *realtime.Presence
	pipeline *realtime.Pipeline
	ws       *realtime.WSGateway

	chat *chat.Service
	api  *chat.Handler

	handler http.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	verifier, err := NewVerifier(cfg, log)
	if err != nil {
		return nil, err
	}

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		store:    store,
		metrics:  prometheus.NewRegistry(),
		verifier: verifier,
	}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, log := a.cfg, a.log
	rm := realtime.NewMetrics(a.metrics)
	cm := chat.NewMetrics(a.metrics)

	a.registry = realtime.NewRegistry(log,
		realtime.WithEvictSuperseded(cfg.WSEvictSuperseded),
		realtime.WithRegistryMetrics(rm),
	)
	hub := realtime.NewHub(log, rm)
	a.presence = realtime.NewPresence(log, a.registry, rm)
	a.pipeline = realtime.NewPipeline(log, a.registry, hub,
		realtime.WithGroupEcho(cfg.GroupEchoSender),
		realtime.WithPipelineMetrics(rm),
	)

	svcOpts := []chat.ServiceOption{chat.WithServiceMetrics(cm), chat.WithRoomEvictor(hub)}
	if cfg.BlobDir != "" {
		blobs, err := chat.NewDiskBlobStore(cfg.BlobDir, blobURLPrefix, cfg.BlobMaxBytes)
		if err != nil {
			return err
		}
		a.blobs = blobs
		svcOpts = append(svcOpts, chat.WithBlobStore(blobs))
	} else {
		log.Info("blobs.disabled")
	}
	a.chat = chat.NewService(log, a.store, a.pipeline, svcOpts...)

	apiOpts := []chat.HandlerOption{chat.WithHandlerMetrics(cm)}
	if cfg.SummaryURL != "" {
		apiOpts = append(apiOpts, chat.WithSummarizer(chat.NewStreamingSummarizer(cfg.SummaryURL, cfg.SummaryTimeout)))
	} else {
		log.Info("summary.disabled")
	}
	a.api = chat.NewHandler(log, a.chat, apiOpts...)

	gcfg := realtime.DefaultGatewayConfig()
	gcfg.AllowedOrigins = cfg.AllowedOrigins()
	gcfg.OriginRequired = cfg.WSOriginRequired
	gcfg.DevInsecure = cfg.WSDevInsecure
	gcfg.RequireAuth = cfg.WSRequireAuth
	gcfg.RequireMembership = cfg.WSRequireMembership
	gcfg.SendQueueSize = cfg.WSSendQueueSize

	if gcfg.DevInsecure {
		log.Warn("security.ws.dev_insecure", "hint", "origin verification is disabled; never enable in production")
	}

	a.ws = realtime.NewWSGateway(log, gcfg, a.registry, hub,
		realtime.WithAuthenticator(a.verifier),
		realtime.WithMembership(a.chat),
		realtime.WithGatewayMetrics(rm),
	)

	mux := http.NewServeMux()
	a.registerHTTP(mux)
	a.handler = WithSecurityHeaders(WithRequestLogging(mux, log))
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP until ctx is cancelled or the server fails, then shuts down
// and releases the store.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 2*time.Minute),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.cfg.Store, "auth_insecure", a.cfg.AuthInsecure)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	a.log.Info("server.stopped")
	return err
}

// Close releases the store and the database pool. The pool is owned here;
// store implementations never close it.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}

// newStore builds the configured chat store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.DBMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("db: migrate: %w", err)
			}
		}
		log.Info("store.postgres", "schema", cfg.DBSchema, "migrate", cfg.DBMigrate)
		return st, pool, nil

	case StoreBadger:
		dir := cfg.BadgerDir
		if dir == "" {
			dir = "./data/badger"
		}
		st, err := chat.OpenBadgerStore(dir)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.badger", "dir", dir)
		return st, nil, nil

	default:
		log.Info("store.memory")
		return chat.NewMemoryStore(), nil, nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
