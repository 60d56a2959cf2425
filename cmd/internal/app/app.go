// Package app wires the KiyomiTalk sync server runtime: config, logging,
// HTTP routes, and the websocket store gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/store"
)

// Closer is a small app-level lifecycle abstraction.
// It exists to allow snapshot-backed resources to be closed gracefully.
type Closer interface {
	Close(ctx context.Context) error
}

// nopCloser is used for plain in-memory store mode.
type nopCloser struct{}

func (nopCloser) Close(_ context.Context) error { return nil }

// App is the sync server runtime: it owns the HTTP server wiring and the
// shared store with its snapshot backend.
type App struct {
	cfg Config
	log Logger

	closer Closer

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws *store.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	closer, dbPool, dbEnabled, st, err := newSharedStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	ws := store.NewWSGateway(log, st)

	return &App{
		cfg:       cfg,
		log:       log,
		closer:    closer,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ws:        ws,
	}, nil
}

// Store exposes the backing shared store (tests, server-local sessions).
func (a *App) Store() *store.MemoryStore { return a.ws.Store() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.closer.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newSharedStore picks the snapshot backend for the shared store:
// Postgres when KIYOMI_DATABASE_URL is set, bbolt when KIYOMI_SNAPSHOT_PATH
// is set, plain in-memory otherwise.
func newSharedStore(ctx context.Context, cfg Config, log Logger) (Closer, *pgxpool.Pool, bool, *store.MemoryStore, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, nil, err
		}

		snap, err := store.NewPostgresSnapshotter(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, err
		}
		if err := snap.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, nil, err
		}

		st, err := store.NewMemoryStore(log, store.WithSnapshotter(snap))
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, err
		}

		log.Info("store.snapshot.postgres")
		return snapshotCloser{store: st, pool: pool}, pool, true, st, nil
	}

	if cfg.SnapshotPath != "" {
		snap, err := store.NewBoltSnapshotter(cfg.SnapshotPath)
		if err != nil {
			return nil, nil, false, nil, err
		}

		st, err := store.NewMemoryStore(log, store.WithSnapshotter(snap))
		if err != nil {
			_ = snap.Close()
			return nil, nil, false, nil, err
		}

		log.Info("store.snapshot.bolt", "path", cfg.SnapshotPath)
		return snapshotCloser{store: st}, nil, false, st, nil
	}

	st, err := store.NewMemoryStore(log)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("store.snapshot.disabled")
	return storeOnlyCloser{store: st}, nil, false, st, nil
}

// snapshotCloser closes the store first so no persist races the pool close.
// MemoryStore.Close also closes its snapshotter; the pool is owned here.
type snapshotCloser struct {
	store *store.MemoryStore
	pool  *pgxpool.Pool
}

func (c snapshotCloser) Close(_ context.Context) error {
	if c.store != nil {
		_ = c.store.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}

type storeOnlyCloser struct {
	store *store.MemoryStore
}

func (c storeOnlyCloser) Close(_ context.Context) error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}
