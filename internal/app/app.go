package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"threadsync/internal/api"
	"threadsync/internal/config"
	"threadsync/internal/realtime"
	"threadsync/internal/redis"
	"threadsync/internal/service/ai"
	"threadsync/internal/session"
	"threadsync/internal/storage"
)

// App owns the long-lived resources behind one controller.
type App struct {
	cfg   *config.Config
	db    *sql.DB
	cache *redis.Client
	hub   realtime.Hub
	store storage.Repository
	ctrl  *session.Controller
}

// Open connects the database, optional redis and the generator, and builds
// the session controller on top of them.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	dbType := cfg.BasicConfig.Database
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a := &App{cfg: cfg, db: db}

	if cfg.Redis.Enabled() {
		a.cache, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
	}
	a.hub, err = newHub(cfg.Realtime, a.cache)
	if err != nil {
		a.Close()
		return nil, err
	}

	var repo storage.Repository = storage.NewStore(db)
	if a.cache != nil {
		repo = storage.NewCachedStore(repo, a.cache, cfg.Redis.HistoryTTL())
	}
	a.store = storage.NewNotifyingStore(repo, a.hub)

	generator, err := ai.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init ai service: %w", err)
	}

	a.ctrl = session.NewController(session.Deps{
		Store:     a.store,
		Generator: generator,
		Realtime:  a.hub,
	}, session.Options{
		StallTimeout: cfg.Generation.StallTimeout(),
		TitleTimeout: cfg.Generation.TitleTimeout(),
	})
	log.Info().
		Str("database", dbType).
		Bool("redis", a.cache != nil).
		Str("provider", cfg.Generation.Provider).
		Msg("threadsync ready")
	return a, nil
}

func newHub(cfg config.RealtimeConfig, cache *redis.Client) (realtime.Hub, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		if cache == nil {
			return nil, errors.New("realtime backend redis requires a redis section")
		}
		return realtime.NewRedisHub(cache, cfg.BufferSize), nil
	case "memory":
		return realtime.NewMemoryHub(cfg.BufferSize), nil
	case "":
		if cache != nil {
			return realtime.NewRedisHub(cache, cfg.BufferSize), nil
		}
		return realtime.NewMemoryHub(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("unsupported realtime backend: %s", cfg.Backend)
	}
}

func (a *App) Controller() *session.Controller { return a.ctrl }

// Router returns the HTTP bridge for the controller.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger())
	api.NewHandler(a.ctrl).RegisterRoutes(router)
	return router
}

// Serve runs the HTTP bridge until ctx is cancelled.
func (a *App) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: a.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases everything Open acquired.
func (a *App) Close() {
	if a.ctrl != nil {
		a.ctrl.Logout()
	}
	if a.hub != nil {
		if err := a.hub.Close(); err != nil {
			log.Warn().Err(err).Msg("close realtime hub")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis client")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
