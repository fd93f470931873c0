// Package app wires the Kioku daemon together from its configuration and
// runs its transports until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/httpapi"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/matrix"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/store"
)

// flushTimeout bounds how long shutdown waits for queued remembers.
const flushTimeout = 30 * time.Second

// App holds the running components.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	db        *store.Store
	postgres  *memory.PostgresIndex
	store     *memory.Store
	assembler *memory.Assembler
	chat      *chat.Service
	http      *http.Server
	matrix    *matrix.Client
}

// New builds every component. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, a.registry)

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.Index.Backend == config.BackendSQLite || cfg.MatrixEnabled() {
		db, err := store.New(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("app: open database: %w", err)
		}
		a.db = db
	}

	index, err := a.buildIndex(ctx)
	if err != nil {
		return nil, err
	}
	completer, err := a.buildCompleter()
	if err != nil {
		return nil, err
	}

	memCfg := cfg.MemoryConfig()
	a.store, err = memory.NewStore(memCfg, a.buildEmbedder(), index, completer, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("app: long-term memory: %w", err)
	}
	a.assembler, err = memory.NewAssembler(memCfg, a.store, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("app: assembler: %w", err)
	}
	a.chat = chat.NewService(a.assembler, completer, chat.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateWindow), logger, metrics)

	if cfg.HTTP.Addr != "" {
		api := httpapi.New(httpapi.Deps{
			Chat:           a.chat,
			Conversations:  a.assembler,
			LongTerm:       a.store,
			Gatherer:       a.registry,
			Ready:          a.ready,
			Logger:         logger,
			DefaultRecallK: memCfg.RecallK,
		})
		a.http = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.MatrixEnabled() {
		a.matrix, err = matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			AutoJoin:    cfg.Matrix.AutoJoin,
			DB:          a.db.DB(),
		}, a.chat, logger)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *App) buildIndex(ctx context.Context) (memory.VectorIndex, error) {
	switch a.cfg.Index.Backend {
	case config.BackendSQLite:
		a.logger.Info("vector index: sqlite", "path", a.cfg.Database.Path)
		return memory.NewSQLiteIndex(a.db.DB(), a.logger), nil
	case config.BackendPostgres:
		idx, err := memory.NewPostgresIndex(ctx, a.cfg.Database.URL, a.cfg.Embedding.Dimensions, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: postgres index: %w", err)
		}
		a.postgres = idx
		a.logger.Info("vector index: postgres", "dimensions", a.cfg.Embedding.Dimensions)
		return idx, nil
	default:
		a.logger.Warn("vector index: in-memory, long-term memory is lost on restart")
		return memory.NewMemoryIndex(), nil
	}
}

func (a *App) buildEmbedder() memory.Embedder {
	if a.cfg.EmbeddingProvider() == config.ProviderOpenAI {
		a.logger.Info("embedder: openai", "model", a.cfg.Embedding.Model)
		return memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:     a.cfg.EmbeddingAPIKey(),
			BaseURL:    a.cfg.Embedding.BaseURL,
			Model:      a.cfg.Embedding.Model,
			Dimensions: a.cfg.Embedding.Dimensions,
		})
	}
	a.logger.Info("embedder: hash", "dimensions", a.cfg.Embedding.Dimensions)
	return memory.NewHashEmbedder(a.cfg.Embedding.Dimensions)
}

func (a *App) buildCompleter() (memory.Completer, error) {
	if a.cfg.LLMProvider() == config.ProviderEcho {
		a.logger.Warn("llm: echo provider, replies are not generated by a model")
		return llm.Echo{}, nil
	}
	client, err := llm.New(llm.Config{
		APIKey:      a.cfg.LLM.APIKey,
		BaseURL:     a.cfg.LLM.BaseURL,
		Model:       a.cfg.LLM.Model,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Temperature: a.cfg.LLM.Temperature,
		Timeout:     a.cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("app: llm: %w", err)
	}
	a.logger.Info("llm: openai", "model", client.Model(), "temperature", client.Temperature())
	return client, nil
}

// ready backs /readyz.
func (a *App) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}
	if a.postgres != nil {
		if err := a.postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Handler returns the HTTP handler, or nil when HTTP is disabled.
func (a *App) Handler() http.Handler {
	if a.http == nil {
		return nil
	}
	return a.http.Handler
}

// Run starts the transports and the idle janitor, blocks until ctx is
// cancelled or a transport fails, then drains background work and releases
// resources.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	if a.http != nil {
		ln, err := net.Listen("tcp", a.http.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.http.Addr, err)
		}
		a.logger.Info("http: listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return a.http.Shutdown(sctx)
		})
	}

	if a.matrix != nil {
		g.Go(func() error { return a.matrix.Run(gctx) })
	}

	if a.cfg.Memory.IdleTTL > 0 {
		g.Go(func() error {
			a.assembler.RunJanitor(gctx, 0)
			return nil
		})
	}

	a.logger.Info("kioku is running")
	err := g.Wait()

	a.logger.Info("shutting down; flushing pending memory work")
	fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if ferr := a.assembler.Flush(fctx); ferr != nil {
		a.logger.Warn("flush did not complete", "err", ferr)
	}
	return err
}

func (a *App) close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}
