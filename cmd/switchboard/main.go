// Command switchboard runs the dispatch gateway: an HTTP front-end over
// the rate-limited request broker.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/switchboard"
	"github.com/nevindra/switchboard/client/openai"
	"github.com/nevindra/switchboard/internal/config"
	"github.com/nevindra/switchboard/observer"
	"github.com/nevindra/switchboard/store/postgres"
	"github.com/nevindra/switchboard/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load(os.Getenv("SWITCHBOARD_CONFIG"))
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.Init(ctx); err != nil {
		return err
	}

	clientOpts := []openai.Option{openai.WithLogger(logger)}
	if cfg.Credentials.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.Credentials.BaseURL))
	}
	var llm switchboard.LLMClient = openai.New(clientOpts...)

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		obs, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return err
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shCtx); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
		inst = obs
		llm = observer.WrapClient(llm, inst)
	}

	dispatcher := switchboard.NewDispatcher(llm, cfg.SwitchboardCredentials(),
		switchboard.WithChatLane(cfg.ChatLane.SwitchboardLane()),
		switchboard.WithMemoryLane(cfg.MemoryLane.SwitchboardLane()),
		switchboard.WithWorkers(cfg.Pool.MaxWorkers),
		switchboard.WithChatModel(cfg.Models.Chat),
		switchboard.WithExtractModel(cfg.Models.Extract),
		switchboard.WithEmbedModel(cfg.Models.Embed),
		switchboard.WithEmbedDimension(cfg.Models.EmbedDimensions),
		switchboard.WithDispatcherLogger(logger),
	)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	if inst != nil {
		unregister, err := observer.RegisterLaneMetrics(inst, dispatcher.Stats)
		if err != nil {
			return err
		}
		defer unregister()
	}

	registry := switchboard.NewHistoryRegistry(store,
		switchboard.WithMaxRounds(cfg.History.MaxRounds),
		switchboard.WithRegistryLogger(logger))
	trigger := switchboard.NewMemoryTrigger(dispatcher, store,
		switchboard.WithTriggerEvery(cfg.Memory.TriggerEveryNTurns),
		switchboard.WithTriggerLogger(logger))
	runner := switchboard.NewRunner(dispatcher, registry, store, trigger,
		switchboard.WithSystemPrompt(cfg.Server.SystemPrompt),
		switchboard.WithMemoryTopK(cfg.Memory.TopK),
		switchboard.WithRunnerLogger(logger))

	srv := newServer(runner, dispatcher, logger)
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.routes()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Drain order: stop accepting HTTP, stop the lanes, wait for memory
	// jobs, then release the store.
	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Stop(shCtx); err != nil {
		logger.Error("dispatcher stop", "error", err)
	}
	trigger.Close()
	return nil
}

// openStore opens postgres when a URL is configured, sqlite otherwise.
// The returned closer releases the store and, for postgres, the pool.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (switchboard.Store, func(), error) {
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Models.EmbedDimensions))
		logger.Info("store opened", "backend", "postgres")
		return st, func() {
			_ = st.Close()
			pool.Close()
		}, nil
	}
	st := sqlite.New(cfg.Database.SQLitePath, sqlite.WithLogger(logger))
	logger.Info("store opened", "backend", "sqlite", "path", cfg.Database.SQLitePath)
	return st, func() { _ = st.Close() }, nil
}
