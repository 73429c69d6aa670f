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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/handler"
	"github.com/zhouzirui/tavern-relay/internal/logging"
	"github.com/zhouzirui/tavern-relay/internal/metrics"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logging.Init(cfg.Log.Level, cfg.Log.Environment)
	log := logging.For("main")
	if envErr != nil {
		log.WithError(envErr).Debug("no .env file loaded, using system environment only")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("tavern relay stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	registry, err := loadPersonas(cfg.Persona)
	if err != nil {
		return err
	}
	if cfg.Persona.Watch && cfg.Persona.CatalogPath != "" {
		if err := persona.Watch(ctx, cfg.Persona.CatalogPath, registry); err != nil {
			log.WithError(err).Warn("persona catalog watch disabled")
		}
	}
	for id, missing := range registry.MissingImages() {
		log.WithFields(logrus.Fields{"persona_id": id, "images": missing}).Warn("persona images missing")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	backend, model, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}

	gateway := assistant.NewGateway(backend, assistant.Config{
		Model:        model,
		MaxRetries:   cfg.Assistant.MaxRetries,
		PollInterval: cfg.Assistant.PollInterval,
		RateLimit:    cfg.Assistant.RateLimit,
		RateBurst:    cfg.Assistant.RateBurst,
		AgentTTL:     cfg.Assistant.AgentTTL,
	}, assistant.WithMetrics(m))

	coord := session.NewCoordinator(registry, gateway, session.NewStore(), session.Config{
		SessionTimeout:   cfg.Session.Timeout,
		AssistantTimeout: cfg.Assistant.Timeout,
		MaxHistory:       cfg.Session.MaxHistory,
	}, session.WithMetrics(m))

	routerOpts := handler.Options{Gatherer: promReg}
	var sink session.SnapshotSink
	if cfg.Storage.Enabled() {
		store, err := storage.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, messages, err := store.LoadSnapshot(ctx)
		if err != nil {
			return err
		}
		restored, err := coord.Restore(ctx, sessions, messages)
		if err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		log.WithFields(logrus.Fields{"dialect": store.Dialect(), "restored": restored}).Info("session storage ready")
		sink = store
		routerOpts.Usage = store
	} else {
		log.Info("DATABASE_URL 未配置，会话仅保存在内存中")
	}

	scheduler, err := session.NewScheduler(coord, sink, session.SchedulerConfig{
		SweepInterval:    cfg.Session.SweepInterval,
		SnapshotInterval: cfg.Session.SnapshotInterval,
		SessionTimeout:   cfg.Session.Timeout,
	}, m)
	if err != nil {
		return err
	}
	scheduler.Start()

	router := handler.NewRouter(registry, coord, routerOpts)
	serveErr := startServer(ctx, cfg.Server, router, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("scheduler shutdown failed")
	}
	return serveErr
}

func loadPersonas(cfg config.PersonaConfig) (*persona.Registry, error) {
	items := persona.Seed()
	if cfg.CatalogPath != "" {
		loaded, err := persona.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		items = loaded
	}
	return persona.NewRegistry(items)
}

// newBackend picks the remote assistant implementation and the model name agents are created with.
func newBackend(ctx context.Context, cfg *config.Config) (assistant.Backend, string, error) {
	switch cfg.Assistant.Provider {
	case config.ProviderArk:
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Ark chat model: %w", err)
		}
		backend, err := assistant.NewArkBackend(ctx, chatModel)
		if err != nil {
			return nil, "", err
		}
		return backend, cfg.AI.Model, nil
	default:
		backend, err := assistant.NewOpenAIBackend(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		if err != nil {
			return nil, "", err
		}
		return backend, cfg.OpenAI.Model, nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.WithField("addr", serverCfg.Addr).Info("tavern relay listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
