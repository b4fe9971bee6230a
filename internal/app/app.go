// Package app wires configuration, storage, the pipeline engine and its
// collaborators into one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ideafactory/internal/artifacts"
	"ideafactory/internal/config"
	"ideafactory/internal/db"
	"ideafactory/internal/engine"
	"ideafactory/internal/llm"
	"ideafactory/internal/locks"
	"ideafactory/internal/logging"
	"ideafactory/internal/metrics"
	"ideafactory/internal/migrate"
	"ideafactory/internal/notify"
	"ideafactory/internal/repo"
	"ideafactory/internal/server"
	"ideafactory/internal/stages"
	"ideafactory/internal/vetting"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// Logger overrides the logger built from config.
	Logger *zap.Logger
}

// App holds the wired process components.
type App struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Metrics   *metrics.Metrics
	Artifacts artifacts.ZipStore
	Vetting   *vetting.Service

	closers []func() error
}

// LoadConfig reads an explicit config file, or factory.yml in the
// workspace, or falls back to defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database and builds the engine
// with every configured collaborator.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := LoadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
			return nil, err
		}
	}
	a := &App{Workspace: workspace, Config: cfg, Logger: logger}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.New(conn)
	a.Metrics = metrics.New()

	completer, err := llm.New(cfg.LLM, logger.Named("llm"))
	if err != nil {
		logger.Warn("llm unavailable, stage executors will fail until configured", zap.Error(err))
		completer, _ = llm.New(config.LLMConfig{Provider: "none"}, logger)
	}
	so := stages.Options{LLM: completer, Logger: logger.Named("stages")}
	st := engine.Stages{
		Analyzer:   stages.NewAnalyzer(so, a.path(cfg.Projects.CloneDir), cfg.Projects.MaxKeyFiles, cfg.Projects.MaxFileBytes),
		Enricher:   stages.NewEnricher(so),
		Evaluator:  stages.NewEvaluator(so),
		Scaffolder: stages.NewScaffolder(so),
		Builder:    stages.NewBuilder(so, a.path(cfg.Projects.OutputDir), cfg.Projects.MaxBuildFiles),
	}

	baseURL := cfg.Artifacts.BaseURL
	if baseURL == "" {
		baseURL = cfg.Notifications.PublicURL
	}
	a.Artifacts = artifacts.ZipStore{Dir: a.path(cfg.Artifacts.Dir), BaseURL: baseURL}

	lockMgr, err := a.lockManager(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	e := engine.New(a.Repo, cfg, st)
	e.Notifier = notify.NewService(a.channels(), notify.WithLogger(logger.Named("notify")), notify.WithObserver(a.Metrics))
	e.Artifacts = a.Artifacts
	e.Locks = lockMgr
	e.Metrics = a.Metrics
	e.Logger = logger.Named("engine")
	e.ProducedBy = completer.Model()
	a.Engine = e

	a.Vetting = &vetting.Service{
		LLM:    a.chatCompleter(completer),
		Store:  a.Repo,
		Ideas:  e,
		Locks:  lockMgr,
		Logger: logger.Named("vetting"),
	}
	return a, nil
}

// chatCompleter returns the completer for the vetting chat. It uses
// llm.chat_model when set and otherwise shares the stage completer.
func (a *App) chatCompleter(stage llm.Completer) llm.Completer {
	cfg := a.Config.LLM
	if cfg.ChatModel == "" || cfg.ChatModel == cfg.Model {
		return stage
	}
	cfg.Model = cfg.ChatModel
	chat, err := llm.New(cfg, a.Logger.Named("chat"))
	if err != nil {
		a.Logger.Warn("chat model unavailable, vetting uses the stage model", zap.String("model", cfg.ChatModel), zap.Error(err))
		return stage
	}
	return chat
}

// Terms returns the published terms of use. terms.file replaces the bundled
// text when set.
func (a *App) Terms() (server.Terms, error) {
	t := server.Terms{Version: a.Config.Terms.Version, LastUpdated: a.Config.Terms.LastUpdated}
	if f := a.Config.Terms.File; f != "" {
		b, err := os.ReadFile(a.path(f))
		if err != nil {
			return t, fmt.Errorf("read terms: %w", err)
		}
		t.Content = string(b)
	}
	return t, nil
}

func (a *App) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Workspace, p)
}

func (a *App) lockManager(ctx context.Context) (*locks.Manager, error) {
	opts := []locks.Option{locks.WithLogger(a.Logger.Named("locks"))}
	if addr := strings.TrimSpace(a.Config.Locks.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, locks.WithDistributed(locks.NewRedisLocker(client, "ideafactory:lock:"), a.Config.Locks.TTL))
	}
	return locks.NewManager(opts...), nil
}

// channels builds the gate notification channels. A NATS connection that
// cannot be established is logged and skipped.
func (a *App) channels() []notify.Channel {
	n := a.Config.Notifications
	chans := []notify.Channel{notify.NewLogChannel(a.Logger.Named("gates"))}
	if n.NATSURL != "" {
		nc, err := notify.ConnectNATS(n.NATSURL)
		if err != nil {
			a.Logger.Warn("nats unavailable, gate events will not be published", zap.String("url", n.NATSURL), zap.Error(err))
		} else {
			a.closers = append(a.closers, func() error { nc.Close(); return nil })
			chans = append(chans, notify.NewNATSChannel(nc, n.NATSSubject))
		}
	}
	if n.SlackWebhookURL != "" {
		chans = append(chans, notify.NewWebhookChannel(n.SlackWebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}
	return chans
}

// Handler builds the HTTP API. Pipeline runs started by the API are tracked
// in runs.
func (a *App) Handler(runs *sync.WaitGroup) (http.Handler, error) {
	secret := ""
	if env := a.Config.Server.JWTSecretEnv; env != "" {
		secret = os.Getenv(env)
	}
	terms, err := a.Terms()
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		Engine:    a.Engine,
		Repo:      a.Repo,
		BasePath:  a.Config.Server.BasePath,
		Auth:      server.AuthConfig{JWTSecret: secret, AdminEmails: a.Config.Server.AdminEmails},
		Artifacts: a.Artifacts,
		Metrics:   a.Metrics.Handler(),
		Logger:    a.Logger.Named("http"),
		Runs:      runs,
		Vetting:   a.Vetting,
		Terms:     terms,
	})
}

// Webhooks returns the transition webhook dispatcher for the configured hooks.
func (a *App) Webhooks() *server.WebhookDispatcher {
	return server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Logger.Named("webhooks"))
}

// Close releases every resource opened by Open, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
