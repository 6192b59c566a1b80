package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyvernhq/skyvern-go/internal/api"
	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/browser/cdp"
	"github.com/skyvernhq/skyvern-go/internal/config"
	"github.com/skyvernhq/skyvern-go/internal/events"
	"github.com/skyvernhq/skyvern-go/internal/executor"
	"github.com/skyvernhq/skyvern-go/internal/oracle"
	anthropicoracle "github.com/skyvernhq/skyvern-go/internal/oracle/anthropic"
	"github.com/skyvernhq/skyvern-go/internal/orchestrator"
	"github.com/skyvernhq/skyvern-go/internal/ratelimit"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
	"github.com/skyvernhq/skyvern-go/internal/secrets"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/webhook"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the skyvern API server.

The server exposes task and workflow execution over REST plus a
websocket event stream. Configuration comes from the optional config
file, SKYVERN_ environment variables and built-in defaults.

Example:
  skyvern serve
  skyvern serve --addr :9000`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	redactor := secrets.NewRedactor()
	logger := buildLogger(cfg.Log, redactor)
	clock := retry.RealClock{}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage, clock)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := openBlobs(cfg.Artifacts)
	if err != nil {
		return err
	}

	launcher := cdp.NewLauncher(cfg.Browser.Binary, logger)
	sessions := session.NewManager(launcher, clock, logger, session.Config{
		GlobalMax:   cfg.Sessions.GlobalMax,
		TenantMax:   cfg.Sessions.TenantMax,
		AcquireWait: cfg.Sessions.AcquireWait,
		IdleTTL:     cfg.Sessions.IdleTTL,
		Launch: browser.LaunchConfig{
			Headless:      cfg.Browser.Headless,
			Browser:       cfg.Browser.Engine,
			ProxyLocation: cfg.Browser.ProxyLocation,
		},
	},
		session.WithRecordStore(store),
		session.WithArtifactWriter(&sessionArtifacts{store: store, blobs: blobs, clock: clock}),
	)
	sessions.StartReaper(ctx, time.Minute)

	decider, err := buildOracle(cfg.Oracle)
	if err != nil {
		return err
	}

	scraper := scrape.NewScraper(clock, logger)
	exec := executor.NewExecutor(scraper, clock, logger)
	exec.Blobs = blobs
	exec.StrictExtraction = cfg.Engine.StrictExtraction

	bus := events.NewBus()
	var webhookOpts []webhook.Option
	if cfg.Server.WebhookSigningSecret != "" {
		webhookOpts = append(webhookOpts, webhook.WithSigningSecret(cfg.Server.WebhookSigningSecret))
	}
	deliverer := webhook.NewDeliverer(logger, webhookOpts...)

	engineOpts := []executor.EngineOption{
		executor.WithWebhooks(deliverer),
		executor.WithEvents(bus),
		executor.WithBlobs(blobs),
	}
	if cfg.Engine.DecisionCache {
		engineOpts = append(engineOpts, executor.WithDecisionCache(executor.NewDecisionCache(clock)))
	}
	engine := executor.NewEngine(store, sessions, decider, exec, scraper, clock, logger, engineOpts...)

	runtime := orchestrator.NewRuntime(engine, decider, store, blobs, clock, logger)
	orch := orchestrator.NewOrchestrator(store, sessions, runtime, clock, logger,
		orchestrator.WithSecrets(&secrets.EnvProvider{Prefix: "SKYVERN_SECRET_"}),
		orchestrator.WithRedactor(redactor),
		orchestrator.WithRunWebhooks(deliverer),
		orchestrator.WithRunEvents(bus),
	)

	limiter := ratelimit.NewLimiter(clock)
	server := api.New(api.Config{
		Addr:     cfg.Server.Addr,
		Logger:   logger,
		Clock:    clock,
		Store:    store,
		Engine:   engine,
		Orch:     orch,
		Sessions: sessions,
		Limiter:  limiter,
		Bus:      bus,
	})

	fmt.Printf("skyvern listening on %s\n", cfg.Server.Addr)
	fmt.Println("Press Ctrl+C to stop")
	return server.Start(ctx)
}

func buildLogger(cfg config.LogConfig, redactor *secrets.Redactor) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(secrets.NewHandler(inner, redactor))
}

func openStore(ctx context.Context, cfg config.StorageConfig, clock retry.Clock) (storage.Backend, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemory(clock), nil
	}
	return storage.OpenSQL(ctx, cfg.Driver, cfg.DSN, clock)
}

func openBlobs(cfg config.ArtifactConfig) (artifact.BlobStore, error) {
	if cfg.Dir == "" {
		return artifact.NewMemoryBlobStore(), nil
	}
	return artifact.NewFSBlobStore(cfg.Dir, nil)
}

func buildOracle(cfg config.OracleConfig) (oracle.DecisionOracle, error) {
	switch cfg.Provider {
	case "fake":
		return &oracle.FakeOracle{}, nil
	default:
		var opts []anthropicoracle.Option
		if cfg.Model != "" {
			opts = append(opts, anthropicoracle.WithModel(cfg.Model))
		}
		return anthropicoracle.New(cfg.APIKey, opts...), nil
	}
}

// sessionArtifacts persists console logs and HARs collected when a
// session closes.
type sessionArtifacts struct {
	store storage.Backend
	blobs artifact.BlobStore
	clock retry.Clock
}

func (s *sessionArtifacts) WriteSessionArtifact(ctx context.Context, sessionID, tenant, taskID string,
	kind artifact.Kind, data []byte) error {
	contentType := "application/octet-stream"
	switch kind {
	case artifact.KindConsoleLog:
		contentType = "text/plain"
	case artifact.KindHAR:
		contentType = "application/json"
	}
	uri, err := s.blobs.Put(ctx, data, contentType)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	return s.store.AppendArtifact(ctx, &artifact.Artifact{
		ID:             task.NewArtifactID(),
		OrganizationID: tenant,
		Kind:           kind,
		URI:            uri,
		BytesSize:      int64(len(data)),
		ContentType:    contentType,
		TaskID:         taskID,
		CreatedAt:      now,
		ModifiedAt:     now,
	})
}
