package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/replyops/replygate/internal/audit"
	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/channels/maxbot"
	"github.com/replyops/replygate/internal/channels/maxpersonal"
	"github.com/replyops/replygate/internal/channels/telegram"
	"github.com/replyops/replygate/internal/channels/whatsapp"
	"github.com/replyops/replygate/internal/channels/whatsapppersonal"
	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/delivery"
	"github.com/replyops/replygate/internal/flags"
	"github.com/replyops/replygate/internal/gateway"
	"github.com/replyops/replygate/internal/notify"
	"github.com/replyops/replygate/internal/replier"
	"github.com/replyops/replygate/internal/store"
	"github.com/replyops/replygate/internal/store/pg"
	"github.com/replyops/replygate/internal/store/sqlite"
	"github.com/replyops/replygate/internal/telemetry"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryShutdown(shutdownCtx)
	}()

	stores := openStores(cfg)
	defer func() {
		if stores.Close != nil {
			_ = stores.Close()
		}
	}()

	recorder := openAudit(cfg)

	flagProvider := openFlags(cfg)

	msgBus := bus.New()
	registry := channels.NewRegistry(flagProvider)
	buildAdapters(cfg, msgBus, registry)

	gen, err := replier.NewClient(cfg.Replier)
	if err != nil {
		slog.Error("reply service not configured", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.DiscordToken != "" && cfg.Notify.DiscordChannel != "" {
		discord, err := notify.NewDiscord(cfg.Notify)
		if err != nil {
			slog.Error("discord notifier failed, continuing without notifications", "error", err)
		} else {
			notifier = discord
			defer discord.Close()
		}
	} else {
		slog.Warn("no notifier configured, approval and escalation alerts go to logs only")
	}

	dispatcher := delivery.NewDispatcher(registry, stores.Conversations, stores.Queue, recorder, cfg.Delivery)

	sweeper, err := delivery.NewSweeper(cfg.Delivery.RetrySweepCron, stores.Queue, dispatcher)
	if err != nil {
		slog.Error("invalid retry sweep schedule", "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, msgBus, registry, flagProvider, stores, dispatcher, gen, recorder, notifier)

	if cfg.Gateway.Token == "" {
		slog.Warn("gateway admin token not set, admin API is unauthenticated")
	}

	registry.StartAll(ctx)
	go server.RunPipeline(ctx)
	go sweeper.Run(ctx)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway server error", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.StopAll(stopCtx)
}

// openStores selects Postgres when a DSN is present, SQLite otherwise.
func openStores(cfg *config.Config) *store.Stores {
	if cfg.Database.PostgresDSN != "" {
		stores, err := pg.NewStores(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres stores", "error", err)
			os.Exit(1)
		}
		slog.Info("storage backend: postgres")
		return stores
	}

	path := config.ExpandHome(cfg.Database.SQLitePath)
	stores, err := sqlite.NewStores(path)
	if err != nil {
		slog.Error("failed to open sqlite stores", "path", path, "error", err)
		os.Exit(1)
	}
	slog.Info("storage backend: sqlite", "path", path)
	return stores
}

func openAudit(cfg *config.Config) audit.Recorder {
	if cfg.Audit.Path == "" {
		return audit.SlogRecorder{}
	}
	jsonl, err := audit.NewJSONLRecorder(config.ExpandHome(cfg.Audit.Path), cfg.Audit.RotateMaxBytes)
	if err != nil {
		slog.Error("audit log unavailable, falling back to slog", "error", err)
		return audit.SlogRecorder{}
	}
	if verbose {
		return audit.Multi{jsonl, audit.SlogRecorder{}}
	}
	return jsonl
}

// openFlags uses the flags file when it exists (hot-reloaded); otherwise
// flags derive statically from config so a fresh install works without one.
func openFlags(cfg *config.Config) flags.Provider {
	path := config.ExpandHome(cfg.Flags.Path)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			provider, err := flags.NewFileProvider(path)
			if err == nil {
				slog.Info("feature flags from file", "path", path)
				return provider
			}
			slog.Error("flags file unusable, deriving flags from config", "error", err)
		}
	}

	static := flags.Static{
		flags.AutosendEnabled:         cfg.Decision.AutosendAllowed,
		flags.ChannelFlag("telegram"): cfg.Channels.Telegram.Enabled,
		flags.ChannelFlag("whatsapp"): cfg.Channels.WhatsApp.Enabled,
		flags.ChannelFlag("whatsapp_personal"): cfg.Channels.WhatsAppPersonal.Enabled,
		flags.ChannelFlag("max"):               cfg.Channels.Max.Enabled,
		flags.ChannelFlag("max_personal"):      cfg.Channels.MaxPersonal.Enabled,
	}
	return static
}

// buildAdapters constructs every enabled channel adapter. A failed
// constructor logs and skips that channel; one broken credential must not
// block the rest.
func buildAdapters(cfg *config.Config, msgBus *bus.MessageBus, registry *channels.Registry) {
	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "default"
	}

	if cfg.Channels.Telegram.Enabled {
		if a, err := telegram.New(cfg.Channels.Telegram, tenant, msgBus); err != nil {
			slog.Error("telegram adapter init failed", "error", err)
		} else {
			registry.Register(a)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if a, err := whatsapp.New(cfg.Channels.WhatsApp, tenant, msgBus); err != nil {
			slog.Error("whatsapp adapter init failed", "error", err)
		} else {
			registry.Register(a)
		}
	}
	if cfg.Channels.WhatsAppPersonal.Enabled {
		if a, err := whatsapppersonal.New(cfg.Channels.WhatsAppPersonal, tenant, msgBus); err != nil {
			slog.Error("whatsapp_personal adapter init failed", "error", err)
		} else {
			registry.Register(a)
		}
	}
	if cfg.Channels.Max.Enabled {
		if a, err := maxbot.New(cfg.Channels.Max, tenant, msgBus); err != nil {
			slog.Error("max adapter init failed", "error", err)
		} else {
			registry.Register(a)
		}
	}
	if cfg.Channels.MaxPersonal.Enabled {
		if a, err := maxpersonal.New(cfg.Channels.MaxPersonal, tenant, msgBus); err != nil {
			slog.Error("max_personal adapter init failed", "error", err)
		} else {
			registry.Register(a)
		}
	}

	if len(registry.All()) == 0 {
		slog.Warn("no channels enabled, gateway will only serve the admin API")
	}
}
