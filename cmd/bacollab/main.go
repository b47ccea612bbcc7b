package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/archive"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/config"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/conversation"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/dedup"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/extractor"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/history"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/maintenance"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/media"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/metrics"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/notify"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/orchestrator"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/reply"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/social"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/submitter"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/transport"
)

var (
	version    = "0.3.1"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "bacollab",
		Short: "bacollab: WhatsApp bot for Buenos Aires civic complaints",
		Long:  "bacollab watches a neighborhood WhatsApp group, extracts structured complaints and files them on gestión colaborativa.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.bacollab/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Edit " + cfgPath + " and fill in the WhatsApp and extractor credentials, then run `bacollab login`.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bacollab " + version)
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a visible browser to log into the municipal site",
		Long:  "Opens the shared browser profile against gestión colaborativa so you can sign in with miBA. The session cookie persists in the profile; close the window when done.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			chrome, err := submitter.NewChrome(submitter.ChromeConfig{
				BaseURL:    cfg.Submitter.BaseURL,
				ProfileDir: cfg.Submitter.ProfileDir,
				Headless:   false,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer chrome.Close()
			return chrome.Login(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show submission outcomes for the last 24 hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if !cfg.Archive.Enabled {
				return fmt.Errorf("archive is disabled; no status to report")
			}
			store, err := archive.NewStore(cfg.Archive.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.Summary(context.Background(), time.Now().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			if len(summary) == 0 {
				fmt.Println("no submissions in the last 24h")
				return nil
			}
			keys := make([]string, 0, len(summary))
			for k := range summary {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-40s %d\n", k, summary[k])
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.General); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mediaStore, err := media.NewStore(filepath.Join(cfg.General.Workspace, "media"), logger)
	if err != nil {
		return err
	}

	var store *archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.NewStore(cfg.Archive.DBPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	replies := reply.NewCatalog()
	if cfg.General.RepliesFile != "" {
		if err := replies.LoadOverrides(cfg.General.RepliesFile, logger); err != nil {
			return err
		}
	}

	collector := metrics.NewCollector()
	waCfg := transport.Config{
		ListenAddr:    cfg.WhatsApp.ListenAddr,
		WebhookPath:   cfg.WhatsApp.WebhookPath,
		AppSecret:     cfg.WhatsApp.AppSecret,
		AccessToken:   cfg.WhatsApp.AccessToken,
		VerifyToken:   cfg.WhatsApp.VerifyToken,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		GroupChatID:   cfg.WhatsApp.GroupChatID,
	}
	if cfg.Metrics.Enabled {
		waCfg.MetricsPath = cfg.Metrics.Endpoint
		waCfg.Metrics = collector.Handler()
	}
	var recorder transport.Recorder
	if store != nil {
		recorder = store
	}
	wa := transport.NewWhatsApp(waCfg, mediaStore, recorder, logger)

	llm := extractor.NewClient(extractor.Config{
		APIKey:    cfg.Extractor.APIKey,
		APIBase:   cfg.Extractor.APIBase,
		Model:     cfg.Extractor.Model,
		MaxTokens: cfg.Extractor.MaxTokens,
		Timeout:   time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
		Logger:    logger,
	})

	chrome, err := submitter.NewChrome(submitter.ChromeConfig{
		BaseURL:    cfg.Submitter.BaseURL,
		ProfileDir: cfg.Submitter.ProfileDir,
		Headless:   cfg.Submitter.Headless,
		Timeout:    time.Duration(cfg.Submitter.TimeoutSeconds) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var poster domain.SocialPoster
	if cfg.Social.Enabled {
		poster = social.NewXPoster(social.XConfig{
			BearerToken: cfg.Social.BearerToken,
			Logger:      logger,
		})
	}

	var operator domain.OperatorNotifier = notify.Noop{}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		operator = tg
	}

	ledger := history.NewLedger(history.LedgerConfig{
		Retention: time.Duration(cfg.History.RetentionMinutes) * time.Minute,
		MaxCount:  cfg.History.MaxMessages,
		Media:     mediaStore,
		Exists:    mediaStore.Exists,
		Logger:    logger,
	})
	sessions := conversation.NewSessionStore()
	index := dedup.NewIndex(dedup.IndexConfig{
		LogPath:     cfg.Dedup.LogPath,
		Freshness:   time.Duration(cfg.Dedup.FreshnessHours) * time.Hour,
		ShortWindow: time.Duration(cfg.Dedup.RecentWindowMinutes) * time.Minute,
		Logger:      logger,
	})
	engine := conversation.NewEngine(conversation.EngineConfig{
		Store:     sessions,
		Photos:    ledger,
		Extractor: llm,
		Replies:   replies,
		Logger:    logger,
	})

	backoff := make([]time.Duration, len(cfg.Queue.RetryBackoffMinutes))
	for i, m := range cfg.Queue.RetryBackoffMinutes {
		backoff[i] = time.Duration(m) * time.Minute
	}

	orchCfg := orchestrator.Config{
		Transport: wa,
		Extractor: llm,
		Submitter: chrome,
		Poster:    poster,
		Operator:  operator,
		Media:     mediaStore,

		History:  ledger,
		Sessions: sessions,
		Engine:   engine,
		Dedup:    index,
		Replies:  replies,
		Metrics:  collector,
		Logger:   logger,

		DebounceBase:      time.Duration(cfg.Buffer.BaseDelaySeconds) * time.Second,
		DebounceExtended:  time.Duration(cfg.Buffer.ExtendedDelaySeconds) * time.Second,
		InterJobDelay:     time.Duration(cfg.Queue.InterJobDelaySeconds) * time.Second,
		RetryBackoff:      backoff,
		ManualFallbackURL: cfg.Submitter.ManualFallbackURL,
		ExternalBaseURL:   cfg.Submitter.BaseURL,
		HistoryWindow:     cfg.General.HistoryWindow,
	}
	if store != nil {
		orchCfg.Outcomes = store
	}
	orch := orchestrator.New(orchCfg)

	targets := maintenance.Targets{
		PurgeDedup:      index.Purge,
		SweepHistory:    ledger.Sweep,
		CompactSessions: sessions.Compact,
	}
	if store != nil {
		targets.PruneArchive = store.PruneInbound
		targets.VacuumArchive = store.Vacuum
	}
	jobs, err := maintenance.NewRunner(maintenance.Config{
		SweepSpec:  cfg.Maintenance.SweepSpec,
		VacuumSpec: cfg.Maintenance.VacuumSpec,
		ArchiveTTL: time.Duration(cfg.Maintenance.ArchiveRetentionDays) * 24 * time.Hour,
	}, targets, logger)
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	jobs.Start()
	logger.Info("bacollab running", "version", version, "listen", cfg.WhatsApp.ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	jobs.Stop()
	orch.Stop()
	return nil
}

func setupLogger(gc config.GeneralConfig) error {
	level := slog.LevelInfo
	switch gc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var w io.Writer = os.Stderr
	if gc.LogFile != "" {
		f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}
