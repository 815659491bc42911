package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/spreadkeeper/spreadkeeper/internal/broker"
	"github.com/spreadkeeper/spreadkeeper/internal/closer"
	"github.com/spreadkeeper/spreadkeeper/internal/config"
	"github.com/spreadkeeper/spreadkeeper/internal/dashboard"
	"github.com/spreadkeeper/spreadkeeper/internal/notify"
	"github.com/spreadkeeper/spreadkeeper/internal/orders"
	"github.com/spreadkeeper/spreadkeeper/internal/reconcile"
	"github.com/spreadkeeper/spreadkeeper/internal/retry"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

// Bot holds the wired components of the position manager.
type Bot struct {
	config     *config.Config
	store      storage.Interface
	gateway    broker.Gateway
	sessions   *broker.SessionManager
	submitter  *orders.Submitter
	canceller  *orders.Canceller
	closer     *closer.Closer
	reconciler *reconcile.Engine
	notifier   notify.Notifier
	logger     *log.Logger
}

func main() {
	var (
		configPath string
		submitFile string
		dryRun     bool
		cancelID   string
		reason     string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&submitFile, "submit", "", "Submit the suggestion in this JSON file and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "With -submit, preview the order without placing it")
	flag.StringVar(&cancelID, "cancel", "", "Cancel the trade with this id and exit")
	flag.StringVar(&reason, "reason", "operator request", "With -cancel, the audit reason")
	flag.Parse()

	// Local .env is optional; config expansion reads the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[SPREADKEEPER] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting position manager in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	bot, err := buildBot(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := bot.store.Close(); err != nil {
			logger.Printf("closing storage: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if submitFile != "" || cancelID != "" {
		if err := runOneShot(ctx, bot, submitFile, dryRun, cancelID, reason); err != nil {
			logger.Fatalf("Command failed: %v", err)
		}
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		srv := startDashboard(cfg, bot)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Printf("dashboard shutdown: %v", err)
			}
		}()
	}

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Stopped")
}

func buildBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	var store storage.Interface
	var err error
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err = storage.NewSQLiteStorage(cfg.Storage.Path)
	default:
		store, err = storage.NewJSONStorage(cfg.Storage.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	tradier := broker.NewTradierGateway(cfg.Broker.APIKey, cfg.Broker.APIEndpoint,
		cfg.IsPaperTrading())
	// Retries inside, circuit breaker outside: a broker outage trips the
	// breaker instead of burning the whole retry schedule per call.
	gateway := broker.NewCircuitBreakerGateway(retry.NewClient(tradier, logger))

	sessions := broker.NewSessionManager(tradier)
	for _, acct := range cfg.Accounts {
		sessions.Register(acct.UserID, acct.AccountID, acct.RefreshToken)
	}

	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notifications.TelegramBotToken != "" && cfg.Notifications.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notifications.TelegramBotToken, cfg.Notifications.TelegramChatID))
	}
	notifier := notify.NewDispatcher(logger, senders...)

	timeout := cfg.OrderTimeout()
	return &Bot{
		config:    cfg,
		store:     store,
		gateway:   gateway,
		sessions:  sessions,
		submitter: orders.NewSubmitter(store, gateway, sessions, logger, timeout),
		canceller: orders.NewCanceller(store, gateway, sessions, logger, timeout),
		closer:    closer.New(store, gateway, notifier, sessions, logger, timeout, cfg.EngageDTE()),
		reconciler: reconcile.NewEngine(store, gateway, notifier, sessions, logger, timeout,
			reconcile.Config{
				CancelOrphans:       cfg.Reconciliation.CancelOrphans,
				ProfitTargetPercent: cfg.Reconciliation.ProfitTargetPercent,
				PendingGrace:        cfg.PendingGrace(),
			}),
		notifier: notifier,
		logger:   logger,
	}, nil
}

func startDashboard(cfg *config.Config, bot *Bot) *dashboard.Server {
	accounts := make([]string, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		accounts = append(accounts, acct.AccountID)
	}
	dashLogger := logrus.New()
	if cfg.Environment.LogLevel == "debug" {
		dashLogger.SetLevel(logrus.DebugLevel)
	}
	srv := dashboard.NewServer(dashboard.Config{
		Port:      cfg.Dashboard.Port,
		AuthToken: cfg.Dashboard.AuthToken,
	}, bot.store, bot.reconciler, accounts, dashLogger)
	go func() {
		if err := srv.Start(); err != nil {
			dashLogger.WithError(err).Error("dashboard server failed")
		}
	}()
	return srv
}

// Run drives the periodic sweep until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	interval := b.config.SweepInterval()
	b.logger.Printf("Sweep interval %s, %d account(s)", interval, len(b.config.Accounts))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.runSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.config.IsWithinTradingHours(time.Now()) {
				b.logger.Println("Outside trading hours, skipping sweep")
				continue
			}
			b.runSweep(ctx)
		}
	}
}
