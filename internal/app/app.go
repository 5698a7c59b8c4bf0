// Package app wires the settlement components from configuration. Every binary
// builds its dependencies through New so they share one construction path.
package app

import (
	"fmt"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/services"
	"coaching_settlement/internal/settlement"
	"coaching_settlement/internal/store"
	"coaching_settlement/internal/tasks"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *gorm.DB
	Ledger    *store.LedgerStore
	Publisher services.Publisher
	Alerter   settlement.Alerter

	Fees      *settlement.FeeReconciler
	Payouts   *settlement.PayoutOrchestrator
	Refunds   *settlement.RefundService
	Sweeper   *settlement.StaleLockSweeper
	Confirmer *settlement.PayoutConfirmer

	Registry *tasks.Registry
}

// LoadConfig reads .env when present and then the process environment.
func LoadConfig() (*config.Config, *zap.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := services.NewLogger(cfg.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if envErr != nil {
		logger.Debug("No .env file found, using system environment")
	}
	return cfg, logger, nil
}

// New connects to the database and event transport and builds every component.
func New() (*App, error) {
	cfg, logger, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	db, err := services.InitDB(cfg.DatabaseURL, cfg.Env, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	publisher, err := services.NewPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.StripeKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, gateway calls will fail")
	}
	gateway := services.NewStripeService(cfg.StripeKey, cfg.GatewayTimeout)
	alerter := services.NewAlerter(cfg, logger)
	ledger := store.NewLedgerStore(db)
	s := cfg.Settlement

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Ledger:    ledger,
		Publisher: publisher,
		Alerter:   alerter,
		Fees:      settlement.NewFeeReconciler(s, ledger, gateway, logger),
		Payouts:   settlement.NewPayoutOrchestrator(s, ledger, gateway, publisher, alerter, logger),
		Refunds:   settlement.NewRefundService(s, ledger, gateway, publisher, alerter, logger),
		Sweeper:   settlement.NewStaleLockSweeper(s, ledger, logger),
		Confirmer: settlement.NewPayoutConfirmer(s, ledger, gateway, logger),
		Registry:  tasks.NewRegistry(),
	}
	tasks.DefineTasks(a.Registry, tasks.Jobs{
		Fees:      a.Fees,
		Payouts:   a.Payouts,
		Sweeper:   a.Sweeper,
		Confirmer: a.Confirmer,
	})
	return a, nil
}

func (a *App) Close() {
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn("Failed to close event publisher", zap.Error(err))
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
	_ = a.Logger.Sync()
}
