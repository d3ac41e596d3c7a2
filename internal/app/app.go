package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-sentinel/internal/alerting"
	"market-sentinel/internal/config"
	"market-sentinel/internal/market"
	"market-sentinel/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Notify.Enabled {
		cfg := a.Config.Notify
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, cfg.MaxAttempts, a.Logger)
	}
	return nil
}

func (a *App) newClock() (*market.Clock, error) {
	loc, err := time.LoadLocation(a.Config.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone: %w", err)
	}

	calendar, err := market.NewCalendar(loc, a.Config.Session.Holidays)
	if err != nil {
		return nil, err
	}
	if path := a.Config.Session.HolidayFile; path != "" {
		if err := calendar.LoadHolidayFile(path); err != nil {
			return nil, err
		}
	}

	return market.NewClock(loc, calendar.IsTradingDay, a.Logger), nil
}

func (a *App) newRedis() *redis.Client {
	if !a.Config.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Hours int
	Limit int
}

// ExportOptions hold parameters for exporting the job ledger.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ResendOptions configure the failed-job repush.
type ResendOptions struct {
	Limit  int
	DryRun bool
}

// SimulateOptions describe one synthetic alert.
type SimulateOptions struct {
	URL      string
	Secret   string
	Symbol   string
	DeltaPct float64
	Note     string
}
