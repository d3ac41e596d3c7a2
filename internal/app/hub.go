package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"market-sentinel/internal/hub"
	"market-sentinel/internal/scheduler"
	"market-sentinel/internal/storage"
)

// RunHub starts the hub server plus the failed-job sweeper and blocks
// until shutdown.
func (a *App) RunHub(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，hub 无法启动")
	}
	defer closeStore()

	var cache hub.IdemCache
	if client := a.newRedis(); client != nil {
		defer client.Close()
		cache = hub.NewRedisCache(client, a.Config.Redis.KeyPrefix, a.Logger)
	}

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("notify disabled; jobs will stay queued")
	}

	svc := hub.NewService(hub.Config{
		Secret:   a.Config.Auth.HubSecret,
		BaseURL:  a.Config.Hub.BaseURL,
		CacheTTL: a.Config.Hub.CacheTTL,
	}, store, cache, notifier, a.Logger)

	if a.Config.Sweeper.Enabled && notifier != nil {
		go a.runSweeper(ctx, svc, store)
	}

	server := &http.Server{
		Addr:              a.Config.Hub.Addr,
		Handler:           hub.NewServer(svc, a.Logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a.serveUntilCancelled(ctx, server, "hub")
}

// runSweeper periodically repushes failed jobs. The advisory lock keeps
// a single sweeper active across replicas.
func (a *App) runSweeper(ctx context.Context, svc *hub.Service, locker storage.AdvisoryLocker) {
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Sweeper.Interval,
		StartupDelay: a.Config.Sweeper.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, a.Config.Sweeper.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			a.Logger.Debug().Msg("sweeper lock held elsewhere; skipping run")
			return nil
		}
		defer unlock()

		n, err := svc.RepushFailed(ctx, a.Config.Sweeper.BatchSize)
		if err != nil {
			return err
		}
		if n > 0 {
			a.Logger.Info().Int("repushed", n).Msg("sweeper repushed failed jobs")
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("sweeper terminated")
	}
}
