package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"market-sentinel/internal/hub"
)

// Resend repushes failed hub jobs。
func (a *App) Resend(ctx context.Context, opts ResendOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法补推")
	}
	defer closeStore()

	if opts.DryRun {
		jobs, err := store.ListFailedJobs(ctx, opts.Limit)
		if err != nil {
			return err
		}
		a.Logger.Warn().Msg("补推 dry-run：不会实际推送")
		for _, job := range jobs {
			fmt.Fprintf(os.Stdout, "%d\t%s\t%s\tretries=%d\n", job.ID, job.IdempotencyKey, job.Priority, job.Retries)
		}
		fmt.Fprintf(os.Stdout, "%d failed job(s)\n", len(jobs))
		return nil
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	svc := hub.NewService(hub.Config{
		BaseURL: a.Config.Hub.BaseURL,
	}, store, nil, notifier, a.Logger)

	n, err := svc.RepushFailed(ctx, opts.Limit)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("repushed", n).Msg("补推完成")
	return nil
}
