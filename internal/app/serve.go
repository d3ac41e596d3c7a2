package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"market-sentinel/internal/api"
	"market-sentinel/internal/auth"
	"market-sentinel/internal/buffer"
	"market-sentinel/internal/dedup"
	"market-sentinel/internal/forward"
	"market-sentinel/internal/pipeline"
)

// RunServe starts the sentinel ingest server and blocks until shutdown.
func (a *App) RunServe(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock, err := a.newClock()
	if err != nil {
		return err
	}

	var forwarder *forward.Forwarder
	if a.Config.Forward.URL != "" {
		var signer forward.Signer
		if secret := a.Config.Forward.Secret; secret != "" {
			signer = func(raw []byte) string { return auth.Sign(raw, secret) }
		}
		forwarder = forward.New(a.Config.Forward.URL, signer, forward.Options{
			MaxAttempts:    a.Config.Forward.MaxAttempts,
			BackoffBase:    a.Config.Forward.BackoffBase,
			ConnectTimeout: a.Config.Forward.ConnectTimeout,
			ReadTimeout:    a.Config.Forward.ReadTimeout,
		}, a.Logger)
	} else {
		a.Logger.Warn().Msg("forward.url not configured; hub forwarding disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("notify disabled; alerts will not be pushed")
	}

	pipe := pipeline.New(pipeline.Config{
		InboundSecret: a.Config.Auth.InboundSecret,
	}, clock, dedup.New(a.Config.Dedup.Cooldown), buffer.NewRing(a.Config.Buffer.Capacity), forwarder, notifier, a.Logger)
	defer pipe.Close()

	server := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           api.NewServer(pipe, a.Logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a.serveUntilCancelled(ctx, server, "sentinel")
}

// serveUntilCancelled runs an HTTP server until ctx is cancelled, then
// drains it.
func (a *App) serveUntilCancelled(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", server.Addr).Msgf("%s server listening", name)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msgf("%s server shutdown failed", name)
		return err
	}
	a.Logger.Info().Msgf("%s server stopped", name)
	return nil
}
