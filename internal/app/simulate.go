package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"market-sentinel/internal/alert"
	"market-sentinel/internal/auth"
)

// Simulate 构造一条合成告警并签名投递到 sentinel 入口。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Symbol == "" {
		return errors.New("--symbol 必须提供")
	}

	url := opts.URL
	if url == "" {
		url = fmt.Sprintf("http://localhost%s/alert", a.Config.Server.Addr)
	}

	delta := decimal.NewFromFloat(opts.DeltaPct)
	body, err := json.Marshal(alert.Alert{
		Symbol:      opts.Symbol,
		Severity:    alert.GradeDelta(delta),
		DeltaPct:    delta,
		TriggeredAt: time.Now(),
		Note:        opts.Note,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	secret := opts.Secret
	if secret == "" {
		secret = a.Config.Auth.InboundSecret
	}
	if secret != "" {
		req.Header.Set("X-Signature", auth.Sign(body, secret))
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("simulate rejected: status=%d body=%s", resp.StatusCode, respBody)
	}

	a.Logger.Info().Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("模拟告警已投递")
	return nil
}
