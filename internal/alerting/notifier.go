package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentinel/internal/alert"
)

// Notification 封装一次推送的告警上下文。
type Notification struct {
	Symbol      string
	Severity    alert.Severity
	DeltaPct    decimal.Decimal
	TriggeredAt time.Time
	Session     string
	Note        string
	Ack         string
	JobURL      string
}

// Notifier 定义告警输送接口。Pushes are best-effort: failures are
// logged by callers, never surfaced to the inbound request path.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) (attempts int, err error)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken    string
	chatID      string
	baseURL     string
	maxAttempts int
	backoffBase time.Duration
	client      *http.Client
	logger      zerolog.Logger

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultNotifyAttempts = 3
	defaultNotifyBackoff  = 500 * time.Millisecond
)

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, maxAttempts int, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultNotifyAttempts
	}

	return &TelegramNotifier{
		botToken:    botToken,
		chatID:      chatID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: maxAttempts,
		backoffBase: defaultNotifyBackoff,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Notify 调用 sendMessage API 推送文本, retrying transient failures
// with the same backoff discipline as the hub forwarder. The returned
// attempt count feeds the hub job's retries column.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) (int, error) {
	text := RenderMessage(note)

	attempts := 0
	for attempts < n.maxAttempts {
		if attempts > 0 {
			if err := n.sleep(ctx, n.backoffBase<<uint(attempts-1)); err != nil {
				return attempts, err
			}
		}
		attempts++

		status, err := n.send(ctx, text)
		if err == nil && status == http.StatusOK {
			n.logger.Info().Str("symbol", note.Symbol).
				Str("severity", string(note.Severity)).
				Int("attempts", attempts).
				Msg("告警已发送 (Telegram)")
			return attempts, nil
		}
		if !retryable(status, err) {
			return attempts, fmt.Errorf("telegram 响应码异常: %d", status)
		}
		n.logger.Warn().Err(err).Int("status", status).Int("attempt", attempts).Msg("telegram push retry")
	}
	return attempts, fmt.Errorf("telegram push failed after %d attempts", attempts)
}

func (n *TelegramNotifier) send(ctx context.Context, text string) (int, error) {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var result struct {
			OK bool `json:"ok"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&result); decodeErr == nil && !result.OK {
			return resp.StatusCode, fmt.Errorf("telegram 返回 ok=false")
		}
	}
	return resp.StatusCode, nil
}

func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RenderMessage formats a notification the way downstream chat readers
// expect it: level tag, delta line, and optional ack/job references.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Sentinel/%s] %s\n", note.Severity, note.Symbol))
	builder.WriteString(fmt.Sprintf("Delta: %s%% @ %s\n", note.DeltaPct.StringFixed(2), note.TriggeredAt.Format(time.RFC3339)))
	if note.Session != "" {
		builder.WriteString(fmt.Sprintf("Session: %s\n", note.Session))
	}
	if note.Note != "" {
		builder.WriteString(note.Note + "\n")
	}
	if note.JobURL != "" {
		builder.WriteString(fmt.Sprintf("job: %s\n", note.JobURL))
	}
	if note.Ack != "" {
		builder.WriteString(fmt.Sprintf("ACK: %s\n", note.Ack))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
