package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentinel/internal/alert"
)

func testNote() Notification {
	return Notification{
		Symbol:      "KS200",
		Severity:    alert.SeverityLV2,
		DeltaPct:    decimal.NewFromFloat(-1.8),
		TriggeredAt: time.Date(2025, 1, 10, 14, 0, 0, 0, time.FixedZone("KST", 9*3600)),
		Session:     "DAY",
		Ack:         "SNT-20250110-1400-AB12",
	}
}

func silentNotifier(url string, maxAttempts int) *TelegramNotifier {
	n := NewTelegramNotifier("token", "chat", url, time.Second, maxAttempts, zerolog.Nop())
	n.sleep = func(context.Context, time.Duration) error { return nil }
	return n
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	attempts, err := silentNotifier(srv.URL, 3).Notify(context.Background(), testNote())
	if err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, 期望 1", attempts)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "[Sentinel/LV2] KS200") || !strings.Contains(text, "ACK:") {
		t.Fatalf("text 内容不完整: %q", text)
	}
}

func TestTelegramNotifierRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	attempts, err := silentNotifier(srv.URL, 4).Notify(context.Background(), testNote())
	if err != nil {
		t.Fatalf("429 重试后应成功: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, 期望 3", attempts)
	}
}

func TestTelegramNotifierGivesUpAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	attempts, err := silentNotifier(srv.URL, 3).Notify(context.Background(), testNote())
	if err == nil {
		t.Fatal("持续 503 应报错")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, 期望 3", attempts)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	if _, err := silentNotifier(srv.URL, 3).Notify(context.Background(), testNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}
