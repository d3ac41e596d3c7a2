package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-sentinel/internal/alert"
	"market-sentinel/internal/alerting"
	"market-sentinel/internal/auth"
	"market-sentinel/internal/buffer"
	"market-sentinel/internal/dedup"
	"market-sentinel/internal/forward"
	"market-sentinel/internal/market"
)

var kst = time.FixedZone("KST", 9*3600)

// 2025-06-13 is a Friday.
func dayOpen(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", "2025-06-13 10:00", kst)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func nightClosedSunday(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", "2025-06-15 10:00", kst)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

type recordNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordNotifier) Notify(_ context.Context, n alerting.Notification) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return 1, nil
}

func (r *recordNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func newPipeline(t *testing.T, cfg Config, fwd *forward.Forwarder, notifier alerting.Notifier, now time.Time) *Pipeline {
	t.Helper()
	clock := market.NewClock(kst, nil, zerolog.Nop())
	p := New(cfg, clock, dedup.New(30*time.Minute), buffer.NewRing(100), fwd, notifier, zerolog.Nop())
	p.now = func() time.Time { return now }
	return p
}

func rawAlert(t *testing.T, symbol, severity string, at time.Time) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"symbol":       symbol,
		"severity":     severity,
		"delta_pct":    -1.8,
		"triggered_at": at.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestIngestAdmitsAndDispatches(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env forward.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("解码 envelope 失败: %v", err)
		}
		got.Store(env)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := dayOpen(t)
	fwd := forward.New(srv.URL, nil, forward.Options{MaxAttempts: 1}, zerolog.Nop())
	notifier := &recordNotifier{}
	p := newPipeline(t, Config{}, fwd, notifier, now)

	res, err := p.Ingest(context.Background(), rawAlert(t, "KS200", "LV2", now), "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Admitted || res.DedupSuppressed || res.SessionClosed {
		t.Fatalf("期望 admitted, got %+v", res)
	}
	if res.Session != market.SessionDay {
		t.Fatalf("session = %s, 期望 DAY", res.Session)
	}
	p.Close()

	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, 期望 1", notifier.count())
	}
	env, ok := got.Load().(forward.Envelope)
	if !ok {
		t.Fatal("hub 未收到 envelope")
	}
	if env.IdempotencyKey != alert.IdempotencyKey("KS200", now) {
		t.Fatalf("idempotency_key = %s", env.IdempotencyKey)
	}
	if env.Source != "sentinel" || env.Type != "alert.market" || env.Priority != "high" {
		t.Fatalf("envelope 元数据错误: %+v", env)
	}

	recent := p.Recent(buffer.Filter{})
	if len(recent) != 1 || recent[0].Symbol != "KS200" {
		t.Fatalf("buffer 内容错误: %+v", recent)
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	now := dayOpen(t)
	p := newPipeline(t, Config{InboundSecret: "topsecret"}, nil, nil, now)
	raw := rawAlert(t, "KS200", "LV1", now)

	if _, err := p.Ingest(context.Background(), raw, "deadbeef"); err != ErrInvalidSignature {
		t.Fatalf("err = %v, 期望 ErrInvalidSignature", err)
	}
	if _, err := p.Ingest(context.Background(), raw, auth.Sign(raw, "topsecret")); err != nil {
		t.Fatalf("合法签名被拒绝: %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	now := dayOpen(t)
	p := newPipeline(t, Config{}, nil, nil, now)

	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", "{not json"},
		{"missing symbol", `{"severity":"LV1","triggered_at":"2025-06-13T10:00:00+09:00"}`},
		{"missing triggered_at", `{"symbol":"KS200","severity":"LV1"}`},
		{"bad timestamp", `{"symbol":"KS200","triggered_at":"yesterday"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Ingest(context.Background(), []byte(tc.raw), "")
			var verr *ValidationError
			if err == nil {
				t.Fatal("期望校验错误")
			} else if !errors.As(err, &verr) {
				t.Fatalf("err = %T(%v), 期望 *ValidationError", err, err)
			}
		})
	}
}

func TestIngestClosedSessionAcksWithoutDelivery(t *testing.T) {
	now := nightClosedSunday(t)
	notifier := &recordNotifier{}
	p := newPipeline(t, Config{}, nil, notifier, now)

	res, err := p.Ingest(context.Background(), rawAlert(t, "KS200", "LV3", now), "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.SessionClosed || res.Admitted {
		t.Fatalf("期望 session closed ack, got %+v", res)
	}
	p.Close()
	if notifier.count() != 0 {
		t.Fatal("休市时段不应推送")
	}
	if len(p.Recent(buffer.Filter{})) != 0 {
		t.Fatal("休市告警不应进入缓冲")
	}
}

func TestIngestDedupSuppressesRepeat(t *testing.T) {
	now := dayOpen(t)
	notifier := &recordNotifier{}
	p := newPipeline(t, Config{}, nil, notifier, now)
	raw := rawAlert(t, "KS200", "LV2", now)

	first, err := p.Ingest(context.Background(), raw, "")
	if err != nil || !first.Admitted {
		t.Fatalf("首次告警应放行: res=%+v err=%v", first, err)
	}
	second, err := p.Ingest(context.Background(), raw, "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !second.DedupSuppressed || second.Admitted {
		t.Fatalf("期望重复告警被抑制, got %+v", second)
	}

	// 不同级别不受同一冷却约束。
	escalated, err := p.Ingest(context.Background(), rawAlert(t, "KS200", "LV3", now), "")
	if err != nil || !escalated.Admitted {
		t.Fatalf("升级告警应放行: res=%+v err=%v", escalated, err)
	}
	p.Close()
	if notifier.count() != 2 {
		t.Fatalf("notifications = %d, 期望 2", notifier.count())
	}
}
