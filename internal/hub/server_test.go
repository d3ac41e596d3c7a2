package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"market-sentinel/internal/auth"
)

func newTestServer(t *testing.T, secret string) (*Server, *memLedger) {
	t.Helper()
	ledger := &memLedger{}
	svc := NewService(Config{Secret: secret}, ledger, nil, &flakyNotifier{}, zerolog.Nop())
	return NewServer(svc, zerolog.Nop()), ledger
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleIngest(t *testing.T) {
	srv, _ := newTestServer(t, "hubsecret")
	raw := envelopeBody(t, "SN-KS200-1")

	rec := doRequest(t, srv, http.MethodPost, "/bridge/ingest", raw, map[string]string{
		"X-Signature": auth.Sign(raw, "hubsecret"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("解码响应失败: %v", err)
	}
	if res.JobID == 0 || !ackPattern.MatchString(res.Ack) || res.Duplicate {
		t.Fatalf("响应异常: %+v", res)
	}

	// Replay with the same key.
	rec = doRequest(t, srv, http.MethodPost, "/bridge/ingest", raw, map[string]string{
		"X-Signature": auth.Sign(raw, "hubsecret"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	var replay ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &replay); err != nil {
		t.Fatal(err)
	}
	if !replay.Duplicate || replay.JobID != res.JobID {
		t.Fatalf("期望判重返回原 job: %+v", replay)
	}
}

func TestHandleIngestRejections(t *testing.T) {
	srv, _ := newTestServer(t, "hubsecret")

	raw := envelopeBody(t, "SN-KS200-1")
	rec := doRequest(t, srv, http.MethodPost, "/bridge/ingest", raw, map[string]string{
		"X-Signature": "forged",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("伪造签名 status = %d, 期望 401", rec.Code)
	}

	bad := []byte(`{"source":"sentinel"}`)
	rec = doRequest(t, srv, http.MethodPost, "/bridge/ingest", bad, map[string]string{
		"X-Signature": auth.Sign(bad, "hubsecret"),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("缺字段 status = %d, 期望 422", rec.Code)
	}
}

func TestHandleJobsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, "")
	raw := envelopeBody(t, "SN-KS200-1")
	if rec := doRequest(t, srv, http.MethodPost, "/bridge/ingest", raw, nil); rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodGet, "/jobs?hours=1&limit=10", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Jobs) != 1 || listed.Jobs[0].IdempotencyKey != "SN-KS200-1" {
		t.Fatalf("jobs = %+v", listed.Jobs)
	}

	rec = doRequest(t, srv, http.MethodGet, "/jobs/1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}
	var detail jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Events) == 0 || len(detail.Payload) == 0 {
		t.Fatalf("job 详情缺事件或 payload: %+v", detail)
	}

	if rec := doRequest(t, srv, http.MethodGet, "/jobs/999", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, 期望 404", rec.Code)
	}

	if rec := doRequest(t, srv, http.MethodGet, "/jobs?hours=0", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法参数 status = %d, 期望 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health struct {
		Status    string `json:"status"`
		Errors24h int64  `json:"errors_24h"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Errors24h != 0 {
		t.Fatalf("health = %+v", health)
	}

	if rec := doRequest(t, srv, http.MethodGet, "/ready", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
}
