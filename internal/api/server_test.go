package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"odoo-ops-relay/internal/config"
	"odoo-ops-relay/internal/deadletter"
	"odoo-ops-relay/internal/dispatch"
	"odoo-ops-relay/internal/drain"
	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/odoo"
	"odoo-ops-relay/internal/ratelimit"
	"odoo-ops-relay/internal/router"
	"odoo-ops-relay/internal/store"
	"odoo-ops-relay/internal/syncengine"
	"odoo-ops-relay/internal/telemetry"
)

type harness struct {
	srv   *httptest.Server
	store *store.SQLite
	redis *miniredis.Miniredis
	dlq   *deadletter.Queue
}

func newHarness(t *testing.T, cfg config.Config, upstream http.Handler) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if upstream == nil {
		upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	}
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)
	if cfg.OdooBaseURL == "" {
		cfg.OdooBaseURL = up.URL
	}
	if cfg.OdooURL == "" {
		cfg.OdooURL = up.URL
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.RateLimitCapacity == 0 {
		cfg.RateLimitCapacity = 100
	}

	dlq := deadletter.New(rdb, "test:dlq")
	rt := router.New([]router.Route{{Prefix: "github", Destination: up.URL + "/hook"}}, router.Options{})
	client := odoo.NewClient(odoo.Credentials{URL: cfg.OdooURL, DB: cfg.OdooDB, Username: cfg.OdooUsername, Password: cfg.OdooPassword}, nil)

	s := New(cfg, Deps{
		Store:       st,
		Drain:       drain.NewWorker(st, rt, drain.WithHeartbeats(st)),
		Dispatcher:  dispatch.New(st, cfg.OdooBaseURL, cfg.OdooAPIKey, nil, nil),
		Sync:        syncengine.New(st, syncengine.ClientConnector(client), syncengine.WithDeadLetter(dlq)),
		Limiter:     ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, 0.001, time.Minute),
		DeadLetters: dlq,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: st, redis: mr, dlq: dlq}
}

func (h *harness) post(t *testing.T, path string, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestEventIngestThenDrain(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp, body := h.post(t, "/events", `{"topic":"github.issue.opened","payload":{"n":1},"idempotency_key":"evt-1"}`, nil)
	if resp.StatusCode != http.StatusAccepted || body["ok"] != true {
		t.Fatalf("unexpected ingest response %d %v", resp.StatusCode, body)
	}
	resp, body = h.post(t, "/events", `{"topic":"github.issue.opened","payload":{"n":2},"idempotency_key":"evt-1"}`, nil)
	if resp.StatusCode != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("expected duplicate, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.post(t, "/drain_webhooks", ``, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drain status %d", resp.StatusCode)
	}
	if body["processed"].(float64) != 1 || body["done"].(float64) != 1 {
		t.Fatalf("unexpected drain summary: %v", body)
	}

	resp, body = h.get(t, "/heartbeat?source=drain_webhooks")
	if resp.StatusCode != http.StatusOK || len(body["items"].([]any)) != 1 {
		t.Fatalf("expected drain heartbeat, got %v", body)
	}
}

func TestEventRequiresValidSignature(t *testing.T) {
	h := newHarness(t, config.Config{HMACSecret: "shh"}, nil)
	payload := `{"event_type":"invoice.posted","payload":{}}`

	resp, _ := h.post(t, "/events", payload, map[string]string{"X-Signature": "deadbeef"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	resp, body := h.post(t, "/events", payload, map[string]string{"X-Signature": sig})
	if resp.StatusCode != http.StatusAccepted || body["topic"] != "invoice.posted" {
		t.Fatalf("expected accepted signed event, got %d %v", resp.StatusCode, body)
	}
}

func TestEventValidation(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	if resp, _ := h.post(t, "/events", `{"payload":{}}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing topic, got %d", resp.StatusCode)
	}
	if resp, _ := h.post(t, "/events", `{nope`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", resp.StatusCode)
	}
}

func TestIngressRateLimitPerSource(t *testing.T) {
	h := newHarness(t, config.Config{RateLimitCapacity: 1}, nil)
	hdr := map[string]string{"X-Webhook-Source": "github"}

	if resp, _ := h.post(t, "/events", `{"topic":"github.push"}`, hdr); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first event should pass, got %d", resp.StatusCode)
	}
	if resp, _ := h.post(t, "/events", `{"topic":"github.push"}`, hdr); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second event should be limited, got %d", resp.StatusCode)
	}
	other := map[string]string{"X-Webhook-Source": "stripe"}
	if resp, _ := h.post(t, "/events", `{"topic":"invoice.paid"}`, other); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other source should pass, got %d", resp.StatusCode)
	}
}

func TestDispatcherStatuses(t *testing.T) {
	status := http.StatusOK
	h := newHarness(t, config.Config{OdooAPIKey: "k"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	resp, body := h.post(t, "/odoo_sync_dispatcher", `{"idempotency_key":"d-1"}`, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true || body["idempotency_key"] != "d-1" {
		t.Fatalf("unexpected 2xx dispatch: %d %v", resp.StatusCode, body)
	}

	status = http.StatusInternalServerError
	resp, body = h.post(t, "/odoo_sync_dispatcher", `{"idempotency_key":"d-2"}`, nil)
	if resp.StatusCode != http.StatusBadGateway || body["ok"] != false || body["status"].(float64) != 500 {
		t.Fatalf("unexpected non-2xx dispatch: %d %v", resp.StatusCode, body)
	}
	job, err := h.store.JobByIdempotencyKey(context.Background(), "d-2")
	if err != nil || job.Status != models.JobPending {
		t.Fatalf("rejected dispatch must stay queued: %+v err=%v", job, err)
	}
}

func TestMissingEnvIsConfigurationError(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp, body := h.post(t, "/odoo_sync_dispatcher", `{}`, nil)
	if resp.StatusCode != http.StatusInternalServerError || body["error"] != "missing env ODOO_API_KEY" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	resp, body = h.post(t, "/odoo-sync", ``, nil)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(body["error"].(string), "ODOO_DB") {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
}

func fakeOdooHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params struct {
				Method string `json:"method"`
			} `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch {
		case r.URL.Path == "/web/session/authenticate":
			http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "x"})
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"uid":2}}`))
		case req.Params.Method == "search_read":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":2,"result":[{"id":1,"name":"Acme"}]}`))
		case req.Params.Method == "create":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":3,"result":77}`))
		default:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":200,"message":"boom"}}`))
		}
	})
}

func TestSyncEndpoint(t *testing.T) {
	cfg := config.Config{OdooDB: "db", OdooUsername: "u", OdooPassword: "p"}
	h := newHarness(t, cfg, fakeOdooHandler(t))

	resp, _ := h.post(t, "/outbox", `{"model":"res.partner","operation":"upsert","payload":{"name":"New Co"}}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("outbox enqueue status %d", resp.StatusCode)
	}

	resp, body := h.post(t, "/odoo-sync?mode=both&model=res.partner", ``, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected sync response %d %v", resp.StatusCode, body)
	}
	result := body["result"].(map[string]any)
	pull := result["odoo_to_sb"].(map[string]any)
	push := result["sb_to_odoo"].(map[string]any)
	if pull["fetched"].(float64) != 1 || push["processed"].(float64) != 1 {
		t.Fatalf("unexpected sync result: %v", result)
	}
	if _, err := h.store.GetMirror(context.Background(), "res.partner", 77); err != nil {
		t.Fatalf("created partner not mirrored: %v", err)
	}

	if resp, _ := h.post(t, "/odoo-sync?mode=sideways", ``, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad mode, got %d", resp.StatusCode)
	}
	if resp, body := h.post(t, "/odoo-sync?mode=odoo_to_sb&model=sale.order", ``, nil); resp.StatusCode != http.StatusInternalServerError || body["ok"] != false {
		t.Fatalf("expected 500 for unsupported model, got %d %v", resp.StatusCode, body)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp, body := h.post(t, "/heartbeat", `{"source":"cron","status":"ok","meta":{"v":1}}`, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true || body["ts"] == nil {
		t.Fatalf("unexpected heartbeat response %d %v", resp.StatusCode, body)
	}
	if resp, _ := h.post(t, "/heartbeat", `{"source":"cron","status":"maybe"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.StatusCode)
	}
	if resp, _ := h.post(t, "/heartbeat", `{"status":"ok"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing source, got %d", resp.StatusCode)
	}
	_, body = h.get(t, "/heartbeat?source=cron&limit=5")
	if items := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one heartbeat, got %v", items)
	}
}

func TestDLQAndHealth(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	if err := h.dlq.Push(context.Background(), models.OutboxItem{ID: 9, Model: "res.partner", Operation: "upsert"}, "gave up"); err != nil {
		t.Fatalf("push dlq: %v", err)
	}
	resp, body := h.get(t, "/dlq")
	items := body["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 1 || items[0].(map[string]any)["reason"] != "gave up" {
		t.Fatalf("unexpected dlq: %d %v", resp.StatusCode, body)
	}

	resp, body = h.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health: %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/events", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	pre.Body.Close()
	if pre.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected CORS headers on preflight")
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	h := newHarness(t, config.Config{OdooAPIKey: "k"}, nil)
	big := `{"topic":"github.push","payload":"` + strings.Repeat("x", maxBody) + `"}`

	for _, path := range []string{"/events", "/odoo_sync_dispatcher"} {
		resp, body := h.post(t, path, big, nil)
		if resp.StatusCode != http.StatusBadRequest || body["error"] != errBodyTooLarge.Error() {
			t.Fatalf("%s: expected 400 for oversized body, got %d %v", path, resp.StatusCode, body)
		}
	}
}

func TestDispatcherAcceptsMalformedBody(t *testing.T) {
	h := newHarness(t, config.Config{OdooAPIKey: "k"}, nil)
	resp, body := h.post(t, "/odoo_sync_dispatcher", `not json`, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true || body["idempotency_key"] == "" {
		t.Fatalf("malformed body should dispatch as {}, got %d %v", resp.StatusCode, body)
	}
}

func TestHeartbeatMetricLabelsAreBounded(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	other := telemetry.HeartbeatsWritten.WithLabelValues("other", models.HeartbeatOK)
	before := testutil.ToFloat64(other)
	series := testutil.CollectAndCount(telemetry.HeartbeatsWritten)

	for _, src := range []string{"cron-a", "cron-b", "cron-c"} {
		if resp, _ := h.post(t, "/heartbeat", `{"source":"`+src+`"}`, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("heartbeat %s: status %d", src, resp.StatusCode)
		}
	}
	if got := testutil.ToFloat64(other) - before; got != 3 {
		t.Fatalf("expected 3 heartbeats under other, got %v", got)
	}
	if n := testutil.CollectAndCount(telemetry.HeartbeatsWritten); n != series {
		t.Fatalf("ad-hoc sources must not add series: %d -> %d", series, n)
	}
	if heartbeatLabel(drain.HeartbeatSource) != drain.HeartbeatSource {
		t.Fatalf("known source should keep its label")
	}
}

func TestEventDelayIsClamped(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	resp, body := h.post(t, "/events", `{"topic":"github.push","delay_seconds":9223372036854775807}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d %v", resp.StatusCode, body)
	}
	job, err := h.store.GetJob(context.Background(), int64(body["id"].(float64)))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	now := time.Now()
	if !job.NextRunAt.After(now.Add(maxEventDelay-time.Minute)) || job.NextRunAt.After(now.Add(maxEventDelay)) {
		t.Fatalf("delay not clamped: next_run_at %s", job.NextRunAt)
	}
}
