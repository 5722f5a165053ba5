package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"newsbot/internal/admin"
	"newsbot/internal/dispatcher"
	"newsbot/internal/news"
	"newsbot/internal/registry"
	"newsbot/internal/scheduler"
	"newsbot/internal/stats"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

type stubDispatcher struct{ err error }

func (s stubDispatcher) Run(_ context.Context, trigger dispatcher.Trigger) (dispatcher.RunResult, error) {
	if s.err != nil {
		return dispatcher.RunResult{}, s.err
	}
	return dispatcher.RunResult{ID: "run-1", Trigger: trigger, Delivered: 2}, nil
}

func newTestServer(t *testing.T, token string, disp admin.Dispatcher, opts ...Option) *httptest.Server {
	t.Helper()
	return newTestServerConfig(t, Config{Token: token}, disp, opts...)
}

func newTestServerConfig(t *testing.T, cfg Config, disp admin.Dispatcher, opts ...Option) *httptest.Server {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() err = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := admin.New(registry.New(db, logx.Nop()), disp, stats.New(time.Now()), db, nil, logx.Nop())
	ts := httptest.NewServer(New(cfg, svc, logx.Nop(), opts...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() err = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s err = %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "secret", stubDispatcher{})
	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "secret", stubDispatcher{})
	tests := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{"wrong", http.StatusUnauthorized},
		{"secret", http.StatusOK},
	}
	for _, tt := range tests {
		resp, _ := do(t, http.MethodGet, ts.URL+"/api/stats", tt.token, "")
		if resp.StatusCode != tt.want {
			t.Fatalf("token %q status = %d, want %d", tt.token, resp.StatusCode, tt.want)
		}
	}
}

func TestSourcesLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "", stubDispatcher{})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/sources", "", `{"name":"Habr","url":"https://habr.example/feed"}`)
	if resp.StatusCode != http.StatusCreated || body["kind"] != string(news.KindRSS) {
		t.Fatalf("add = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/sources", "", `{"name":"Habr2","url":"https://habr.example/feed"}`)
	if resp.StatusCode != http.StatusConflict || body["error"] != "a source with this name or url already exists" {
		t.Fatalf("duplicate = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/sources", "", `{"name":"X","url":"u","kind":"gopher"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/sources", "", `{"name":"X","url":"u","extra":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/api/sources")
	if err != nil {
		t.Fatalf("list err = %v", err)
	}
	var list []news.Source
	_ = json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list) != 1 || list[0].Name != "Habr" {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/sources/Habr", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodDelete, ts.URL+"/api/sources/Habr", "", "")
	if resp.StatusCode != http.StatusNotFound || body["error"] != "source not found" {
		t.Fatalf("second delete = %d %v", resp.StatusCode, body)
	}

	allResp, err := http.Get(ts.URL + "/api/sources?all=1")
	if err != nil {
		t.Fatalf("list all err = %v", err)
	}
	list = nil
	_ = json.NewDecoder(allResp.Body).Decode(&list)
	allResp.Body.Close()
	if len(list) != 1 || list[0].Active {
		t.Fatalf("list all = %+v", list)
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "", stubDispatcher{})
	resp, body := do(t, http.MethodPost, ts.URL+"/api/fetch", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	if body["delivered"] != float64(2) || body["trigger"] != string(dispatcher.TriggerAPI) {
		t.Fatalf("fetch body = %v", body)
	}

	busy := newTestServer(t, "", stubDispatcher{err: dispatcher.ErrRunInProgress})
	resp, body = do(t, http.MethodPost, busy.URL+"/api/fetch", "", "")
	if resp.StatusCode != http.StatusConflict || body["error"] != "a run is already in progress" {
		t.Fatalf("busy fetch = %d %v", resp.StatusCode, body)
	}

	closing := newTestServer(t, "", stubDispatcher{err: dispatcher.ErrClosed})
	resp, body = do(t, http.MethodPost, closing.URL+"/api/fetch", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["error"] != "the bot is shutting down" {
		t.Fatalf("fetch during shutdown = %d %v", resp.StatusCode, body)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "", stubDispatcher{})
	resp, body := do(t, http.MethodGet, ts.URL+"/api/stats", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	if body["active_sources"] != float64(0) {
		t.Fatalf("stats body = %v", body)
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	sched := scheduler.New(scheduler.Config{Location: time.UTC}, logx.Nop())
	if err := sched.Register("dispatch.interval", "*/30 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Register() err = %v", err)
	}
	ts := newTestServer(t, "", stubDispatcher{}, WithSchedule(sched))
	resp, body := do(t, http.MethodGet, ts.URL+"/api/schedule", "", "")
	if resp.StatusCode != http.StatusOK || body["timezone"] != "UTC" {
		t.Fatalf("schedule = %d %v", resp.StatusCode, body)
	}
	timers, _ := body["timers"].([]any)
	if len(timers) != 1 {
		t.Fatalf("timers = %v, want 1", body["timers"])
	}

	plain := newTestServer(t, "", stubDispatcher{})
	resp, _ = do(t, http.MethodGet, plain.URL+"/api/schedule", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("schedule without scheduler status = %d, want 404", resp.StatusCode)
	}
}

func TestPprof(t *testing.T) {
	t.Parallel()

	ts := newTestServerConfig(t, Config{Token: "secret", Pprof: true}, stubDispatcher{})
	resp, _ := do(t, http.MethodGet, ts.URL+"/debug/pprof/cmdline", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pprof without token status = %d, want 401", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/debug/pprof/cmdline", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status = %d, want 200", resp.StatusCode)
	}

	off := newTestServer(t, "", stubDispatcher{})
	resp, _ = do(t, http.MethodGet, off.URL+"/debug/pprof/cmdline", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof disabled status = %d, want 404", resp.StatusCode)
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "secret", stubDispatcher{})
	get := func(query string) (int, []storage.AuditEntry) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/audit"+query, nil)
		req.Header.Set("Authorization", "Bearer secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /api/audit err = %v", err)
		}
		defer resp.Body.Close()
		var out []storage.AuditEntry
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	code, entries := get("")
	if code != http.StatusOK || entries == nil || len(entries) != 0 {
		t.Fatalf("empty audit = %d %v", code, entries)
	}

	do(t, http.MethodPost, ts.URL+"/api/sources", "secret", `{"name":"Habr","url":"https://habr.example/feed","kind":"rss"}`)
	do(t, http.MethodDelete, ts.URL+"/api/sources/Nope", "secret", "")

	code, entries = get("?limit=1")
	if code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("audit = %d %v, want one entry", code, entries)
	}
	if e := entries[0]; e.Action != "source.remove" || e.OK || e.Surface != admin.SurfaceHTTP || e.Error == "" {
		t.Fatalf("entries[0] = %+v", e)
	}

	if code, _ := get("?limit=zero"); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", code)
	}
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/audit", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("audit without token status = %d, want 401", resp.StatusCode)
	}
}
