package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wafrelay/wafrelay/internal/account"
	"github.com/wafrelay/wafrelay/internal/apikey"
	"github.com/wafrelay/wafrelay/internal/browser"
	"github.com/wafrelay/wafrelay/internal/config"
	"github.com/wafrelay/wafrelay/internal/site"
	"github.com/wafrelay/wafrelay/internal/wafcookie"
)

type fakeCookieCache struct {
	cookies map[string]string
	err     error
	forces  int
}

func (f *fakeCookieCache) ForceRefresh(ctx context.Context) (map[string]string, error) {
	f.forces++
	return f.cookies, f.err
}

func (f *fakeCookieCache) State() wafcookie.State { return wafcookie.StateValid }

func (f *fakeCookieCache) Stats() wafcookie.Stats {
	return wafcookie.Stats{State: wafcookie.StateValid, CookieCount: len(f.cookies)}
}

type fakeBrowser struct {
	restartErr error
	restarts   int
}

func (f *fakeBrowser) Restart() error {
	f.restarts++
	return f.restartErr
}

func (f *fakeBrowser) Stats() browser.Stats { return browser.Stats{Running: true} }

type fakeKeys struct{ cleared int }

func (f *fakeKeys) Clear()                   { f.cleared++ }
func (f *fakeKeys) CacheStats() apikey.Stats { return apikey.Stats{CachedKeys: 2} }

func testServer(t *testing.T, keys KeyCache) (*Server, *fakeCookieCache, *fakeBrowser) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte(`[{"name": "alpha", "api_key": "sk-alpha"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	pool := account.NewPool(path)
	if err := pool.Load(); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		ListenAddr: ":0",
		HTTPProxy:  "http://127.0.0.1:7890",
		Sites: []config.Site{
			{Name: "primary", URL: "https://primary.example.com", NeedWAF: true},
			{Name: "mirror", URL: "https://mirror.example.com"},
		},
		WAF: config.WAFConfig{TTL: 2700 * time.Second},
	}

	cookies := &fakeCookieCache{cookies: map[string]string{"acw_tc": "tok"}}
	b := &fakeBrowser{}
	router := site.NewRouter(cfg.Sites, "", staticCached{})
	relayStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	return New(cfg, relayStub, pool, router, cookies, b, keys, nil, nil), cookies, b
}

type staticCached struct{}

func (staticCached) Cached() map[string]string { return nil }

func doJSON(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("non-JSON response from %s %s: %s", method, path, rec.Body.String())
	}
	return rec.Code, body
}

func TestHealthPayload(t *testing.T) {
	s, _, _ := testServer(t, &fakeKeys{})
	code, body := doJSON(t, s.Routes(), http.MethodGet, "/health")

	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	accounts := body["accounts"].(map[string]any)
	if accounts["total"].(float64) != 1 || accounts["healthy"].(float64) != 1 {
		t.Errorf("accounts = %v", accounts)
	}
	current := body["current_site"].(map[string]any)
	if current["name"] != "primary" || current["is_primary"] != true {
		t.Errorf("current_site = %v", current)
	}
	if _, ok := body["waf_cookies"]; !ok {
		t.Error("missing waf_cookies")
	}
	if _, ok := body["browser"]; !ok {
		t.Error("missing browser")
	}
	apiKeys := body["api_key_validation"].(map[string]any)
	if apiKeys["enabled"] != true {
		t.Errorf("api_key_validation = %v", apiKeys)
	}
}

func TestRelayRouting(t *testing.T) {
	s, _, _ := testServer(t, nil)
	routes := s.Routes()

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(method, "/v1/messages", nil))
		if rec.Code != http.StatusTeapot {
			t.Errorf("%s /v1/messages reached status %d, want the relay stub", method, rec.Code)
		}
	}

	// Anything outside the API and admin surface is a 404.
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/messages", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", rec.Code)
	}
}

func TestReload(t *testing.T) {
	s, _, _ := testServer(t, nil)
	code, body := doJSON(t, s.Routes(), http.MethodPost, "/reload")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code = %d, body = %v", code, body)
	}
	if body["accounts"].(float64) != 1 {
		t.Errorf("accounts = %v", body["accounts"])
	}
}

func TestRefreshWAF(t *testing.T) {
	s, cookies, _ := testServer(t, nil)
	code, body := doJSON(t, s.Routes(), http.MethodPost, "/refresh-waf")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code = %d, body = %v", code, body)
	}
	if cookies.forces != 1 {
		t.Errorf("forces = %d", cookies.forces)
	}
	if body["ttl_seconds"].(float64) != 2700 {
		t.Errorf("ttl_seconds = %v", body["ttl_seconds"])
	}

	cookies.err = errors.New("browser unavailable")
	_, body = doJSON(t, s.Routes(), http.MethodPost, "/refresh-waf")
	if body["status"] != "error" || body["message"] != "browser unavailable" {
		t.Errorf("body = %v", body)
	}
}

func TestRestartBrowser(t *testing.T) {
	s, _, b := testServer(t, nil)
	code, body := doJSON(t, s.Routes(), http.MethodPost, "/restart-browser")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code = %d, body = %v", code, body)
	}
	if b.restarts != 1 {
		t.Errorf("restarts = %d", b.restarts)
	}
}

func TestSwitchToPrimaryAlreadyThere(t *testing.T) {
	s, _, _ := testServer(t, nil)
	_, body := doJSON(t, s.Routes(), http.MethodPost, "/switch-to-primary")
	if body["status"] != "ok" || body["message"] != "already using primary site" {
		t.Errorf("body = %v", body)
	}
}

func TestForceSwitchToPrimary(t *testing.T) {
	s, _, _ := testServer(t, nil)
	// Rotate away from the primary first.
	for i := 0; i < 3; i++ {
		s.router.RecordFailure()
	}
	_, body := doJSON(t, s.Routes(), http.MethodPost, "/force-switch-to-primary")
	if body["status"] != "ok" || body["current_site"] != "primary" {
		t.Errorf("body = %v", body)
	}
}

func TestClearKeyCache(t *testing.T) {
	keys := &fakeKeys{}
	s, _, _ := testServer(t, keys)
	_, body := doJSON(t, s.Routes(), http.MethodPost, "/clear-api-key-cache")
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if keys.cleared != 1 {
		t.Errorf("cleared = %d", keys.cleared)
	}

	// Disabled validation is not an error.
	s2, _, _ := testServer(t, nil)
	_, body = doJSON(t, s2.Routes(), http.MethodPost, "/clear-api-key-cache")
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
