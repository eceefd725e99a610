// Package server assembles the relay's HTTP surface: the /v1 proxy route,
// the health and metrics endpoints, and the small set of admin operations.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/account"
	"github.com/wafrelay/wafrelay/internal/apikey"
	"github.com/wafrelay/wafrelay/internal/browser"
	"github.com/wafrelay/wafrelay/internal/checkin"
	"github.com/wafrelay/wafrelay/internal/config"
	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
	"github.com/wafrelay/wafrelay/internal/scheduler"
	"github.com/wafrelay/wafrelay/internal/site"
	"github.com/wafrelay/wafrelay/internal/wafcookie"
)

// CookieCache is the WAF cookie surface the admin endpoints need.
type CookieCache interface {
	ForceRefresh(ctx context.Context) (map[string]string, error)
	State() wafcookie.State
	Stats() wafcookie.Stats
}

// Browser is the browser surface the admin endpoints need.
type Browser interface {
	Restart() error
	Stats() browser.Stats
}

// KeyCache is the inbound key validator surface. Nil when validation is off.
type KeyCache interface {
	Clear()
	CacheStats() apikey.Stats
}

// Server is the assembled HTTP service.
type Server struct {
	cfg     config.Config
	relay   http.Handler
	pool    *account.Pool
	router  *site.Router
	cookies CookieCache
	browser Browser
	keys    KeyCache
	checkin *checkin.Runner
	sched   *scheduler.Scheduler

	httpServer *http.Server
	startedAt  time.Time
}

// New assembles the server. keys, checkin and sched may be nil when the
// corresponding feature is disabled.
func New(cfg config.Config, relay http.Handler, pool *account.Pool, router *site.Router,
	cookies CookieCache, b Browser, keys KeyCache, ci *checkin.Runner, sched *scheduler.Scheduler,
) *Server {
	s := &Server{
		cfg:       cfg,
		relay:     relay,
		pool:      pool,
		router:    router,
		cookies:   cookies,
		browser:   b,
		keys:      keys,
		checkin:   ci,
		sched:     sched,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the route table.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()

	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	} {
		r.Handler(method, "/v1/*path", s.relay)
	}

	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	r.Handler(http.MethodGet, "/metrics", metrics.Handler())

	r.HandlerFunc(http.MethodPost, "/reload", s.handleReload)
	r.HandlerFunc(http.MethodPost, "/refresh-waf", s.handleRefreshWAF)
	r.HandlerFunc(http.MethodPost, "/restart-browser", s.handleRestartBrowser)
	r.HandlerFunc(http.MethodPost, "/switch-to-primary", s.handleSwitchToPrimary)
	r.HandlerFunc(http.MethodPost, "/force-switch-to-primary", s.handleForceSwitchToPrimary)
	r.HandlerFunc(http.MethodPost, "/clear-api-key-cache", s.handleClearKeyCache)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.router.Snapshot()

	health := s.pool.HealthReport()
	healthy := 0
	for _, name := range s.pool.Names() {
		if h, ok := health[name]; !ok || h.DisabledUntil == nil {
			healthy++
		}
	}

	payload := map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"accounts": map[string]any{
			"total":   s.pool.Len(),
			"healthy": healthy,
			"health":  health,
		},
		"current_site": map[string]any{
			"name":        snap.CurrentName,
			"url":         snap.CurrentURL,
			"index":       snap.CurrentIndex,
			"fail_count":  snap.FailCount,
			"total_sites": len(snap.Sites),
			"is_primary":  snap.CurrentIndex == 0,
		},
		"primary_site_check": map[string]any{
			"enabled":          s.cfg.PrimaryCheck.Enabled,
			"interval_minutes": int(s.cfg.PrimaryCheck.Interval.Minutes()),
			"status":           snap.Primary,
		},
		"browser":     s.browser.Stats(),
		"waf_cookies": s.cookies.Stats(),
		"proxy":       s.cfg.HTTPProxy,
	}

	apiKeys := map[string]any{"enabled": s.keys != nil}
	if s.keys != nil {
		apiKeys["cache"] = s.keys.CacheStats()
	}
	payload["api_key_validation"] = apiKeys

	ci := map[string]any{"enabled": s.cfg.Checkin.Enabled}
	if s.checkin != nil {
		ci["status"] = s.checkin.Status()
	}
	if s.sched != nil {
		next := map[string]string{}
		for name, at := range s.sched.NextRuns() {
			if !at.IsZero() {
				next[name] = at.Format(time.RFC3339)
			}
		}
		ci["next_runs"] = next
	}
	payload["checkin"] = ci

	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Load(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": s.pool.Len(),
	})
}

func (s *Server) handleRefreshWAF(w http.ResponseWriter, r *http.Request) {
	cookies, err := s.cookies.ForceRefresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "error",
			"message": err.Error(),
			"state":   s.cookies.State(),
		})
		return
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"cookies":     names,
		"ttl_seconds": s.cfg.WAF.TTL.Seconds(),
		"state":       s.cookies.State(),
	})
}

func (s *Server) handleRestartBrowser(w http.ResponseWriter, r *http.Request) {
	if err := s.browser.Restart(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "error",
			"message": err.Error(),
			"browser": s.browser.Stats(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "browser restarted",
		"browser": s.browser.Stats(),
	})
}

func (s *Server) handleSwitchToPrimary(w http.ResponseWriter, r *http.Request) {
	if _, idx := s.router.Current(); idx == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"message":      "already using primary site",
			"current_site": s.router.Snapshot().CurrentName,
		})
		return
	}

	switched, result := s.router.SwitchToPrimary(r.Context())
	snap := s.router.Snapshot()
	if !switched {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "error",
			"message":      "primary site health check failed: " + result,
			"current_site": snap.CurrentName,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"message":      "switched to primary site",
		"current_site": snap.CurrentName,
	})
}

func (s *Server) handleForceSwitchToPrimary(w http.ResponseWriter, r *http.Request) {
	s.router.ForcePrimary()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"message":      "force switched to primary site",
		"current_site": s.router.Snapshot().CurrentName,
		"warning":      "primary site health was not verified",
	})
}

func (s *Server) handleClearKeyCache(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"message": "api key validation is disabled",
		})
		return
	}
	s.keys.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "api key validation cache cleared",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn("failed to encode response", zap.Error(err))
	}
}
