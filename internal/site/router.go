// Package site tracks which upstream site the relay currently prefers.
// Index 0 is the primary; consecutive failures rotate through the mirrors and
// a periodic lightweight probe steers traffic back once the primary recovers.
package site

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/config"
	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
)

// maxFails consecutive failures on the current site trigger a rotation.
const maxFails = 3

const probeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// CookieSource supplies WAF cookies already in cache. The probe must never
// trigger a browser fetch, so it only sees the non-forcing view.
type CookieSource interface {
	Cached() map[string]string
}

// Status describes the primary recovery probe for the health endpoint.
type Status struct {
	LastCheck       *time.Time `json:"last_check,omitempty"`
	LastCheckResult string     `json:"last_check_result,omitempty"`
	LastRecovery    *time.Time `json:"last_recovery,omitempty"`
	CheckCount      int64      `json:"check_count"`
	RecoveryCount   int64      `json:"recovery_count"`
}

// Snapshot is the router's state for the health endpoint.
type Snapshot struct {
	CurrentIndex int           `json:"current_index"`
	CurrentName  string        `json:"current_name"`
	CurrentURL   string        `json:"current_url"`
	FailCount    int           `json:"fail_count"`
	Sites        []config.Site `json:"sites"`
	Primary      Status        `json:"primary_check"`
}

// Router is the failover state machine over the ordered site list.
type Router struct {
	sites   []config.Site
	cookies CookieSource

	proxied *http.Client
	direct  *http.Client

	mu        sync.Mutex
	current   int
	failCount int
	status    Status

	now func() time.Time
}

// NewRouter creates a Router starting on the primary. proxyURL is the forward
// proxy used when probing sites marked UseProxy.
func NewRouter(sites []config.Site, proxyURL string, cookies CookieSource) *Router {
	r := &Router{
		sites:   sites,
		cookies: cookies,
		direct:  probeClient(""),
		proxied: probeClient(proxyURL),
		now:     time.Now,
	}
	metrics.SetCurrentSite(0)
	return r
}

func probeClient(proxyURL string) *http.Client {
	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   15 * time.Second,
	}
}

// Current returns the preferred site and its index.
func (r *Router) Current() (config.Site, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sites[r.current], r.current
}

// Sites returns the full ordered site list.
func (r *Router) Sites() []config.Site {
	return r.sites
}

// RecordFailure counts one failed pass over the current site and rotates to
// the next site once the threshold is reached. Reports whether a rotation
// happened.
func (r *Router) RecordFailure() bool {
	r.mu.Lock()
	r.failCount++
	if r.failCount < maxFails {
		r.mu.Unlock()
		return false
	}
	old := r.sites[r.current]
	r.current = (r.current + 1) % len(r.sites)
	r.failCount = 0
	next := r.sites[r.current]
	index := r.current
	r.mu.Unlock()

	metrics.RecordSiteRotation()
	metrics.SetCurrentSite(index)
	logging.Warn("switching site",
		zap.String("from", old.Name),
		zap.String("to", next.Name),
		zap.String("url", next.URL))
	return true
}

// RecordSuccess resets the failure counter and makes the winning site the
// preferred one, so later requests start where this one succeeded.
func (r *Router) RecordSuccess(index int) {
	r.mu.Lock()
	r.failCount = 0
	moved := index != r.current && index >= 0 && index < len(r.sites)
	if moved {
		r.current = index
	}
	name := r.sites[r.current].Name
	r.mu.Unlock()

	if moved {
		metrics.SetCurrentSite(index)
		logging.Info("sticky switch to winning site", zap.String("site", name))
	}
}

// ProbePrimary runs the lightweight primary health check: a HEAD against
// /v1/models with whatever WAF cookies are already cached. An HTML response
// means the WAF challenge is back; anything below 500 means the service is
// reachable.
func (r *Router) ProbePrimary(ctx context.Context) bool {
	primary := r.sites[0]

	r.mu.Lock()
	now := r.now()
	r.status.LastCheck = &now
	r.status.CheckCount++
	r.mu.Unlock()

	healthy, result := r.probe(ctx, primary)

	r.mu.Lock()
	r.status.LastCheckResult = result
	r.mu.Unlock()
	return healthy
}

func (r *Router) probe(ctx context.Context, s config.Site) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL+"/v1/models", nil)
	if err != nil {
		return false, probeError(err)
	}
	req.Header.Set("User-Agent", probeUserAgent)
	if cookies := r.cookies.Cached(); len(cookies) > 0 {
		var pairs []string
		for name, value := range cookies {
			pairs = append(pairs, name+"="+value)
		}
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}

	client := r.direct
	if s.UseProxy {
		client = r.proxied
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, probeError(err)
	}
	resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return false, "waf_challenge"
	}
	if resp.StatusCode >= 500 {
		return false, fmt.Sprintf("error_%d", resp.StatusCode)
	}
	return true, "healthy"
}

func probeError(err error) string {
	msg := err.Error()
	if len(msg) > 50 {
		msg = msg[:50]
	}
	return "error: " + msg
}

// TryRecoverPrimary probes the primary and moves traffic back to it when
// healthy. A no-op while the primary is already preferred.
func (r *Router) TryRecoverPrimary(ctx context.Context) {
	r.mu.Lock()
	if r.current == 0 {
		r.mu.Unlock()
		return
	}
	stuck := r.sites[r.current].Name
	r.mu.Unlock()

	logging.Info("checking primary site health", zap.String("current", stuck))
	if !r.ProbePrimary(ctx) {
		logging.Info("primary site still unavailable", zap.String("current", stuck))
		return
	}
	r.recoverPrimary()
}

func (r *Router) recoverPrimary() {
	r.mu.Lock()
	old := r.sites[r.current].Name
	r.current = 0
	r.failCount = 0
	now := r.now()
	r.status.LastRecovery = &now
	r.status.RecoveryCount++
	r.mu.Unlock()

	metrics.SetCurrentSite(0)
	logging.Info("primary site recovered, switching back",
		zap.String("from", old),
		zap.String("to", r.sites[0].Name))
}

// SwitchToPrimary probes the primary first and switches only when healthy.
// Returns whether the switch happened and the probe result.
func (r *Router) SwitchToPrimary(ctx context.Context) (bool, string) {
	healthy := r.ProbePrimary(ctx)

	r.mu.Lock()
	result := r.status.LastCheckResult
	r.mu.Unlock()

	if !healthy {
		return false, result
	}
	r.recoverPrimary()
	return true, result
}

// ForcePrimary switches back to the primary without probing.
func (r *Router) ForcePrimary() {
	r.mu.Lock()
	r.current = 0
	r.failCount = 0
	r.mu.Unlock()
	metrics.SetCurrentSite(0)
	logging.Warn("forced switch to primary site")
}

// Snapshot returns the router state for the health endpoint.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		CurrentIndex: r.current,
		CurrentName:  r.sites[r.current].Name,
		CurrentURL:   r.sites[r.current].URL,
		FailCount:    r.failCount,
		Sites:        r.sites,
		Primary:      r.status,
	}
}
