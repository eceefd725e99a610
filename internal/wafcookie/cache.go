// Package wafcookie caches the challenge cookies the WAF hands out after its
// JavaScript interstitial runs. Cookies are fetched through the persistent
// browser, cached with a TTL, and pre-refreshed in the background so request
// handlers almost never wait on a browser.
package wafcookie

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/browser"
	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
)

// maxRefreshRetries bounds restart-and-retry cycles inside one refresh when
// the browser turns out to be dead.
const maxRefreshRetries = 2

// Fetcher is the browser-side collaborator. *browser.Manager implements it.
type Fetcher interface {
	FetchCookies(ctx context.Context, url string, settle time.Duration) (map[string]string, error)
	Restart() error
	ShouldRestart() bool
}

// State describes the cookie entry. It is a pure function of the cached
// cookies, the clock and the refresh-in-flight flag.
type State string

const (
	StateEmpty      State = "empty"
	StateValid      State = "valid"
	StateExpiring   State = "expiring"
	StateExpired    State = "expired"
	StateRefreshing State = "refreshing"
)

// Config holds cache timing. All fields are required.
type Config struct {
	LoginURL      string
	TTL           time.Duration
	RefreshBefore time.Duration
	RetryInterval time.Duration
	PageWait      time.Duration
	WaitTimeout   time.Duration
}

// Stats is a point-in-time view of the cache for the health endpoint.
type Stats struct {
	State               State     `json:"state"`
	TTLSeconds          float64   `json:"ttl_seconds"`
	CookieCount         int       `json:"cookie_count"`
	CookieNames         []string  `json:"cookie_names"`
	TotalRefreshes      int64     `json:"total_refreshes"`
	SuccessfulRefreshes int64     `json:"successful_refreshes"`
	FailedRefreshes     int64     `json:"failed_refreshes"`
	CacheHits           int64     `json:"cache_hits"`
	CacheMisses         int64     `json:"cache_misses"`
	LastRefreshAt       time.Time `json:"last_refresh_at"`
	LastRefreshSeconds  float64   `json:"last_refresh_seconds"`
	LastError           string    `json:"last_error,omitempty"`
}

// Cache is the single-flight TTL cookie cache. At most one refresh runs at a
// time; concurrent callers needing fresh cookies wait on the in-flight
// refresh's completion channel and re-check state when it closes.
type Cache struct {
	fetcher Fetcher
	cfg     Config

	mu         sync.Mutex
	cookies    map[string]string
	expireAt   time.Time
	refreshing bool
	done       chan struct{} // closed when the in-flight refresh completes

	totalRefreshes      int64
	successfulRefreshes int64
	failedRefreshes     int64
	cacheHits           int64
	cacheMisses         int64
	lastRefreshAt       time.Time
	lastRefreshDur      time.Duration
	lastError           string

	now func() time.Time
}

// New creates a Cache over the given fetcher. The entry starts EMPTY and is
// filled lazily on first demand.
func New(fetcher Fetcher, cfg Config) *Cache {
	return &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		now:     time.Now,
	}
}

// stateLocked computes the entry state. Caller holds c.mu.
func (c *Cache) stateLocked() State {
	if c.refreshing {
		return StateRefreshing
	}
	if len(c.cookies) == 0 {
		return StateEmpty
	}
	now := c.now()
	if !now.Before(c.expireAt) {
		return StateExpired
	}
	if !now.Before(c.expireAt.Add(-c.cfg.RefreshBefore)) {
		return StateExpiring
	}
	return StateValid
}

// usableLocked reports whether the cached cookies are still inside their TTL.
// Caller holds c.mu.
func (c *Cache) usableLocked() bool {
	return len(c.cookies) > 0 && c.now().Before(c.expireAt)
}

func (c *Cache) copyLocked() map[string]string {
	cp := make(map[string]string, len(c.cookies))
	for k, v := range c.cookies {
		cp[k] = v
	}
	return cp
}

// State returns the current entry state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Cached returns the cookies currently inside their TTL without triggering
// any refresh. Used by the primary probe, which must stay cheap.
func (c *Cache) Cached() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.usableLocked() {
		return map[string]string{}
	}
	return c.copyLocked()
}

// Get returns currently valid cookies. VALID is a straight cache hit;
// EXPIRING returns stale cookies and kicks a background refresh; everything
// else refreshes synchronously under the single-flight protocol.
func (c *Cache) Get(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	switch c.stateLocked() {
	case StateValid:
		c.cacheHits++
		cp := c.copyLocked()
		c.mu.Unlock()
		return cp, nil
	case StateExpiring:
		c.cacheHits++
		cp := c.copyLocked()
		c.startBackgroundRefreshLocked()
		c.mu.Unlock()
		return cp, nil
	default:
		c.cacheMisses++
		return c.awaitOrRefresh(ctx)
	}
}

// ForceRefresh expires the entry and runs the single-flight refresh path.
func (c *Cache) ForceRefresh(ctx context.Context) (map[string]string, error) {
	logging.Info("force cookie refresh requested")
	c.mu.Lock()
	c.expireAt = time.Time{}
	return c.awaitOrRefresh(ctx)
}

// beginRefreshLocked claims the refresh slot. Caller holds c.mu and must
// have observed refreshing == false.
func (c *Cache) beginRefreshLocked() {
	c.refreshing = true
	c.done = make(chan struct{})
	c.totalRefreshes++
}

// startBackgroundRefreshLocked schedules a non-blocking refresh if none is in
// flight. Caller holds c.mu.
func (c *Cache) startBackgroundRefreshLocked() {
	if c.refreshing {
		return
	}
	c.beginRefreshLocked()
	go func() {
		if err := c.refresh(context.Background()); err != nil {
			logging.Error("background cookie pre-refresh failed", zap.Error(err))
		}
	}()
}

// awaitOrRefresh is the single-flight path. Called with c.mu held; returns
// with it released. The caller that finds no refresh in flight performs it;
// everyone else parks on the completion channel, falling back to stale
// cookies after WaitTimeout.
func (c *Cache) awaitOrRefresh(ctx context.Context) (map[string]string, error) {
	for {
		if !c.refreshing {
			c.beginRefreshLocked()
			c.mu.Unlock()

			// The refresh outlives any one requester.
			err := c.refresh(context.WithoutCancel(ctx))

			c.mu.Lock()
			if c.usableLocked() {
				cp := c.copyLocked()
				c.mu.Unlock()
				return cp, nil
			}
			if len(c.cookies) > 0 {
				cp := c.copyLocked()
				c.mu.Unlock()
				logging.Warn("cookie refresh failed, serving stale cookies", zap.Error(err))
				return cp, nil
			}
			c.mu.Unlock()
			return nil, fmt.Errorf("refresh waf cookies: %w", err)
		}

		done := c.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-time.After(c.cfg.WaitTimeout):
			c.mu.Lock()
			if len(c.cookies) > 0 {
				cp := c.copyLocked()
				c.mu.Unlock()
				logging.Warn("timed out waiting for cookie refresh, serving stale cookies")
				return cp, nil
			}
			c.mu.Unlock()
			return nil, errors.New("timed out waiting for cookie refresh")
		case <-ctx.Done():
			c.mu.Lock()
			if len(c.cookies) > 0 {
				cp := c.copyLocked()
				c.mu.Unlock()
				return cp, nil
			}
			c.mu.Unlock()
			return nil, ctx.Err()
		}

		c.mu.Lock()
		// Double check: the finished refresh usually installed fresh
		// cookies; otherwise loop around and take over the slot.
		if c.usableLocked() {
			cp := c.copyLocked()
			c.mu.Unlock()
			return cp, nil
		}
	}
}

// refresh performs one refresh cycle: fetch through the browser, restarting
// it between attempts when it looks dead, then install the result and wake
// all waiters. Must be called with the refresh slot claimed.
func (c *Cache) refresh(ctx context.Context) error {
	start := time.Now()
	logging.Info("refreshing waf cookies", zap.String("url", c.cfg.LoginURL))

	cookies, err := c.fetchWithRestart(ctx)
	dur := time.Since(start)

	c.mu.Lock()
	if err == nil {
		c.cookies = cookies
		c.expireAt = c.now().Add(c.cfg.TTL)
		c.successfulRefreshes++
		c.lastError = ""
	} else {
		c.failedRefreshes++
		c.lastError = err.Error()
	}
	c.lastRefreshAt = c.now()
	c.lastRefreshDur = dur
	c.refreshing = false
	close(c.done)
	c.mu.Unlock()

	metrics.ObserveWAFRefresh(err == nil, dur)
	if err == nil {
		names := make([]string, 0, len(cookies))
		for name := range cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		logging.Info("waf cookies refreshed",
			zap.Duration("took", dur),
			zap.Strings("names", names),
			zap.Duration("ttl", c.cfg.TTL))
	}
	return err
}

// fetchWithRestart runs the browser fetch, retrying after a browser restart
// when the failure indicates a dead process. Non-browser failures are not
// retried here.
func (c *Cache) fetchWithRestart(ctx context.Context) (map[string]string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRefreshRetries; attempt++ {
		if attempt > 0 {
			logging.Warn("browser error during cookie refresh, restarting",
				zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := c.fetcher.Restart(); err != nil {
				logging.Error("browser restart failed", zap.Error(err))
				return nil, err
			}
		}

		cookies, err := c.fetcher.FetchCookies(ctx, c.cfg.LoginURL, c.cfg.PageWait)
		if err == nil {
			if len(cookies) == 0 {
				return nil, errors.New("no cookies returned from browser")
			}
			return cookies, nil
		}
		lastErr = err
		if !browser.IsDisconnectError(err) {
			break
		}
	}
	return nil, lastErr
}

// Run is the background pre-refresh loop. It keeps the entry fresh so callers
// rarely block, and performs the scheduled periodic browser restart. Returns
// when ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	logging.Info("background cookie refresh loop started",
		zap.Duration("ttl", c.cfg.TTL),
		zap.Duration("refresh_before", c.cfg.RefreshBefore))

	for {
		if c.fetcher.ShouldRestart() {
			logging.Info("browser scheduled restart")
			if err := c.fetcher.Restart(); err != nil {
				logging.Error("scheduled browser restart failed", zap.Error(err))
			}
		}

		switch c.State() {
		case StateEmpty, StateExpired, StateExpiring:
			if _, err := c.refreshBlocking(ctx); err != nil {
				logging.Error("background cookie refresh failed", zap.Error(err))
			}
		}

		var sleep time.Duration
		c.mu.Lock()
		if c.usableLocked() {
			sleep = c.expireAt.Sub(c.now()) - c.cfg.RefreshBefore
			if sleep < time.Minute {
				sleep = time.Minute
			}
		} else {
			sleep = c.cfg.RetryInterval
		}
		c.mu.Unlock()

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			logging.Info("background cookie refresh loop stopped")
			return
		}
	}
}

// refreshBlocking enters the single-flight path even when the entry is still
// usable (the background loop refreshes EXPIRING entries eagerly).
func (c *Cache) refreshBlocking(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	if c.stateLocked() == StateValid {
		cp := c.copyLocked()
		c.mu.Unlock()
		return cp, nil
	}
	return c.awaitOrRefresh(ctx)
}

// Stats returns a snapshot for the health endpoint.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.cookies))
	for name := range c.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	var ttl float64
	if remaining := c.expireAt.Sub(c.now()); remaining > 0 && len(c.cookies) > 0 {
		ttl = remaining.Seconds()
	}

	return Stats{
		State:               c.stateLocked(),
		TTLSeconds:          ttl,
		CookieCount:         len(c.cookies),
		CookieNames:         names,
		TotalRefreshes:      c.totalRefreshes,
		SuccessfulRefreshes: c.successfulRefreshes,
		FailedRefreshes:     c.failedRefreshes,
		CacheHits:           c.cacheHits,
		CacheMisses:         c.cacheMisses,
		LastRefreshAt:       c.lastRefreshAt,
		LastRefreshSeconds:  c.lastRefreshDur.Seconds(),
		LastError:           c.lastError,
	}
}
