// Package browser owns the single persistent headless Chromium instance used
// to solve WAF challenges. The process is expensive to start, so it is kept
// alive across cookie fetches and restarted only on crash or old age.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
)

const (
	navigateTimeout = 60 * time.Second

	// userAgent matches a plain desktop Chrome so the challenge script
	// behaves the same as for a real visitor.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// disconnectMarkers identify errors caused by the browser process dying under
// us rather than by the target page. Kept in one place so operators can adjust.
var disconnectMarkers = []string{
	"browser has been closed",
	"disconnected",
	"connection refused",
	"target page",
	"websocket: close",
}

// IsDisconnectError reports whether err looks like a dead or unreachable
// browser process. Such errors are worth a restart-and-retry.
func IsDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of the browser slot.
type Stats struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	RestartCount  int64     `json:"restart_count"`
	ErrorCount    int64     `json:"error_count"`
}

// Manager owns at most one Chromium process at a time. Start, Stop and
// Restart are serialized under an internal mutex; FetchCookies does not hold
// the mutex across navigation.
type Manager struct {
	proxyURL     string
	restartAfter time.Duration

	mu        sync.Mutex
	launcher  *launcher.Launcher
	browser   *rod.Browser
	startedAt time.Time

	restartCount atomic.Int64
	errorCount   atomic.Int64
}

// New creates a Manager. proxyURL configures the outbound HTTP CONNECT proxy
// for the browser; empty disables it.
func New(proxyURL string, restartAfter time.Duration) *Manager {
	return &Manager{
		proxyURL:     proxyURL,
		restartAfter: restartAfter,
	}
}

// Start launches the browser if it is not already running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return nil
	}
	return m.startLocked()
}

// startLocked launches Chromium. Caller holds m.mu.
func (m *Manager) startLocked() error {
	logging.Info("starting headless browser", zap.String("proxy", m.proxyURL))

	// Flags tuned for containerized, shared-memory-constrained hosts.
	l := launcher.New().
		Headless(true).
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-software-rasterizer").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("no-first-run").
		Set("no-zygote")
	if m.proxyURL != "" {
		l = l.Proxy(m.proxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		m.errorCount.Add(1)
		return fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		m.errorCount.Add(1)
		l.Kill()
		return fmt.Errorf("connect browser: %w", err)
	}

	m.launcher = l
	m.browser = b
	m.startedAt = time.Now()
	logging.Info("browser started")
	return nil
}

// Stop closes the browser process, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	logging.Info("browser stopped")
}

// cleanupLocked tears down the current process. Caller holds m.mu.
func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			logging.Warn("error closing browser", zap.Error(err))
		}
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
		m.launcher = nil
	}
	m.startedAt = time.Time{}
}

// Restart tears the browser down and brings a fresh one up.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logging.Info("restarting browser")
	m.cleanupLocked()
	m.restartCount.Add(1)
	metrics.RecordBrowserRestart()
	return m.startLocked()
}

// Running reports whether a browser process is currently owned.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// ShouldRestart reports whether the browser has been up long enough to
// deserve a preventive restart.
func (m *Manager) ShouldRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil || m.startedAt.IsZero() {
		return false
	}
	return time.Since(m.startedAt) >= m.restartAfter
}

// Stats returns a snapshot of the browser slot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	running := m.browser != nil
	startedAt := m.startedAt
	m.mu.Unlock()

	var uptime float64
	if running && !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}
	return Stats{
		Running:       running,
		StartedAt:     startedAt,
		UptimeSeconds: uptime,
		RestartCount:  m.restartCount.Load(),
		ErrorCount:    m.errorCount.Load(),
	}
}

// FetchCookies navigates a fresh incognito context to url, waits settle for
// scripted cookies to land, and returns every cookie visible to the context.
// The browser is started on demand; navigation errors bump the error counter
// and surface to the caller, which decides whether to restart.
func (m *Manager) FetchCookies(ctx context.Context, url string, settle time.Duration) (map[string]string, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("browser has been closed")
	}

	cookies, err := fetchFromContext(ctx, b, url, settle)
	if err != nil {
		m.errorCount.Add(1)
		return nil, err
	}
	return cookies, nil
}

// fetchFromContext runs one isolated navigation against b.
func fetchFromContext(ctx context.Context, b *rod.Browser, url string, settle time.Duration) (map[string]string, error) {
	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	defer func() {
		// Disposing the context also closes its pages.
		_ = proto.TargetDisposeBrowserContext{
			BrowserContextID: incognito.BrowserContextID,
		}.Call(incognito)
	}()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(ctx).Timeout(navigateTimeout)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load %s: %w", url, err)
	}

	// Give the challenge script time to install its cookies.
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw, err := incognito.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	// Cookie names are opaque; forward everything the context observed.
	cookies := make(map[string]string, len(raw))
	for _, c := range raw {
		cookies[c.Name] = c.Value
	}
	logging.Debug("fetched cookies", zap.String("url", url), zap.Int("count", len(cookies)))
	return cookies, nil
}
