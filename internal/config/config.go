// Package config loads the relay configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Site is one upstream origin. Index 0 in Config.Sites is the primary.
type Site struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	UseProxy bool   `json:"use_proxy"` // route through the forward proxy
	NeedWAF  bool   `json:"need_waf"`  // requires WAF challenge cookies
}

// WAFConfig controls the challenge cookie cache.
type WAFConfig struct {
	LoginURL      string
	TTL           time.Duration
	RefreshBefore time.Duration
	RetryInterval time.Duration
	PageWait      time.Duration
	WaitTimeout   time.Duration
}

// BrowserConfig controls the persistent headless browser.
type BrowserConfig struct {
	RestartAfter time.Duration
}

// CheckinConfig controls the scheduled check-in job.
type CheckinConfig struct {
	Enabled bool
	Hours   []int
	Minute  int
}

// PrimaryCheckConfig controls the periodic primary-site recovery probe.
type PrimaryCheckConfig struct {
	Enabled  bool
	Interval time.Duration
}

// APIKeyConfig controls inbound API-key validation against the user database.
type APIKeyConfig struct {
	Enabled  bool
	UserDB   string
	CacheTTL time.Duration
}

// Config is the full relay configuration.
type Config struct {
	ListenAddr   string
	BaseURL      string
	HTTPProxy    string
	AccountsFile string
	Sites        []Site
	WAF          WAFConfig
	Browser      BrowserConfig
	Checkin      CheckinConfig
	PrimaryCheck PrimaryCheckConfig
	APIKey       APIKeyConfig
	LogLevel     string
}

const (
	defaultBaseURL      = "https://anyrouter.top"
	defaultProxy        = "http://127.0.0.1:7890"
	defaultAccountsFile = "/app/data/accounts.json"
	defaultListenPort   = 18081
	defaultLoginPath    = "/login"
)

// defaultSites mirrors the historical origin list: the primary sits behind the
// forward proxy and the WAF, mirrors are reached directly.
func defaultSites(baseURL string) []Site {
	return []Site{
		{Name: "primary", URL: baseURL, UseProxy: true, NeedWAF: true},
		{Name: "mirror1", URL: "https://c.cspok.cn"},
		{Name: "mirror2", URL: "https://pmpjfbhq.cn-nb1.rainapp.top"},
		{Name: "mirror3", URL: "https://a-ocnfniawgw.cn-shanghai.fcapp.run"},
	}
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	baseURL := strings.TrimRight(getEnv("ANYROUTER_BASE_URL", defaultBaseURL), "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid ANYROUTER_BASE_URL: %w", err)
	}

	httpProxy := getEnv("HTTP_PROXY", defaultProxy)
	if _, err := url.Parse(httpProxy); err != nil {
		return nil, fmt.Errorf("invalid HTTP_PROXY: %w", err)
	}

	sites, err := parseSites(os.Getenv("RELAY_SITES"), baseURL)
	if err != nil {
		return nil, err
	}

	hours, err := parseHours(getEnv("CHECKIN_CRON_HOUR", "2,8,14,20"))
	if err != nil {
		return nil, err
	}
	minute := getEnvInt("CHECKIN_CRON_MINUTE", 30)
	if minute < 0 || minute > 59 {
		return nil, fmt.Errorf("CHECKIN_CRON_MINUTE out of range: %d", minute)
	}

	cfg := &Config{
		ListenAddr:   fmt.Sprintf(":%d", getEnvInt("WAF_PROXY_PORT", defaultListenPort)),
		BaseURL:      baseURL,
		HTTPProxy:    httpProxy,
		AccountsFile: getEnv("ACCOUNTS_FILE", defaultAccountsFile),
		Sites:        sites,
		WAF: WAFConfig{
			LoginURL:      getEnv("WAF_LOGIN_URL", baseURL+defaultLoginPath),
			TTL:           getEnvSeconds("WAF_COOKIE_TTL", 2700*time.Second),
			RefreshBefore: getEnvSeconds("WAF_COOKIE_REFRESH_BEFORE", 600*time.Second),
			RetryInterval: getEnvSeconds("WAF_COOKIE_RETRY_INTERVAL", 30*time.Second),
			PageWait:      getEnvMillis("WAF_PAGE_WAIT_MS", 3000*time.Millisecond),
			WaitTimeout:   getEnvSeconds("WAF_COOKIE_WAIT_TIMEOUT", 120*time.Second),
		},
		Browser: BrowserConfig{
			RestartAfter: time.Duration(getEnvInt("BROWSER_RESTART_HOURS", 6)) * time.Hour,
		},
		Checkin: CheckinConfig{
			Enabled: getEnvBool("CHECKIN_ENABLED", true),
			Hours:   hours,
			Minute:  minute,
		},
		PrimaryCheck: PrimaryCheckConfig{
			Enabled:  getEnvBool("PRIMARY_SITE_CHECK_ENABLED", true),
			Interval: time.Duration(getEnvInt("PRIMARY_SITE_CHECK_INTERVAL", 5)) * time.Minute,
		},
		APIKey: APIKeyConfig{
			Enabled:  getEnvBool("API_KEY_VALIDATION_ENABLED", false),
			UserDB:   getEnv("NEWAPI_URL", "http://new-api:3000"),
			CacheTTL: getEnvSeconds("API_KEY_CACHE_TTL", 300*time.Second),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.WAF.RefreshBefore >= cfg.WAF.TTL {
		return nil, fmt.Errorf("WAF_COOKIE_REFRESH_BEFORE (%s) must be below WAF_COOKIE_TTL (%s)",
			cfg.WAF.RefreshBefore, cfg.WAF.TTL)
	}

	return cfg, nil
}

// parseSites parses RELAY_SITES entries of the form
// "name|url|use_proxy|need_waf" separated by commas. An empty value yields
// the built-in site list.
func parseSites(raw, baseURL string) ([]Site, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSites(baseURL), nil
	}

	var sites []Site
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid RELAY_SITES entry %q (want name|url|use_proxy|need_waf)", entry)
		}
		u, err := url.Parse(parts[1])
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid site URL in RELAY_SITES entry %q", entry)
		}
		useProxy, err := strconv.ParseBool(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid use_proxy in RELAY_SITES entry %q", entry)
		}
		needWAF, err := strconv.ParseBool(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid need_waf in RELAY_SITES entry %q", entry)
		}
		sites = append(sites, Site{
			Name:     parts[0],
			URL:      strings.TrimRight(parts[1], "/"),
			UseProxy: useProxy,
			NeedWAF:  needWAF,
		})
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("RELAY_SITES provided but no valid entries parsed")
	}
	return sites, nil
}

// parseHours parses a comma-separated hour list like "2,8,14,20".
func parseHours(raw string) ([]int, error) {
	var hours []int
	seen := make(map[int]bool)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		h, err := strconv.Atoi(p)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid CHECKIN_CRON_HOUR entry %q", p)
		}
		if !seen[h] {
			seen[h] = true
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return nil, fmt.Errorf("CHECKIN_CRON_HOUR has no valid hours")
	}
	sort.Ints(hours)
	return hours, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			return b
		}
	}
	return def
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// getEnvMillis reads an integer number of milliseconds.
func getEnvMillis(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
