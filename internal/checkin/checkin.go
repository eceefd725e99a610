// Package checkin performs the daily sign-in that keeps upstream account
// quota topped up. Each account is signed in against the first site that
// answers with JSON, with the WAF cookie set attached where required.
package checkin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/account"
	"github.com/wafrelay/wafrelay/internal/config"
	"github.com/wafrelay/wafrelay/internal/logging"
)

const (
	userInfoPath = "/api/user/self"
	signInPath   = "/api/user/sign_in"

	apiUserHeader = "new-api-user"

	// quotaUnit converts the upstream's integer quota to dollars.
	quotaUnit = 500000

	requestTimeout = 30 * time.Second
)

const checkinUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

// CookieSource supplies the WAF cookie set shared by every account's
// check-in run.
type CookieSource interface {
	Get(ctx context.Context) (map[string]string, error)
}

// AccountSource lists the accounts to sign in.
type AccountSource interface {
	Accounts() []account.Account
}

// Result is one account's check-in outcome.
type Result struct {
	Account   string    `json:"account"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Quota     *float64  `json:"quota,omitempty"`
	UsedQuota *float64  `json:"used_quota,omitempty"`
	SiteUsed  string    `json:"site_used,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the scheduler-facing view of the last run.
type Status struct {
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess int        `json:"last_success_count"`
	LastTotal   int        `json:"last_total"`
	LastResults []Result   `json:"last_results,omitempty"`
}

// Runner signs in every account on demand.
type Runner struct {
	sites    []config.Site
	cookies  CookieSource
	accounts AccountSource

	direct  *http.Client
	proxied *http.Client

	mu     sync.Mutex
	status Status
}

// NewRunner creates a Runner. proxyURL is the forward proxy for sites marked
// UseProxy.
func NewRunner(sites []config.Site, proxyURL string, cookies CookieSource, accounts AccountSource) *Runner {
	return &Runner{
		sites:    sites,
		cookies:  cookies,
		accounts: accounts,
		direct:   checkinClient(""),
		proxied:  checkinClient(proxyURL),
	}
}

func checkinClient(proxyURL string) *http.Client {
	tr := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: tr, Timeout: requestTimeout}
}

// RunAll signs in every loaded account and records the outcome. One WAF
// cookie fetch is shared across the whole run.
func (r *Runner) RunAll(ctx context.Context) []Result {
	r.mu.Lock()
	if r.status.Running {
		r.mu.Unlock()
		logging.Warn("check-in already running, skipping")
		return nil
	}
	r.status.Running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.mu.Unlock()
	}()

	accounts := r.accounts.Accounts()
	logging.Info("check-in run started", zap.Int("accounts", len(accounts)))

	wafCookies, err := r.cookies.Get(ctx)
	if err != nil {
		logging.Error("check-in aborted, no waf cookies", zap.Error(err))
		wafCookies = nil
	}

	results := make([]Result, 0, len(accounts))
	success := 0
	for _, acc := range accounts {
		res := r.checkinAccount(ctx, acc, wafCookies)
		if res.Success {
			success++
		}
		results = append(results, res)
	}

	now := time.Now()
	r.mu.Lock()
	r.status.LastRun = &now
	r.status.LastSuccess = success
	r.status.LastTotal = len(results)
	r.status.LastResults = results
	r.mu.Unlock()

	logging.Info("check-in run finished",
		zap.Int("success", success),
		zap.Int("total", len(results)))
	return results
}

// checkinAccount tries each site in order until one answers the sign-in with
// JSON. HTML responses mean the WAF got in the way; those sites are skipped.
func (r *Runner) checkinAccount(ctx context.Context, acc account.Account, wafCookies map[string]string) Result {
	result := Result{Account: acc.Key(), Timestamp: time.Now()}

	session := acc.Cookies["session"]
	if session == "" {
		session = acc.SessionCookie
	}
	if session == "" {
		result.Message = "missing session cookie"
		return result
	}
	if acc.APIUser == "" {
		result.Message = "missing api_user"
		return result
	}

	for _, site := range r.sites {
		cookies := map[string]string{"session": session}
		if site.NeedWAF {
			for name, value := range wafCookies {
				cookies[name] = value
			}
		}

		client := r.direct
		if site.UseProxy {
			client = r.proxied
		}

		if r.checkinAtSite(ctx, client, site, acc, cookies, &result) {
			result.Success = true
			result.SiteUsed = site.Name
			return result
		}
	}

	if result.Message == "" {
		result.Message = "all sites failed"
	}
	logging.Warn("check-in failed on every site", zap.String("account", acc.Key()))
	return result
}

// checkinAtSite runs the user-info fetch and the sign-in POST against one
// site. True means the account is signed in (fresh or already); anything
// else leaves the remaining sites to try. Connection errors are retried
// briefly before the site is given up on.
func (r *Runner) checkinAtSite(ctx context.Context, client *http.Client, site config.Site,
	acc account.Account, cookies map[string]string, result *Result,
) bool {
	// Balance first; the upstream counts this as activity too.
	if body, err := r.call(ctx, client, http.MethodGet, site.URL+userInfoPath, site.URL, acc.APIUser, cookies); err == nil {
		if gjson.GetBytes(body, "success").Bool() {
			quota := gjson.GetBytes(body, "data.quota").Float() / quotaUnit
			used := gjson.GetBytes(body, "data.used_quota").Float() / quotaUnit
			result.Quota = &quota
			result.UsedQuota = &used
		}
	}

	body, err := r.call(ctx, client, http.MethodPost, site.URL+signInPath, site.URL, acc.APIUser, cookies)
	if err != nil {
		logging.Warn("check-in request failed",
			zap.String("account", acc.Key()),
			zap.String("site", site.Name),
			zap.Error(err))
		return false
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		if strings.Contains(strings.ToLower(string(body)), "success") {
			result.Message = "check-in successful"
			return true
		}
		result.Message = fmt.Sprintf("invalid response format: %.100s", body)
		return false
	}

	msg := parsed.Get("msg").String()
	if msg == "" {
		msg = parsed.Get("message").String()
	}
	result.Message = msg

	if parsed.Get("ret").Int() == 1 || (parsed.Get("code").Exists() && parsed.Get("code").Int() == 0) || parsed.Get("success").Bool() {
		if result.Message == "" {
			result.Message = "check-in successful"
		}
		logging.Info("check-in successful",
			zap.String("account", acc.Key()),
			zap.String("site", site.Name),
			zap.String("message", result.Message))
		return true
	}

	// Already-signed-in answers count as success.
	if strings.Contains(msg, "已签到") || strings.Contains(strings.ToLower(msg), "already") {
		logging.Info("already checked in",
			zap.String("account", acc.Key()),
			zap.String("site", site.Name))
		return true
	}

	// A definitive rejection still leaves the other sites worth trying.
	logging.Warn("check-in rejected",
		zap.String("account", acc.Key()),
		zap.String("site", site.Name),
		zap.String("message", msg))
	return false
}

// call issues one request with the browser-like header set, retrying
// transport errors with a short exponential backoff. Returns the body, or an
// error for transport failures, WAF interstitials and non-200 statuses.
func (r *Runner) call(ctx context.Context, client *http.Client, method, target, origin, apiUser string,
	cookies map[string]string,
) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", checkinUserAgent)
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		req.Header.Set(apiUserHeader, apiUser)
		req.Header.Set("Referer", origin)
		req.Header.Set("Origin", origin)
		for name, value := range cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			return nil, backoff.Permanent(fmt.Errorf("waf challenge at %s", target))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target))
		}
		return io.ReadAll(resp.Body)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	var body []byte
	err := backoff.Retry(func() error {
		var opErr error
		body, opErr = op()
		return opErr
	}, policy)
	return body, err
}

// Status returns a snapshot of the last run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.LastResults = append([]Result(nil), r.status.LastResults...)
	return s
}
