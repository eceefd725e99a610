// Package relay implements the /v1 proxy: it forwards API traffic to the
// current upstream site under a borrowed account, and runs the failover
// ladder (retry, cookie refresh, site rotation, account rotation) when the
// upstream misbehaves.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/account"
	"github.com/wafrelay/wafrelay/internal/apikey"
	"github.com/wafrelay/wafrelay/internal/config"
	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
)

const (
	// maxAccountRetries bounds how many distinct accounts one request
	// may burn through.
	maxAccountRetries = 3

	// capacityWait is the pause before retrying a model-at-capacity
	// rejection once.
	capacityWait = 2 * time.Second

	defaultAnthropicVersion = "2023-06-01"

	relayUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	// maxErrorBody caps how much of an upstream error body is read for
	// classification and logging.
	maxErrorBody = 2048
)

// CookieProvider supplies WAF cookies for sites that need them.
type CookieProvider interface {
	Get(ctx context.Context) (map[string]string, error)
	ForceRefresh(ctx context.Context) (map[string]string, error)
}

// AccountSource selects and scores upstream accounts.
type AccountSource interface {
	Pick(exclude map[string]bool) (account.Account, bool)
	RecordFailure(key string)
	RecordSuccess(key string)
}

// SiteRouter tracks the preferred site and its failure budget.
type SiteRouter interface {
	Sites() []config.Site
	Current() (config.Site, int)
	RecordFailure() bool
	RecordSuccess(index int)
}

// KeyGate validates inbound API keys. A nil gate admits everything.
type KeyGate interface {
	Validate(ctx context.Context, key string) (bool, error)
}

// Handler is the /v1 relay endpoint.
type Handler struct {
	cookies  CookieProvider
	accounts AccountSource
	router   SiteRouter
	gate     KeyGate

	clients map[clientKey]*http.Client

	// Injectable for tests.
	sleep       func(ctx context.Context, d time.Duration)
	idleTimeout time.Duration
}

// NewHandler wires the relay endpoint. gate may be nil when inbound key
// validation is disabled.
func NewHandler(cookies CookieProvider, accounts AccountSource, router SiteRouter, gate KeyGate, proxyURL string) *Handler {
	return &Handler{
		cookies:  cookies,
		accounts: accounts,
		router:   router,
		gate:     gate,
		clients:  newClients(proxyURL),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
		idleTimeout: streamIdleTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	log := logging.Global().With(zap.String("request_id", reqID))

	if h.gate != nil {
		key := apikey.ExtractKey(r.Header)
		if key == "" {
			writeDetail(w, http.StatusUnauthorized,
				"API key is required. Provide x-api-key or Authorization: Bearer <key>")
			return
		}
		valid, err := h.gate.Validate(ctx, key)
		if err != nil {
			log.Error("api key validation unavailable", zap.Error(err))
			writeDetail(w, http.StatusUnauthorized, "Authentication service unavailable")
			return
		}
		if !valid {
			writeDetail(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	isStream := gjson.GetBytes(body, "stream").Bool()
	log.Info("relay request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Bool("stream", isStream),
		zap.String("model", gjson.GetBytes(body, "model").String()))

	sites := h.router.Sites()
	tried := make(map[string]bool)
	var lastErr error

	for accountAttempt := 0; accountAttempt < maxAccountRetries; accountAttempt++ {
		acc, ok := h.accounts.Pick(tried)
		if !ok {
			if accountAttempt == 0 {
				writeDetail(w, http.StatusServiceUnavailable, "No available accounts")
				return
			}
			break
		}
		tried[acc.Key()] = true

		if accountAttempt > 0 {
			log.Info("account failover",
				zap.String("account", acc.Key()),
				zap.Int("attempt", accountAttempt+1))
		}
		log.Debug("using account",
			zap.String("account", acc.Key()),
			zap.String("key", logging.KeyPreview(acc.APIKey)))

		headers := buildHeaders(r.Header, acc.APIKey)

		_, startIndex := h.router.Current()
		accountError := false
		triedSites := 0
		for triedSites < len(sites) {
			index := (startIndex + triedSites) % len(sites)
			site := sites[index]

			handled, accErr, err := h.trySite(ctx, w, log, r, site, index, acc, headers, body, isStream)
			if handled {
				return
			}
			if err != nil {
				lastErr = err
			}
			if accErr {
				accountError = true
				break
			}

			log.Warn("all retries failed for site",
				zap.String("site", site.Name),
				zap.String("account", acc.Key()))
			h.router.RecordFailure()
			triedSites++
		}

		if accountError {
			log.Warn("account error, trying another account", zap.String("account", acc.Key()))
			h.accounts.RecordFailure(acc.Key())
			continue
		}
		if triedSites >= len(sites) {
			// Every site failed under this account; score it too so a
			// broken key cannot monopolize selection.
			h.accounts.RecordFailure(acc.Key())
		}
	}

	log.Error("all accounts and sites failed", zap.Error(lastErr))
	writeDetail(w, http.StatusBadGateway,
		fmt.Sprintf("All upstream sites and accounts failed: %v", lastErr))
}

// trySite runs the per-site attempt loop. handled means a response was
// written; accountErr means the failure is the account's fault and the site
// ladder should be abandoned for a fresh account.
func (h *Handler) trySite(ctx context.Context, w http.ResponseWriter, log *zap.Logger, r *http.Request,
	site config.Site, index int, acc account.Account, headers http.Header, body []byte, isStream bool,
) (handled, accountErr bool, lastErr error) {
	targetURL := site.URL + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var cookies map[string]string
	if site.NeedWAF {
		var err error
		cookies, err = h.cookies.Get(ctx)
		if err != nil {
			log.Warn("waf cookies unavailable", zap.String("site", site.Name), zap.Error(err))
			return false, false, err
		}
	}

	// WAF-fronted sites get extra attempts; challenges and capacity
	// rejections there are often transient.
	maxAttempts := 2
	if site.NeedWAF {
		maxAttempts = 4
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now()
		resp, err := h.send(ctx, r.Method, targetURL, headers, cookies, body, site.UseProxy, isStream)
		if err != nil {
			lastErr = err
			log.Warn("upstream request failed",
				zap.String("site", site.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if attempt < maxAttempts-1 {
				if site.NeedWAF && isConnectError(err) {
					// A refused connection on the WAF site usually
					// means the cookies aged out.
					if fresh, ferr := h.cookies.ForceRefresh(ctx); ferr == nil {
						cookies = fresh
					}
				}
				continue
			}
			return false, false, lastErr
		}

		contentType := resp.Header.Get("Content-Type")
		switch v := h.classifyResponse(resp, contentType, site.NeedWAF); v {
		case verdictOK:
			metrics.ObserveUpstream(site.Name, resp.StatusCode, time.Since(start))
			h.router.RecordSuccess(index)
			h.accounts.RecordSuccess(acc.Key())
			h.writeResponse(w, log, resp, site, acc, isStream)
			return true, false, nil

		case verdictWAFChallenge:
			metrics.ObserveUpstream(site.Name, resp.StatusCode, time.Since(start))
			if !site.NeedWAF {
				lastErr = fmt.Errorf("unexpected HTML response from %s", site.Name)
				log.Warn("html response from waf-free site", zap.String("site", site.Name))
				return false, false, lastErr
			}
			log.Warn("waf challenge detected, refreshing cookies", zap.String("site", site.Name))
			lastErr = fmt.Errorf("waf challenge from %s", site.Name)
			if fresh, ferr := h.cookies.ForceRefresh(ctx); ferr == nil {
				cookies = fresh
			}
			continue

		case verdictAuthError:
			metrics.ObserveUpstream(site.Name, resp.StatusCode, time.Since(start))
			log.Warn("account auth error",
				zap.String("site", site.Name),
				zap.String("account", acc.Key()),
				zap.Int("status", resp.StatusCode))
			return false, true, fmt.Errorf("account auth error: %d", resp.StatusCode)

		case verdictWAFSuspect:
			metrics.ObserveUpstream(site.Name, resp.StatusCode, time.Since(start))
			log.Warn("empty 5xx on waf site, refreshing cookies",
				zap.String("site", site.Name),
				zap.Int("status", resp.StatusCode))
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			if fresh, ferr := h.cookies.ForceRefresh(ctx); ferr == nil {
				cookies = fresh
			}
			if attempt < maxAttempts-1 {
				continue
			}
			return false, true, lastErr

		case verdictCapacity:
			metrics.ObserveUpstream(site.Name, resp.StatusCode, time.Since(start))
			lastErr = fmt.Errorf("account at capacity: %d", resp.StatusCode)
			if attempt == 0 {
				log.Info("model at capacity, waiting before retry", zap.String("site", site.Name))
				h.sleep(ctx, capacityWait)
				continue
			}
			log.Warn("account at capacity, trying another account",
				zap.String("site", site.Name),
				zap.String("account", acc.Key()))
			return false, true, lastErr

		default: // verdictServerError
			metrics.ObserveUpstream(site.Name, resp.StatusCode, time.Since(start))
			log.Warn("upstream server error",
				zap.String("site", site.Name),
				zap.String("account", acc.Key()),
				zap.Int("status", resp.StatusCode))
			return false, true, fmt.Errorf("server error: %d", resp.StatusCode)
		}
	}
	return false, false, lastErr
}

// classifyResponse maps resp to a verdict, draining the body for non-OK
// outcomes so the connection can be reused.
func (h *Handler) classifyResponse(resp *http.Response, contentType string, needWAF bool) verdict {
	quick := classify(resp.StatusCode, contentType, nil, needWAF)
	if quick == verdictOK {
		return verdictOK
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return classify(resp.StatusCode, contentType, excerpt, needWAF)
}

func (h *Handler) send(ctx context.Context, method, url string, headers http.Header,
	cookies map[string]string, body []byte, useProxy, stream bool,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return h.clients[clientKey{proxied: useProxy, stream: stream}].Do(req)
}

// writeResponse forwards a successful upstream response: streams are copied
// chunk by chunk with flushes, buffered responses pass JSON through and wrap
// anything else.
func (h *Handler) writeResponse(w http.ResponseWriter, log *zap.Logger, resp *http.Response,
	site config.Site, acc account.Account, isStream bool,
) {
	defer resp.Body.Close()

	if isStream {
		for name, values := range resp.Header {
			switch strings.ToLower(name) {
			case "content-length", "transfer-encoding", "content-encoding":
				continue
			}
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/event-stream")
		}
		w.WriteHeader(resp.StatusCode)

		written, err := copyStream(w, resp.Body, h.idleTimeout)
		if err != nil {
			log.Error("stream aborted",
				zap.String("site", site.Name),
				zap.String("account", acc.Key()),
				zap.Int64("bytes", written),
				zap.Error(err))
			return
		}
		log.Info("stream completed",
			zap.String("site", site.Name),
			zap.String("account", acc.Key()),
			zap.Int64("bytes", written))
		return
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed reading upstream body", zap.String("site", site.Name), zap.Error(err))
		writeDetail(w, http.StatusBadGateway, "failed reading upstream response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		w.Write(payload)
	} else {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(payload)})
		w.Write(wrapped)
	}
	log.Info("response relayed",
		zap.String("site", site.Name),
		zap.String("account", acc.Key()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(payload)))
}

// buildHeaders constructs the upstream header set: credentials for the
// chosen account, a browser user agent for the WAF, and any anthropic-*
// headers the client sent.
func buildHeaders(in http.Header, apiKey string) http.Header {
	h := http.Header{}

	contentType := in.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	h.Set("Content-Type", contentType)
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("x-api-key", apiKey)

	version := in.Get("anthropic-version")
	if version == "" {
		version = defaultAnthropicVersion
	}
	h.Set("anthropic-version", version)
	h.Set("User-Agent", relayUserAgent)

	for name, values := range in {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "anthropic-") && lower != "anthropic-version" {
			for _, v := range values {
				h.Add(name, v)
			}
		}
	}
	return h
}

// isConnectError reports whether err happened before the request reached the
// upstream, which on a WAF-fronted site hints at rejected cookies.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
