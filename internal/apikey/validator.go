// Package apikey validates inbound API keys against the user database
// service before any upstream work is spent on the request.
package apikey

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
)

const cacheSize = 4096

// Validator checks keys against GET /api/user/self and caches verdicts, both
// positive and negative, for the configured TTL. Lookups for the same key are
// coalesced so a burst of requests costs one upstream call.
type Validator struct {
	baseURL string
	client  *http.Client
	cache   *lru.LRU[string, bool]
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewValidator creates a Validator against the user database at baseURL.
func NewValidator(baseURL string, cacheTTL time.Duration) *Validator {
	return &Validator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   lru.NewLRU[string, bool](cacheSize, nil, cacheTTL),
	}
}

// ExtractKey pulls the API key from x-api-key or a bearer Authorization
// header. Empty when the request carries neither.
func ExtractKey(h http.Header) string {
	if key := h.Get("x-api-key"); key != "" {
		return key
	}
	auth := h.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Validate reports whether the key is known to the user database. Transport
// errors surface to the caller and are never cached, so a blip in the user
// database does not pin verdicts.
func (v *Validator) Validate(ctx context.Context, key string) (bool, error) {
	if key == "" {
		metrics.RecordAPIKeyValidation("invalid")
		return false, nil
	}

	if valid, ok := v.cache.Get(key); ok {
		v.hits.Add(1)
		metrics.RecordAPIKeyValidation("cached")
		return valid, nil
	}
	v.misses.Add(1)

	result, err, _ := v.group.Do(key, func() (any, error) {
		return v.lookup(ctx, key)
	})
	if err != nil {
		metrics.RecordAPIKeyValidation("error")
		return false, err
	}

	valid := result.(bool)
	v.cache.Add(key, valid)
	if valid {
		metrics.RecordAPIKeyValidation("valid")
	} else {
		metrics.RecordAPIKeyValidation("invalid")
	}
	return valid, nil
}

func (v *Validator) lookup(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/user/self", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query user database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Debug("api key rejected by user database",
			zap.Int("status", resp.StatusCode),
			zap.String("key", logging.KeyPreview(key)))
		return false, nil
	}

	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode user database response: %w", err)
	}
	return body.Success && len(body.Data) > 0 && string(body.Data) != "null", nil
}

// Clear drops every cached verdict.
func (v *Validator) Clear() {
	v.cache.Purge()
	logging.Info("api key cache cleared")
}

// Stats describes the verdict cache for the health endpoint.
type Stats struct {
	CachedKeys int   `json:"cached_keys"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
}

// CacheStats returns a snapshot of the verdict cache.
func (v *Validator) CacheStats() Stats {
	return Stats{
		CachedKeys: v.cache.Len(),
		Hits:       v.hits.Load(),
		Misses:     v.misses.Load(),
	}
}
