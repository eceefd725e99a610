// Package account manages the upstream credential pool: loading accounts from
// the JSON file, random selection among healthy ones, and the temporary
// disable window after repeated failures.
package account

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
)

const (
	// maxFails failures in a row disable an account for disableFor.
	maxFails   = 3
	disableFor = 300 * time.Second
)

// Cookies is the per-account cookie set. The file stores it either as an
// object or as a raw "k=v; k2=v2" header string; both decode to a map.
type Cookies map[string]string

func (c *Cookies) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(raw, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("malformed cookie pair %q", pair)
			}
			m[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
		*c = m
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// Account is one entry of the accounts file.
type Account struct {
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	APIUser       string  `json:"api_user"`
	APIKey        string  `json:"api_key"`
	SessionCookie string  `json:"session_cookie"`
	Provider      string  `json:"provider"`
	Cookies       Cookies `json:"cookies"`
	Enabled       *bool   `json:"enabled"`
}

// Key identifies the account in health bookkeeping and logs.
func (a Account) Key() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Email != "" {
		return a.Email
	}
	return "unknown"
}

func (a Account) enabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Health is one account's failure record, as reported on /health.
type Health struct {
	FailCount     int        `json:"fail_count"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	DisabledUntil *time.Time `json:"disabled_until,omitempty"`
}

type health struct {
	failCount     int
	lastFailure   time.Time
	disabledUntil time.Time
}

// Pool holds the loaded accounts and their health records. Health survives
// reloads so a flapping account cannot reset its disable window by editing
// an unrelated entry in the file.
type Pool struct {
	path string

	mu       sync.Mutex
	accounts []Account
	health   map[string]*health

	now  func() time.Time
	rand func(n int) int
}

// NewPool creates a Pool over the given accounts file. Call Load before use.
func NewPool(path string) *Pool {
	return &Pool{
		path:   path,
		health: make(map[string]*health),
		now:    time.Now,
		rand:   rand.Intn,
	}
}

// Load reads the accounts file and atomically replaces the pool contents.
// Entries without an API key or explicitly disabled in the file are skipped.
func (p *Pool) Load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read accounts file: %w", err)
	}

	var raw []Account
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}

	valid := make([]Account, 0, len(raw))
	for _, acc := range raw {
		if strings.TrimSpace(acc.APIKey) == "" || !acc.enabled() {
			continue
		}
		valid = append(valid, acc)
		logging.Debug("loaded account",
			zap.String("account", acc.Key()),
			zap.String("key", logging.KeyPreview(acc.APIKey)))
	}

	p.mu.Lock()
	p.accounts = valid
	p.mu.Unlock()

	metrics.SetEligibleAccounts(p.eligibleCount())
	logging.Info("accounts loaded", zap.Int("count", len(valid)), zap.String("file", p.path))
	return nil
}

// Len returns the number of loaded accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func (p *Pool) healthyLocked(key string) bool {
	h, ok := p.health[key]
	if !ok {
		return true
	}
	return h.disabledUntil.IsZero() || !p.now().Before(h.disabledUntil)
}

// Pick selects a random healthy account, excluding the given keys. With no
// healthy candidates it degrades to any non-excluded account rather than
// failing the request outright. Returns false when nothing is selectable.
func (p *Pool) Pick(exclude map[string]bool) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return Account{}, false
	}

	var healthy, available []Account
	for _, acc := range p.accounts {
		if exclude[acc.Key()] {
			continue
		}
		available = append(available, acc)
		if p.healthyLocked(acc.Key()) {
			healthy = append(healthy, acc)
		}
	}

	if len(healthy) > 0 {
		return healthy[p.rand(len(healthy))], true
	}
	if len(available) > 0 {
		logging.Warn("no healthy accounts available, using degraded selection")
		return available[p.rand(len(available))], true
	}
	return Account{}, false
}

// RecordFailure bumps the account's consecutive failure count and disables it
// for disableFor once the count reaches maxFails.
func (p *Pool) RecordFailure(key string) {
	p.mu.Lock()
	h, ok := p.health[key]
	if !ok {
		h = &health{}
		p.health[key] = h
	}
	h.failCount++
	h.lastFailure = p.now()
	disabled := false
	if h.failCount >= maxFails {
		h.disabledUntil = p.now().Add(disableFor)
		disabled = true
	}
	fails := h.failCount
	p.mu.Unlock()

	metrics.RecordAccountFailure(key)
	if disabled {
		logging.Warn("account temporarily disabled",
			zap.String("account", key),
			zap.Int("fails", fails),
			zap.Duration("for", disableFor))
		metrics.SetEligibleAccounts(p.eligibleCount())
	}
}

// RecordSuccess clears the account's failure record.
func (p *Pool) RecordSuccess(key string) {
	p.mu.Lock()
	if _, ok := p.health[key]; ok {
		p.health[key] = &health{}
	}
	p.mu.Unlock()
	metrics.SetEligibleAccounts(p.eligibleCount())
}

func (p *Pool) eligibleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, acc := range p.accounts {
		if p.healthyLocked(acc.Key()) {
			n++
		}
	}
	return n
}

// HealthReport returns the per-account failure records, keyed by account,
// sorted output left to the serializer.
func (p *Pool) HealthReport() map[string]Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := make(map[string]Health, len(p.health))
	for key, h := range p.health {
		entry := Health{FailCount: h.failCount}
		if !h.lastFailure.IsZero() {
			t := h.lastFailure
			entry.LastFailure = &t
		}
		if !h.disabledUntil.IsZero() && p.now().Before(h.disabledUntil) {
			t := h.disabledUntil
			entry.DisabledUntil = &t
		}
		report[key] = entry
	}
	return report
}

// Accounts returns a copy of the loaded accounts.
func (p *Pool) Accounts() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Names returns the loaded account keys in stable order, for diagnostics.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.accounts))
	for _, acc := range p.accounts {
		names = append(names, acc.Key())
	}
	sort.Strings(names)
	return names
}
