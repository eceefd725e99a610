package wafcookie

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	mu       sync.Mutex
	cookies  map[string]string
	errs     []error       // consumed one per call, nil entries succeed
	block    chan struct{} // when non-nil, FetchCookies parks until closed
	fetches  atomic.Int64
	restarts atomic.Int64
	old      bool
}

func (f *fakeFetcher) FetchCookies(ctx context.Context, url string, settle time.Duration) (map[string]string, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	block := f.block
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	cookies := f.cookies
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

func (f *fakeFetcher) Restart() error {
	f.restarts.Add(1)
	return nil
}

func (f *fakeFetcher) ShouldRestart() bool { return f.old }

func testConfig() Config {
	return Config{
		LoginURL:      "https://waf.example.com/login",
		TTL:           2700 * time.Second,
		RefreshBefore: 600 * time.Second,
		RetryInterval: 30 * time.Second,
		PageWait:      time.Millisecond,
		WaitTimeout:   2 * time.Second,
	}
}

func waitForState(t *testing.T, c *Cache, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("cache never reached state %s (now %s)", want, c.State())
}

func TestGetColdFillsCache(t *testing.T) {
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "abc", "cdn_sec_tc": "def"}}
	c := New(f, testConfig())

	if got := c.State(); got != StateEmpty {
		t.Fatalf("initial state = %s, want empty", got)
	}

	cookies, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cookies["acw_tc"] != "abc" {
		t.Errorf("cookies = %v", cookies)
	}
	if got := c.State(); got != StateValid {
		t.Errorf("state after fill = %s, want valid", got)
	}
	if n := f.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	// Second call is a pure cache hit.
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := f.fetches.Load(); n != 1 {
		t.Errorf("fetches after hit = %d, want 1", n)
	}

	s := c.Stats()
	if s.CacheHits != 1 || s.CacheMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.CacheHits, s.CacheMisses)
	}
	if s.SuccessfulRefreshes != 1 {
		t.Errorf("successful refreshes = %d, want 1", s.SuccessfulRefreshes)
	}
}

func TestConcurrentGetSingleFetch(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "abc"}, block: block}
	c := New(f, testConfig())

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background())
		}(i)
	}

	waitForState(t, c, StateRefreshing)
	close(block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Get[%d]: %v", i, err)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 for %d concurrent callers", got, n)
	}
}

func TestExpiringServesStaleAndPreRefreshes(t *testing.T) {
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "new"}}
	c := New(f, testConfig())

	c.mu.Lock()
	c.cookies = map[string]string{"acw_tc": "old"}
	c.expireAt = time.Now().Add(5 * time.Minute) // inside the refresh window
	c.mu.Unlock()

	if got := c.State(); got != StateExpiring {
		t.Fatalf("state = %s, want expiring", got)
	}

	cookies, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cookies["acw_tc"] != "old" {
		t.Errorf("expiring Get returned %v, want the stale value immediately", cookies)
	}

	waitForState(t, c, StateValid)
	if got := f.fetches.Load(); got != 1 {
		t.Errorf("background fetches = %d, want 1", got)
	}

	cookies, err = c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cookies["acw_tc"] != "new" {
		t.Errorf("post-refresh Get returned %v, want refreshed value", cookies)
	}
}

func TestForceRefreshCoalescesWithInFlight(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "fresh"}, block: block}
	c := New(f, testConfig())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Get(context.Background()); err != nil {
			t.Errorf("Get: %v", err)
		}
	}()
	waitForState(t, c, StateRefreshing)

	wg.Add(1)
	go func() {
		defer wg.Done()
		cookies, err := c.ForceRefresh(context.Background())
		if err != nil {
			t.Errorf("ForceRefresh: %v", err)
			return
		}
		if cookies["acw_tc"] != "fresh" {
			t.Errorf("ForceRefresh cookies = %v", cookies)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	if got := f.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want force refresh to ride the in-flight refresh", got)
	}
}

func TestForceRefreshExpiresValidEntry(t *testing.T) {
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "second"}}
	c := New(f, testConfig())

	c.mu.Lock()
	c.cookies = map[string]string{"acw_tc": "first"}
	c.expireAt = time.Now().Add(time.Hour)
	c.mu.Unlock()

	cookies, err := c.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if cookies["acw_tc"] != "second" {
		t.Errorf("cookies = %v, want refetched value", cookies)
	}
	if got := f.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestRefreshRestartsBrowserOnDisconnect(t *testing.T) {
	f := &fakeFetcher{
		cookies: map[string]string{"acw_tc": "abc"},
		errs:    []error{errors.New("browser has been closed")},
	}
	c := New(f, testConfig())

	cookies, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cookies["acw_tc"] != "abc" {
		t.Errorf("cookies = %v", cookies)
	}
	if got := f.restarts.Load(); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
	if got := f.fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestRefreshDoesNotRetryPageErrors(t *testing.T) {
	f := &fakeFetcher{errs: []error{errors.New("navigate: net::ERR_TIMED_OUT")}}
	c := New(f, testConfig())

	if _, err := c.Get(context.Background()); err == nil {
		t.Fatal("expected error from failed refresh with no stale fallback")
	}
	if got := f.restarts.Load(); got != 0 {
		t.Errorf("restarts = %d, want 0 for a page-level error", got)
	}
	if got := f.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	s := c.Stats()
	if s.FailedRefreshes != 1 || s.LastError == "" {
		t.Errorf("stats = %+v, want a recorded failure", s)
	}
}

func TestFailedRefreshFallsBackToStale(t *testing.T) {
	f := &fakeFetcher{errs: []error{errors.New("navigate: net::ERR_TIMED_OUT")}}
	c := New(f, testConfig())

	c.mu.Lock()
	c.cookies = map[string]string{"acw_tc": "stale"}
	c.expireAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	cookies, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cookies["acw_tc"] != "stale" {
		t.Errorf("cookies = %v, want stale fallback", cookies)
	}
}

func TestWaiterTimeoutFallsBackToStale(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "fresh"}, block: block}

	cfg := testConfig()
	cfg.WaitTimeout = 30 * time.Millisecond
	c := New(f, cfg)

	c.mu.Lock()
	c.cookies = map[string]string{"acw_tc": "stale"}
	c.expireAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	// Winner parks inside the blocked fetch.
	go func() { _, _ = c.Get(context.Background()) }()
	waitForState(t, c, StateRefreshing)

	start := time.Now()
	cookies, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cookies["acw_tc"] != "stale" {
		t.Errorf("cookies = %v, want stale fallback after wait timeout", cookies)
	}
	if elapsed := time.Since(start); elapsed < cfg.WaitTimeout {
		t.Errorf("waiter returned after %s, before the %s wait timeout", elapsed, cfg.WaitTimeout)
	}
}

func TestCachedNeverRefreshes(t *testing.T) {
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "abc"}}
	c := New(f, testConfig())

	if got := c.Cached(); len(got) != 0 {
		t.Errorf("Cached on empty cache = %v", got)
	}
	if n := f.fetches.Load(); n != 0 {
		t.Errorf("Cached triggered %d fetches", n)
	}

	c.mu.Lock()
	c.cookies = map[string]string{"acw_tc": "abc"}
	c.expireAt = time.Now().Add(time.Hour)
	c.mu.Unlock()

	if got := c.Cached(); got["acw_tc"] != "abc" {
		t.Errorf("Cached = %v", got)
	}

	c.mu.Lock()
	c.expireAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	if got := c.Cached(); len(got) != 0 {
		t.Errorf("Cached on expired cache = %v", got)
	}
}

func TestGetReturnsIsolatedCopies(t *testing.T) {
	f := &fakeFetcher{cookies: map[string]string{"acw_tc": "abc"}}
	c := New(f, testConfig())

	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first["acw_tc"] = "mutated"

	second, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second["acw_tc"] != "abc" {
		t.Error("caller mutation leaked into the cache")
	}
}
