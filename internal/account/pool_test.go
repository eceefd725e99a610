package account

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleAccounts = `[
  {"name": "alpha", "api_user": "101", "api_key": "sk-alpha-0123456789", "cookies": {"session": "s1"}},
  {"name": "beta", "api_user": "102", "api_key": "sk-beta-0123456789", "cookies": "session=s2; cf_clearance=x"},
  {"name": "gamma", "api_user": "103", "api_key": "", "cookies": {}},
  {"name": "delta", "api_user": "104", "api_key": "sk-delta-0123456789", "enabled": false}
]`

func writeAccounts(t *testing.T, content string) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewPool(path)
	if err := p.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestLoadSkipsKeylessAndDisabled(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (no key and disabled entries skipped)", p.Len())
	}
	names := p.Names()
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names = %v", names)
	}
}

func TestCookiesAcceptStringForm(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)
	acc, ok := p.Pick(map[string]bool{"alpha": true})
	if !ok || acc.Key() != "beta" {
		t.Fatalf("Pick = %+v, %v", acc, ok)
	}
	if acc.Cookies["session"] != "s2" || acc.Cookies["cf_clearance"] != "x" {
		t.Errorf("Cookies = %v", acc.Cookies)
	}
}

func TestPickExcludesAndExhausts(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)

	if _, ok := p.Pick(nil); !ok {
		t.Fatal("Pick with no exclusions failed")
	}
	if _, ok := p.Pick(map[string]bool{"alpha": true, "beta": true}); ok {
		t.Error("Pick succeeded with every account excluded")
	}
}

func TestFailureDisablesAfterThreshold(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)
	now := time.Now()
	p.now = func() time.Time { return now }
	p.rand = func(n int) int { return 0 }

	p.RecordFailure("alpha")
	p.RecordFailure("alpha")
	if !p.healthyUnderTest("alpha") {
		t.Fatal("alpha disabled before reaching the failure threshold")
	}

	p.RecordFailure("alpha")
	if p.healthyUnderTest("alpha") {
		t.Fatal("alpha still healthy after 3 consecutive failures")
	}

	// Selection avoids the disabled account.
	for i := 0; i < 10; i++ {
		acc, ok := p.Pick(nil)
		if !ok {
			t.Fatal("Pick failed with a healthy account remaining")
		}
		if acc.Key() == "alpha" {
			t.Fatal("Pick returned a disabled account while a healthy one exists")
		}
	}

	// The disable window is absolute: once it passes, the account is
	// eligible again without any success in between.
	now = now.Add(disableFor + time.Second)
	if !p.healthyUnderTest("alpha") {
		t.Error("alpha not re-eligible after the disable window elapsed")
	}
}

func TestSuccessClearsFailureRecord(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)

	p.RecordFailure("beta")
	p.RecordFailure("beta")
	p.RecordSuccess("beta")
	p.RecordFailure("beta")

	report := p.HealthReport()
	if got := report["beta"].FailCount; got != 1 {
		t.Errorf("FailCount = %d, want 1 after success reset", got)
	}
	if report["beta"].DisabledUntil != nil {
		t.Error("beta disabled despite count below threshold")
	}
}

func TestDegradedSelectionWhenAllDisabled(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)
	p.rand = func(n int) int { return 0 }

	for _, key := range []string{"alpha", "beta"} {
		for i := 0; i < maxFails; i++ {
			p.RecordFailure(key)
		}
	}

	acc, ok := p.Pick(nil)
	if !ok {
		t.Fatal("degraded Pick returned nothing with accounts loaded")
	}
	if acc.Key() != "alpha" && acc.Key() != "beta" {
		t.Errorf("degraded Pick = %s", acc.Key())
	}
}

func TestReloadPreservesHealth(t *testing.T) {
	p := writeAccounts(t, sampleAccounts)
	for i := 0; i < maxFails; i++ {
		p.RecordFailure("alpha")
	}

	if err := p.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if p.healthyUnderTest("alpha") {
		t.Error("reload cleared the disable window")
	}
}

// healthyUnderTest exposes the internal health check for assertions.
func (p *Pool) healthyUnderTest(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyLocked(key)
}
