package checkin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wafrelay/wafrelay/internal/account"
	"github.com/wafrelay/wafrelay/internal/config"
)

type staticCookies map[string]string

func (s staticCookies) Get(ctx context.Context) (map[string]string, error) { return s, nil }

type staticAccounts []account.Account

func (s staticAccounts) Accounts() []account.Account { return s }

func testAccount() account.Account {
	return account.Account{
		Name:    "alpha",
		APIUser: "101",
		APIKey:  "sk-alpha",
		Cookies: account.Cookies{"session": "sess-1"},
	}
}

func TestCheckinSuccess(t *testing.T) {
	var signInHits int
	var gotAPIUser, gotSession string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case userInfoPath:
			w.Write([]byte(`{"success": true, "data": {"quota": 5000000, "used_quota": 1000000}}`))
		case signInPath:
			signInHits++
			gotAPIUser = r.Header.Get(apiUserHeader)
			if c, err := r.Cookie("session"); err == nil {
				gotSession = c.Value
			}
			w.Write([]byte(`{"ret": 1, "msg": "签到成功"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	sites := []config.Site{{Name: "primary", URL: ts.URL}}
	r := NewRunner(sites, "", staticCookies{}, staticAccounts{testAccount()})

	results := r.RunAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	res := results[0]
	if !res.Success || res.SiteUsed != "primary" {
		t.Fatalf("result = %+v", res)
	}
	if res.Quota == nil || *res.Quota != 10.0 {
		t.Errorf("quota = %v, want $10.00", res.Quota)
	}
	if res.UsedQuota == nil || *res.UsedQuota != 2.0 {
		t.Errorf("used = %v, want $2.00", res.UsedQuota)
	}
	if signInHits != 1 || gotAPIUser != "101" || gotSession != "sess-1" {
		t.Errorf("sign-in hits=%d api_user=%q session=%q", signInHits, gotAPIUser, gotSession)
	}

	status := r.Status()
	if status.LastSuccess != 1 || status.LastTotal != 1 || status.LastRun == nil {
		t.Errorf("status = %+v", status)
	}
}

func TestCheckinAlreadySignedIn(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == signInPath {
			w.Write([]byte(`{"ret": 0, "msg": "今日已签到"}`))
			return
		}
		w.Write([]byte(`{"success": false}`))
	}))
	defer ts.Close()

	r := NewRunner([]config.Site{{Name: "primary", URL: ts.URL}}, "", staticCookies{}, staticAccounts{testAccount()})
	results := r.RunAll(context.Background())
	if !results[0].Success {
		t.Errorf("already-signed-in should count as success: %+v", results[0])
	}
}

func TestCheckinFallsBackPastWAF(t *testing.T) {
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>challenge</html>"))
	}))
	defer blocked.Close()

	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == signInPath {
			w.Write([]byte(`{"success": true, "message": "ok"}`))
			return
		}
		w.Write([]byte(`{"success": false}`))
	}))
	defer open.Close()

	sites := []config.Site{
		{Name: "primary", URL: blocked.URL, NeedWAF: true},
		{Name: "mirror", URL: open.URL},
	}
	r := NewRunner(sites, "", staticCookies{"acw_tc": "tok"}, staticAccounts{testAccount()})

	results := r.RunAll(context.Background())
	if !results[0].Success || results[0].SiteUsed != "mirror" {
		t.Errorf("result = %+v, want success via mirror", results[0])
	}
}

func TestCheckinMissingCredentials(t *testing.T) {
	noSession := testAccount()
	noSession.Cookies = account.Cookies{}
	noUser := testAccount()
	noUser.Name = "beta"
	noUser.APIUser = ""

	r := NewRunner([]config.Site{{Name: "primary", URL: "http://unused.example.com"}}, "",
		staticCookies{}, staticAccounts{noSession, noUser})

	results := r.RunAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Success || results[0].Message != "missing session cookie" {
		t.Errorf("result[0] = %+v", results[0])
	}
	if results[1].Success || results[1].Message != "missing api_user" {
		t.Errorf("result[1] = %+v", results[1])
	}
}

func TestCheckinRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == signInPath {
			w.Write([]byte(`{"ret": 0, "msg": "账号异常"}`))
			return
		}
		w.Write([]byte(`{"success": false}`))
	}))
	defer ts.Close()

	r := NewRunner([]config.Site{{Name: "primary", URL: ts.URL}}, "", staticCookies{}, staticAccounts{testAccount()})
	results := r.RunAll(context.Background())
	if results[0].Success {
		t.Errorf("rejected sign-in reported as success: %+v", results[0])
	}
	if results[0].Message != "账号异常" {
		t.Errorf("message = %q", results[0].Message)
	}
}
