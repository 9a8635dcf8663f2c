package gate

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newGateServer boots the whole application, embedded dev provider included,
// on a real listener so the provider's issuer URL is routable.
func newGateServer(t *testing.T, mutate func(*Config)) *httptest.Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://" + l.Addr().String()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "gate.db")
	cfg.Downstream.AppURL = "https://app.example.com/run"
	cfg.Payment.Links = map[string]string{
		string(PlanWeekly): "https://pay.example.com/weekly",
	}
	cfg.Provider.DiscoveryAttempts = 3
	cfg.Provider.DiscoveryInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ts := httptest.NewUnstartedServer(app.Routes())
	ts.Listener.Close()
	ts.Listener = l
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		_ = app.Close()
	})
	return ts
}

// browser returns a redirect-following client and a sibling that stops at the
// first redirect, both sharing one cookie jar.
func browser(t *testing.T) (*http.Client, *http.Client) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	follow := &http.Client{Jar: jar}
	stop := &http.Client{Jar: jar, CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	return follow, stop
}

func fetchBody(t *testing.T, c *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func location(t *testing.T, c *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, resp.Header.Get("Location")
}

func login(t *testing.T, ts *httptest.Server, follow *http.Client) {
	t.Helper()
	status, body := fetchBody(t, follow, ts.URL+"/login")
	if status != http.StatusOK {
		t.Fatalf("login flow ended with status %d", status)
	}
	if !strings.Contains(body, "Signed in as Dev User") {
		t.Fatalf("login flow did not end signed in:\n%s", body)
	}
}

func TestHomeAnonymous(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, _ := browser(t)

	status, body := fetchBody(t, follow, ts.URL+"/")
	if status != http.StatusOK || !strings.Contains(body, "Not signed in") {
		t.Fatalf("expected anonymous home, got %d:\n%s", status, body)
	}
}

func TestLoginFlowEndToEnd(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, _ := browser(t)

	login(t, ts, follow)

	// The session survives a plain reload via the visitor cookie.
	status, body := fetchBody(t, follow, ts.URL+"/")
	if status != http.StatusOK || !strings.Contains(body, "Signed in as Dev User") {
		t.Fatalf("session did not survive reload, got %d:\n%s", status, body)
	}
}

func TestLoginThrottledWithinCooldown(t *testing.T) {
	ts := newGateServer(t, nil)
	_, stop := browser(t)

	status, _ := location(t, stop, ts.URL+"/login")
	if status != http.StatusFound {
		t.Fatalf("first login expected redirect, got %d", status)
	}
	status, _ = location(t, stop, ts.URL+"/login")
	if status != http.StatusTooManyRequests {
		t.Fatalf("second login within cooldown expected 429, got %d", status)
	}
}

func TestDashboardRequiresAuthentication(t *testing.T) {
	ts := newGateServer(t, nil)
	_, stop := browser(t)

	status, loc := location(t, stop, ts.URL+"/dashboard")
	if status != http.StatusFound || loc != "/" {
		t.Fatalf("anonymous dashboard expected redirect home, got %d %q", status, loc)
	}
}

func TestDashboardGatesOnEntitlement(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, stop := browser(t)
	login(t, ts, follow)

	// No entitlement yet: diverted to plan selection.
	status, loc := location(t, stop, ts.URL+"/dashboard")
	if status != http.StatusFound || !strings.Contains(loc, "/plans") {
		t.Fatalf("expected plans divert, got %d %q", status, loc)
	}
	if !strings.Contains(loc, "userid=dev-user") {
		t.Fatalf("plans divert must carry the subject: %q", loc)
	}

	// Payment comes back successful: entitlement activates.
	status, loc = location(t, stop, ts.URL+"/payment/return?status=success&plan=weekly")
	if status != http.StatusFound || loc != "/dashboard" {
		t.Fatalf("payment return expected dashboard redirect, got %d %q", status, loc)
	}

	// Entitled: handed off downstream with the session parameters.
	status, loc = location(t, stop, ts.URL+"/dashboard")
	if status != http.StatusFound {
		t.Fatalf("entitled dashboard expected redirect, got %d", status)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse handoff url: %v", err)
	}
	if u.Host != "app.example.com" {
		t.Fatalf("expected downstream host, got %q", loc)
	}
	q := u.Query()
	if q.Get("user") != "new" || q.Get("userid") != "dev-user" || q.Get("token") == "" || q.Get("ts") == "" {
		t.Fatalf("handoff parameters incomplete: %q", loc)
	}
}

func TestPaymentReturnRejectsCancelled(t *testing.T) {
	ts := newGateServer(t, nil)
	_, stop := browser(t)

	status, loc := location(t, stop, ts.URL+"/payment/return?status=cancelled&plan=weekly")
	if status != http.StatusFound || loc != "/plans" {
		t.Fatalf("cancelled payment expected plans redirect, got %d %q", status, loc)
	}
}

func TestPlanSelectedBeforeLoginReachesPayment(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, stop := browser(t)

	status, loc := location(t, stop, ts.URL+"/plans/select?plan=weekly")
	if status != http.StatusFound || loc != "/login" {
		t.Fatalf("pre-login plan select expected login redirect, got %d %q", status, loc)
	}

	login(t, ts, follow)

	status, loc = location(t, stop, ts.URL+"/dashboard")
	if status != http.StatusFound || !strings.HasPrefix(loc, "https://pay.example.com/weekly") {
		t.Fatalf("expected payment divert for pending plan, got %d %q", status, loc)
	}

	// Consumed: the next visit falls back to plan selection.
	status, loc = location(t, stop, ts.URL+"/dashboard")
	if status != http.StatusFound || !strings.Contains(loc, "/plans") {
		t.Fatalf("pending plan must be consumed once, got %d %q", status, loc)
	}
}

func TestPlanSelectRejectsUnknownPlan(t *testing.T) {
	ts := newGateServer(t, nil)
	_, stop := browser(t)

	status, loc := location(t, stop, ts.URL+"/plans/select?plan=hourly")
	if status != http.StatusFound || loc != "/plans" {
		t.Fatalf("unknown plan expected plans redirect, got %d %q", status, loc)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, stop := browser(t)
	login(t, ts, follow)

	status, loc := location(t, stop, ts.URL+"/logout")
	if status != http.StatusFound || !strings.Contains(loc, "/v2/logout") {
		t.Fatalf("logout expected provider navigation, got %d %q", status, loc)
	}

	// Following the provider logout lands back on the gate, signed out.
	status, body := fetchBody(t, follow, loc)
	if status != http.StatusOK || !strings.Contains(body, "Not signed in") {
		t.Fatalf("expected signed-out home after logout, got %d:\n%s", status, body)
	}
}

func TestReviewEndpointValidatesRating(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, _ := browser(t)

	resp, err := follow.PostForm(ts.URL+"/review", url.Values{"rating": {"5"}, "comment": {"great"}})
	if err != nil {
		t.Fatalf("post review: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("valid review expected 204, got %d", resp.StatusCode)
	}

	resp, err = follow.PostForm(ts.URL+"/review", url.Values{"rating": {"9"}})
	if err != nil {
		t.Fatalf("post review: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range rating expected 400, got %d", resp.StatusCode)
	}
}

func TestTrackEndpointRequiresName(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, _ := browser(t)

	resp, err := follow.PostForm(ts.URL+"/track", url.Values{"name": {"cta_click"}, "detail": {"hero"}})
	if err != nil {
		t.Fatalf("post track: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("valid event expected 204, got %d", resp.StatusCode)
	}

	resp, err = follow.PostForm(ts.URL+"/track", url.Values{"detail": {"hero"}})
	if err != nil {
		t.Fatalf("post track: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nameless event expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newGateServer(t, nil)
	follow, _ := browser(t)

	status, body := fetchBody(t, follow, ts.URL+"/healthz")
	if status != http.StatusOK || !strings.Contains(body, "healthy") {
		t.Fatalf("unexpected health response %d:\n%s", status, body)
	}
}

func TestHomeShowsOutageNoticeWhenProviderUnreachable(t *testing.T) {
	ts := newGateServer(t, func(cfg *Config) {
		cfg.Provider.Issuer = "http://127.0.0.1:1"
		cfg.Provider.ClientID = "gate"
		cfg.Provider.DiscoveryAttempts = 2
		cfg.Provider.DiscoveryInterval = time.Millisecond
	})
	follow, _ := browser(t)

	status, body := fetchBody(t, follow, ts.URL+"/")
	if status != http.StatusOK {
		t.Fatalf("outage page expected 200, got %d", status)
	}
	if !strings.Contains(body, "temporarily unavailable") {
		t.Fatalf("expected outage notice:\n%s", body)
	}
	// The login controls are hidden while the provider is down.
	if strings.Contains(body, `href="/login"`) {
		t.Fatalf("login controls must be hidden during an outage:\n%s", body)
	}
}
