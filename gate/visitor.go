package gate

import (
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const visitorCookieName = "ag_visitor"

// Visitor ids live an order of magnitude longer than any session; they are
// anonymous tracking identifiers, not credentials.
const visitorCookieMaxAge = 10 * 365 * 24 * time.Hour

var (
	visitorOnce    sync.Once
	visitorEntropy *ulid.MonotonicEntropy
	visitorMu      sync.Mutex
)

// NewVisitorID returns a lexicographically sortable ULID from a monotonic
// entropy source, safe for concurrent use.
func NewVisitorID() string {
	visitorOnce.Do(func() {
		visitorEntropy = ulid.Monotonic(rand.Reader, 0)
	})
	visitorMu.Lock()
	defer visitorMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), visitorEntropy).String()
}

// VisitorManager pins a stable pseudo-random visitor id to the browser via a
// long-lived cookie. The id is created once on first visit and must stay
// constant across reloads; logout never touches it.
type VisitorManager struct {
	secure       bool
	cookieDomain string
}

// NewVisitorManager constructs a visitor manager honouring config.
func NewVisitorManager(cfg Config) *VisitorManager {
	return &VisitorManager{
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Ensure returns the visitor id for this browser, minting and setting the
// cookie when absent.
func (vm *VisitorManager) Ensure(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(visitorCookieName); err == nil && cookie.Value != "" {
		if _, err := ulid.ParseStrict(cookie.Value); err == nil {
			return cookie.Value
		}
	}

	id := NewVisitorID()
	http.SetCookie(w, &http.Cookie{
		Name:     visitorCookieName,
		Value:    id,
		Path:     "/",
		Domain:   vm.cookieDomain,
		HttpOnly: true,
		Secure:   vm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(visitorCookieMaxAge.Seconds()),
	})
	return id
}
