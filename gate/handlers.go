package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const gateTitle = "Login"

// timeNow is swapped in tests.
var timeNow = time.Now

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     *Store
	Visitors  *VisitorManager
	Sessions  *SessionStore
	Identity  IdentityClient
	Bootstrap *Bootstrapper
	Handoff   *Handoff
	Logout    *LogoutCoordinator
	DevIdP    *DevIdentityProvider

	loginLimiter *LoginLimiter
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store := OpenStore(cfg.Storage.Path, logger)

	var devIdP *DevIdentityProvider
	if cfg.Server.DevMode && cfg.Provider.Issuer == "" {
		issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/devidp"
		if cfg.Provider.ClientID == "" {
			cfg.Provider.ClientID = "authgate-dev"
		}
		idp, err := NewDevIdentityProvider(issuer, cfg.Provider.ClientID, logger)
		if err != nil {
			return nil, err
		}
		devIdP = idp
		cfg.Provider.Issuer = issuer
		logger.Info("using embedded dev identity provider", "issuer", issuer)
	}

	client := NewIdentityClient(cfg.Provider, cfg.CallbackURL(), cfg.Sessions.TTL, logger, realClock{})
	sessions := NewSessionStore(store)

	app := &App{
		Config:       cfg,
		Logger:       logger,
		Store:        store,
		Visitors:     NewVisitorManager(cfg),
		Sessions:     sessions,
		Identity:     client,
		Bootstrap:    NewBootstrapper(client, sessions, logger),
		Handoff:      NewHandoff(cfg, store, client, logger),
		Logout:       NewLogoutCoordinator(cfg, sessions, client, logger),
		DevIdP:       devIdP,
		loginLimiter: NewLoginLimiter(DefaultLoginCooldown),
	}
	return app, nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	res := a.Bootstrap.Resolve(r.Context(), visitorID, r.URL)
	a.renderHome(w, res)
}

func (a *App) renderHome(w http.ResponseWriter, res BootstrapResult) {
	view := homeView{Title: gateTitle}
	switch {
	case res.State == StateAuthenticated:
		view.Authenticated = true
		view.DisplayName = res.Session.DisplayName
		view.Email = res.Session.Email
	case errors.Is(res.Err, ErrSdkUnavailable):
		view.Disabled = true
		view.Error = "Sign-in is temporarily unavailable. Please try again later."
	case errors.Is(res.Err, ErrCallbackExchange):
		view.Error = "Sign-in failed. Please try again."
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homeTemplate.Execute(w, view); err != nil {
		a.Logger.Error("template error", "error", err)
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)

	// A second trigger inside the cooldown window must not start a second
	// authorization navigation.
	if !a.loginLimiter.Allow(visitorID) {
		http.Error(w, "login already in progress", http.StatusTooManyRequests)
		return
	}

	if err := a.Identity.Initialize(r.Context()); err != nil {
		a.Logger.Error("login init", "error", err)
		a.renderHome(w, BootstrapResult{State: StateAnonymous, Err: err})
		return
	}

	hint := HintNone
	switch r.URL.Query().Get("hint") {
	case string(HintSignup):
		hint = HintSignup
	case string(HintGoogle):
		hint = HintGoogle
	}

	attempt := NewLoginAttempt()
	a.Sessions.SaveAttempt(r.Context(), visitorID, attempt)

	target, err := a.Identity.LoginURL(attempt, hint)
	if err != nil {
		a.Logger.Error("login url", "error", err)
		a.renderHome(w, BootstrapResult{State: StateAnonymous, Err: err})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	res := a.Bootstrap.Resolve(r.Context(), visitorID, r.URL)
	if res.State == StateAuthenticated {
		// Redirecting to the gate page removes the callback markers from the
		// visible URL, so a reload cannot re-trigger the exchange.
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	// On failure the callback URL stays as-is so the condition is
	// diagnosable from the address bar and logs.
	a.renderHome(w, res)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	res := a.Bootstrap.Resolve(r.Context(), visitorID, r.URL)
	if res.State != StateAuthenticated {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	target, err := a.Handoff.BuildURL(r.Context(), visitorID, res.Session)
	if err != nil {
		a.Logger.Error("handoff", "error", err)
		a.renderHome(w, BootstrapResult{State: StateAnonymous, Err: err})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handlePlans(w http.ResponseWriter, r *http.Request) {
	a.Visitors.Ensure(w, r)
	plans := []planView{
		{ID: string(PlanDaily), Label: "Daily"},
		{ID: string(PlanWeekly), Label: "Weekly"},
		{ID: string(PlanMonthly), Label: "Monthly"},
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := plansTemplate.Execute(w, struct{ Plans []planView }{plans}); err != nil {
		a.Logger.Error("template error", "error", err)
	}
}

func (a *App) handlePlanSelect(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)

	plan, err := ParsePlan(r.URL.Query().Get("plan"))
	if err != nil {
		http.Redirect(w, r, "/plans", http.StatusFound)
		return
	}

	// Selecting a plan before logging in stashes the choice; the hand-off
	// consumes it right after login completes.
	a.Store.SavePendingPlan(r.Context(), visitorID, plan)

	res := a.Bootstrap.Resolve(r.Context(), visitorID, r.URL)
	if res.State == StateAuthenticated {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (a *App) handlePaymentReturn(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	q := r.URL.Query()

	ent, ok := EntitlementFromPaymentReturn(q.Get("status"), q.Get("plan"), timeNow())
	if !ok {
		a.Logger.Warn("payment return rejected", "status", q.Get("status"), "plan", q.Get("plan"))
		http.Redirect(w, r, "/plans", http.StatusFound)
		return
	}

	a.Store.SetEntitlement(r.Context(), visitorID, ent)
	a.Logger.Info("entitlement activated", "plan", string(ent.Plan))
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	target := a.Logout.Logout(r.Context(), visitorID)
	// Terminal action: nothing below this redirect may assume control
	// resumes on this page.
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleReview(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	rating, err := strconv.Atoi(r.FormValue("rating"))
	if err != nil || rating < 1 || rating > 5 {
		http.Error(w, "rating must be 1-5", http.StatusBadRequest)
		return
	}

	a.Store.SaveReview(r.Context(), visitorID, rating, r.FormValue("comment"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleTrack(w http.ResponseWriter, r *http.Request) {
	visitorID := a.Visitors.Ensure(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	a.Store.RecordEvent(r.Context(), visitorID, name, r.FormValue("detail"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"storage": fmt.Sprintf("%t", a.Store.Enabled()),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
