package gate

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the gate.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/", a.handleHome)
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/dashboard", a.handleDashboard)
	r.Get("/logout", a.handleLogout)

	r.Get("/plans", a.handlePlans)
	r.Get("/plans/select", a.handlePlanSelect)
	r.Get("/payment/return", a.handlePaymentReturn)

	r.Post("/review", a.handleReview)
	r.Post("/track", a.handleTrack)

	r.Get("/healthz", a.handleHealth)

	if a.DevIdP != nil {
		r.Mount("/devidp", a.DevIdP.Routes())
	}

	return r
}
