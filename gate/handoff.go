package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Handoff builds the one-shot outbound navigation that carries the session
// to the downstream application, or diverts unentitled users to payment or
// plan selection. The token travels only in the returned URL; it is never
// written to a persistent log channel.
type Handoff struct {
	cfg    Config
	store  *Store
	client IdentityClient
	logger *slog.Logger
	now    func() time.Time
}

// NewHandoff wires the redirector.
func NewHandoff(cfg Config, store *Store, client IdentityClient, logger *slog.Logger) *Handoff {
	return &Handoff{cfg: cfg, store: store, client: client, logger: logger, now: time.Now}
}

// BuildURL decides the destination for an authenticated session:
//
//   - entitlement active, or the email is on the test-account allowlist →
//     downstream app with user=new, userid, token, and a cache-busting ts
//   - a pending plan selection exists → that plan's payment link, the
//     selection consumed exactly once
//   - otherwise → the plan-selection page carrying the subject id
func (h *Handoff) BuildURL(ctx context.Context, visitorID string, sess *AuthSession) (string, error) {
	if sess == nil || sess.SubjectID == "" {
		return "", fmt.Errorf("no session to hand off")
	}

	ent := h.store.Entitlement(ctx, visitorID)
	if ent.Active || h.allowlisted(sess.Email) {
		return h.downstreamURL(ctx, sess)
	}

	if plan, ok := h.store.ConsumePendingPlan(ctx, visitorID); ok {
		if link, err := h.PaymentURL(plan, sess.SubjectID); err == nil {
			h.logger.Info("handoff to payment", "plan", string(plan))
			return link, nil
		}
		h.logger.Warn("pending plan has no payment link", "plan", string(plan))
	}

	return h.plansURL(sess.SubjectID), nil
}

func (h *Handoff) downstreamURL(ctx context.Context, sess *AuthSession) (string, error) {
	token, err := h.client.Token(ctx, sess)
	if err != nil {
		return "", fmt.Errorf("handoff token: %w", err)
	}

	u, err := url.Parse(h.cfg.Downstream.AppURL)
	if err != nil {
		return "", fmt.Errorf("parse downstream url: %w", err)
	}
	q := u.Query()
	// user=new marks a fresh workspace instance rather than resuming state.
	q.Set("user", "new")
	q.Set("userid", sess.SubjectID)
	q.Set("token", token)
	q.Set("ts", strconv.FormatInt(h.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	h.logger.Info("handoff to downstream", "host", u.Host, "sub", sess.SubjectID)
	return u.String(), nil
}

func (h *Handoff) plansURL(subjectID string) string {
	u, err := url.Parse(h.cfg.PlansURL())
	if err != nil {
		return h.cfg.PlansURL()
	}
	q := u.Query()
	q.Set("userid", subjectID)
	u.RawQuery = q.Encode()
	return u.String()
}

// PaymentURL builds the payment-link navigation for a plan, embedding a
// client reference id and the success/cancel return addresses that encode
// plan and subject.
func (h *Handoff) PaymentURL(plan Plan, subjectID string) (string, error) {
	link, ok := h.cfg.Payment.Links[string(plan)]
	if !ok || link == "" {
		return "", fmt.Errorf("no payment link for plan %s", plan)
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse payment link: %w", err)
	}

	base := strings.TrimSuffix(h.cfg.Server.PublicURL, "/")
	ret := func(status string) string {
		v := url.Values{}
		v.Set("status", status)
		v.Set("plan", string(plan))
		v.Set("userid", subjectID)
		return base + "/payment/return?" + v.Encode()
	}

	q := u.Query()
	q.Set("client_reference_id", h.cfg.Payment.ClientReferencePrefix+subjectID)
	q.Set("success_url", ret(paymentStatusSuccess))
	q.Set("cancel_url", ret("cancelled"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *Handoff) allowlisted(email string) bool {
	if email == "" {
		return false
	}
	for _, allowed := range h.cfg.Downstream.TestAccounts {
		if strings.EqualFold(strings.TrimSpace(allowed), email) {
			return true
		}
	}
	return false
}
