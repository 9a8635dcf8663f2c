package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
)

// AuthState is the per-request resolution of the adapter's state machine.
type AuthState int

const (
	StateUnknown AuthState = iota
	StateCompletingCallback
	StateCheckingSession
	StateAuthenticated
	StateAnonymous
)

func (s AuthState) String() string {
	switch s {
	case StateCompletingCallback:
		return "completing_callback"
	case StateCheckingSession:
		return "checking_session"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// BootstrapResult is what a page load resolves to. Err is set alongside
// StateAnonymous when the resolution failed in a way worth surfacing.
type BootstrapResult struct {
	State   AuthState
	Session *AuthSession
	Err     error
}

// Bootstrapper drives the session state machine on every page load: complete
// a pending callback if the URL carries one, otherwise check for an existing
// session. All session-mutating sequences run to completion before the
// result is returned; nothing else reads the session mid-flight.
type Bootstrapper struct {
	client   IdentityClient
	sessions *SessionStore
	logger   *slog.Logger
}

// NewBootstrapper wires the bootstrapper.
func NewBootstrapper(client IdentityClient, sessions *SessionStore, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{client: client, sessions: sessions, logger: logger}
}

// Resolve runs Unknown → (CompletingCallback | CheckingSession) →
// Authenticated | Anonymous for the given request URL.
func (b *Bootstrapper) Resolve(ctx context.Context, visitorID string, u *url.URL) BootstrapResult {
	if err := b.client.Initialize(ctx); err != nil {
		b.logger.Error("bootstrap init", "error", err)
		return BootstrapResult{State: StateAnonymous, Err: err}
	}

	if b.client.IsCallbackURL(u) {
		return b.completeCallback(ctx, visitorID, u)
	}
	return b.checkSession(ctx, visitorID)
}

func (b *Bootstrapper) completeCallback(ctx context.Context, visitorID string, u *url.URL) BootstrapResult {
	attempt, ok := b.sessions.TakeAttempt(ctx, visitorID)
	if !ok {
		err := errors.Join(ErrCallbackExchange, errors.New("no login attempt in flight"))
		b.logger.Warn("callback without attempt", "visitor", visitorID)
		return BootstrapResult{State: StateAnonymous, Err: err}
	}

	sess, err := b.client.CompleteCallback(ctx, u.Query(), attempt)
	if err != nil {
		b.logger.Error("callback exchange", "error", err)
		return BootstrapResult{State: StateAnonymous, Err: err}
	}

	b.decorateDisplayName(ctx, sess)
	b.sessions.Save(ctx, visitorID, sess)
	b.logger.Info("session established", "sub", sess.SubjectID, "state", StateAuthenticated.String())
	return BootstrapResult{State: StateAuthenticated, Session: sess}
}

func (b *Bootstrapper) checkSession(ctx context.Context, visitorID string) BootstrapResult {
	sess := b.sessions.Load(ctx, visitorID)
	if sess == nil || !b.client.IsAuthenticated(sess) {
		return BootstrapResult{State: StateAnonymous}
	}
	return BootstrapResult{State: StateAuthenticated, Session: sess}
}

// decorateDisplayName fills DisplayName from the profile endpoint, falling
// back to the local part of the email when the profile has no name or the
// fetch fails. A profile failure never fails the whole flow.
func (b *Bootstrapper) decorateDisplayName(ctx context.Context, sess *AuthSession) {
	profile, err := b.client.Profile(ctx, sess)
	if err != nil {
		b.logger.Warn("profile fetch", "error", err)
	} else {
		if profile.Name != "" {
			sess.DisplayName = profile.Name
		}
		if profile.Email != "" {
			sess.Email = profile.Email
		}
	}

	if sess.DisplayName == "" {
		sess.DisplayName = DeriveDisplayName("", sess.Email, sess.SubjectID)
	}
}

// DeriveDisplayName prefers the profile name, then the local part of the
// email address, then the subject.
func DeriveDisplayName(name, email, subject string) string {
	if name != "" {
		return name
	}
	if email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			return email[:at]
		}
		return email
	}
	return subject
}
