package gate

import (
	"context"
	"log/slog"
)

// LogoutCoordinator tears a session down. Local credentials are cleared
// before the provider navigation is even constructed: the redirect is not
// guaranteed to let any later script run, and a failed remote logout must
// never leave a usable token on this device. The visitor id always survives.
type LogoutCoordinator struct {
	cfg      Config
	sessions *SessionStore
	client   IdentityClient
	logger   *slog.Logger
}

// NewLogoutCoordinator wires the coordinator.
func NewLogoutCoordinator(cfg Config, sessions *SessionStore, client IdentityClient, logger *slog.Logger) *LogoutCoordinator {
	return &LogoutCoordinator{cfg: cfg, sessions: sessions, client: client, logger: logger}
}

// Logout clears all session state for the visitor and returns the provider
// end-session URL to navigate to. The returned URL falls back to the gate's
// own origin when the provider logout cannot be built; local state is gone
// either way.
func (l *LogoutCoordinator) Logout(ctx context.Context, visitorID string) string {
	l.sessions.Clear(ctx, visitorID, l.cfg.Logout.PreserveSubject)

	if remaining := l.sessions.store.SessionKeyCount(ctx, visitorID); remaining > 0 {
		l.logger.Error("logout left session keys behind", "error", ErrLogout, "remaining", remaining)
	}

	returnTo := l.cfg.LogoutReturnURL()
	target := l.client.LogoutURL(returnTo)
	if target == "" {
		l.logger.Warn("provider logout unavailable", "error", ErrLogout)
		return returnTo
	}
	l.logger.Info("logout", "visitor", visitorID)
	return target
}
