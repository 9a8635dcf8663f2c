package gate

import (
	"context"
	"strconv"
	"time"
)

// SessionStore maps the AuthSession value object onto credential-store keys.
// Every field is a single whole-value write; the last writer wins and there
// are no partial updates.
type SessionStore struct {
	store *Store
}

// NewSessionStore wraps the credential store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

// Save persists every session field for the visitor and records the subject
// for returning-user classification.
func (ss *SessionStore) Save(ctx context.Context, visitorID string, sess *AuthSession) {
	if sess == nil {
		return
	}
	ss.store.Put(ctx, visitorID, keySubject, sess.SubjectID)
	ss.store.Put(ctx, visitorID, keyDisplayName, sess.DisplayName)
	ss.store.Put(ctx, visitorID, keyEmail, sess.Email)
	ss.store.Put(ctx, visitorID, keyIDToken, sess.IDToken)
	ss.store.Put(ctx, visitorID, keyAccessToken, sess.AccessToken)
	if sess.RefreshToken != "" {
		ss.store.Put(ctx, visitorID, keyRefreshToken, sess.RefreshToken)
	}
	ss.store.Put(ctx, visitorID, keyIssuedAt, strconv.FormatInt(sess.IssuedAt.Unix(), 10))
	ss.store.Put(ctx, visitorID, keyLastSubject, sess.SubjectID)
}

// Load rebuilds the persisted session, or nil when no subject is stored.
func (ss *SessionStore) Load(ctx context.Context, visitorID string) *AuthSession {
	subject, ok := ss.store.Get(ctx, visitorID, keySubject)
	if !ok || subject == "" {
		return nil
	}
	sess := &AuthSession{SubjectID: subject}
	sess.DisplayName, _ = ss.store.Get(ctx, visitorID, keyDisplayName)
	sess.Email, _ = ss.store.Get(ctx, visitorID, keyEmail)
	sess.IDToken, _ = ss.store.Get(ctx, visitorID, keyIDToken)
	sess.AccessToken, _ = ss.store.Get(ctx, visitorID, keyAccessToken)
	sess.RefreshToken, _ = ss.store.Get(ctx, visitorID, keyRefreshToken)
	if raw, ok := ss.store.Get(ctx, visitorID, keyIssuedAt); ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sess.IssuedAt = time.Unix(unix, 0)
		}
	}
	return sess
}

// Clear removes every session and provider-cache key. The visitor id row
// scope survives; lastSubject survives only when preserveSubject is set.
func (ss *SessionStore) Clear(ctx context.Context, visitorID string, preserveSubject bool) {
	var lastSubject string
	var hadSubject bool
	if preserveSubject {
		lastSubject, hadSubject = ss.store.Get(ctx, visitorID, keyLastSubject)
	}

	ss.store.ClearMatching(ctx, visitorID, sessionMarker)
	ss.store.ClearMatching(ctx, visitorID, authMarker)
	ss.store.Remove(ctx, visitorID, keyLastSubject)

	if preserveSubject && hadSubject {
		ss.store.Put(ctx, visitorID, keyLastSubject, lastSubject)
	}
}

// SaveAttempt stashes the in-flight login transaction under the provider
// namespace, replacing any previous attempt so double-triggered logins share
// one navigation's state.
func (ss *SessionStore) SaveAttempt(ctx context.Context, visitorID string, attempt LoginAttempt) {
	ss.store.Put(ctx, visitorID, txnKeyState, attempt.State)
	ss.store.Put(ctx, visitorID, txnKeyNonce, attempt.Nonce)
	ss.store.Put(ctx, visitorID, txnKeyVerifier, attempt.Verifier)
}

// TakeAttempt retrieves and deletes the in-flight login transaction so the
// callback exchange runs at most once.
func (ss *SessionStore) TakeAttempt(ctx context.Context, visitorID string) (LoginAttempt, bool) {
	state, ok := ss.store.Get(ctx, visitorID, txnKeyState)
	if !ok || state == "" {
		return LoginAttempt{}, false
	}
	attempt := LoginAttempt{State: state}
	attempt.Nonce, _ = ss.store.Get(ctx, visitorID, txnKeyNonce)
	attempt.Verifier, _ = ss.store.Get(ctx, visitorID, txnKeyVerifier)

	ss.store.Remove(ctx, visitorID, txnKeyState)
	ss.store.Remove(ctx, visitorID, txnKeyNonce)
	ss.store.Remove(ctx, visitorID, txnKeyVerifier)
	return attempt, true
}

// HasPendingAttempt reports whether a login navigation is already in flight.
func (ss *SessionStore) HasPendingAttempt(ctx context.Context, visitorID string) bool {
	state, ok := ss.store.Get(ctx, visitorID, txnKeyState)
	return ok && state != ""
}

// LastSubject returns the subject seen on the previous login, if preserved.
func (ss *SessionStore) LastSubject(ctx context.Context, visitorID string) (string, bool) {
	return ss.store.Get(ctx, visitorID, keyLastSubject)
}
