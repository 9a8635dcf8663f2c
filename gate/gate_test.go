package gate

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s := OpenStore(filepath.Join(t.TempDir(), "gate.db"), testLogger())
	if !s.Enabled() {
		t.Fatalf("test store did not open")
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock records sleeps instead of performing them.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// fakeIdentity is a scriptable IdentityClient for state-machine tests.
type fakeIdentity struct {
	initErr     error
	callback    bool
	session     *AuthSession
	completeErr error
	profile     *Profile
	profileErr  error
	token       string
	tokenErr    error
	loginURL    string
	logoutURL   string
}

func (f *fakeIdentity) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeIdentity) IsCallbackURL(u *url.URL) bool { return f.callback }

func (f *fakeIdentity) CompleteCallback(ctx context.Context, q url.Values, attempt LoginAttempt) (*AuthSession, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.session, nil
}

func (f *fakeIdentity) IsAuthenticated(sess *AuthSession) bool {
	return sess != nil && sess.SubjectID != ""
}

func (f *fakeIdentity) Profile(ctx context.Context, sess *AuthSession) (*Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

func (f *fakeIdentity) Token(ctx context.Context, sess *AuthSession) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeIdentity) LoginURL(attempt LoginAttempt, hint LoginHint) (string, error) {
	return f.loginURL, nil
}

func (f *fakeIdentity) LogoutURL(returnTo string) string { return f.logoutURL }
