package gate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

func TestResolveReportsSdkUnavailable(t *testing.T) {
	client := &fakeIdentity{initErr: fmt.Errorf("%w: discovery failed", ErrSdkUnavailable)}
	b := NewBootstrapper(client, NewSessionStore(testStore(t)), testLogger())

	res := b.Resolve(context.Background(), "v1", mustParseURL(t, "https://gate.example.com/"))
	if res.State != StateAnonymous {
		t.Fatalf("expected anonymous, got %v", res.State)
	}
	if !errors.Is(res.Err, ErrSdkUnavailable) {
		t.Fatalf("expected ErrSdkUnavailable, got %v", res.Err)
	}
}

func TestResolveAnonymousWithoutSession(t *testing.T) {
	b := NewBootstrapper(&fakeIdentity{}, NewSessionStore(testStore(t)), testLogger())

	res := b.Resolve(context.Background(), "v1", mustParseURL(t, "https://gate.example.com/"))
	if res.State != StateAnonymous || res.Err != nil {
		t.Fatalf("expected clean anonymous, got %v err=%v", res.State, res.Err)
	}
}

func TestResolveRestoresPersistedSession(t *testing.T) {
	sessions := NewSessionStore(testStore(t))
	ctx := context.Background()
	sessions.Save(ctx, "v1", &AuthSession{SubjectID: "abc123", DisplayName: "Jane", IssuedAt: time.Now()})

	b := NewBootstrapper(&fakeIdentity{}, sessions, testLogger())
	res := b.Resolve(ctx, "v1", mustParseURL(t, "https://gate.example.com/"))
	if res.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v", res.State)
	}
	if res.Session == nil || res.Session.SubjectID != "abc123" {
		t.Fatalf("unexpected session: %+v", res.Session)
	}
}

func TestResolveCallbackWithoutAttemptFails(t *testing.T) {
	client := &fakeIdentity{callback: true}
	b := NewBootstrapper(client, NewSessionStore(testStore(t)), testLogger())

	res := b.Resolve(context.Background(), "v1", mustParseURL(t, "https://gate.example.com/callback?code=c&state=s"))
	if res.State != StateAnonymous {
		t.Fatalf("expected anonymous, got %v", res.State)
	}
	if !errors.Is(res.Err, ErrCallbackExchange) {
		t.Fatalf("expected ErrCallbackExchange, got %v", res.Err)
	}
}

func TestResolveCallbackEstablishesAndPersistsSession(t *testing.T) {
	sessions := NewSessionStore(testStore(t))
	ctx := context.Background()
	attempt := NewLoginAttempt()
	sessions.SaveAttempt(ctx, "v1", attempt)

	client := &fakeIdentity{
		callback: true,
		session:  &AuthSession{SubjectID: "abc123", Email: "jane.doe@example.com", IssuedAt: time.Now()},
		// Profile fetch failing must not fail the flow.
		profileErr: fmt.Errorf("%w: userinfo 500", ErrProfileFetch),
	}
	b := NewBootstrapper(client, sessions, testLogger())

	res := b.Resolve(ctx, "v1", mustParseURL(t, "https://gate.example.com/callback?code=c&state="+attempt.State))
	if res.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v err=%v", res.State, res.Err)
	}
	if res.Session.DisplayName != "jane.doe" {
		t.Fatalf("expected email-derived display name, got %q", res.Session.DisplayName)
	}

	// Persisted for the next page load, and the attempt is consumed.
	if got := sessions.Load(ctx, "v1"); got == nil || got.SubjectID != "abc123" {
		t.Fatalf("session not persisted: %+v", got)
	}
	if sessions.HasPendingAttempt(ctx, "v1") {
		t.Fatalf("login attempt must be consumed by the callback")
	}
}

func TestResolveCallbackUsesProfileName(t *testing.T) {
	sessions := NewSessionStore(testStore(t))
	ctx := context.Background()
	sessions.SaveAttempt(ctx, "v1", NewLoginAttempt())

	client := &fakeIdentity{
		callback: true,
		session:  &AuthSession{SubjectID: "abc123", IssuedAt: time.Now()},
		profile:  &Profile{Subject: "abc123", Name: "Jane Doe", Email: "jane@example.com"},
	}
	b := NewBootstrapper(client, sessions, testLogger())

	res := b.Resolve(ctx, "v1", mustParseURL(t, "https://gate.example.com/callback?code=c&state=s"))
	if res.State != StateAuthenticated || res.Session.DisplayName != "Jane Doe" {
		t.Fatalf("expected profile name, got %v %+v", res.State, res.Session)
	}
	if res.Session.Email != "jane@example.com" {
		t.Fatalf("expected profile email, got %q", res.Session.Email)
	}
}

func TestDeriveDisplayName(t *testing.T) {
	for _, tc := range []struct {
		name, email, subject, want string
	}{
		{"Jane", "jane@example.com", "sub", "Jane"},
		{"", "jane.doe@example.com", "sub", "jane.doe"},
		{"", "no-at-sign", "sub", "no-at-sign"},
		{"", "", "auth0|abc", "auth0|abc"},
	} {
		if got := DeriveDisplayName(tc.name, tc.email, tc.subject); got != tc.want {
			t.Fatalf("DeriveDisplayName(%q,%q,%q) = %q, want %q", tc.name, tc.email, tc.subject, got, tc.want)
		}
	}
}

func TestAuthStateString(t *testing.T) {
	for state, want := range map[AuthState]string{
		StateUnknown:            "unknown",
		StateCompletingCallback: "completing_callback",
		StateCheckingSession:    "checking_session",
		StateAuthenticated:      "authenticated",
		StateAnonymous:          "anonymous",
	} {
		if got := state.String(); got != want {
			t.Fatalf("AuthState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
