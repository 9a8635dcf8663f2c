package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Client strategies. Redirect performs the full-page navigation code flow;
// silent additionally requests offline access and renews tokens through the
// provider without a navigation.
const (
	StrategyRedirect = "redirect"
	StrategySilent   = "silent"
)

// LoginHint steers the provider's hosted page.
type LoginHint string

const (
	HintNone   LoginHint = ""
	HintSignup LoginHint = "signup"
	HintGoogle LoginHint = "google"
)

// AuthSession is the value object owned by the bootstrapper and passed to
// collaborators; there are no ambient globals holding auth state.
type AuthSession struct {
	SubjectID    string
	DisplayName  string
	Email        string
	IDToken      string
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
}

// Profile is the identity provider's view of the user.
type Profile struct {
	Subject string
	Name    string
	Email   string
	Claims  map[string]any
}

// LoginAttempt carries the anti-forgery values for one authorization
// navigation. It is persisted in the credential store under the provider
// transaction namespace and consumed by the callback.
type LoginAttempt struct {
	State    string
	Nonce    string
	Verifier string
}

// NewLoginAttempt generates fresh state, nonce, and PKCE verifier values.
func NewLoginAttempt() LoginAttempt {
	return LoginAttempt{
		State:    randomHex(16),
		Nonce:    randomHex(16),
		Verifier: oauth2.GenerateVerifier(),
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// IdentityClient is the uniform capability surface over the provider,
// regardless of which underlying flow is configured.
type IdentityClient interface {
	// Initialize discovers the provider. Idempotent: a second call with the
	// same configuration reuses the discovered endpoints. Each failed call
	// re-runs the bounded discovery poll and reports ErrSdkUnavailable.
	Initialize(ctx context.Context) error
	// IsCallbackURL reports whether u carries the provider's success markers
	// (code+state, or an implicit token). A bare page load never matches.
	IsCallbackURL(u *url.URL) bool
	// CompleteCallback performs exactly one exchange attempt for the values
	// in q against the recorded attempt.
	CompleteCallback(ctx context.Context, q url.Values, attempt LoginAttempt) (*AuthSession, error)
	// IsAuthenticated reports whether sess still represents a usable session.
	IsAuthenticated(sess *AuthSession) bool
	// Profile fetches the user profile for sess.
	Profile(ctx context.Context, sess *AuthSession) (*Profile, error)
	// Token returns a currently-usable bearer token for the hand-off,
	// renewing silently when the strategy supports it.
	Token(ctx context.Context, sess *AuthSession) (string, error)
	// LoginURL builds the authorization navigation with an explicit
	// configured return address.
	LoginURL(attempt LoginAttempt, hint LoginHint) (string, error)
	// LogoutURL builds the provider end-session navigation.
	LogoutURL(returnTo string) string
}

// NewIdentityClient constructs the configured strategy.
func NewIdentityClient(cfg ProviderConfig, callbackURL string, sessionTTL time.Duration, logger *slog.Logger, clock Clock) IdentityClient {
	core := &providerCore{
		cfg:         cfg,
		callbackURL: callbackURL,
		sessionTTL:  sessionTTL,
		logger:      logger,
		clock:       clock,
	}
	if cfg.Strategy == StrategySilent {
		return &silentClient{redirectClient{core}}
	}
	return &redirectClient{core}
}

// providerCore holds the discovered provider shared by both strategies.
type providerCore struct {
	cfg         ProviderConfig
	callbackURL string
	sessionTTL  time.Duration
	logger      *slog.Logger
	clock       Clock

	mu       sync.Mutex
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

func (c *providerCore) initialize(ctx context.Context, extraScopes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return nil
	}

	attempts := c.cfg.DiscoveryAttempts
	if attempts <= 0 {
		attempts = DefaultDiscoveryAttempts
	}
	interval := c.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}

	var provider *oidc.Provider
	err := pollUntil(ctx, attempts, interval, c.clock, func(ctx context.Context) error {
		p, err := oidc.NewProvider(ctx, c.cfg.Issuer)
		if err != nil {
			return err
		}
		provider = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: discover %s: %v", ErrSdkUnavailable, c.cfg.Issuer, err)
	}

	endpoint := provider.Endpoint()
	if c.cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := append([]string{oidc.ScopeOpenID, "profile", "email"}, extraScopes...)

	c.provider = provider
	c.verifier = provider.Verifier(&oidc.Config{ClientID: c.cfg.ClientID})
	c.oauth = &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.callbackURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	c.logger.Info("identity provider ready", "issuer", c.cfg.Issuer)
	return nil
}

func (c *providerCore) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider != nil
}

// redirectClient implements the full-page navigation strategy.
type redirectClient struct {
	core *providerCore
}

func (r *redirectClient) Initialize(ctx context.Context) error {
	return r.core.initialize(ctx)
}

func (r *redirectClient) IsCallbackURL(u *url.URL) bool {
	q := u.Query()
	if q.Get("code") != "" && q.Get("state") != "" {
		return true
	}
	// Implicit-flow markers arrive as query parameters when the provider is
	// configured with response_mode=query.
	if q.Get("id_token") != "" || q.Get("access_token") != "" {
		return true
	}
	return false
}

func (r *redirectClient) CompleteCallback(ctx context.Context, q url.Values, attempt LoginAttempt) (*AuthSession, error) {
	if !r.core.ready() {
		return nil, fmt.Errorf("%w: provider not initialized", ErrCallbackExchange)
	}
	if errCode := q.Get("error"); errCode != "" {
		return nil, fmt.Errorf("%w: provider returned %s: %s", ErrCallbackExchange, errCode, q.Get("error_description"))
	}

	state := q.Get("state")
	if attempt.State == "" || state != attempt.State {
		return nil, fmt.Errorf("%w: state mismatch", ErrCallbackExchange)
	}

	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrCallbackExchange)
	}

	opts := []oauth2.AuthCodeOption{}
	if attempt.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(attempt.Verifier))
	}
	tok, err := r.core.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", ErrCallbackExchange, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing in response", ErrCallbackExchange)
	}

	idToken, err := r.core.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verify id_token: %v", ErrCallbackExchange, err)
	}
	if attempt.Nonce != "" && idToken.Nonce != attempt.Nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrCallbackExchange)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %v", ErrCallbackExchange, err)
	}

	sess := &AuthSession{
		SubjectID:    idToken.Subject,
		IDToken:      rawIDToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now(),
	}
	if email, ok := claims["email"].(string); ok {
		sess.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		sess.DisplayName = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		sess.DisplayName = preferred
	}

	return sess, nil
}

func (r *redirectClient) IsAuthenticated(sess *AuthSession) bool {
	if sess == nil || sess.SubjectID == "" || sess.IDToken == "" {
		return false
	}
	return tokenUsable(sess.IDToken, sess.IssuedAt, r.core.sessionTTL)
}

func (r *redirectClient) Profile(ctx context.Context, sess *AuthSession) (*Profile, error) {
	if !r.core.ready() {
		return nil, fmt.Errorf("%w: provider not initialized", ErrProfileFetch)
	}
	if sess == nil || sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token", ErrProfileFetch)
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: sess.AccessToken, TokenType: "Bearer"})
	info, err := r.core.provider.UserInfo(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileFetch, err)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %v", ErrProfileFetch, err)
	}

	p := &Profile{Subject: info.Subject, Email: info.Email, Claims: claims}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		p.Name = preferred
	}
	return p, nil
}

func (r *redirectClient) Token(ctx context.Context, sess *AuthSession) (string, error) {
	if !r.IsAuthenticated(sess) {
		return "", fmt.Errorf("no usable token")
	}
	return sess.IDToken, nil
}

func (r *redirectClient) LoginURL(attempt LoginAttempt, hint LoginHint) (string, error) {
	if !r.core.ready() {
		return "", fmt.Errorf("%w: provider not initialized", ErrSdkUnavailable)
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(attempt.Verifier),
		oidc.Nonce(attempt.Nonce),
	}
	switch hint {
	case HintSignup:
		opts = append(opts, oauth2.SetAuthURLParam("screen_hint", "signup"))
	case HintGoogle:
		opts = append(opts, oauth2.SetAuthURLParam("connection", "google-oauth2"))
	}
	return r.core.oauth.AuthCodeURL(attempt.State, opts...), nil
}

func (r *redirectClient) LogoutURL(returnTo string) string {
	base := r.core.cfg.LogoutURL
	if base == "" {
		base = strings.TrimSuffix(r.core.cfg.Issuer, "/") + "/v2/logout"
	}
	u, err := url.Parse(base)
	if err != nil {
		return returnTo
	}
	q := u.Query()
	q.Set("client_id", r.core.cfg.ClientID)
	q.Set("returnTo", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// silentClient extends the redirect strategy with refresh-token renewal so a
// session can be checked and extended without a navigation.
type silentClient struct {
	redirectClient
}

func (s *silentClient) Initialize(ctx context.Context) error {
	return s.core.initialize(ctx, oidc.ScopeOfflineAccess)
}

func (s *silentClient) IsAuthenticated(sess *AuthSession) bool {
	if s.redirectClient.IsAuthenticated(sess) {
		return true
	}
	return sess != nil && sess.SubjectID != "" && sess.RefreshToken != ""
}

func (s *silentClient) Token(ctx context.Context, sess *AuthSession) (string, error) {
	if sess != nil && sess.IDToken != "" && tokenUsable(sess.IDToken, sess.IssuedAt, s.core.sessionTTL) {
		return sess.IDToken, nil
	}
	if sess == nil || sess.RefreshToken == "" || !s.core.ready() {
		return "", fmt.Errorf("no usable token")
	}

	// Silent renewal: let oauth2 drive the refresh grant.
	src := s.core.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: sess.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("silent renewal: %w", err)
	}

	sess.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		sess.RefreshToken = tok.RefreshToken
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		sess.IDToken = raw
	}
	sess.IssuedAt = time.Now()
	return sess.IDToken, nil
}

// tokenUsable peeks at the token's exp claim without verifying the signature
// (validation is the downstream's concern, not the gate's). Opaque tokens
// fall back to the session-age bound.
func tokenUsable(raw string, issuedAt time.Time, ttl time.Duration) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return time.Now().Before(exp.Time)
		}
	}
	if issuedAt.IsZero() || ttl <= 0 {
		return false
	}
	return time.Now().Before(issuedAt.Add(ttl))
}
